// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteNotFoundError writes a not found error response (404 Not Found)
func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteInternalError writes an internal server error response (500 Internal Server Error)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, err)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteAccepted writes a 202 Accepted with JSON data. Used by the webhook
// receiver, which acknowledges deliveries it could not finish applying.
func WriteAccepted(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusAccepted, data)
}

// UpgradeRequiredResponse tells an API caller which tier unlocks the thing
// they just hit a wall on. Clients render it as an upsell, so the fields are
// part of the public contract.
type UpgradeRequiredResponse struct {
	Error        string `json:"error"`
	Reason       string `json:"reason"`
	CurrentTier  string `json:"current_tier"`
	RequiredTier string `json:"required_tier,omitempty"`
	Feature      string `json:"feature,omitempty"`
}

// WriteUpgradeRequired writes a 403 with the upgrade payload.
func WriteUpgradeRequired(w http.ResponseWriter, resp UpgradeRequiredResponse) {
	resp.Error = "upgrade_required"
	WriteJSON(w, http.StatusForbidden, resp)
}

// QuotaExceededResponse reports an exhausted usage quota.
type QuotaExceededResponse struct {
	Error string `json:"error"`
	Quota string `json:"quota"`
	Limit int64  `json:"limit"`
	Used  int64  `json:"used"`
}

// WriteQuotaExceeded writes a 429 with the quota payload. 429 rather than
// 403: the request is fine, the tenant just has to wait for the period
// rollover (or upgrade).
func WriteQuotaExceeded(w http.ResponseWriter, resp QuotaExceededResponse) {
	resp.Error = "quota_exceeded"
	WriteJSON(w, http.StatusTooManyRequests, resp)
}
