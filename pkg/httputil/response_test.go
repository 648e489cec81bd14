package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]string{"key": "value"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "value", body["key"])
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorMessage(w, http.StatusBadRequest, "bad input")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "bad input", body["error"])
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusInternalServerError, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "boom", body["error"])
}

func TestWriteUpgradeRequired(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUpgradeRequired(w, UpgradeRequiredResponse{
		Reason:       "feature competitor_analysis requires a higher tier",
		CurrentTier:  "starter",
		RequiredTier: "agency",
		Feature:      "competitor_analysis",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	var body UpgradeRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "upgrade_required", body.Error)
	assert.Equal(t, "starter", body.CurrentTier)
	assert.Equal(t, "agency", body.RequiredTier)
	assert.Equal(t, "competitor_analysis", body.Feature)
}

func TestWriteQuotaExceeded(t *testing.T) {
	w := httptest.NewRecorder()
	WriteQuotaExceeded(w, QuotaExceededResponse{
		Quota: "monthlyAnalyses",
		Limit: 250,
		Used:  250,
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var body QuotaExceededResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body.Error)
	assert.Equal(t, int64(250), body.Limit)
}

func TestWriteAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteAccepted(w, map[string]string{"status": "accepted"}))
	assert.Equal(t, http.StatusAccepted, w.Code)
}
