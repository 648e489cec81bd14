// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error
// responses, parameter parsing, and common HTTP middleware patterns. The
// entitlement-specific payloads (UpgradeRequiredResponse,
// QuotaExceededResponse) live here because every gated surface writes them.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteBadRequest(w, "Invalid input")
//	httputil.WriteUpgradeRequired(w, httputil.UpgradeRequiredResponse{...})
//	httputil.WriteQuotaExceeded(w, httputil.QuotaExceededResponse{...})
//
// # Request Helpers
//
//	var req AnalysisRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//	    return
//	}
//	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
//
// # Middleware
//
//	handler := httputil.Chain(
//	    httputil.RequestIDMiddleware,
//	    httputil.RecoveryMiddleware,
//	    httputil.MaxBytesMiddleware(1<<20),
//	)(mux)
package httputil
