// Package httpserver contains the HTTP handlers, auth, and middleware for
// the thin API front-end. No scheduling logic lives here; handlers validate,
// call a use-case, and shape the response.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorMapping is the ordered sentinel-to-HTTP table. First match wins;
// anything unmatched falls through to INTERNAL_ERROR.
var errorMapping = []struct {
	sentinel error
	status   int
	code     string
}{
	{domain.ErrInvalidArgument, http.StatusBadRequest, "BAD_REQUEST"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
	{domain.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	message := err.Error()
	for _, m := range errorMapping {
		if errors.Is(err, m.sentinel) {
			status = m.status
			code = m.code
			// Surface the sentinel text, not internal op= chains.
			message = m.sentinel.Error()
			break
		}
	}
	if status == http.StatusInternalServerError {
		LoggerFrom(r).Error("internal error", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Details: details}})
}
