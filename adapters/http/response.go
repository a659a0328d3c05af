package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/velariq/tokengate/domain/access"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string     `json:"error"`
	Code  string     `json:"code"`
	Used  int64      `json:"used,omitempty"`
	Limit int64      `json:"limit,omitempty"`
	Reset *time.Time `json:"resets,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeAccessError maps the request-path error taxonomy onto HTTP.
// Store failures never leak their cause to the client.
func writeAccessError(w http.ResponseWriter, err error) {
	var qe *access.QuotaError
	switch {
	case errors.As(err, &qe):
		reset := qe.ResetAt.UTC()
		body := ErrorResponse{
			Error: "Token limit exceeded",
			Code:  access.ReasonQuotaExceeded,
			Used:  qe.Used,
			Limit: qe.Limit,
		}
		if !reset.IsZero() {
			body.Reset = &reset
		}
		writeJSON(w, http.StatusTooManyRequests, body)
	case errors.Is(err, access.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, access.ReasonMissingKey, "API key required")
	case errors.Is(err, access.ErrForbidden):
		writeError(w, http.StatusForbidden, access.ReasonInvalidKey, "Invalid API key or no active subscription")
	case errors.Is(err, access.ErrNotConfirmed):
		writeError(w, http.StatusBadRequest, "confirmation_required", "Confirmation required")
	case errors.Is(err, access.ErrInvalidCharge):
		writeError(w, http.StatusBadRequest, "invalid_charge", "Token amount must be positive")
	default:
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "Service temporarily unavailable")
	}
}

// outcome labels an error for the auth decision counter.
func outcome(err error) string {
	var qe *access.QuotaError
	switch {
	case err == nil:
		return "allowed"
	case errors.As(err, &qe):
		return "quota_exceeded"
	case errors.Is(err, access.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, access.ErrForbidden):
		return "forbidden"
	default:
		return "unavailable"
	}
}
