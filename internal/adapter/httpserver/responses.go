package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// API error codes. Stable strings: clients branch on them.
const (
	codeBadRequest        = "BAD_REQUEST"
	codeUnauthorized      = "UNAUTHORIZED"
	codeInsufficientScope = "INSUFFICIENT_SCOPE"
	codeClientDisabled    = "CLIENT_DISABLED"
	codeJobNotFound       = "JOB_NOT_FOUND"
	codeJobOwnership      = "JOB_OWNERSHIP_ERROR"
	codeRateLimited       = "RATE_LIMIT_EXCEEDED"
	codeQuotaExceeded     = "QUOTA_EXCEEDED"
	codeDatabaseError     = "DATABASE_ERROR"
	codeInternal          = "INTERNAL_SERVER_ERROR"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErrorCode writes the canonical error envelope with an explicit code.
func writeErrorCode(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Details: details}})
}

// writeError maps a domain error onto the envelope via errors.Is.
func writeError(w http.ResponseWriter, err error, details any) {
	status := http.StatusInternalServerError
	code := codeInternal
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, codeBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, codeInsufficientScope
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, codeJobNotFound
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, codeBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, domain.ErrQuotaExceeded):
		status, code = http.StatusTooManyRequests, codeQuotaExceeded
	case errors.Is(err, domain.ErrInternal):
		status, code = http.StatusInternalServerError, codeDatabaseError
	}
	writeErrorCode(w, status, code, err.Error(), details)
}
