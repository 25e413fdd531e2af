package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondServiceError maps a categorized error onto the response.
// Server-side failures are logged and reported without their cause.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	logger := logging.FromContext(r.Context()).WithError(err)
	if apperrors.IsUserError(err) {
		logger.Debug("request rejected")
		respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
		return
	}

	logger.Error("request failed")
	code := ErrCodeInternalError
	if catErr.StatusCode == http.StatusServiceUnavailable {
		code = ErrCodeServiceUnavailable
	}
	respondJSON(w, catErr.StatusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:      code,
			Message:   "An internal error occurred",
			Retryable: apperrors.IsRetryable(err),
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
