package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed requests or payloads (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryUpstream represents failures of the remote game API
	CategoryUpstream ErrorCategory = "upstream"
	// CategoryAuth represents token exchange failures
	CategoryAuth ErrorCategory = "auth"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCoordination represents shared coordination store failures
	CategoryCoordination ErrorCategory = "coordination"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryNotFinished represents matches that are still in progress
	CategoryNotFinished ErrorCategory = "not_finished"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// User Input Errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInvalidPayloadError reports an upstream payload that failed validation
func NewInvalidPayloadError(what string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadGateway,
		Code:       "INVALID_PAYLOAD",
		Message:    fmt.Sprintf("invalid %s payload", what),
		Cause:      cause,
		Details: map[string]interface{}{
			"payload": what,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewMatchNotFinishedError is returned when a match has neither an end time nor a disband event.
func NewMatchNotFinishedError(matchID int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFinished,
		StatusCode: http.StatusConflict,
		Code:       "MATCH_NOT_FINISHED",
		Message:    fmt.Sprintf("match %d is not finished", matchID),
		Details: map[string]interface{}{
			"matchId": matchID,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCoordinationUnavailableError is returned when the shared rate limiter or queue
// store cannot be reached. Callers must not proceed without coordination.
func NewCoordinationUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCoordination,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "COORDINATION_UNAVAILABLE",
		Message:    fmt.Sprintf("coordination store unavailable during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Upstream Errors

// NewUpstreamError creates an error for a non-success upstream response
func NewUpstreamError(endpoint string, statusCode int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       "UPSTREAM_ERROR",
		Message:    fmt.Sprintf("upstream request %s failed with status %d", endpoint, statusCode),
		Details: map[string]interface{}{
			"endpoint":       endpoint,
			"upstreamStatus": statusCode,
		},
	}
}

// NewUpstreamTransportError wraps a network failure talking to the upstream API
func NewUpstreamTransportError(endpoint string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       "UPSTREAM_UNREACHABLE",
		Message:    fmt.Sprintf("upstream request %s failed", endpoint),
		Cause:      cause,
		Details: map[string]interface{}{
			"endpoint": endpoint,
		},
	}
}

// NewAuthError creates a token exchange error
func NewAuthError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuth,
		StatusCode: http.StatusBadGateway,
		Code:       "TOKEN_EXCHANGE_FAILED",
		Message:    "failed to obtain access token",
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

func hasCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) {
		return false
	}
	return catErr.Category == category
}

// IsNotFound reports whether err (or anything it wraps) is a not found error
func IsNotFound(err error) bool {
	return hasCategory(err, CategoryNotFound)
}

// IsNotFinished reports whether err is a match-not-finished error
func IsNotFinished(err error) bool {
	return hasCategory(err, CategoryNotFinished)
}

// IsConflict reports whether err is a conflict error
func IsConflict(err error) bool {
	return hasCategory(err, CategoryConflict)
}

// IsCoordinationUnavailable reports whether err is a coordination store failure
func IsCoordinationUnavailable(err error) bool {
	return hasCategory(err, CategoryCoordination)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryUpstream, CategoryAuth, CategoryDatabase, CategoryCoordination, CategoryNotFinished:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
