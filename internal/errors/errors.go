// Package errors provides categorized error types for the sync engine and the
// mapping from remote API failures onto dead-letter failure categories.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents authentication failures; never retried automatically
	CategoryAuth ErrorCategory = "auth"
	// CategoryRateLimit represents rate limit responses from the remote API
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryQuota represents daily quota exhaustion
	CategoryQuota ErrorCategory = "quota"
	// CategoryNetwork represents transient network or server errors
	CategoryNetwork ErrorCategory = "network"
	// CategoryInvalidData represents data or validation errors
	CategoryInvalidData ErrorCategory = "invalid_data"
	// CategoryStorage represents local persistence errors
	CategoryStorage ErrorCategory = "storage"
	// CategoryNotFound represents missing remote resources
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryUnknown represents errors that could not be classified
	CategoryUnknown ErrorCategory = "unknown"
)

// CategorizedError wraps an error with a category and a stable code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Cause    error
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

// Retriable reports whether the error category is worth retrying
// automatically. Auth and validation failures require operator action.
func (e *CategorizedError) Retriable() bool {
	switch e.Category {
	case CategoryRateLimit, CategoryQuota, CategoryNetwork:
		return true
	}
	return false
}

// NewAuthError creates an authentication error
func NewAuthError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryAuth,
		Code:     "AUTH_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRateLimit,
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "remote API rate limit exceeded",
		Cause:    cause,
	}
}

// NewQuotaError creates a quota exhaustion error
func NewQuotaError(cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryQuota,
		Code:     "QUOTA_EXCEEDED",
		Message:  "remote API quota exceeded",
		Cause:    cause,
	}
}

// NewNetworkError creates a transient network/server error
func NewNetworkError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryNetwork,
		Code:     "NETWORK_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

// NewInvalidDataError creates a data validation error
func NewInvalidDataError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryInvalidData,
		Code:     "INVALID_DATA",
		Message:  message,
		Cause:    cause,
	}
}

// NewStorageError creates a local persistence error
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryStorage,
		Code:     "STORAGE_ERROR",
		Message:  fmt.Sprintf("storage error during %s", operation),
		Cause:    cause,
	}
}

// NewNotFoundError creates a missing-resource error
func NewNotFoundError(resource, id string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// Classify categorizes an arbitrary error. Errors from the remote API are
// mapped by HTTP status and reason; anything unrecognized becomes unknown.
func Classify(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewNetworkError("network failure", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewNetworkError("remote call timed out", err)
	}

	return &CategorizedError{
		Category: CategoryUnknown,
		Code:     "UNKNOWN_ERROR",
		Message:  "unexpected error",
		Cause:    err,
	}
}

// classifyAPIError maps a googleapi error onto a category
func classifyAPIError(apiErr *googleapi.Error) *CategorizedError {
	switch apiErr.Code {
	case http.StatusUnauthorized:
		return NewAuthError("authentication failed", apiErr)
	case http.StatusForbidden:
		// 403 is used both for quota exhaustion and for revoked access
		for _, item := range apiErr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded":
				return NewRateLimitError(apiErr)
			case "quotaExceeded", "dailyLimitExceeded":
				return NewQuotaError(apiErr)
			}
		}
		return NewAuthError("access forbidden", apiErr)
	case http.StatusTooManyRequests:
		return NewRateLimitError(apiErr)
	case http.StatusNotFound:
		return NewNotFoundError("remote resource", apiErr.Message)
	case http.StatusBadRequest:
		return NewInvalidDataError("remote API rejected request", apiErr)
	}
	if apiErr.Code >= 500 {
		return NewNetworkError(fmt.Sprintf("remote server error (%d)", apiErr.Code), apiErr)
	}
	return &CategorizedError{
		Category: CategoryUnknown,
		Code:     "UNKNOWN_ERROR",
		Message:  fmt.Sprintf("unexpected remote API error (%d)", apiErr.Code),
		Cause:    apiErr,
	}
}

// FailureTypeFor maps an error onto the dead-letter failure category used
// when quarantining the affected message.
func FailureTypeFor(err error) models.FailureType {
	switch Classify(err).Category {
	case CategoryAuth:
		return models.FailureAuth
	case CategoryRateLimit:
		return models.FailureRateLimit
	case CategoryQuota:
		return models.FailureQuotaExceeded
	case CategoryNetwork:
		return models.FailureNetwork
	case CategoryInvalidData:
		return models.FailureInvalidData
	case CategoryStorage:
		return models.FailureSave
	case CategoryNotFound:
		return models.FailureFetch
	default:
		return models.FailureUnknown
	}
}
