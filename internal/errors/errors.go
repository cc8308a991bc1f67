package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// ErrorCategory groups download errors by their origin.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "NETWORK"    // Connection issues, generally retryable
	CategoryValidation ErrorCategory = "VALIDATION" // Bad input, never retryable
	CategoryProcessing ErrorCategory = "PROCESSING" // Post-fetch processing, retryable if transient
	CategoryResource   ErrorCategory = "RESOURCE"   // Budget/limiter pressure, delayed not failed
	CategorySystem     ErrorCategory = "SYSTEM"     // Critical internal failures
	CategoryContext    ErrorCategory = "CONTEXT"    // Context cancellation
	CategoryUnknown    ErrorCategory = "UNKNOWN"    // Unclassified errors
)

// ErrorSeverity ranks how much an error should alarm the failure policy.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// DownloadError is the error record attached to a download item.
type DownloadError struct {
	Err        error         // Original error
	Code       string        // Stable machine-readable code
	Category   ErrorCategory // General category
	Severity   ErrorSeverity // How the failure policy should weigh it
	Retryable  bool          // Whether retry is recommended
	RetryAfter time.Duration // Server-suggested wait, zero if none
	Timestamp  time.Time     // When the error occurred
	Resource   string        // What resource was being fetched
	StatusCode int           // HTTP status code or equivalent
	Details    map[string]interface{}
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Resource, e.Err)
	}
	return fmt.Sprintf("[%s] %s (status: %d): %v", e.Category, e.Resource, e.StatusCode, e.Err)
}

// Unwrap provides the underlying cause for errors.Is/errors.As.
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Common sentinel errors.
var (
	ErrInvalidRequest   = New("invalid request")
	ErrTimeout          = New("operation timed out")
	ErrResourceNotFound = New("resource not found")
	ErrBudgetExceeded   = New("resource budget exceeded")
)

// NewNetworkError creates a network-related error.
func NewNetworkError(err error, resource string, retryable bool) *DownloadError {
	severity := SeverityLow
	if !retryable {
		severity = SeverityHigh
	}

	return &DownloadError{
		Err:       err,
		Code:      "network_error",
		Category:  CategoryNetwork,
		Severity:  severity,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewValidationError creates an error for bad caller input. Never retryable.
func NewValidationError(err error, resource string) *DownloadError {
	return &DownloadError{
		Err:       err,
		Code:      "validation_error",
		Category:  CategoryValidation,
		Severity:  SeverityMedium,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewProcessingError creates an error for the post-fetch processing stage.
func NewProcessingError(err error, resource string, transient bool) *DownloadError {
	return &DownloadError{
		Err:       err,
		Code:      "processing_error",
		Category:  CategoryProcessing,
		Severity:  SeverityMedium,
		Retryable: transient,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewSystemError creates a critical internal error. Retrying cannot help and
// the failure policy may stop the whole batch on it.
func NewSystemError(err error, resource string) *DownloadError {
	return &DownloadError{
		Err:       err,
		Code:      "system_error",
		Category:  CategorySystem,
		Severity:  SeverityCritical,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewTimeoutError marks an item that exceeded its execution deadline.
// Timeouts are retryable.
func NewTimeoutError(resource string) *DownloadError {
	return &DownloadError{
		Err:       ErrTimeout,
		Code:      "timeout",
		Category:  CategoryNetwork,
		Severity:  SeverityMedium,
		Retryable: true,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewContextError creates a context cancellation error.
func NewContextError(err error, resource string) *DownloadError {
	return &DownloadError{
		Err:       err,
		Code:      "cancelled",
		Category:  CategoryContext,
		Severity:  SeverityLow,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewHTTPError classifies an HTTP response status into the taxonomy.
// 5xx and 429 are retryable; other 4xx are treated as caller errors.
func NewHTTPError(err error, resource string, statusCode int, retryAfter time.Duration) *DownloadError {
	e := &DownloadError{
		Err:        err,
		Code:       fmt.Sprintf("http_%d", statusCode),
		Category:   CategoryNetwork,
		Severity:   SeverityMedium,
		Timestamp:  time.Now(),
		Resource:   resource,
		StatusCode: statusCode,
	}

	switch {
	case statusCode >= 500 && statusCode != 501:
		e.Retryable = true
		e.Severity = SeverityHigh
	case statusCode == 429:
		e.Retryable = true
		e.RetryAfter = retryAfter
	case statusCode == 404:
		e.Err = ErrResourceNotFound
		e.Category = CategoryValidation
	case statusCode >= 400:
		e.Category = CategoryValidation
	}

	return e
}

// IsRetryable determines if an error should be retried. Validation and
// system errors are never retryable regardless of what produced them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var downloadErr *DownloadError
	if As(err, &downloadErr) {
		if downloadErr.Category == CategoryValidation || downloadErr.Category == CategorySystem {
			return false
		}
		return downloadErr.Retryable
	}

	return false
}

// IsCritical reports whether the error should trigger stop-on-critical-failure
// handling at the batch level.
func IsCritical(err error) bool {
	var downloadErr *DownloadError
	return As(err, &downloadErr) && downloadErr.Severity == SeverityCritical
}

// GetCategory extracts the category from an error.
func GetCategory(err error) ErrorCategory {
	var downloadErr *DownloadError
	if As(err, &downloadErr) {
		return downloadErr.Category
	}
	return CategoryUnknown
}

// RetryAfter extracts the server-suggested retry delay, if any.
func RetryAfter(err error) time.Duration {
	var downloadErr *DownloadError
	if As(err, &downloadErr) {
		return downloadErr.RetryAfter
	}
	return 0
}

// WithDetails adds additional context to a DownloadError.
func WithDetails(err error, details map[string]interface{}) error {
	var downloadErr *DownloadError
	if !As(err, &downloadErr) {
		return err
	}

	if downloadErr.Details == nil {
		downloadErr.Details = make(map[string]interface{})
	}

	for k, v := range details {
		downloadErr.Details[k] = v
	}

	return downloadErr
}

// APIError is the envelope returned to callers on malformed requests.
type APIError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError builds a caller-facing error envelope.
func NewAPIError(code, message string, retryable bool) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}
