// Package errors provides the error taxonomy of the price history store together with
// retry classification and a bounded, observable retrier built on exponential backoff.
//
// The taxonomy maps onto the propagation policy of the store:
//   - NotFoundError: a missing file or bucket; callers usually treat it as empty.
//   - FormatError: corrupt persisted data; fatal for that file.
//   - OutOfOrderError: a tick older than the retained minimum; rejected and logged.
//   - SourceUnavailableError: the backfill source failed; retried with backoff.
//   - IntegrityViolation: verification failed; processing must halt.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sentinels usable with errors.Is against the typed errors below.
var (
	ErrNotFound          = errors.New("not found")
	ErrFormat            = errors.New("format error")
	ErrOutOfOrder        = errors.New("out of order")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrIntegrity         = errors.New("integrity violation")
)

// NotFoundError reports a missing file, level or bucket.
type NotFoundError struct {
	Resource string
	Key      string
	Err      error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s not found: %v", e.Resource, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFound creates a NotFoundError.
func NewNotFound(resource, key string, err error) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key, Err: err}
}

// FormatError reports structural corruption of persisted data. Position is the
// record index or line number where decoding stopped.
type FormatError struct {
	Path     string
	Position int
	Reason   string
	Err      error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("corrupt data in %s at %d: %s", e.Path, e.Position, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// NewFormatError creates a FormatError.
func NewFormatError(path string, position int, reason string, err error) *FormatError {
	return &FormatError{Path: path, Position: position, Reason: reason, Err: err}
}

// OutOfOrderError reports a tick that precedes the minimum retained time.
type OutOfOrderError struct {
	Time    time.Time
	Minimum time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("tick at %s precedes retained minimum %s",
		e.Time.Format(time.RFC3339), e.Minimum.Format(time.RFC3339))
}

func (e *OutOfOrderError) Is(target error) bool { return target == ErrOutOfOrder }

// SourceUnavailableError reports a failed call to the backfill source.
type SourceUnavailableError struct {
	Source    string
	Operation string
	Attempts  int
	Err       error
}

func (e *SourceUnavailableError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s %s unavailable after %d attempts: %v", e.Source, e.Operation, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s unavailable: %v", e.Source, e.Operation, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

func (e *SourceUnavailableError) Is(target error) bool { return target == ErrSourceUnavailable }

// NewSourceUnavailable creates a SourceUnavailableError for a single failed call.
func NewSourceUnavailable(source, operation string, err error) *SourceUnavailableError {
	return &SourceUnavailableError{Source: source, Operation: operation, Err: err}
}

// IntegrityViolation reports a dataset that failed verification.
type IntegrityViolation struct {
	Violations int
	Summary    string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violated (%d violations): %s", e.Violations, e.Summary)
}

func (e *IntegrityViolation) Is(target error) bool { return target == ErrIntegrity }

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // Rate limiting from external service
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeTemporary   ErrorType = "temporary"    // Source reported itself unavailable

	// Non-retryable error types
	ErrorTypeBadRequest ErrorType = "bad_request" // HTTP 4xx errors (except rate limit)
	ErrorTypeValidation ErrorType = "validation"  // Data validation errors
	ErrorTypeFormat     ErrorType = "format"      // Corrupt persisted data
	ErrorTypeOutOfOrder ErrorType = "out_of_order"
	ErrorTypeIntegrity  ErrorType = "integrity"
	ErrorTypeCanceled   ErrorType = "canceled"

	ErrorTypeUnknown ErrorType = "unknown"
)

// ClassifiedError carries the retry decision made for an error.
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Retryable: isRetryable(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return isRetryable(classifyErrorType(err))
}

// classifyErrorType determines the error type from typed errors first and falls
// back to message patterns for errors coming from transports.
func classifyErrorType(err error) ErrorType {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, ErrFormat):
		return ErrorTypeFormat
	case errors.Is(err, ErrOutOfOrder):
		return ErrorTypeOutOfOrder
	case errors.Is(err, ErrIntegrity):
		return ErrorTypeIntegrity
	case errors.Is(err, ErrNotFound):
		return ErrorTypeBadRequest
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if t := classifyStatus(sc.HTTPStatus()); t != ErrorTypeUnknown {
			return t
		}
	}

	switch {
	case isTimeoutError(err):
		return ErrorTypeTimeout
	case isNetworkError(err):
		return ErrorTypeNetwork
	case errors.Is(err, ErrSourceUnavailable):
		return ErrorTypeTemporary
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "too many requests"):
		return ErrorTypeRateLimit
	case strings.Contains(errStr, "server error") || strings.Contains(errStr, "service unavailable"):
		return ErrorTypeServerError
	case strings.Contains(errStr, "validation") || strings.Contains(errStr, "invalid") || strings.Contains(errStr, "malformed"):
		return ErrorTypeValidation
	}
	return ErrorTypeUnknown
}

// statusCoder is implemented by transport errors that carry an HTTP status code.
type statusCoder interface {
	HTTPStatus() int
}

func classifyStatus(code int) ErrorType {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case code >= 500:
		return ErrorTypeServerError
	case code >= 400:
		return ErrorTypeBadRequest
	}
	return ErrorTypeUnknown
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeTemporary:
		return true
	default:
		return false
	}
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network unreachable",
		"eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
