// Package errors provides the error taxonomy used across the ingestion engine.
// Every failure that crosses a component boundary is a ClassifiedError carrying
// its type, severity and retryability so callers can decide between retrying,
// skipping a chunk and aborting a series without string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Planning-time caller errors
	ErrorTypeInvalidGranularity ErrorType = "invalid_granularity" // Unparseable interval label
	ErrorTypeInvalidRange       ErrorType = "invalid_range"       // end before start

	// Upstream errors
	ErrorTypeUpstreamRequest   ErrorType = "upstream_request"   // Non-retryable non-200 response
	ErrorTypeTransientUpstream ErrorType = "transient_upstream" // 5xx family, retry then skip chunk
	ErrorTypeNetwork           ErrorType = "network"            // Connectivity problems
	ErrorTypeTimeout           ErrorType = "timeout"            // Request timeout

	// Persistence errors
	ErrorTypeStorageWrite ErrorType = "storage_write" // Candle write failed, cursor must not move
	ErrorTypeCursor       ErrorType = "cursor"        // Cursor load/save or lease failure

	// Everything else
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeCanceled      ErrorType = "canceled"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeUnknown       ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error                  `json:"error"`
	Type      ErrorType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Context   map[string]interface{} `json:"context"`
	Timestamp time.Time              `json:"timestamp"`
	Attempts  int                    `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Attempts > 1 {
		return fmt.Sprintf("[%s/%s] %s: %v (after %d attempts)", ce.Component, ce.Type, ce.Operation, ce.Err, ce.Attempts)
	}
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// With attaches a context value and returns the error for chaining.
func (ce *ClassifiedError) With(key string, value interface{}) *ClassifiedError {
	if ce.Context == nil {
		ce.Context = make(map[string]interface{})
	}
	ce.Context[key] = value
	return ce
}

// New creates a ClassifiedError with the default severity and retryability of its type.
func New(errorType ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Retryable: retryableByDefault(errorType),
		Component: component,
		Operation: operation,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// NewInvalidGranularity reports an interval label that cannot be resolved.
func NewInvalidGranularity(label, reason string) *ClassifiedError {
	return New(ErrorTypeInvalidGranularity, "granularity", "resolve",
		fmt.Errorf("invalid granularity %q: %s", label, reason)).With("label", label)
}

// NewInvalidRange reports a planning window whose end precedes its start.
func NewInvalidRange(start, end time.Time) *ClassifiedError {
	return New(ErrorTypeInvalidRange, "planner", "plan",
		fmt.Errorf("invalid range: end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))).
		With("start", start).With("end", end)
}

// NewUpstreamRequestError reports a non-retryable upstream response.
func NewUpstreamRequestError(symbol string, status int, message string) *ClassifiedError {
	return New(ErrorTypeUpstreamRequest, "exchange", "fetch_chunk",
		fmt.Errorf("upstream rejected request for %s: status %d: %s", symbol, status, message)).
		With("symbol", symbol).With("status", status)
}

// NewTransientUpstreamError reports a retryable upstream failure. status is 0
// when the failure happened below HTTP (connection reset, timeout).
func NewTransientUpstreamError(symbol string, status int, cause error) *ClassifiedError {
	err := cause
	if status != 0 {
		err = fmt.Errorf("upstream status %d for %s: %w", status, symbol, cause)
	}
	return New(ErrorTypeTransientUpstream, "exchange", "fetch_chunk", err).
		With("symbol", symbol).With("status", status)
}

// NewStorageWriteError reports a failed candle write.
func NewStorageWriteError(series string, err error) *ClassifiedError {
	return New(ErrorTypeStorageWrite, "storage", "insert", err).With("series", series)
}

// NewCursorError reports a cursor load, save or lease failure.
func NewCursorError(operation, series string, err error) *ClassifiedError {
	return New(ErrorTypeCursor, "cursor", operation, err).With("series", series)
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata.
// Errors that are already classified are returned unchanged.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	return New(classifyErrorType(err), component, operation, err)
}

// classifyErrorType determines the error type for errors raised outside the taxonomy
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
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
		"connection aborted",
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

// severityFor assigns a severity level based on error type
func severityFor(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeStorageWrite, ErrorTypeCursor:
		return SeverityCritical
	case ErrorTypeUpstreamRequest, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeInvalidGranularity, ErrorTypeInvalidRange, ErrorTypeInternal, ErrorTypeUnknown:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// retryableByDefault determines if an error type should be retried
func retryableByDefault(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransientUpstream, ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// Utility functions

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// IsType reports whether err, or any error it wraps, is classified as errorType.
func IsType(err error, errorType ErrorType) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// GetSeverity extracts the severity from a classified error
func GetSeverity(err error) Severity {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return SeverityMedium
}

// StatusCode returns the upstream HTTP status recorded on err, or 0.
func StatusCode(err error) int {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if status, ok := ce.Context["status"].(int); ok {
			return status
		}
	}
	return 0
}

// Attempts returns how many attempts were spent before err was returned.
func Attempts(err error) int {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Attempts
	}
	return 0
}
