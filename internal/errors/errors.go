package errors

import (
	"fmt"
)

// Error is the structured error type for semafold.
// It carries the context needed for error handling, logging, and the
// isolation policy: per-document failures never abort the pass.
type Error struct {
	// Code is the unique error code (e.g., "ERR_201_EXTRACTION_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Upstream, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with Error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ExtractionError marks a file the extractor could not read.
// Terminal for the current pass: the file is skipped and left untouched.
func ExtractionError(path string, cause error) *Error {
	return New(ErrCodeExtractionFailed, fmt.Sprintf("extract %s: %v", path, cause), cause).
		WithDetail("path", path)
}

// EmbeddingError marks a transient embedder failure. Retryable.
func EmbeddingError(cause error) *Error {
	return New(ErrCodeEmbeddingFailed, fmt.Sprintf("embedding failed: %v", cause), cause)
}

// MoveError marks a failed file move. The document keeps its computed
// assignment and the move is retried on the next convergence pass.
func MoveError(src, dst string, cause error) *Error {
	return New(ErrCodeMoveFailed, fmt.Sprintf("move %s -> %s: %v", src, dst, cause), cause).
		WithDetail("src", src).
		WithDetail("dst", dst)
}

// UpstreamError marks an answering capability failure, surfaced to the
// caller verbatim.
func UpstreamError(cause error) *Error {
	return New(ErrCodeUpstreamFailed, fmt.Sprintf("upstream call failed: %v", cause), cause)
}

// NotFoundError marks an override targeting an unknown document or cluster.
func NotFoundError(kind, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %q not found", kind, id), nil).
		WithDetail(kind, id)
}

// RegistryCorruptError marks an invariant violation in the registry.
// Fatal: reconciliation must halt rather than produce an inconsistent graph.
func RegistryCorruptError(message string) *Error {
	return New(ErrCodeRegistryCorrupt, message, nil)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		return e.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from an Error.
// Returns empty string if not an Error.
func GetCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
