package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
)

// TamizdatError is the structured error type for tamizdat.
// It provides rich context for error handling, logging, and user presentation.
type TamizdatError struct {
	// Code is the unique error code (e.g., "ERR_201_FILE_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *TamizdatError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *TamizdatError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with TamizdatError.
func (e *TamizdatError) Is(target error) bool {
	if t, ok := target.(*TamizdatError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *TamizdatError) WithDetail(key, value string) *TamizdatError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *TamizdatError) WithSuggestion(suggestion string) *TamizdatError {
	e.Suggestion = suggestion
	return e
}

// New creates a new TamizdatError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *TamizdatError {
	return &TamizdatError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a TamizdatError from an existing error.
// The error's message becomes the TamizdatError message.
func Wrap(code string, err error) *TamizdatError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *TamizdatError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an I/O-related error. The code follows the cause: a
// missing path is FILE_NOT_FOUND, a denied one FILE_PERMISSION, anything
// else FILE_READ.
func IOError(message string, cause error) *TamizdatError {
	code := ErrCodeFileRead
	switch {
	case stderrors.Is(cause, fs.ErrNotExist):
		code = ErrCodeFileNotFound
	case stderrors.Is(cause, fs.ErrPermission):
		code = ErrCodeFilePermission
	}
	return New(code, message, cause)
}

// StorageError creates a storage fault. The catalog store surfaces every
// failed read or write through it so callers can tell a fault from an
// empty result.
func StorageError(message string, cause error) *TamizdatError {
	return New(ErrCodeStorageFault, message, cause)
}

// SchemaError creates a catalog schema mismatch error.
func SchemaError(message string, cause error) *TamizdatError {
	return New(ErrCodeSchemaMismatch, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *TamizdatError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *TamizdatError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a TamizdatError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TamizdatError
	if stderrors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCode extracts the error code from the first TamizdatError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var te *TamizdatError
	if stderrors.As(err, &te) {
		return te.Code
	}
	return ""
}

// HasCode reports whether any TamizdatError in the chain carries code.
func HasCode(err error, code string) bool {
	return stderrors.Is(err, &TamizdatError{Code: code})
}
