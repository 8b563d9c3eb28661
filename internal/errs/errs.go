// Package errs defines the typed errors surfaced by the imposter engine.
// Every error carries a stable code so callers can tell validation problems
// apart from storage failures without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Error codes
const (
	CodeBadData            = "bad data"
	CodeInvalidPredicate   = "invalid predicate"
	CodeInvalidResponse    = "invalid response"
	CodeInvalidInjection   = "invalid injection"
	CodeInvalidProxy       = "invalid proxy"
	CodeResourceConflict   = "resource conflict"
	CodeInsufficientAccess = "insufficient access"
	CodeMissingResource    = "missing resource"
	CodeCorruptedDatabase  = "corrupted database"
	CodeDatabase           = "database error"
	CodeLock               = "lock error"
)

// Error is a structured error with a code and message
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Source  interface{} `json:"source,omitempty"`
	Data    string      `json:"data,omitempty"`
	Err     error       `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithSource attaches the offending input to the error
func (e *Error) WithSource(source interface{}) *Error {
	e.Source = source
	return e
}

// Wrap attaches a cause to the error
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	if err != nil && e.Data == "" {
		e.Data = err.Error()
	}
	return e
}

// Validation reports malformed user input
func Validation(message string, source interface{}) *Error {
	return New(CodeBadData, message).WithSource(source)
}

// InvalidPredicate reports a malformed predicate
func InvalidPredicate(message string, source interface{}) *Error {
	return New(CodeInvalidPredicate, message).WithSource(source)
}

// InvalidResponse reports an unusable response directive
func InvalidResponse(message string, source interface{}) *Error {
	return New(CodeInvalidResponse, message).WithSource(source)
}

// Injection reports a failure inside user supplied code
func Injection(message string, source interface{}, cause error) *Error {
	return New(CodeInvalidInjection, message).WithSource(source).Wrap(cause)
}

// InvalidProxy reports a proxy call that could not be completed
func InvalidProxy(message string, source interface{}, cause error) *Error {
	return New(CodeInvalidProxy, message).WithSource(source).Wrap(cause)
}

// ResourceConflict reports a port that is already bound
func ResourceConflict(message string) *Error {
	return New(CodeResourceConflict, message)
}

// InsufficientAccess reports a port that needs elevated rights
func InsufficientAccess(message string) *Error {
	return New(CodeInsufficientAccess, message)
}

// MissingResource reports a lookup that found nothing
func MissingResource(message string) *Error {
	return New(CodeMissingResource, message)
}

// CorruptedDatabase reports a stored file that cannot be parsed
func CorruptedDatabase(path string, cause error) *Error {
	return New(CodeCorruptedDatabase, "invalid JSON in "+path).WithSource(path).Wrap(cause)
}

// Database reports a storage failure other than corruption
func Database(message, path string, cause error) *Error {
	return New(CodeDatabase, message).WithSource(path).Wrap(cause)
}

// Lock reports a lock that could not be acquired in time
func Lock(path string, cause error) *Error {
	return New(CodeLock, "unable to acquire lock on "+path).WithSource(path).Wrap(cause)
}

// CodeOf returns the code of the first *Error in the chain, or ""
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may retry the failed operation
func Retryable(err error) bool {
	return HasCode(err, CodeLock)
}

// Flatten expands joined errors into a slice, dropping nils
func Flatten(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, Flatten(e)...)
		}
		return out
	}
	return []error{err}
}
