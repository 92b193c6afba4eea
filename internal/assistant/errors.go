package assistant

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeConnection   Code = "CONNECTION_ERROR"
	CodeGeneration   Code = "GENERATION_ERROR"
	CodeInvalidQuery Code = "INVALID_QUERY"
	CodeExecution    Code = "EXECUTION_ERROR"
	CodeInvalidInput Code = "INVALID_INPUT"
)

// Retryable reports whether repeating the same request may succeed.
func (c Code) Retryable() bool {
	return c == CodeConnection || c == CodeGeneration
}

// Error is the user-visible failure of a pipeline step. Message is safe to
// show; Err keeps the underlying cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// AsError extracts the classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the classification of err, or "" for unclassified errors.
func CodeOf(err error) Code {
	if classified, ok := AsError(err); ok {
		return classified.Code
	}
	return ""
}

// rootMessage is the innermost message of a wrapped chain, which is what the
// database driver or model API said.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
