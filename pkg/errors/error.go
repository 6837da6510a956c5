package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Error is a coded error carrying optional details and the underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
	Stack   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the default message of code.
func New(code ErrorCode) *Error {
	return &Error{
		Code:    code,
		Message: code.Message(),
		Details: make(map[string]any),
		Stack:   getStack(2),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]any),
		Stack:   getStack(2),
	}
}

// Wrap attaches code to err. An existing *Error keeps its message and details.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		e.Code = code
		return e
	}
	return &Error{
		Code:    code,
		Message: err.Error(),
		Err:     err,
		Details: make(map[string]any),
		Stack:   getStack(2),
	}
}

// Wrapf wraps err with code and a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Details: make(map[string]any),
		Stack:   getStack(2),
	}
}

// WithMessage replaces the message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithMessagef replaces the message with a formatted one.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// WithDetail adds a key-value detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value by key.
func (e *Error) Detail(key string) (any, bool) {
	if e == nil || e.Details == nil {
		return nil, false
	}
	v, ok := e.Details[key]
	return v, ok
}

// GetCode extracts the error code from any error.
// Errors that are not *Error map to InternalServerError.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}

// GetError extracts an *Error from err, wrapping foreign errors.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(err, InternalServerError)
}

// Is reports whether err carries code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

func getStack(skip int) string {
	const maxDepth = 10
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var builder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "runtime.") {
			builder.WriteString(fmt.Sprintf("\n\t%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return builder.String()
}

// InvalidParam creates an InvalidParams error with msg.
func InvalidParam(msg string) *Error {
	return New(InvalidParams).WithMessage(msg)
}

// InternalError wraps err as an internal server error.
func InternalError(err error) *Error {
	if err == nil {
		return New(InternalServerError)
	}
	return Wrap(err, InternalServerError)
}

// ValidationError creates a validation error naming the offending field.
func ValidationError(field, reason string) *Error {
	return New(ValidationFailed).
		WithMessagef("%s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("reason", reason)
}
