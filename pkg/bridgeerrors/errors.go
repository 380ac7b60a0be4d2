// Package bridgeerrors provides the typed error taxonomy used across tdbridge.
//
// Every failure that ends a run is classified by an ErrorType:
//
//   - ErrorTypeConnection: no usable credential, or a connection could not be opened
//   - ErrorTypeNoData: a query or fetch produced no retrievable rows
//   - ErrorTypeLoad: the bulk copy into the destination table failed
//   - ErrorTypeStatement: a pre or post statement failed on the destination
//
// The remaining types (config, validation, query, file, internal) describe
// failures of the surrounding machinery. Errors wrap their cause, so
// errors.Is and errors.As see through them:
//
//	rows, _, err := streamer.All(ctx, session, query)
//	if bridgeerrors.IsNoData(err) {
//	    var apiErr *treasuredata.APIError
//	    if errors.As(err, &apiErr) {
//	        log.Warn("engine rejected query", zap.Int("status", apiErr.StatusCode))
//	    }
//	}
//
// Error values are not safe for concurrent modification; finish calling
// WithDetail before sharing them.
package bridgeerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeConnection represents credential and connection failures
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeNoData represents queries or fetches that yielded no rows
	ErrorTypeNoData ErrorType = "no_data"
	// ErrorTypeLoad represents bulk-copy failures
	ErrorTypeLoad ErrorType = "load"
	// ErrorTypeStatement represents pre/post statement failures
	ErrorTypeStatement ErrorType = "statement"
	// ErrorTypeQuery represents query execution errors on the source engine
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeFile represents file and sink errors
	ErrorTypeFile ErrorType = "file"
	// ErrorTypeInternal represents internal errors
	ErrorTypeInternal ErrorType = "internal"
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a previously attached detail.
func (e *Error) Detail(key string) (interface{}, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// New creates a new error with the given type and message.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a format string.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with a type and message. If err is already
// an *Error its stack is kept. Wrap returns nil for a nil err.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType reports whether the outermost *Error in err's chain has the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the type of the outermost *Error in err's chain, or
// ErrorTypeInternal if there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool { return IsType(err, ErrorTypeConnection) }

// IsNoData reports whether err is a NoDataError.
func IsNoData(err error) bool { return IsType(err, ErrorTypeNoData) }

// IsLoad reports whether err is a LoadError.
func IsLoad(err error) bool { return IsType(err, ErrorTypeLoad) }

// IsStatement reports whether err is a StatementError.
func IsStatement(err error) bool { return IsType(err, ErrorTypeStatement) }

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
