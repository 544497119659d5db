// Package errors gives conductor's failures a stable code so the command
// line can pick an exit status and the terminal can show a friendly line
// while logs keep the full chain.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrorCode classifies a failure.
type ErrorCode string

const (
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	ErrCodeEngineStart    ErrorCode = "ENGINE_START"
	ErrCodeEngineStream   ErrorCode = "ENGINE_STREAM"
	ErrCodeEngineProtocol ErrorCode = "ENGINE_PROTOCOL"

	// ErrCodeSessionNoToken means a turn ended without the engine ever
	// naming a session, so nothing can be resumed.
	ErrCodeSessionNoToken ErrorCode = "SESSION_NO_TOKEN"
	ErrCodeSessionInput   ErrorCode = "SESSION_INPUT"

	ErrCodeApprovalSurface ErrorCode = "APPROVAL_SURFACE"

	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error is a coded failure with optional key/value context.
type Error struct {
	Code    ErrorCode
	Message string
	// Underlying is the wrapped cause, if any.
	Underlying error
	Context    map[string]any
	// UserMessage replaces Message in the terminal.
	UserMessage string
}

// New returns an Error without a cause.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches code and message to err. A nil err stays nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Underlying: err}
}

// WithContext records key=value for logs.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the line shown to the human.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("] ")
	b.WriteString(e.Message)

	if len(e.Context) > 0 {
		pairs := make([]string, 0, len(e.Context))
		for _, k := range slices.Sorted(maps.Keys(e.Context)) {
			pairs = append(pairs, fmt.Sprintf("%s: %v", k, e.Context[k]))
		}
		b.WriteString(" {" + strings.Join(pairs, ", ") + "}")
	}
	if e.Underlying != nil {
		b.WriteString(": " + e.Underlying.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Underlying }

// Display is what the terminal prints for e.
func (e *Error) Display() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var coded *Error
	ok := stderrors.As(err, &coded)
	return coded, ok
}

// IsCode reports whether any coded error in the chain has code, looking
// through plain wrappers as well.
func IsCode(err error, code ErrorCode) bool {
	for {
		coded, ok := As(err)
		if !ok {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Underlying
	}
}

// CodeOf returns the outermost code, INTERNAL for uncoded errors and ""
// for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if coded, ok := As(err); ok {
		return coded.Code
	}
	return ErrCodeInternal
}
