// Package apierr defines the error taxonomy shared by every service layer
// (session, process, pty) and the HTTP/WebSocket facades that translate
// them into status codes.
package apierr

import (
	"fmt"
	"net/http"
)

// Code is a machine-readable error identifier. Handlers map codes to HTTP
// status via StatusFor; callers can also switch on Code directly.
type Code string

const (
	CodeSessionAlreadyExists    Code = "SESSION_ALREADY_EXISTS"
	CodeCommandExecutionError   Code = "COMMAND_EXECUTION_ERROR"
	CodeStreamStartError        Code = "STREAM_START_ERROR"
	CodeCommandNotFound         Code = "COMMAND_NOT_FOUND"
	CodeProcessNotFound         Code = "PROCESS_NOT_FOUND"
	CodeProcessError            Code = "PROCESS_ERROR"
	CodeProcessReadyTimeout     Code = "PROCESS_READY_TIMEOUT"
	CodeProcessExitedBeforeReady Code = "PROCESS_EXITED_BEFORE_READY"
	CodePTYExclusiveControl     Code = "PTY_EXCLUSIVE_CONTROL"
	CodePTYError                Code = "PTY_ERROR"
	CodeValidationFailed        Code = "VALIDATION_FAILED"
	CodeParseError              Code = "PARSE_ERROR"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeInternalError           Code = "INTERNAL_ERROR"
	CodeSessionNotFound         Code = "SESSION_NOT_FOUND"
	CodeCommandTimeout          Code = "COMMAND_TIMEOUT"
)

// Error is the uniform error shape returned by every service-layer
// operation. Handlers never see raw errors from lower layers — those are
// always wrapped into one of these before crossing a component boundary.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) WithContext(kv ...any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e.Context[key] = kv[i+1]
	}
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, apierr.New(code, "")) to match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// statusTable is the fixed code→HTTP-status mapping from spec §7.
var statusTable = map[Code]int{
	CodeSessionAlreadyExists:     http.StatusConflict,
	CodePTYExclusiveControl:      http.StatusConflict,
	CodeCommandNotFound:          http.StatusNotFound,
	CodeProcessNotFound:          http.StatusNotFound,
	CodeSessionNotFound:          http.StatusNotFound,
	CodeValidationFailed:         http.StatusBadRequest,
	CodeParseError:               http.StatusBadRequest,
	CodeInvalidRequest:           http.StatusBadRequest,
	CodeCommandTimeout:           http.StatusRequestTimeout,
	CodeProcessReadyTimeout:      http.StatusRequestTimeout,
	CodeProcessExitedBeforeReady: http.StatusServiceUnavailable,
	CodeStreamStartError:         http.StatusServiceUnavailable,
	CodeCommandExecutionError:    http.StatusInternalServerError,
	CodeProcessError:             http.StatusInternalServerError,
	CodePTYError:                 http.StatusBadRequest,
	CodeInternalError:            http.StatusInternalServerError,
}

// StatusFor maps an error (any error, not just *Error) to an HTTP status
// code. Unrecognized errors map to 500.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if ae, ok := err.(*Error); ok {
		if status, ok := statusTable[ae.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the Code from err, or CodeInternalError if err is not an
// *Error.
func CodeOf(err error) Code {
	if ae, ok := err.(*Error); ok {
		return ae.Code
	}
	return CodeInternalError
}
