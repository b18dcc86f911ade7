package serviceerr

import (
	"errors"
	"net/http"
)

type Code string

const (
	CodeUnknown           Code = "unknown"
	CodeInvalidRequest    Code = "invalid_request"
	CodeNotFound          Code = "not_found"
	CodeNotAuthenticated  Code = "not_authenticated"
	CodePartialSession    Code = "partial_session"
	CodeCrossOrigin       Code = "cross_origin"
	CodeRemoteFailure     Code = "remote_failure"
	CodeChannelClosed     Code = "channel_closed"
	CodeInvalidTransition Code = "invalid_transition"
	CodeUnsupportedType   Code = "unsupported_message_type"
)

// Error is the error type shared by the coordinator, the relay and the UI surface.
// Two errors are equal in the sense of errors.Is when their codes match.
type Error struct {
	Err         Code
	Description string
}

var (
	ErrUnknown           = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrInvalidRequest    = &Error{Err: CodeInvalidRequest}
	ErrNotFound          = &Error{Err: CodeNotFound, Description: "not found"}
	ErrNotAuthenticated  = &Error{Err: CodeNotAuthenticated, Description: "no session, login required"}
	ErrPartialSession    = &Error{Err: CodePartialSession, Description: "session requires both token and user"}
	ErrCrossOrigin       = &Error{Err: CodeCrossOrigin, Description: "message origin is not the tracked application"}
	ErrRemoteFailure     = &Error{Err: CodeRemoteFailure, Description: "remote call failed"}
	ErrChannelClosed     = &Error{Err: CodeChannelClosed, Description: "response channel closed without a reply"}
	ErrInvalidTransition = &Error{Err: CodeInvalidTransition, Description: "transition not allowed in the current state"}
	ErrUnsupportedType   = &Error{Err: CodeUnsupportedType, Description: "unsupported message type"}
)

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}
	return string(e.Err) + ": " + e.Description
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == e.Err
}

// HTTPStatus maps the error code to the status returned by the UI surface.
func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest, CodePartialSession, CodeUnsupportedType:
		return http.StatusBadRequest
	case CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeCrossOrigin:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition:
		return http.StatusConflict
	case CodeRemoteFailure:
		return http.StatusBadGateway
	case CodeChannelClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Remote returns an ErrRemoteFailure carrying a description of the failed call.
func Remote(description string) *Error {
	return &Error{Err: CodeRemoteFailure, Description: description}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Err
	}
	return CodeUnknown
}

// FromCode rebuilds an error received over a message port.
func FromCode(code Code, description string) *Error {
	if code == "" {
		code = CodeUnknown
	}
	return &Error{Err: code, Description: description}
}
