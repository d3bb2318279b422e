package rpc

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Code classifies an RPC-level failure, using the standard
// JSON-RPC 2.0 reserved error codes.
type Code int

const (
	MethodNotFound Code = -32601
	InvalidParams  Code = -32602
	Internal       Code = -32603
)

func (c Code) String() string {
	switch c {
	case MethodNotFound:
		return "METHOD_NOT_FOUND"
	case InvalidParams:
		return "INVALID_PARAMS"
	case Internal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error is an RpcError, surfaced inline in the JSON-RPC error object,
// never as a transport-level failure.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies Code against the errdefs taxonomy and wraps cause.
func NewError(code Code, cause error) *Error {
	var base error
	switch code {
	case MethodNotFound:
		base = errdefs.ErrNotFound
	case InvalidParams:
		base = errdefs.ErrInvalidArgument
	default:
		base = errdefs.ErrInternal
	}
	if cause != nil {
		base = fmt.Errorf("%w: %v", base, cause)
	}
	return &Error{Code: code, Err: base}
}

// Is reports whether err is an *Error carrying the given code.
func Is(err error, code Code) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// sanitize produces the message placed on the wire: the unhandled
// exception inside a method becomes INTERNAL_ERROR "with a sanitized
// message" — the public message never includes the full
// internal error chain, only its top-level description.
func sanitize(err error) string {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code.String()
	}
	return "internal error"
}
