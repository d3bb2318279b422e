package transport

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Symbol is one of the typed transport failure modes. Symbols
// are surfaced via a Transport's FailedOn field and never raised across an
// RPC boundary.
type Symbol string

const (
	NoSocket                 Symbol = "NO_SOCKET"
	AuthAddressRequired      Symbol = "AUTH_ADDRESS_REQUIRED"
	AuthDenied               Symbol = "AUTH_DENIED"
	ProxyAuthAddressRequired Symbol = "PROXY_AUTH_ADDRESS_REQUIRED"
	ProxyAuthDenied          Symbol = "PROXY_AUTH_DENIED"
	HandshakeFailed          Symbol = "HANDSHAKE_FAILED"
	Timeout                  Symbol = "TIMEOUT"
	TlsError                 Symbol = "TLS_ERROR"
)

// Error wraps a Symbol with the underlying cause, if any.
type Error struct {
	Symbol Symbol
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Symbol)
	}
	return fmt.Sprintf("%s: %v", e.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError classifies a Symbol against the errdefs taxonomy so callers
// elsewhere in the module can use errors.Is against the standard sentinels
// without depending on the transport package's Symbol type.
func newError(sym Symbol, cause error) *Error {
	var base error
	switch sym {
	case NoSocket, Timeout:
		base = errdefs.ErrUnavailable
	case AuthAddressRequired, ProxyAuthAddressRequired:
		base = errdefs.ErrInvalidArgument
	case AuthDenied, ProxyAuthDenied:
		base = errdefs.ErrPermissionDenied
	case HandshakeFailed, TlsError:
		base = errdefs.ErrAborted
	default:
		base = errdefs.ErrInternal
	}
	if cause != nil {
		base = fmt.Errorf("%w: %v", base, cause)
	}
	return &Error{Symbol: sym, Err: base}
}

// Is reports whether err is a *Error carrying the given symbol.
func Is(err error, sym Symbol) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Symbol == sym
	}
	return false
}
