package agentcore

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Symbol classifies an EnrollmentError: csr generation or
// install failures abort the current enrollment cycle for this agent
// only, retried on the Keeper's next polling cycle.
type Symbol int

const (
	CsrInvalid Symbol = iota
	CertInstallFailed
	TlsUpgradeFailed
)

func (s Symbol) String() string {
	switch s {
	case CsrInvalid:
		return "CsrInvalid"
	case CertInstallFailed:
		return "CertInstallFailed"
	case TlsUpgradeFailed:
		return "TlsUpgradeFailed"
	default:
		return "Unknown"
	}
}

// Error is an enrollment-scoped failure surfaced back to the Keeper as an
// RpcError; the enrollment RPCs are always request/response.
type Error struct {
	Symbol Symbol
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(sym Symbol, cause error) *Error {
	var base error
	switch sym {
	case CsrInvalid:
		base = errdefs.ErrInvalidArgument
	default:
		base = errdefs.ErrAborted
	}
	return &Error{Symbol: sym, Err: fmt.Errorf("%w: %v", base, cause)}
}

// Is reports whether err is an *Error carrying the given symbol.
func Is(err error, sym Symbol) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Symbol == sym
	}
	return false
}

var (
	errNoPendingKey         = errors.New("install_cert called before generate_csr")
	errIncompleteEnrollment = errors.New("upgrade_to_ssl called before cert and ca cert were installed")
	errNoUpgrader           = errors.New("agent was not configured with a TLS upgrader")
	errNoTransportBound     = errors.New("connect_shell called with no transport bound to this core")
)
