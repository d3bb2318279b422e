package config

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Symbol classifies a configuration failure. Every one of these is fatal
// at startup — the Keeper CLI exits 2 on any of them, never recovered
// per-application.
type Symbol int

const (
	MalformedYaml Symbol = iota
	NonAbsoluteRemoteWorkdir
	AbsoluteLocalPath
)

func (s Symbol) String() string {
	switch s {
	case MalformedYaml:
		return "MALFORMED_YAML"
	case NonAbsoluteRemoteWorkdir:
		return "NON_ABSOLUTE_REMOTE_WORKDIR"
	case AbsoluteLocalPath:
		return "ABSOLUTE_LOCAL_PATH"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Symbol with its underlying cause.
type Error struct {
	Symbol Symbol
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(sym Symbol, cause error) *Error {
	base := errdefs.ErrInvalidArgument
	if cause != nil {
		cause = fmt.Errorf("%w: %v", base, cause)
	}
	return &Error{Symbol: sym, Err: cause}
}

// Is reports whether err is a *Error carrying the given symbol.
func Is(err error, sym Symbol) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Symbol == sym
	}
	return false
}
