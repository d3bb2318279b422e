package state

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/errdefs"

	"github.com/fluxvault/vault/internal/fsobj"
)

// Symbol classifies a StateError.
type Symbol int

const (
	LocalObjectMissing Symbol = iota
	LocalObjectUnreadable
	InvalidDirective
	FileTooLarge
)

func (s Symbol) String() string {
	switch s {
	case LocalObjectMissing:
		return "LocalObjectMissing"
	case LocalObjectUnreadable:
		return "LocalObjectUnreadable"
	case InvalidDirective:
		return "InvalidDirective"
	case FileTooLarge:
		return "FileTooLarge"
	default:
		return "Unknown"
	}
}

// Error is a directive-scoped state reconciliation failure. These are
// logged and skipped per directive rather than aborting the
// whole poll.
type Error struct {
	Symbol    Symbol
	Directive string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("directive %s: %s: %v", e.Directive, e.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(directive string, sym Symbol, cause error) *Error {
	classified := classify(sym, cause)
	return &Error{Symbol: sym, Directive: directive, Err: classified}
}

func classify(sym Symbol, cause error) error {
	switch sym {
	case LocalObjectMissing:
		return fmt.Errorf("%w: %v", errdefs.ErrNotFound, cause)
	case LocalObjectUnreadable:
		return fmt.Errorf("%w: %v", errdefs.ErrUnavailable, cause)
	case InvalidDirective:
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidArgument, cause)
	case FileTooLarge:
		return fmt.Errorf("%w: %v", errdefs.ErrFailedPrecondition, cause)
	default:
		return fmt.Errorf("%w: %v", errdefs.ErrInternal, cause)
	}
}

// Is reports whether err is a *Error with the given Symbol.
func Is(err error, sym Symbol) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Symbol == sym
}

// wrapFsErr turns an fsobj-level error into the matching StateError class.
func wrapFsErr(directive string, err error) *Error {
	switch {
	case errors.Is(err, fsobj.ErrFileTooLarge):
		return newError(directive, FileTooLarge, err)
	case errors.Is(err, os.ErrNotExist):
		return newError(directive, LocalObjectMissing, err)
	default:
		return newError(directive, LocalObjectUnreadable, err)
	}
}
