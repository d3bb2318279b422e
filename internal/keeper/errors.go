// Package keeper implements the Keeper Core: the
// per-application AppManager lifecycle, the Keeper-view agent connection
// state machine, and the per-agent task pipeline (enroll_subordinates,
// sync_objects, get_state) driven over internal/rpc and
// internal/transport against internal/state's reconciliation engine.
package keeper

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// KeyError is a FluxVaultKeyError: a configured signing
// identity has no corresponding key available in the keyring at the
// moment a transport needs to prove it, scoped to the one agent cycle
// that needed it.
type KeyError struct {
	Identity string
	Err      error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("signing key for identity %q unavailable: %v", e.Identity, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

func newKeyError(identity string, cause error) *KeyError {
	return &KeyError{Identity: identity, Err: fmt.Errorf("%w: %v", errdefs.ErrNotFound, cause)}
}

// IsKeyError reports whether err is a KeyError.
func IsKeyError(err error) bool {
	var ke *KeyError
	return errors.As(err, &ke)
}
