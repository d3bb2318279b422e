// Package registrar implements the primary-side subordinate registration
// HTTP server: an in-memory
// table that subordinate agents POST themselves into at startup and on
// every enrolled-flag change, queried by the Keeper through the primary
// via get_subagents.
package registrar

import (
	"sync"

	"github.com/fluxvault/vault/internal/agentcore"
)

// Registrar holds the in-memory subordinate list for one primary agent
// process. Writer-per-request, reader via Subordinates; both paths take
// the same mutex.
type Registrar struct {
	mu   sync.Mutex
	subs map[string]agentcore.SubordinateInfo
}

// New creates an empty Registrar.
func New() *Registrar {
	return &Registrar{subs: make(map[string]agentcore.SubordinateInfo)}
}

// Register upserts a subordinate's self-reported record, keyed by name.
// Called by both /register (first contact) and /update (enrolled flag
// change); the two carry the same body and upsert the same record,
// beyond when a subordinate chooses to call them.
func (r *Registrar) Register(info agentcore.SubordinateInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[info.Name] = info
}

// Lookup returns the record registered under name, if any; used by the
// primary's proxy layer to decide which port a subordinate listens on.
func (r *Registrar) Lookup(name string) (agentcore.SubordinateInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.subs[name]
	return info, ok
}

// Subordinates returns a snapshot of the current subordinate table,
// satisfying agentcore.SubordinateLister for get_subagents.
func (r *Registrar) Subordinates() []agentcore.SubordinateInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agentcore.SubordinateInfo, 0, len(r.subs))
	for _, info := range r.subs {
		out = append(out, info)
	}
	return out
}
