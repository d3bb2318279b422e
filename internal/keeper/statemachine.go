package keeper

import (
	"math"
	"time"
)

// AgentState is the Keeper-view connection state machine for one agent:
// DISCOVERED -> CONNECTING -> CONNECTED -> AUTHENTICATING ->
// ENCRYPTED -> (ENROLLING -> ENROLLED ->) TLS_CONNECTED -> READY ->
// DISCONNECTED, with any step able to branch to FAILED.
type AgentState int

const (
	Discovered AgentState = iota
	Connecting
	Connected
	Authenticating
	Encrypted
	Enrolling
	Enrolled
	TLSConnected
	Ready
	Disconnected
	Failed
)

func (s AgentState) String() string {
	switch s {
	case Discovered:
		return "DISCOVERED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Authenticating:
		return "AUTHENTICATING"
	case Encrypted:
		return "ENCRYPTED"
	case Enrolling:
		return "ENROLLING"
	case Enrolled:
		return "ENROLLED"
	case TLSConnected:
		return "TLS_CONNECTED"
	case Ready:
		return "READY"
	case Disconnected:
		return "DISCONNECTED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// maxBackoff caps the READY -> FAILED retry backoff at 30s.
const maxBackoff = 30 * time.Second

// backoffFor computes 2^n seconds capped at 30s for the nth consecutive
// failure of one agent.
func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// agentStatus tracks one agent's current state and failure history across
// polling cycles, held by the AppManager for its lifetime.
type agentStatus struct {
	state       AgentState
	commonName  string // set once enrolled; selects the TLS connect path
	failCount   int
	lastErr     error
	nextAttempt time.Time
}

func (s *agentStatus) markFailed(err error) {
	s.state = Failed
	s.lastErr = err
	s.failCount++
	s.nextAttempt = time.Now().Add(backoffFor(s.failCount - 1))
}

func (s *agentStatus) markReady() {
	s.state = Ready
	s.failCount = 0
	s.lastErr = nil
}

func (s *agentStatus) readyToRetry() bool {
	return s.state != Failed || !time.Now().Before(s.nextAttempt)
}
