// Package state implements the State Manager: per-directive
// reconciliation between a component's declared RemoteStateDirectives and
// what actually exists on an agent, expressed against the AgentClient
// abstraction so the manager never depends on a concrete transport.
package state

// Strategy is a RemoteStateDirective's sync strategy.
type Strategy int

const (
	// STRICT: the remote tree must match the local tree byte-for-byte;
	// extra remote entries are removed.
	STRICT Strategy = iota
	// ALLOW_ADDS: the remote must be a superset-or-equal of local; extra
	// remote entries are tolerated and their combined CRC is memoized.
	ALLOW_ADDS
	// ENSURE_CREATED: once the object exists remotely, it is never
	// touched again.
	ENSURE_CREATED
)

func (s Strategy) String() string {
	switch s {
	case STRICT:
		return "STRICT"
	case ALLOW_ADDS:
		return "ALLOW_ADDS"
	case ENSURE_CREATED:
		return "ENSURE_CREATED"
	default:
		return "UNKNOWN"
	}
}

// Directive is a declarative "object named Name, sourced from LocalPath,
// should exist in RemoteDir, under Strategy" statement, already resolved against the component's staging
// directory: LocalPath is the absolute on-disk path the manager reads from.
// The config layer rejects an absolute path in the YAML source for this
// field before a Directive is ever constructed (internal/config's
// AbsoluteLocalPath class) — by the time one reaches this package, LocalPath
// is always a real filesystem path.
type Directive struct {
	Name      string
	LocalPath string
	RemoteDir string
	Strategy  Strategy
}

// RemotePath is the directive's resolved absolute remote path.
func (d Directive) RemotePath() string {
	if d.RemoteDir == "" {
		return d.Name
	}
	return d.RemoteDir + "/" + d.Name
}
