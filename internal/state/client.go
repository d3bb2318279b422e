package state

import "context"

// AgentClient is the subset of agent RPC methods the state manager needs.
// Concrete implementations call through
// internal/rpc over an internal/transport.Transport; the state manager
// itself never depends on either directly, so it can be driven by a fake in
// tests.
type AgentClient interface {
	// GetAllObjectHashes resolves each path against the agent's working
	// directory and returns its top-level CRC; a non-existent path
	// reports crc 0 with exists=false.
	GetAllObjectHashes(ctx context.Context, paths []string) (map[string]ObjectHash, error)

	// GetDirectoryHashes returns {relative-path: crc} for remoteDir and
	// every descendant.
	GetDirectoryHashes(ctx context.Context, remoteDir string) (map[string]uint32, error)

	// WriteObject creates parent directories as needed and writes data
	// to path; isDir writes an empty directory marker.
	WriteObject(ctx context.Context, path string, isDir bool, data []byte) error

	// RemoveObjects recursively removes each path; tolerant of missing
	// paths.
	RemoveObjects(ctx context.Context, paths []string) error

	// StreamObjects sends the (local, remote) pairs over the transport's
	// bulk-stream path for payloads exceeding the inline ceiling.
	StreamObjects(ctx context.Context, pairs []TransferPair) error
}

// ObjectHash is one entry of GetAllObjectHashes' result.
type ObjectHash struct {
	CRC    uint32
	Exists bool
}

// TransferPair names a single file move for the streamed transfer path.
type TransferPair struct {
	Local  string
	Remote string
}
