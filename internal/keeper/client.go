package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/fluxvault/vault/internal/metrics"
	"github.com/fluxvault/vault/internal/rpc"
	"github.com/fluxvault/vault/internal/state"
	"github.com/fluxvault/vault/internal/transport"
)

// AgentClient is the Keeper-side implementation of state.AgentClient,
// issuing JSON-RPC calls over a bound rpc.Client. The same type serves both a direct connection to a primary
// and a proxied connection to one of its subordinates; for the latter see
// NewProxied.
type AgentClient struct {
	rpc *rpc.Client

	// t is the underlying transport when the caller is one, used for the
	// bulk-stream transfer path; nil for test fakes, which never stream.
	t *transport.Transport
}

// New wraps caller in an AgentClient. When caller is a
// *transport.Transport the client also gains the bulk-stream path.
func New(caller rpc.Caller) *AgentClient {
	a := &AgentClient{rpc: rpc.NewClient(caller)}
	if t, ok := caller.(*transport.Transport); ok {
		a.t = t
	}
	return a
}

// NewProxied opens an end-to-end encrypted session to a subordinate
// through primary: the full RSA/AES handshake runs
// over a proxy-tunneled connection, so the primary relays sealed bytes it
// cannot read.
func NewProxied(primary *transport.Transport, subordinate string, log *slog.Logger) (*AgentClient, error) {
	conn := transport.NewProxyConn(primary, subordinate)
	t, err := transport.KeeperDial(conn, nil, log)
	if err != nil {
		return nil, fmt.Errorf("proxied handshake with %s: %w", subordinate, err)
	}
	t.SetProxyTarget(subordinate)
	return New(t), nil
}

func (a *AgentClient) GetAllObjectHashes(ctx context.Context, paths []string) (map[string]state.ObjectHash, error) {
	var wire map[string]struct {
		CRC    uint32 `json:"crc"`
		Exists bool   `json:"exists"`
	}
	if err := a.rpc.Call(ctx, "get_all_object_hashes", map[string]any{"paths": paths}, &wire); err != nil {
		return nil, fmt.Errorf("get_all_object_hashes: %w", err)
	}
	out := make(map[string]state.ObjectHash, len(wire))
	for k, v := range wire {
		out[k] = state.ObjectHash{CRC: v.CRC, Exists: v.Exists}
	}
	return out, nil
}

func (a *AgentClient) GetDirectoryHashes(ctx context.Context, remoteDir string) (map[string]uint32, error) {
	var out map[string]uint32
	if err := a.rpc.Call(ctx, "get_directory_hashes", map[string]any{"path": remoteDir}, &out); err != nil {
		return nil, fmt.Errorf("get_directory_hashes: %w", err)
	}
	return out, nil
}

func (a *AgentClient) WriteObject(ctx context.Context, path string, isDir bool, data []byte) error {
	if err := a.rpc.Call(ctx, "write_object", map[string]any{"path": path, "is_dir": isDir, "data": data}, nil); err != nil {
		return fmt.Errorf("write_object: %w", err)
	}
	metrics.ObjectsWritten.Inc()
	metrics.BytesTransferred.WithLabelValues("inline").Add(float64(len(data)))
	return nil
}

func (a *AgentClient) RemoveObjects(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := a.rpc.Call(ctx, "remove_objects", map[string]any{"paths": paths}, nil); err != nil {
		return fmt.Errorf("remove_objects: %w", err)
	}
	metrics.ObjectsRemoved.Add(float64(len(paths)))
	return nil
}

// StreamObjects sends each pair over the transport's bulk-stream path in
// bounded frames carrying target path, offset, and an EOF flag; directory-only entries fall back to a tiny inline
// write_object. Delivery is verified by the next poll's hash comparison.
func (a *AgentClient) StreamObjects(ctx context.Context, pairs []state.TransferPair) error {
	if a.t == nil {
		return fmt.Errorf("stream_objects: no transport bound")
	}
	for _, p := range pairs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.Local == "" {
			if err := a.WriteObject(ctx, p.Remote, true, []byte{}); err != nil {
				return err
			}
			continue
		}

		f, err := os.Open(p.Local)
		if err != nil {
			return fmt.Errorf("open stream source %s: %w", p.Local, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat stream source %s: %w", p.Local, err)
		}
		err = a.t.StreamFile(p.Remote, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("stream %s: %w", p.Remote, err)
		}
		metrics.BytesTransferred.WithLabelValues("streamed").Add(float64(info.Size()))
	}
	return nil
}

// GetSubagents returns the agent's reported subordinate list
// (agentcore.SubordinateInfo's wire shape).
func (a *AgentClient) GetSubagents(ctx context.Context) ([]SubordinateInfo, error) {
	var out []SubordinateInfo
	if err := a.rpc.Call(ctx, "get_subagents", nil, &out); err != nil {
		return nil, fmt.Errorf("get_subagents: %w", err)
	}
	return out, nil
}

// GetState pulls the agent's opaque state snapshot for observability.
func (a *AgentClient) GetState(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := a.rpc.Call(ctx, "get_state", nil, &out); err != nil {
		return nil, fmt.Errorf("get_state: %w", err)
	}
	return out, nil
}

// ListServerDetails reports the agent's listening addresses and TLS state,
// used to decide whether a
// reconnect on the TLS port is needed.
func (a *AgentClient) ListServerDetails(ctx context.Context) (ServerDetails, error) {
	var out ServerDetails
	if err := a.rpc.Call(ctx, "list_server_details", nil, &out); err != nil {
		return ServerDetails{}, fmt.Errorf("list_server_details: %w", err)
	}
	return out, nil
}

// SubordinateInfo mirrors agentcore.SubordinateInfo's wire shape without
// importing the agentcore package, which keeper never depends on.
type SubordinateInfo struct {
	Name     string `json:"name"`
	AppName  string `json:"app_name"`
	Role     string `json:"role"`
	Enrolled bool   `json:"enrolled"`
}

// ServerDetails mirrors agentcore.Details' wire shape.
type ServerDetails struct {
	Addresses []string `json:"addresses"`
	PlainPort int      `json:"plain_port"`
	TLSPort   int      `json:"tls_port"`
	TLSActive bool     `json:"tls_active"`
}
