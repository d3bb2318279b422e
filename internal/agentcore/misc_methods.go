package agentcore

import (
	"context"
	"encoding/json"

	"github.com/fluxvault/vault/internal/rpc"
)

func (c *Core) getMethods(_ context.Context, _ json.RawMessage, _ *rpc.Storage) (any, error) {
	return c.dispatcher.Methods(), nil
}

// getState returns an opaque snapshot for observability; the Keeper treats the result as a
// log artifact, never parses it structurally.
func (c *Core) getState(_ context.Context, _ json.RawMessage, _ *rpc.Storage) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"component":  c.self.Component,
		"app_name":   c.self.AppName,
		"work_dir":   c.workDir,
		"tls_active": c.details.TLSActive,
	}, nil
}

func (c *Core) getSubagents(_ context.Context, _ json.RawMessage, _ *rpc.Storage) (any, error) {
	c.mu.Lock()
	lister := c.subordinate
	c.mu.Unlock()
	if lister == nil {
		return []SubordinateInfo{}, nil
	}
	return lister.Subordinates(), nil
}

func (c *Core) listServerDetails(_ context.Context, _ json.RawMessage, _ *rpc.Storage) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details, nil
}
