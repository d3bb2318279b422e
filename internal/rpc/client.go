package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Caller is the transport-level surface a Client needs: Send/Recv a
// single JSON value per call, matching internal/transport.Transport's
// exported Send/Recv methods. Kept as a narrow interface so this package
// never imports internal/transport directly.
type Caller interface {
	Send(v any) error
	Recv(v any) error
}

// Client issues JSON-RPC 2.0 requests over a Caller and matches replies by
// id.
// One Client serializes all calls made through it: Call blocks until it
// reads a response carrying its own id, discarding any other frame (a
// one-way notification or a reply to a call this Client never made) —
// sufficient for the Keeper's sequential per-agent task pipeline.
type Client struct {
	caller Caller
	nextID uint64
}

// NewClient wraps caller for outbound JSON-RPC calls.
func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

// Call sends method with params and decodes the matching response's
// result into out (which may be nil if the caller doesn't need it).
// Returns the RpcError taxonomy if the agent's dispatcher
// reported one.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddUint64(&c.nextID, 1)
	req, err := NewRequest(method, id, params)
	if err != nil {
		return fmt.Errorf("build request %s: %w", method, err)
	}
	if err := c.caller.Send(req); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var resp Response
		if err := c.caller.Recv(&resp); err != nil {
			return err
		}
		var gotID uint64
		if err := json.Unmarshal(resp.ID, &gotID); err != nil || gotID != id {
			continue // stale reply or an interleaved notification frame; keep reading
		}
		if resp.Error != nil {
			return &Error{Code: Code(resp.Error.Code), Err: fmt.Errorf("%s", resp.Error.Message)}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

// Notify sends a one-way request that expects no reply.
func (c *Client) Notify(method string, params any) error {
	req, err := NewRequest(method, nil, params)
	if err != nil {
		return fmt.Errorf("build notification %s: %w", method, err)
	}
	req.OneWay = true
	return c.caller.Send(req)
}
