package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Handler implements one RPC method. storage is non-nil only for
// plugin-registered methods; core methods always receive a nil storage.
type Handler func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error)

// Dispatcher is the table-driven method dispatch for the agent surface:
// missing method -> METHOD_NOT_FOUND, argument mismatch -> INVALID_PARAMS
// (a handler reports this itself via an *Error), unhandled panic inside a
// method -> INTERNAL_ERROR with a sanitized message.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]Handler
	log     *slog.Logger
}

// New creates an empty Dispatcher.
func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		methods: make(map[string]Handler),
		log:     log,
	}
}

// Register adds or replaces the handler for name.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = h
}

// Unregister removes name's handler, if any.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.methods, name)
}

// Methods returns the currently registered method names, used to answer
// the agent core's get_methods RPC.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) lookup(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.methods[name]
	return h, ok
}

// Dispatch routes req to its handler and returns the reply to send, or nil
// if req is a one-way request/notification that must not be replied to.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, storage *Storage) *Response {
	handler, ok := d.lookup(req.Method)
	if !ok {
		err := NewError(MethodNotFound, fmt.Errorf("method %q is not registered", req.Method))
		if req.IsNotification() {
			d.log.Warn("one-way request for unknown method", "method", req.Method)
			return nil
		}
		return errorResponse(req.ID, err)
	}

	result, err := d.invoke(ctx, handler, req.Params, storage)

	if req.IsNotification() {
		if err != nil {
			d.log.Error("one-way request handler failed", "method", req.Method, "error", err)
		}
		return nil
	}

	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(Internal, err)
		}
		return errorResponse(req.ID, rpcErr)
	}

	resultBytes, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return errorResponse(req.ID, NewError(Internal, marshalErr))
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: resultBytes}
}

// invoke calls handler, converting a panic into an INTERNAL_ERROR so a
// single misbehaving method can never take down the dispatch loop.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, params json.RawMessage, storage *Storage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(Internal, fmt.Errorf("panic in handler: %v", r))
		}
	}()
	return handler(ctx, params, storage)
}

func errorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error: &ErrorObject{
			Code:    int(err.Code),
			Message: sanitize(err),
		},
	}
}
