package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func idFor(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", n))
}

func TestDispatch_MethodNotFound(t *testing.T) {
	d := New(testLogger())

	req := &Request{JSONRPC: "2.0", ID: idFor(1), Method: "nope"}
	resp := d.Dispatch(context.Background(), req, nil)
	if resp == nil {
		t.Fatal("expected a response for a non-one-way request")
	}
	if resp.Error == nil || Code(resp.Error.Code) != MethodNotFound {
		t.Fatalf("expected METHOD_NOT_FOUND, got %+v", resp.Error)
	}
}

func TestDispatch_Success(t *testing.T) {
	d := New(testLogger())
	d.Register("get_state", func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})

	req := &Request{JSONRPC: "2.0", ID: idFor(1), Method: "get_state"}
	resp := d.Dispatch(context.Background(), req, nil)
	if resp == nil {
		t.Fatal("expected a response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("result: got %v, want status=ok", result)
	}
}

func TestDispatch_InvalidParams(t *testing.T) {
	d := New(testLogger())
	d.Register("write_object", func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, NewError(InvalidParams, err)
		}
		if args.Path == "" {
			return nil, NewError(InvalidParams, errors.New("path is required"))
		}
		return nil, nil
	})

	req := &Request{JSONRPC: "2.0", ID: idFor(1), Method: "write_object", Params: json.RawMessage(`{}`)}
	resp := d.Dispatch(context.Background(), req, nil)
	if resp.Error == nil || Code(resp.Error.Code) != InvalidParams {
		t.Fatalf("expected INVALID_PARAMS, got %+v", resp.Error)
	}
}

func TestDispatch_PanicBecomesInternalError(t *testing.T) {
	d := New(testLogger())
	d.Register("boom", func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error) {
		panic("unexpected failure")
	})

	req := &Request{JSONRPC: "2.0", ID: idFor(1), Method: "boom"}
	resp := d.Dispatch(context.Background(), req, nil)
	if resp.Error == nil || Code(resp.Error.Code) != Internal {
		t.Fatalf("expected INTERNAL_ERROR, got %+v", resp.Error)
	}
	if resp.Error.Message == "unexpected failure" {
		t.Error("internal error message should be sanitized, not the raw panic value")
	}
}

func TestDispatch_OneWayNeverReplies(t *testing.T) {
	d := New(testLogger())
	called := false
	d.Register("pty_input", func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error) {
		called = true
		return nil, nil
	})

	req := &Request{JSONRPC: "2.0", Method: "pty_input", OneWay: true}
	resp := d.Dispatch(context.Background(), req, nil)
	if resp != nil {
		t.Errorf("one-way request must not be replied to, got %+v", resp)
	}
	if !called {
		t.Error("one-way request should still invoke its handler")
	}
}

func TestDispatch_OneWayUnknownMethodNeverReplies(t *testing.T) {
	d := New(testLogger())
	req := &Request{JSONRPC: "2.0", Method: "does_not_exist", OneWay: true}
	resp := d.Dispatch(context.Background(), req, nil)
	if resp != nil {
		t.Errorf("one-way request for unknown method must not be replied to, got %+v", resp)
	}
}

func TestRegistry_LoadPrefixesMethodsAndBindsStorage(t *testing.T) {
	d := New(testLogger())
	reg := NewRegistry(d, nil, testLogger())

	plugin := Plugin{
		Name: "example",
		Methods: map[string]Handler{
			"remember": func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error) {
				storage.Set("seen", true)
				return nil, nil
			},
			"recall": func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error) {
				v, _ := storage.Get("seen")
				return v, nil
			},
		},
	}
	if err := reg.Load(context.Background(), plugin); err != nil {
		t.Fatalf("Load: %v", err)
	}

	resp := d.Dispatch(context.Background(), &Request{JSONRPC: "2.0", ID: idFor(1), Method: "example.remember"}, nil)
	if resp.Error != nil {
		t.Fatalf("example.remember failed: %+v", resp.Error)
	}

	resp = d.Dispatch(context.Background(), &Request{JSONRPC: "2.0", ID: idFor(2), Method: "example.recall"}, nil)
	if resp.Error != nil {
		t.Fatalf("example.recall failed: %+v", resp.Error)
	}
	var seen bool
	if err := json.Unmarshal(resp.Result, &seen); err != nil {
		t.Fatalf("unmarshal recall result: %v", err)
	}
	if !seen {
		t.Error("storage should persist across calls to the same plugin instance")
	}
}

func TestRegistry_RequiredPackagesNeedInstaller(t *testing.T) {
	d := New(testLogger())
	reg := NewRegistry(d, nil, testLogger())

	plugin := Plugin{
		Name:             "needs_deps",
		RequiredPackages: []string{"some-package"},
		Methods:          map[string]Handler{},
	}
	if err := reg.Load(context.Background(), plugin); err == nil {
		t.Error("expected Load to fail without a configured installer")
	}
}

type fakeInstaller struct {
	installed []string
	fail      bool
}

func (f *fakeInstaller) Install(ctx context.Context, packages []string) error {
	if f.fail {
		return errors.New("install failed")
	}
	f.installed = append(f.installed, packages...)
	return nil
}

func TestRegistry_InstallsRequiredPackages(t *testing.T) {
	d := New(testLogger())
	installer := &fakeInstaller{}
	reg := NewRegistry(d, installer, testLogger())

	plugin := Plugin{
		Name:             "needs_deps",
		RequiredPackages: []string{"some-package"},
		Methods: map[string]Handler{
			"ping": func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error) {
				return "pong", nil
			},
		},
	}
	if err := reg.Load(context.Background(), plugin); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(installer.installed) != 1 || installer.installed[0] != "some-package" {
		t.Errorf("installed packages: got %v", installer.installed)
	}
}

func TestRegistry_InstallFailureSkipsPlugin(t *testing.T) {
	d := New(testLogger())
	installer := &fakeInstaller{fail: true}
	reg := NewRegistry(d, installer, testLogger())

	plugin := Plugin{
		Name:             "broken",
		RequiredPackages: []string{"some-package"},
		Methods: map[string]Handler{
			"ping": func(ctx context.Context, params json.RawMessage, storage *Storage) (any, error) {
				return "pong", nil
			},
		},
	}
	if err := reg.Load(context.Background(), plugin); err == nil {
		t.Fatal("expected install failure to propagate")
	}

	resp := d.Dispatch(context.Background(), &Request{JSONRPC: "2.0", ID: idFor(1), Method: "broken.ping"}, nil)
	if resp.Error == nil || Code(resp.Error.Code) != MethodNotFound {
		t.Errorf("expected broken.ping to remain unregistered, got %+v", resp.Error)
	}
}
