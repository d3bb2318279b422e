package keeper

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fluxvault/vault/internal/rpc"
)

// fakeCaller is a minimal in-memory rpc.Caller: each Send is paired with
// the next queued Recv reply, mirroring internal/rpc's own client tests.
type fakeCaller struct {
	replies [][]byte
	next    int
	sent    []string
}

func (f *fakeCaller) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, string(b))
	return nil
}

func (f *fakeCaller) Recv(v any) error {
	b := f.replies[f.next]
	f.next++
	return json.Unmarshal(b, v)
}

func reply(t *testing.T, id uint64, result any) []byte {
	t.Helper()
	resultBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	resp := rpc.Response{JSONRPC: "2.0", ID: json.RawMessage(mustJSON(t, id)), Result: resultBytes}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return b
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestAgentClientGetAllObjectHashes(t *testing.T) {
	fc := &fakeCaller{replies: [][]byte{reply(t, 1, map[string]any{
		"/quotes.txt": map[string]any{"crc": 42, "exists": true},
		"/missing":    map[string]any{"crc": 0, "exists": false},
	})}}
	c := New(fc)

	hashes, err := c.GetAllObjectHashes(context.Background(), []string{"/quotes.txt", "/missing"})
	if err != nil {
		t.Fatalf("GetAllObjectHashes: %v", err)
	}
	if !hashes["/quotes.txt"].Exists || hashes["/quotes.txt"].CRC != 42 {
		t.Errorf("quotes.txt = %+v", hashes["/quotes.txt"])
	}
	if hashes["/missing"].Exists {
		t.Errorf("missing = %+v, want !exists", hashes["/missing"])
	}
}

func TestAgentClientWriteObject(t *testing.T) {
	fc := &fakeCaller{replies: [][]byte{reply(t, 1, nil)}}
	c := New(fc)

	if err := c.WriteObject(context.Background(), "/a/b.txt", false, []byte("data")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if len(fc.sent) != 1 {
		t.Fatalf("expected 1 request sent, got %d", len(fc.sent))
	}
	var req rpc.Request
	if err := json.Unmarshal([]byte(fc.sent[0]), &req); err != nil {
		t.Fatalf("unmarshal sent request: %v", err)
	}
	if req.Method != "write_object" {
		t.Errorf("method = %q, want write_object", req.Method)
	}
}

func TestAgentClientRemoveObjectsNoopOnEmpty(t *testing.T) {
	c := New(&fakeCaller{})
	if err := c.RemoveObjects(context.Background(), nil); err != nil {
		t.Fatalf("RemoveObjects(nil) = %v, want nil", err)
	}
}

func TestAgentClientGetSubagents(t *testing.T) {
	fc := &fakeCaller{replies: [][]byte{reply(t, 1, []SubordinateInfo{
		{Name: "worker-1", AppName: "demoapp", Enrolled: true},
	})}}
	c := New(fc)

	subs, err := c.GetSubagents(context.Background())
	if err != nil {
		t.Fatalf("GetSubagents: %v", err)
	}
	if len(subs) != 1 || subs[0].Name != "worker-1" {
		t.Errorf("subs = %+v", subs)
	}
}
