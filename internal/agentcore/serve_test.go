package agentcore

import (
	"bytes"
	"context"
	"hash/crc32"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxvault/vault/internal/rpc"
	"github.com/fluxvault/vault/internal/transport"
)

// startTestServer runs a Server on an OS-assigned port and returns its
// address once it is accepting.
func startTestServer(t *testing.T, core *Core) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(ServerConfig{Core: core, Port: 0, Log: testLogger()})
	go func() { _ = srv.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never bound a listener")
	return ""
}

func TestServer_HandshakeAndDispatch(t *testing.T) {
	core := newTestCore(t)
	if err := os.WriteFile(filepath.Join(core.workDir, "hello.txt"), []byte("alpha"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	addr := startTestServer(t, core)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	kt, err := transport.KeeperDial(conn, nil, testLogger())
	if err != nil {
		t.Fatalf("KeeperDial: %v", err)
	}
	defer kt.Close()

	client := rpc.NewClient(kt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var hashes map[string]objectHashWire
	if err := client.Call(ctx, "get_all_object_hashes", map[string]any{"paths": []string{"/hello.txt", "/missing"}}, &hashes); err != nil {
		t.Fatalf("get_all_object_hashes: %v", err)
	}
	want := crc32.ChecksumIEEE([]byte("alpha"))
	if got := hashes["/hello.txt"]; !got.Exists || got.CRC != want {
		t.Errorf("/hello.txt = %+v, want exists with crc %#x", got, want)
	}
	if hashes["/missing"].Exists || hashes["/missing"].CRC != 0 {
		t.Errorf("/missing = %+v, want crc 0 and !exists", hashes["/missing"])
	}
}

func TestServer_StreamChunksLandBeforeNextCall(t *testing.T) {
	core := newTestCore(t)
	addr := startTestServer(t, core)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	kt, err := transport.KeeperDial(conn, nil, testLogger())
	if err != nil {
		t.Fatalf("KeeperDial: %v", err)
	}
	defer kt.Close()

	payload := bytes.Repeat([]byte("stream-me."), 64*1024)
	if err := kt.StreamFile("/bulk/data.bin", bytes.NewReader(payload)); err != nil {
		t.Fatalf("StreamFile: %v", err)
	}

	// The serve loop handles frames in order, so a request issued after
	// the stream frames observes the fully landed file.
	client := rpc.NewClient(kt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var hashes map[string]objectHashWire
	if err := client.Call(ctx, "get_all_object_hashes", map[string]any{"paths": []string{"/bulk/data.bin"}}, &hashes); err != nil {
		t.Fatalf("get_all_object_hashes: %v", err)
	}
	want := crc32.ChecksumIEEE(payload)
	if got := hashes["/bulk/data.bin"]; !got.Exists || got.CRC != want {
		t.Errorf("streamed file hash = %+v, want crc %#x", got, want)
	}

	got, err := os.ReadFile(filepath.Join(core.workDir, "bulk", "data.bin"))
	if err != nil {
		t.Fatalf("read streamed file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("streamed bytes do not reassemble byte-for-byte (%d vs %d bytes)", len(got), len(payload))
	}
}
