package agentcore

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/fluxvault/vault/internal/identity"
	"github.com/fluxvault/vault/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	return New(Config{
		Self:    identity.Agent{AppName: "demoapp", Component: "web", Address: "10.0.0.5:8888"},
		WorkDir: t.TempDir(),
		Log:     testLogger(),
		Details: Details{Addresses: []string{"10.0.0.5"}, PlainPort: 8888, TLSPort: 8889},
	})
}

func call(t *testing.T, c *Core, method string, params any) *rpc.Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	id := json.RawMessage(`1`)
	resp := c.Dispatcher().Dispatch(context.Background(), &rpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil)
	if resp == nil {
		t.Fatalf("%s: expected a response", method)
	}
	return resp
}

func TestGetMethodsListsRegisteredHandlers(t *testing.T) {
	c := newTestCore(t)
	resp := call(t, c, "get_methods", nil)
	if resp.Error != nil {
		t.Fatalf("get_methods failed: %+v", resp.Error)
	}
	var methods []string
	if err := json.Unmarshal(resp.Result, &methods); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(methods) < 10 {
		t.Errorf("expected at least 10 registered methods, got %d: %v", len(methods), methods)
	}
}

func TestWriteObjectThenGetAllObjectHashes(t *testing.T) {
	c := newTestCore(t)

	resp := call(t, c, "write_object", map[string]any{
		"path":   "/quotes.txt",
		"is_dir": false,
		"data":   []byte("alpha"),
	})
	if resp.Error != nil {
		t.Fatalf("write_object failed: %+v", resp.Error)
	}

	got, err := os.ReadFile(filepath.Join(c.workDir, "quotes.txt"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(got) != "alpha" {
		t.Errorf("file contents = %q, want %q", got, "alpha")
	}

	resp = call(t, c, "get_all_object_hashes", map[string]any{"paths": []string{"/quotes.txt", "/missing.txt"}})
	if resp.Error != nil {
		t.Fatalf("get_all_object_hashes failed: %+v", resp.Error)
	}
	var hashes map[string]objectHashWire
	if err := json.Unmarshal(resp.Result, &hashes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !hashes["/quotes.txt"].Exists || hashes["/quotes.txt"].CRC == 0 {
		t.Errorf("quotes.txt hash = %+v, want exists with non-zero crc", hashes["/quotes.txt"])
	}
	if hashes["/missing.txt"].Exists || hashes["/missing.txt"].CRC != 0 {
		t.Errorf("missing.txt hash = %+v, want !exists crc=0", hashes["/missing.txt"])
	}
}

func TestWriteObjectExtractsGzipTar(t *testing.T) {
	c := newTestCore(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("hello from the archive")
	if err := tw.WriteHeader(&tar.Header{Name: "nested/file.txt", Mode: 0644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()

	resp := call(t, c, "write_object", map[string]any{
		"path":   "/bundle",
		"is_dir": false,
		"data":   buf.Bytes(),
	})
	if resp.Error != nil {
		t.Fatalf("write_object failed: %+v", resp.Error)
	}

	got, err := os.ReadFile(filepath.Join(c.workDir, "bundle", "nested", "file.txt"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("extracted contents = %q, want %q", got, content)
	}
}

func TestGetDirectoryHashesMatchesFsobjKeys(t *testing.T) {
	c := newTestCore(t)
	if err := os.MkdirAll(filepath.Join(c.workDir, "dir", "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(c.workDir, "dir", "a"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(c.workDir, "dir", "sub", "b"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}

	resp := call(t, c, "get_directory_hashes", map[string]any{"path": "/dir"})
	if resp.Error != nil {
		t.Fatalf("get_directory_hashes failed: %+v", resp.Error)
	}
	var hashes map[string]uint32
	if err := json.Unmarshal(resp.Result, &hashes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"", "a", "sub", "sub/b"} {
		if _, ok := hashes[key]; !ok {
			t.Errorf("missing key %q in %v", key, hashes)
		}
	}
}

func TestRemoveObjectsToleratesMissing(t *testing.T) {
	c := newTestCore(t)
	resp := call(t, c, "remove_objects", map[string]any{"paths": []string{"/does/not/exist"}})
	if resp.Error != nil {
		t.Fatalf("remove_objects on missing path failed: %+v", resp.Error)
	}
}

type fakeUpgrader struct {
	called  bool
	certPEM []byte
	keyPEM  []byte
	caPEM   []byte
	fail    bool
}

func (f *fakeUpgrader) UpgradeToTLS(certPEM, keyPEM, caCertPEM []byte) error {
	f.called = true
	f.certPEM, f.keyPEM, f.caPEM = certPEM, keyPEM, caCertPEM
	if f.fail {
		return fmt.Errorf("boom")
	}
	return nil
}

func TestEnrollmentFlowInstallsAndUpgrades(t *testing.T) {
	up := &fakeUpgrader{}
	c := New(Config{
		Self:     identity.Agent{AppName: "demoapp", Component: "web"},
		WorkDir:  t.TempDir(),
		Log:      testLogger(),
		Upgrader: up,
	})

	resp := call(t, c, "generate_csr", nil)
	if resp.Error != nil {
		t.Fatalf("generate_csr failed: %+v", resp.Error)
	}
	var csrOut struct {
		CSR        []byte `json:"csr"`
		CommonName string `json:"common_name"`
	}
	if err := json.Unmarshal(resp.Result, &csrOut); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if csrOut.CommonName != "web.demoapp.com" {
		t.Errorf("common_name = %q, want web.demoapp.com", csrOut.CommonName)
	}
	if len(csrOut.CSR) == 0 {
		t.Error("expected non-empty CSR DER")
	}

	resp = call(t, c, "install_cert", map[string]any{"cert": []byte("fake-leaf-pem")})
	if resp.Error != nil {
		t.Fatalf("install_cert failed: %+v", resp.Error)
	}

	resp = call(t, c, "install_ca_cert", map[string]any{"ca_cert": []byte("fake-ca-pem")})
	if resp.Error != nil {
		t.Fatalf("install_ca_cert failed: %+v", resp.Error)
	}

	resp = call(t, c, "upgrade_to_ssl", nil)
	if resp.Error != nil {
		t.Fatalf("upgrade_to_ssl failed: %+v", resp.Error)
	}
	if !up.called {
		t.Fatal("expected UpgradeToTLS to be called")
	}
	if string(up.certPEM) != "fake-leaf-pem" || string(up.caPEM) != "fake-ca-pem" {
		t.Errorf("upgrader got cert=%q ca=%q", up.certPEM, up.caPEM)
	}

	resp = call(t, c, "list_server_details", nil)
	var details Details
	if err := json.Unmarshal(resp.Result, &details); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !details.TLSActive {
		t.Error("expected TLSActive after successful upgrade")
	}
}

func TestUpgradeToSslFailsWithoutPriorEnrollmentSteps(t *testing.T) {
	c := New(Config{
		Self:     identity.Agent{AppName: "demoapp", Component: "web"},
		WorkDir:  t.TempDir(),
		Log:      testLogger(),
		Upgrader: &fakeUpgrader{},
	})
	resp := call(t, c, "upgrade_to_ssl", nil)
	if resp.Error == nil {
		t.Fatal("expected upgrade_to_ssl to fail without generate_csr/install_cert/install_ca_cert")
	}
}

type fakeSubordinateLister struct{ subs []SubordinateInfo }

func (f *fakeSubordinateLister) Subordinates() []SubordinateInfo { return f.subs }

func TestGetSubagentsReturnsRegistrarList(t *testing.T) {
	lister := &fakeSubordinateLister{subs: []SubordinateInfo{{Name: "worker-1", AppName: "demoapp", Enrolled: true}}}
	c := New(Config{
		Self:        identity.Agent{AppName: "demoapp", Component: "primary"},
		WorkDir:     t.TempDir(),
		Log:         testLogger(),
		Subordinate: lister,
	})

	resp := call(t, c, "get_subagents", nil)
	if resp.Error != nil {
		t.Fatalf("get_subagents failed: %+v", resp.Error)
	}
	var subs []SubordinateInfo
	if err := json.Unmarshal(resp.Result, &subs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(subs) != 1 || subs[0].Name != "worker-1" {
		t.Errorf("subs = %+v", subs)
	}
}
