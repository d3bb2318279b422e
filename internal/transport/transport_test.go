package transport

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func handshakePair(t *testing.T, whitelist []string, identity *Identity) (agentT, keeperT *Transport) {
	t.Helper()
	agentConn, keeperConn := net.Pipe()

	type result struct {
		t   *Transport
		err error
	}
	agentCh := make(chan result, 1)
	go func() {
		tr, err := AgentAccept(agentConn, whitelist, testLogger())
		agentCh <- result{tr, err}
	}()

	kt, err := KeeperDial(keeperConn, identity, testLogger())
	if err != nil {
		t.Fatalf("KeeperDial: %v", err)
	}

	res := <-agentCh
	if res.err != nil {
		t.Fatalf("AgentAccept: %v", res.err)
	}

	return res.t, kt
}

func TestHandshake_NoAuth(t *testing.T) {
	agentT, keeperT := handshakePair(t, nil, nil)
	defer agentT.Close()
	defer keeperT.Close()

	if agentT.Mode() != ModeEncrypted {
		t.Errorf("agent mode: got %v, want encrypted", agentT.Mode())
	}
	if keeperT.Mode() != ModeEncrypted {
		t.Errorf("keeper mode: got %v, want encrypted", keeperT.Mode())
	}
}

func TestHandshake_RoundTripMessage(t *testing.T) {
	agentT, keeperT := handshakePair(t, nil, nil)
	defer agentT.Close()
	defer keeperT.Close()

	type payload struct {
		Hello string `json:"hello"`
	}

	type recvResult struct {
		p   payload
		err error
	}
	done := make(chan recvResult, 1)
	go func() {
		var p payload
		err := agentT.Recv(&p)
		done <- recvResult{p, err}
	}()

	if err := keeperT.Send(payload{Hello: "world"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Recv: %v", res.err)
		}
		if res.p.Hello != "world" {
			t.Errorf("received payload: got %q, want %q", res.p.Hello, "world")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestHandshake_SignatureAuth_Success(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	addr := AddressFromPublicKey(signer.PublicKeyBytes())
	identity := &Identity{Address: addr, Signer: signer}

	agentT, keeperT := handshakePair(t, []string{addr}, identity)
	defer agentT.Close()
	defer keeperT.Close()

	if agentT.Mode() != ModeEncrypted {
		t.Errorf("expected handshake to complete past auth, got mode %v", agentT.Mode())
	}
}

func TestHandshake_SignatureAuth_RejectsUnknownIdentity(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	addr := AddressFromPublicKey(signer.PublicKeyBytes())
	identity := &Identity{Address: addr, Signer: signer}

	agentConn, keeperConn := net.Pipe()

	agentErrCh := make(chan error, 1)
	go func() {
		_, err := AgentAccept(agentConn, []string{"some-other-address"}, testLogger())
		agentErrCh <- err
		_ = agentConn.Close()
	}()

	keeperErrCh := make(chan error, 1)
	go func() {
		_, err := KeeperDial(keeperConn, identity, testLogger())
		keeperErrCh <- err
	}()

	agentErr := <-agentErrCh
	if !Is(agentErr, AuthAddressRequired) {
		t.Fatalf("agent error: got %v, want AuthAddressRequired", agentErr)
	}

	select {
	case keeperErr := <-keeperErrCh:
		if keeperErr == nil {
			t.Error("expected keeper dial to fail once the agent closes the connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for keeper side to observe the closed connection")
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	keys, err := newSessionKeys(bytes.Repeat([]byte{0x42}, 16))
	if err != nil {
		t.Fatalf("newSessionKeys: %v", err)
	}

	plaintext := []byte(`{"method":"get_state"}`)
	env, err := keys.seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := keys.open(env)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestEnvelope_TamperedCiphertextFailsAuth(t *testing.T) {
	keys, err := newSessionKeys(bytes.Repeat([]byte{0x42}, 16))
	if err != nil {
		t.Fatalf("newSessionKeys: %v", err)
	}

	env, err := keys.seal([]byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// Flip a bit in the ciphertext.
	tampered := []byte(env.Ciphertext)
	tampered[0] ^= 1
	env.Ciphertext = string(tampered)

	if _, err := keys.open(env); err == nil {
		t.Error("expected tampered ciphertext to fail authentication")
	}
}

func TestEnvelope_TamperedTagFailsAuth(t *testing.T) {
	keys, err := newSessionKeys(bytes.Repeat([]byte{0x42}, 16))
	if err != nil {
		t.Fatalf("newSessionKeys: %v", err)
	}

	env, err := keys.seal([]byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	tampered := []byte(env.Tag)
	tampered[0] ^= 1
	env.Tag = string(tampered)

	if _, err := keys.open(env); err == nil {
		t.Error("expected tampered tag to fail authentication")
	}
}

func TestAddressFromPublicKey_Deterministic(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	a1 := AddressFromPublicKey(signer.PublicKeyBytes())
	a2 := AddressFromPublicKey(signer.PublicKeyBytes())
	if a1 != a2 {
		t.Error("address derivation should be deterministic for the same key")
	}
}
