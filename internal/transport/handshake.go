package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// handshakeTimeout bounds each RSA/AES handshake step.
const handshakeTimeout = 10 * time.Second

// testMessage/testMessageResponse are the literal text fields exchanged
// during the encryption self-test.
const (
	testMessage         = "TestEncryptionMessage"
	testMessageResponse = "TestEncryptionMessageResponse"
)

type rsaPubFrame struct {
	RSAPub string `json:"rsa_pub"`
}

// rsaHandshakeFrame is the RSA key-exchange frame:
// {"enc_session_key":hex, "nonce":hex, "tag":hex, "cipher":name}.
// EncSessionKey carries RSA-OAEP(pub, aesKey); Cipher names the AEAD the
// resulting session negotiates ("AES-GCM" here, see envelope.go); Nonce and
// Tag are unused at this step (there is no ciphertext yet to authenticate)
// and are sent empty.
type rsaHandshakeFrame struct {
	EncSessionKey string `json:"enc_session_key"`
	Nonce         string `json:"nonce"`
	Tag           string `json:"tag"`
	Cipher        string `json:"cipher"`
}

type testFrame struct {
	Text string `json:"text"`
	Fill string `json:"fill"`
}

// Identity is the signing identity a Keeper proves during mode-3
// authentication: a self-certifying address derived from an ECDSA
// public key, plus the key material needed to answer the Agent's
// challenge. See auth.go.
type Identity struct {
	Address string
	Signer  Signer
}

// Signer produces a signature over a 32-byte digest, and exposes the
// public key bytes the peer needs to verify it and recompute Address.
// Implemented by the Keeper's keyring.
type Signer interface {
	PublicKeyBytes() []byte
	Sign(digest [32]byte) ([]byte, error)
}

// AgentAccept runs the Agent side of the handshake
// over an already-accepted connection. If whitelist is non-empty, the
// Agent first challenges the peer to prove its identity against one of
// the whitelisted addresses (mode 3); a missing or bad signature fails
// with AuthAddressRequired/AuthDenied and the connection is closed by the
// caller.
func AgentAccept(conn net.Conn, whitelist []string, log *slog.Logger) (*Transport, error) {
	t := newTransport(conn, log)

	if len(whitelist) > 0 {
		if err := t.authenticatePeer(whitelist); err != nil {
			return nil, err
		}
	}

	_ = t.SetDeadline(handshakeTimeout)
	defer func() { _ = t.SetDeadline(0) }()

	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("generate rsa key: %w", err))
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&rsaPriv.PublicKey)
	if err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("marshal rsa pubkey: %w", err))
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := t.sendJSON(rsaPubFrame{RSAPub: hex.EncodeToString(pubPEM)}); err != nil {
		return nil, err
	}

	var hs rsaHandshakeFrame
	if err := t.recvJSON(&hs); err != nil {
		return nil, err
	}
	encKey, err := hex.DecodeString(hs.EncSessionKey)
	if err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("decode enc_session_key: %w", err))
	}
	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaPriv, encKey, nil)
	if err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("rsa-oaep decrypt: %w", err))
	}

	keys, err := newSessionKeys(aesKey)
	if err != nil {
		return nil, t.fail(HandshakeFailed, err)
	}
	t.mu.Lock()
	t.keys = keys
	t.mode = ModeEncrypted
	t.mu.Unlock()

	fill := make([]byte, 16)
	if _, err := rand.Read(fill); err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("generate fill: %w", err))
	}
	if err := t.Send(testFrame{Text: testMessage, Fill: hex.EncodeToString(fill)}); err != nil {
		return nil, err
	}

	var resp testFrame
	if err := t.Recv(&resp); err != nil {
		return nil, err
	}
	if resp.Text != testMessageResponse {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("unexpected response text %q", resp.Text))
	}
	respFill, err := hex.DecodeString(resp.Fill)
	if err != nil || !bytes.Equal(respFill, reverseBytes(fill)) {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("fill mismatch"))
	}

	return t, nil
}

// KeeperDial runs the Keeper side of the handshake against an agent it has
// just dialed. If identity is non-nil, it answers the Agent's
// authentication challenge (mode 3) before the RSA/AES exchange.
func KeeperDial(conn net.Conn, identity *Identity, log *slog.Logger) (*Transport, error) {
	t := newTransport(conn, log)

	if identity != nil {
		if err := t.proveIdentity(*identity); err != nil {
			return nil, err
		}
	}

	_ = t.SetDeadline(handshakeTimeout)
	defer func() { _ = t.SetDeadline(0) }()

	var pubFrame rsaPubFrame
	if err := t.recvJSON(&pubFrame); err != nil {
		return nil, err
	}
	pubPEM, err := hex.DecodeString(pubFrame.RSAPub)
	if err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("decode rsa_pub: %w", err))
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("no PEM block in rsa_pub"))
	}
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("parse rsa pubkey: %w", err))
	}
	rsaPub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("peer key is %T, want *rsa.PublicKey", pubAny))
	}

	aesKey := make([]byte, 16)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("generate aes key: %w", err))
	}
	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, aesKey, nil)
	if err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("rsa-oaep encrypt: %w", err))
	}
	if err := t.sendJSON(rsaHandshakeFrame{
		EncSessionKey: hex.EncodeToString(encKey),
		Cipher:        "AES-GCM",
	}); err != nil {
		return nil, err
	}

	keys, err := newSessionKeys(aesKey)
	if err != nil {
		return nil, t.fail(HandshakeFailed, err)
	}
	t.mu.Lock()
	t.keys = keys
	t.mode = ModeEncrypted
	t.mu.Unlock()

	var req testFrame
	if err := t.Recv(&req); err != nil {
		return nil, err
	}
	if req.Text != testMessage {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("unexpected test message text %q", req.Text))
	}
	fill, err := hex.DecodeString(req.Fill)
	if err != nil {
		return nil, t.fail(HandshakeFailed, fmt.Errorf("decode fill: %w", err))
	}
	if err := t.Send(testFrame{Text: testMessageResponse, Fill: hex.EncodeToString(reverseBytes(fill))}); err != nil {
		return nil, err
	}

	return t, nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
