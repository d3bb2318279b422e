// Package transport implements the length-delimited, progressively
// encrypted channel between a Keeper and one Agent.
//
// Four progressive modes are supported over the same TCP connection: plain
// JSON frames, AES-encrypted JSON frames after an RSA/AES handshake,
// optional signature-based authentication layered onto the handshake, and
// a later upgrade to mutually authenticated TLS once the Keeper has
// enrolled the peer. A Transport also multiplexes RPCs to a
// subordinate agent reached through a primary, and carries PTY byte
// streams as framed notifications.
package transport

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fluxvault/vault/internal/metrics"
)

// frameMarker is the literal 6-byte separator between JSON frames on the
// wire, in both plain and encrypted modes.
var frameMarker = []byte("<?!!?>")

// maxFrameSize bounds a single frame's size. 64 MiB comfortably exceeds the
// 50 MiB inline-transfer ceiling while still catching a
// desynchronized peer instead of growing the read buffer without limit.
const maxFrameSize = 64 * 1024 * 1024

// Mode tracks how far a Transport has progressed through the channel's
// progressive modes.
type Mode int

const (
	ModePlain Mode = iota
	ModeEncrypted
	ModeTLS
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeEncrypted:
		return "encrypted"
	case ModeTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Transport is a full-duplex, length-delimited message channel to one
// agent or Keeper peer. Exactly one instance exists per AgentIdentity at a
// time; callers obtain one via AgentAccept or
// KeeperDial.
type Transport struct {
	conn    net.Conn
	scanner *bufio.Scanner
	log     *slog.Logger

	mu   sync.Mutex // serializes mode transitions and writes
	mode Mode
	keys *sessionKeys // nil until mode >= ModeEncrypted

	// proxyTarget, when non-empty, names the subordinate AgentIdentity this
	// transport multiplexes RPCs to. The primary forwards framed payloads
	// verbatim without decrypting them.
	proxyTarget string

	pty ptyState

	failedOn Symbol // sticky; once non-empty the transport must be closed
}

func newTransport(conn net.Conn, log *slog.Logger) *Transport {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	scanner.Split(splitOnMarker)
	return &Transport{
		conn:    conn,
		scanner: scanner,
		log:     log,
		pty:     newPtyState(),
	}
}

// splitOnMarker is a bufio.SplitFunc that tokenizes on the literal 6-byte
// frame marker instead of a length prefix.
func splitOnMarker(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, frameMarker); i >= 0 {
		return i + len(frameMarker), data[:i], nil
	}
	if atEOF {
		if len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, io.EOF
	}
	return 0, nil, nil
}

// Mode reports the transport's current progressive mode.
func (t *Transport) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// FailedOn reports the sticky out-of-band failure symbol, if any; failure
// symbols surface here, never inside RPC results.
func (t *Transport) FailedOn() (Symbol, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedOn, t.failedOn != ""
}

func (t *Transport) fail(sym Symbol, cause error) *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failLocked(sym, cause)
}

// failLocked is fail's body for callers that already hold t.mu.
func (t *Transport) failLocked(sym Symbol, cause error) *Error {
	t.failedOn = sym
	metrics.TransportFailures.WithLabelValues(string(sym)).Inc()
	return newError(sym, cause)
}

// ProxyTarget reports the subordinate identity this transport proxies to,
// if it is acting as a proxy channel.
func (t *Transport) ProxyTarget() (string, bool) {
	return t.proxyTarget, t.proxyTarget != ""
}

// SetProxyTarget marks this transport as multiplexing RPCs to the named
// subordinate. Framed payloads are forwarded verbatim by the primary and
// never decrypted.
func (t *Transport) SetProxyTarget(identity string) {
	t.proxyTarget = identity
}

// Close releases the underlying connection.
func (t *Transport) Close() error {
	t.pty.detachAll()
	return t.conn.Close()
}

// SetDeadline applies d as a read/write deadline on the underlying
// connection. The handshake uses it to bound its steps to 10s; data RPCs
// are not given a deadline here. d <= 0 clears the deadline.
func (t *Transport) SetDeadline(d time.Duration) error {
	if d <= 0 {
		return t.conn.SetDeadline(time.Time{})
	}
	return t.conn.SetDeadline(time.Now().Add(d))
}

// writeRawFrame appends the frame marker and writes payload atomically with
// respect to other writers.
func (t *Transport) writeRawFrame(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, 0, len(payload)+len(frameMarker))
	buf = append(buf, payload...)
	buf = append(buf, frameMarker...)
	if _, err := t.conn.Write(buf); err != nil {
		return t.failLocked(NoSocket, err)
	}
	return nil
}

// readRawFrame reads the next marker-delimited token.
func (t *Transport) readRawFrame() ([]byte, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, t.fail(NoSocket, err)
		}
		return nil, t.fail(NoSocket, io.EOF)
	}
	tok := t.scanner.Bytes()
	out := make([]byte, len(tok))
	copy(out, tok)
	return out, nil
}

// sendJSON marshals v and writes it as a single plain (unencrypted) frame.
// Used only during the handshake before mode transitions to ModeEncrypted.
func (t *Transport) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal handshake frame: %w", err)
	}
	return t.writeRawFrame(b)
}

// recvJSON reads the next plain frame and unmarshals it into v.
func (t *Transport) recvJSON(v any) error {
	b, err := t.readRawFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return t.fail(HandshakeFailed, fmt.Errorf("unmarshal handshake frame: %w", err))
	}
	return nil
}

// Send writes v as the next application message: JSON-RPC payloads once
// encrypted, plain JSON before the handshake completes. Traffic for a
// subordinate goes through SendProxied/RecvProxied, which carry the
// subordinate's still-sealed bytes as an opaque payload inside a proxy frame.
func (t *Transport) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	mode := t.mode
	keys := t.keys
	t.mu.Unlock()

	if mode == ModePlain {
		return t.writeRawFrame(payload)
	}

	env, err := keys.seal(payload)
	if err != nil {
		return t.fail(HandshakeFailed, fmt.Errorf("seal message: %w", err))
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return t.writeRawFrame(envBytes)
}

// Recv reads the next application message into v, decrypting it first if
// the transport is past the plain handshake stage.
func (t *Transport) Recv(v any) error {
	raw, err := t.readRawFrame()
	if err != nil {
		return err
	}

	t.mu.Lock()
	mode := t.mode
	keys := t.keys
	t.mu.Unlock()

	if mode == ModePlain {
		if err := json.Unmarshal(raw, v); err != nil {
			return t.fail(HandshakeFailed, fmt.Errorf("unmarshal message: %w", err))
		}
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return t.fail(HandshakeFailed, fmt.Errorf("unmarshal envelope: %w", err))
	}
	plaintext, err := keys.open(env)
	if err != nil {
		return t.fail(HandshakeFailed, fmt.Errorf("open envelope: %w", err))
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return t.fail(HandshakeFailed, fmt.Errorf("unmarshal decrypted message: %w", err))
	}
	return nil
}

// SendRaw writes an already-framed, possibly still-encrypted payload
// verbatim. Used by a primary multiplexing to a subordinate: it forwards
// bytes without ever holding the subordinate's session keys.
func (t *Transport) SendRaw(payload []byte) error {
	return t.writeRawFrame(payload)
}

// RecvRaw reads the next frame's raw bytes without attempting to decrypt.
func (t *Transport) RecvRaw() ([]byte, error) {
	return t.readRawFrame()
}

// UpgradeTLS swaps the underlying net.Conn for a TLS-wrapped one and
// resets framing state, completing the TLS mode. Callers must have
// already performed the tls.Client/tls.Server handshake on conn.
func (t *Transport) UpgradeTLS(conn *tls.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
	t.mode = ModeTLS
	t.keys = nil // TLS supersedes the AES session; envelopes are no longer used
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	scanner.Split(splitOnMarker)
	t.scanner = scanner
}

// RemoteAddr returns the peer address of the underlying connection.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
