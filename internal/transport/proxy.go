package transport

import (
	"bytes"
	"net"
	"time"
)

// proxyFrame wraps an RPC payload addressed to a subordinate identity, so
// a primary's transport can multiplex requests to several subordinates
// over the single connection it holds with the Keeper. The Keeper sends these to the primary's transport; the
// primary looks up (or opens) its own connection to the named subordinate
// and forwards the inner payload verbatim, never decrypting it.
type proxyFrame struct {
	ProxyTarget string `json:"proxy_target"`
	Payload     []byte `json:"payload"`
}

// WrapProxied frames payload for delivery to the named subordinate over
// this (primary-facing) transport.
func WrapProxied(target string, payload []byte) proxyFrame {
	return proxyFrame{ProxyTarget: target, Payload: payload}
}

// SendProxied sends raw subordinate-bound bytes inside a proxy envelope,
// without this transport ever holding the subordinate's session keys.
func (t *Transport) SendProxied(target string, payload []byte) error {
	return t.Send(WrapProxied(target, payload))
}

// RecvProxied reads the next proxy envelope addressed through this
// transport and returns the target identity and raw inner payload
// unmodified, for the caller to forward onto the subordinate's own
// connection.
func (t *Transport) RecvProxied() (target string, payload []byte, err error) {
	var frame proxyFrame
	if err := t.Recv(&frame); err != nil {
		return "", nil, err
	}
	return frame.ProxyTarget, frame.Payload, nil
}

// proxyConn presents the Keeper's leg of a proxied subordinate session as
// a net.Conn: writes become proxy envelopes on the primary's transport,
// reads drain payloads the primary relayed back. Layering a second
// Transport (and a full RSA/AES handshake) on top of one of these gives
// the Keeper an end-to-end encrypted channel the primary cannot read —
// the primary only ever sees sealed envelope bytes inside proxy frames.
type proxyConn struct {
	t      *Transport
	target string
	buf    bytes.Buffer
}

// NewProxyConn returns a net.Conn that tunnels to the named subordinate
// through primary. The caller runs KeeperDial over it exactly as it would
// over a freshly dialed TCP connection.
func NewProxyConn(primary *Transport, target string) net.Conn {
	return &proxyConn{t: primary, target: target}
}

func (p *proxyConn) Read(b []byte) (int, error) {
	for p.buf.Len() == 0 {
		target, payload, err := p.t.RecvProxied()
		if err != nil {
			return 0, err
		}
		if target != p.target {
			continue // relay for another subordinate; not ours to consume
		}
		p.buf.Write(payload)
	}
	return p.buf.Read(b)
}

func (p *proxyConn) Write(b []byte) (int, error) {
	if err := p.t.SendProxied(p.target, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close is a no-op: the underlying primary transport outlives any one
// proxied session and is closed by the pipeline that opened it.
func (p *proxyConn) Close() error { return nil }

func (p *proxyConn) LocalAddr() net.Addr  { return p.t.conn.LocalAddr() }
func (p *proxyConn) RemoteAddr() net.Addr { return proxyAddr(p.target) }

func (p *proxyConn) SetDeadline(t time.Time) error      { return p.t.conn.SetDeadline(t) }
func (p *proxyConn) SetReadDeadline(t time.Time) error  { return p.t.conn.SetReadDeadline(t) }
func (p *proxyConn) SetWriteDeadline(t time.Time) error { return p.t.conn.SetWriteDeadline(t) }

// proxyAddr names the subordinate a proxyConn tunnels to.
type proxyAddr string

func (a proxyAddr) Network() string { return "proxy" }
func (a proxyAddr) String() string  { return string(a) }
