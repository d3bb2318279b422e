package agentcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxvault/vault/internal/metrics"
	"github.com/fluxvault/vault/internal/rpc"
	"github.com/fluxvault/vault/internal/transport"
)

// whitelistDelay is the small constant wait before dropping a connection
// from a non-whitelisted peer address.
const whitelistDelay = 500 * time.Millisecond

// ServerConfig bundles a Server's collaborators and listen parameters.
type ServerConfig struct {
	Core *Core
	Port int
	Log  *slog.Logger

	// PeerWhitelist lists allowed peer IPs; empty allows any peer.
	PeerWhitelist []string

	// SigningWhitelist lists the fabric addresses accepted during mode-3
	// signature authentication; empty disables the challenge.
	SigningWhitelist []string

	// SubordinateAddr resolves a subordinate identity to a dialable
	// address for proxy forwarding; nil disables proxying. Called per
	// frame so a subordinate's post-enrollment move to its TLS port is
	// picked up without restarting the primary.
	SubordinateAddr func(name string) (string, error)

	// OnTLSActive runs once after upgrade_to_ssl rebinds the listener,
	// used by a subordinate to report its enrolled flag to the registrar.
	OnTLSActive func()
}

// Server owns the agent's listener lifecycle: the plaintext accept loop,
// the per-connection receive loop demultiplexing RPC, proxy, PTY, and
// stream frames, and the TLS rebind on port+1 triggered by upgrade_to_ssl.
// It implements TLSUpgrader for the Core it serves.
type Server struct {
	cfg  ServerConfig
	core *Core
	log  *slog.Logger

	mu      sync.Mutex
	plainLn net.Listener
	tlsLn   net.Listener

	wg sync.WaitGroup
}

// NewServer builds a Server and installs itself as cfg.Core's TLS
// upgrader.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:  cfg,
		core: cfg.Core,
		log:  cfg.Log,
	}
	s.core.SetUpgrader(s)
	return s
}

// Run listens on the configured plaintext port and serves connections
// until ctx is cancelled. If upgrade_to_ssl fires, the plaintext listener
// is shut down and a TLS listener on port+1 takes over for the rest of
// the Server's life.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen:%d: %w", s.cfg.Port, err)
	}
	s.mu.Lock()
	s.plainLn = ln
	s.mu.Unlock()
	s.log.Info("agent listening", "port", s.cfg.Port)

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln, nil, nil)

	<-ctx.Done()
	s.closeListeners()
	s.wg.Wait()
	return ctx.Err()
}

// Addr reports the address of the listener currently accepting
// connections, or nil before Run has bound one. Lets callers (and tests)
// use port 0 and discover the chosen port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plainLn != nil {
		return s.plainLn.Addr()
	}
	if s.tlsLn != nil {
		return s.tlsLn.Addr()
	}
	return nil
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plainLn != nil {
		_ = s.plainLn.Close()
	}
	if s.tlsLn != nil {
		_ = s.tlsLn.Close()
	}
}

// UpgradeToTLS implements TLSUpgrader: rebind on port+1 under mutually
// authenticated TLS and shut down the plaintext listener. The connection that carried the upgrade_to_ssl call
// stays open long enough to deliver its reply; the Keeper reconnects on
// the TLS port.
func (s *Server) UpgradeToTLS(certPEM, keyPEM, caCertPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("parse leaf keypair: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return fmt.Errorf("no CA certificate in installed trust anchor")
	}

	tlsPort := s.cfg.Port + 1
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", tlsPort))
	if err != nil {
		return fmt.Errorf("listen:%d: %w", tlsPort, err)
	}

	s.mu.Lock()
	s.tlsLn = ln
	plain := s.plainLn
	s.plainLn = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(context.Background(), ln, &cert, pool)
	if plain != nil {
		_ = plain.Close()
	}
	s.log.Info("listener rebound under TLS", "port", tlsPort)

	if s.cfg.OnTLSActive != nil {
		go s.cfg.OnTLSActive()
	}
	return nil
}

// acceptLoop accepts connections from ln. With a non-nil cert it performs
// the server-side mutually-authenticated TLS handshake before serving;
// otherwise it runs the plaintext RSA/AES handshake path.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, cert *tls.Certificate, caPool *x509.CertPool) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn, cert, caPool)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, cert *tls.Certificate, caPool *x509.CertPool) {
	log := s.log.With("conn", uuid.NewString(), "peer", conn.RemoteAddr().String())

	if !s.peerAllowed(conn) {
		time.Sleep(whitelistDelay)
		_ = conn.Close()
		log.Warn("dropped connection from non-whitelisted peer")
		return
	}

	var t *transport.Transport
	var err error
	if cert != nil {
		t, err = transport.AcceptTLSUpgrade(conn, *cert, caPool, log)
	} else {
		t, err = transport.AgentAccept(conn, s.cfg.SigningWhitelist, log)
	}
	if err != nil {
		_ = conn.Close()
		log.Warn("handshake failed", "error", err)
		return
	}

	sess := &session{server: s, t: t, log: log, subConns: make(map[string]net.Conn)}
	defer sess.close()

	s.core.Bind(t)
	log.Info("session established", "mode", t.Mode().String())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var raw json.RawMessage
		if err := t.Recv(&raw); err != nil {
			log.Info("session ended", "error", err)
			return
		}
		sess.handleFrame(ctx, raw)
	}
}

func (s *Server) peerAllowed(conn net.Conn) bool {
	if len(s.cfg.PeerWhitelist) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.PeerWhitelist {
		if allowed == host {
			return true
		}
	}
	return false
}

// session is one accepted Keeper connection's receive-side state: the
// transport plus any subordinate relay connections opened on its behalf.
// Subordinate conns die with the session so a reconnecting Keeper always
// gets fresh tunnels.
type session struct {
	server *Server
	t      *transport.Transport
	log    *slog.Logger

	subMu    sync.Mutex
	subConns map[string]net.Conn
	subAddrs map[string]string
}

func (sess *session) close() {
	sess.subMu.Lock()
	for target, conn := range sess.subConns {
		_ = conn.Close()
		delete(sess.subConns, target)
	}
	sess.subMu.Unlock()
	_ = sess.t.Close()
}

// frameProbe is the minimal shape needed to route a received frame: proxy
// envelopes carry proxy_target, PTY and stream frames carry a bare method
// with no jsonrpc field, everything else is a JSON-RPC request.
type frameProbe struct {
	JSONRPC     string `json:"jsonrpc"`
	Method      string `json:"method"`
	ProxyTarget string `json:"proxy_target"`
}

func (sess *session) handleFrame(ctx context.Context, raw json.RawMessage) {
	var probe frameProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		sess.log.Warn("unparseable frame", "error", err)
		return
	}

	switch {
	case probe.ProxyTarget != "":
		var frame struct {
			ProxyTarget string `json:"proxy_target"`
			Payload     []byte `json:"payload"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			sess.log.Warn("malformed proxy frame", "error", err)
			return
		}
		sess.forwardToSubordinate(frame.ProxyTarget, frame.Payload)

	case probe.JSONRPC == "" && probe.Method == "pty_input":
		var frame struct {
			Peer string `json:"peer"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			sess.log.Warn("malformed pty_input frame", "error", err)
			return
		}
		if err := sess.t.HandlePTYInput(frame.Peer, frame.Data); err != nil {
			sess.log.Warn("pty_input write failed", "peer", frame.Peer, "error", err)
		}

	case probe.JSONRPC == "" && transport.IsStreamChunk(probe.Method):
		var chunk transport.StreamChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			sess.log.Warn("malformed stream chunk", "error", err)
			return
		}
		if err := sess.server.core.applyStreamChunk(chunk); err != nil {
			sess.log.Error("stream chunk write failed", "path", chunk.Path, "offset", chunk.Offset, "error", err)
		}

	default:
		var req rpc.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			sess.log.Warn("malformed request", "error", err)
			return
		}
		sess.dispatch(ctx, &req)
	}
}

func (sess *session) dispatch(ctx context.Context, req *rpc.Request) {
	start := time.Now()
	resp := sess.server.core.Dispatcher().Dispatch(ctx, req, nil)
	metrics.RPCRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if resp != nil && resp.Error != nil {
		outcome = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(req.Method, outcome).Inc()

	if resp == nil {
		return // one-way; must not be replied to
	}
	if err := sess.t.Send(resp); err != nil {
		sess.log.Warn("failed to send response", "method", req.Method, "error", err)
	}
}

// forwardToSubordinate relays payload bytes verbatim onto the named
// subordinate's connection, opening one on first use and redialing if the
// resolved address changed (a just-enrolled subordinate moves to its TLS
// port). Bytes the subordinate sends back are relayed to the Keeper
// inside proxy frames; the primary never interprets either direction.
func (sess *session) forwardToSubordinate(target string, payload []byte) {
	if sess.server.cfg.SubordinateAddr == nil {
		sess.log.Warn("proxy frame received but proxying is not configured", "target", target)
		return
	}
	addr, err := sess.server.cfg.SubordinateAddr(target)
	if err != nil {
		sess.log.Warn("cannot resolve subordinate", "target", target, "error", err)
		return
	}

	sess.subMu.Lock()
	conn, ok := sess.subConns[target]
	if ok && sess.subAddrs[target] != addr {
		_ = conn.Close()
		delete(sess.subConns, target)
		ok = false
	}
	sess.subMu.Unlock()

	if !ok {
		conn, err = net.Dial("tcp", addr)
		if err != nil {
			sess.log.Warn("cannot reach subordinate", "target", target, "addr", addr, "error", err)
			return
		}
		sess.subMu.Lock()
		sess.subConns[target] = conn
		if sess.subAddrs == nil {
			sess.subAddrs = make(map[string]string)
		}
		sess.subAddrs[target] = addr
		sess.subMu.Unlock()
		go sess.relaySubordinate(target, conn)
	}

	if _, err := conn.Write(payload); err != nil {
		sess.log.Warn("forward to subordinate failed", "target", target, "error", err)
		sess.dropSubordinate(target)
	}
}

func (sess *session) relaySubordinate(target string, conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := sess.t.SendProxied(target, buf[:n]); sendErr != nil {
				sess.log.Warn("relay to keeper failed", "target", target, "error", sendErr)
				sess.dropSubordinate(target)
				return
			}
		}
		if err != nil {
			sess.dropSubordinate(target)
			return
		}
	}
}

func (sess *session) dropSubordinate(target string) {
	sess.subMu.Lock()
	defer sess.subMu.Unlock()
	if conn, ok := sess.subConns[target]; ok {
		_ = conn.Close()
		delete(sess.subConns, target)
	}
}
