package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/fluxvault/vault/internal/identity"
	"github.com/fluxvault/vault/internal/keeperstore"
	"github.com/fluxvault/vault/internal/metrics"
	"github.com/fluxvault/vault/internal/state"
	"github.com/fluxvault/vault/internal/transport"
)

// rpcTimeout bounds each pipeline task as a whole, covering every RPC the
// task issues, so a wedged agent cannot hang the whole pipeline. It is a
// fixed value: there is no per-RPC timeout and no operator setting for it.
const rpcTimeout = 2 * time.Minute

// Task is one step of a per-agent task pipeline:
// enroll_subordinates, sync_objects, get_state, run in declared order
// against the transport the pipeline opened for this cycle.
type Task func(ctx context.Context, pc *pipelineCtx) error

// pipelineCtx carries everything a Task needs for one agent's cycle.
type pipelineCtx struct {
	app     *AppManager
	agent   AgentTarget
	primary *transport.Transport
	client  *AgentClient
	log     *slog.Logger

	// subs is the primary's reported subordinate list, populated by the
	// enrollment task and consulted by sync_objects to route components.
	subs []SubordinateInfo

	// proxied caches one end-to-end session per subordinate for the
	// cycle, so enrollment and sync reuse the same tunnel.
	proxied map[string]*AgentClient
}

// runPipeline opens a transport to target, runs tasks in order, and
// closes the transport unless stayConnected is set. A failing task
// aborts the remaining tasks for this agent only.
func (m *AppManager) runPipeline(ctx context.Context, target AgentTarget, tasks []Task, stayConnected bool) error {
	start := time.Now()
	defer func() { metrics.PollDuration.Observe(time.Since(start).Seconds()) }()

	t, err := m.connect(ctx, target)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("connect_failed").Inc()
		return fmt.Errorf("connect %s: %w", target.Identity, err)
	}

	pc := &pipelineCtx{
		app:     m,
		agent:   target,
		primary: t,
		client:  New(t),
		log:     m.log.With("agent", target.Identity),
		proxied: make(map[string]*AgentClient),
	}
	if !stayConnected {
		defer func() { pc.primary.Close() }()
	}

	for i, task := range tasks {
		taskCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		err := task(taskCtx, pc)
		cancel()
		if err != nil {
			metrics.PollsTotal.WithLabelValues("task_failed").Inc()
			return fmt.Errorf("task %d for %s: %w", i, target.Identity, err)
		}
	}

	metrics.PollsTotal.WithLabelValues("success").Inc()
	return nil
}

// connect dials target and establishes the appropriate channel: mutually
// authenticated TLS on port+1 once the agent is known to be enrolled, the
// plaintext RSA/AES handshake otherwise, proving a signing identity when
// the application declares one.
func (m *AppManager) connect(ctx context.Context, target AgentTarget) (*transport.Transport, error) {
	m.transition(target.Identity, Connecting)

	if cn := m.enrolledCN(target.Identity); cn != "" {
		cert, pool, err := m.keeperTLSMaterial()
		if err != nil {
			return nil, err
		}
		t, err := transport.DialTLSUpgrade(tlsAddr(target.Address), cert, pool, cn, m.log)
		if err != nil {
			return nil, err
		}
		m.transition(target.Identity, TLSConnected)
		return t, nil
	}

	conn, err := m.dialer(ctx, target.Address)
	if err != nil {
		return nil, err
	}
	m.transition(target.Identity, Connected)

	var ident *transport.Identity
	if len(m.cfg.SigningIdentities) > 0 {
		if m.signer == nil {
			conn.Close()
			return nil, newKeyError(m.cfg.SigningIdentities[0], fmt.Errorf("no signer configured"))
		}
		ident = &transport.Identity{Address: m.cfg.SigningIdentities[0], Signer: m.signer}
		m.transition(target.Identity, Authenticating)
	}

	t, err := transport.KeeperDial(conn, ident, m.log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.transition(target.Identity, Encrypted)
	return t, nil
}

// tlsAddr maps an agent's plaintext address onto its TLS listener, one
// port up.
func tlsAddr(addr string) string {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1))
}

// enrollAgents is the enrollment task: enroll the primary itself if it is
// still on the plaintext channel, then ask it for its subordinates and
// enroll each one not yet enrolled, proxying CSR traffic through the
// primary.
func enrollAgents(ctx context.Context, pc *pipelineCtx) error {
	if pc.primary.Mode() != transport.ModeTLS {
		if err := enrollPrimary(ctx, pc); err != nil {
			metrics.EnrollmentsTotal.WithLabelValues("failed").Inc()
			return err
		}
		metrics.EnrollmentsTotal.WithLabelValues("success").Inc()
	}

	subs, err := pc.client.GetSubagents(ctx)
	if err != nil {
		return fmt.Errorf("get_subagents: %w", err)
	}
	pc.subs = subs

	for _, sub := range subs {
		if sub.Enrolled {
			continue
		}
		if err := enrollSubordinate(ctx, pc, sub); err != nil {
			pc.log.Error("enrollment failed", "subordinate", sub.Name, "error", err)
			metrics.EnrollmentsTotal.WithLabelValues("failed").Inc()
			continue // one subordinate's failure does not abort the others
		}
		metrics.EnrollmentsTotal.WithLabelValues("success").Inc()
	}
	return nil
}

// enrollPrimary drives the primary's own CSR/cert/upgrade flow over the
// current plaintext+AES channel, then reconnects on port+1 over TLS and
// swaps the pipeline's transport so the remaining tasks run on the
// upgraded channel.
func enrollPrimary(ctx context.Context, pc *pipelineCtx) error {
	pc.app.transition(pc.agent.Identity, Enrolling)

	cn, serial, err := enrollOver(ctx, pc, pc.client)
	if err != nil {
		return err
	}

	cert, pool, err := pc.app.keeperTLSMaterial()
	if err != nil {
		return err
	}
	t, err := transport.DialTLSUpgrade(tlsAddr(pc.agent.Address), cert, pool, cn, pc.log)
	if err != nil {
		return fmt.Errorf("reconnect over tls: %w", err)
	}

	pc.primary.Close()
	pc.primary = t
	pc.client = New(t)
	pc.app.markEnrolled(pc.agent.Identity, cn, serial)
	pc.app.transition(pc.agent.Identity, TLSConnected)
	pc.log.Info("primary enrolled", "common_name", cn)
	return nil
}

// enrollSubordinate opens an end-to-end session to sub through the
// primary and drives the same CSR/cert/upgrade flow. The TLS reconnect
// happens lazily: once the subordinate reports enrolled, sync traffic
// reaches it over a proxied mutually-authenticated TLS session.
func enrollSubordinate(ctx context.Context, pc *pipelineCtx, sub SubordinateInfo) error {
	sc, err := NewProxied(pc.primary, sub.Name, pc.log)
	if err != nil {
		return err
	}
	pc.proxied[sub.Name] = sc

	cn, serial, err := enrollOver(ctx, pc, sc)
	if err != nil {
		return err
	}

	subIdentity := identity.Agent{AppName: pc.app.cfg.AppName, Address: pc.agent.Address, Component: sub.Name}
	pc.app.markEnrolled(subIdentity.String(), cn, serial)

	// The subordinate's listener has moved to its TLS port; this cycle's
	// plain tunnel is stale.
	delete(pc.proxied, sub.Name)
	return nil
}

// enrollOver issues the CSR/cert/upgrade sequence against one agent
// client, primary or proxied.
func enrollOver(ctx context.Context, pc *pipelineCtx, client *AgentClient) (commonName, serial string, err error) {
	csrDER, commonName, err := client.GenerateCSR(ctx)
	if err != nil {
		return "", "", fmt.Errorf("generate_csr: %w", err)
	}

	certPEM, serial, err := pc.app.ca.SignCSR(csrDER, commonName)
	if err != nil {
		return "", "", fmt.Errorf("sign csr: %w", err)
	}
	metrics.CertsIssued.Inc()
	if pc.app.store != nil {
		_ = pc.app.store.ClearRevocation(commonName)
	}

	if err := client.InstallCert(ctx, certPEM); err != nil {
		return "", "", fmt.Errorf("install_cert: %w", err)
	}
	if err := client.InstallCACert(ctx, pc.app.ca.CACertPEM()); err != nil {
		return "", "", fmt.Errorf("install_ca_cert: %w", err)
	}
	if err := client.UpgradeToSSL(ctx); err != nil {
		return "", "", fmt.Errorf("upgrade_to_ssl: %w", err)
	}
	return commonName, serial, nil
}

// clientFor routes a component to the agent that hosts it: the primary
// for its own components, an end-to-end proxied session for a component
// registered as a subordinate — over mutually-authenticated TLS once the
// subordinate is enrolled.
func (pc *pipelineCtx) clientFor(component string) (*AgentClient, error) {
	var sub *SubordinateInfo
	for i := range pc.subs {
		if pc.subs[i].Name == component {
			sub = &pc.subs[i]
			break
		}
	}
	if sub == nil {
		return pc.client, nil
	}

	if cached, ok := pc.proxied[component]; ok {
		return cached, nil
	}

	var client *AgentClient
	if sub.Enrolled {
		cert, pool, err := pc.app.keeperTLSMaterial()
		if err != nil {
			return nil, err
		}
		cn := identity.Agent{AppName: pc.app.cfg.AppName, Component: component}.CommonName()
		pconn := transport.NewProxyConn(pc.primary, component)
		t, err := transport.ClientTLS(pconn, cert, pool, cn, pc.log)
		if err != nil {
			return nil, fmt.Errorf("proxied tls to %s: %w", component, err)
		}
		t.SetProxyTarget(component)
		client = New(t)
	} else {
		var err error
		client, err = NewProxied(pc.primary, component, pc.log)
		if err != nil {
			return nil, err
		}
	}
	pc.proxied[component] = client
	return client, nil
}

// syncObjects runs reconciliation for every component's
// directives, each against the agent that actually hosts that component.
func syncObjects(ctx context.Context, pc *pipelineCtx) error {
	for _, comp := range pc.app.components {
		client, err := pc.clientFor(comp.name)
		if err != nil {
			pc.log.Warn("component unreachable, skipping", "component", comp.name, "error", err)
			continue
		}
		for _, mgr := range comp.managers {
			outcome := "synced"
			if err := mgr.Reconcile(ctx, client); err != nil {
				pc.log.Warn("directive reconciliation failed", "directive", mgr.Directive.Name, "error", err)
				outcome = "error"
			}
			metrics.DirectivesReconciled.WithLabelValues(mgr.Directive.Strategy.String(), outcome).Inc()
		}
	}
	return nil
}

// getStateTask pulls the agent's opaque state snapshot purely for
// observability; the snapshot itself is logged, not
// interpreted.
func getStateTask(ctx context.Context, pc *pipelineCtx) error {
	snapshot, err := pc.client.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get_state: %w", err)
	}
	pc.log.Info("agent state snapshot", "state", string(snapshot))
	return nil
}

// DefaultTasks is the default per-agent task pipeline.
var DefaultTasks = []Task{enrollAgents, syncObjects, getStateTask}

// componentManagers pairs one ComponentConfig's resolved state managers.
type componentManagers struct {
	name     string
	managers []*state.FsEntryStateManager
}

// enrolledCN returns the common name to expect on target's TLS listener,
// from this process's state machine or the persisted host cache; empty if
// the agent has never enrolled.
func (m *AppManager) enrolledCN(identityKey string) string {
	m.mu.Lock()
	if s, ok := m.statuses[identityKey]; ok && s.commonName != "" {
		m.mu.Unlock()
		return s.commonName
	}
	m.mu.Unlock()

	if m.store != nil {
		if rec, found, err := m.store.GetHost(identityKey); err == nil && found {
			return rec.CommonName
		}
	}
	return ""
}

// markEnrolled records an agent's enrollment in the state machine and the
// persistent host cache, so later cycles (and restarts) connect straight
// to the TLS port.
func (m *AppManager) markEnrolled(identityKey, commonName, serial string) {
	m.mu.Lock()
	s, ok := m.statuses[identityKey]
	if !ok {
		s = &agentStatus{}
		m.statuses[identityKey] = s
	}
	s.state = Enrolled
	s.commonName = commonName
	m.mu.Unlock()
	metrics.AgentStateTransitions.WithLabelValues(Enrolled.String()).Inc()

	if m.store != nil {
		_ = m.store.SaveHost(keeperstore.HostRecord{
			Identity:   identityKey,
			CommonName: commonName,
			CertSerial: serial,
			LastSeen:   time.Now(),
			State:      Enrolled.String(),
		})
	}
}

// transition advances one agent's Keeper-view state machine, with the
// metric and debug line every transition gets.
func (m *AppManager) transition(identityKey string, next AgentState) {
	m.mu.Lock()
	s, ok := m.statuses[identityKey]
	if !ok {
		s = &agentStatus{}
		m.statuses[identityKey] = s
	}
	s.state = next
	m.mu.Unlock()
	metrics.AgentStateTransitions.WithLabelValues(next.String()).Inc()
	m.log.Debug("agent state transition", "agent", identityKey, "state", next.String())
}
