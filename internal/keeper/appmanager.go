package keeper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/fluxvault/vault/internal/config"
	"github.com/fluxvault/vault/internal/fsobj"
	"github.com/fluxvault/vault/internal/keeperstore"
	"github.com/fluxvault/vault/internal/metrics"
	"github.com/fluxvault/vault/internal/state"
	"github.com/fluxvault/vault/internal/transport"
	"github.com/fluxvault/vault/internal/vaultca"
)

// AgentTarget names one agent an AppManager drives a task pipeline
// against: a stable identity string for state-machine/backoff bookkeeping
// and the address to dial.
type AgentTarget struct {
	Identity string
	Address  string
}

// dialFunc opens the raw connection a pipeline cycle runs its handshake
// over; overridden in tests to avoid real sockets.
type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// AppManager owns one application's lifecycle end to end:
// loading its config, building per-component state managers, the Keeper
// CA, agent-set resolution, and the scheduled per-agent task pipeline.
type AppManager struct {
	cfg     *config.ApplicationConfig
	log     *slog.Logger
	ca      *vaultca.CA
	store   *keeperstore.Store
	signer  transport.Signer
	dialer  dialFunc
	tasks   []Task
	rootDir string

	directory *NodeDirectory

	components []*componentManagers

	mu       sync.Mutex
	statuses map[string]*agentStatus

	// The Keeper's own TLS client identity, minted lazily from its CA the
	// first time a mutually-authenticated connection is needed.
	tlsOnce sync.Once
	tlsCert tls.Certificate
	tlsPool *x509.CertPool
	tlsErr  error

	cron *cron.Cron
}

// Options bundles AppManager's optional collaborators.
type Options struct {
	Store     *keeperstore.Store // best-effort host registry cache; may be nil
	Signer    transport.Signer   // mode-3 identity; nil disables it
	Directory *NodeDirectory     // fabric node directory; nil requires explicit Addresses
	Dialer    dialFunc           // overridden in tests; nil uses net.Dialer
	Tasks     []Task             // nil uses DefaultTasks
}

// Load reads configPath, resolves every component's directive list,
// builds their state managers, and initializes the Keeper CA under
// rootDir.
func Load(configPath, rootDir string, log *slog.Logger, opts Options) (*AppManager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	ca, err := vaultca.EnsureCA(rootDir)
	if err != nil {
		return nil, fmt.Errorf("initialize ca: %w", err)
	}

	var comps []*componentManagers
	for name, comp := range cfg.Components {
		directives, err := config.ResolveDirectives(cfg, comp)
		if err != nil {
			return nil, err
		}
		cm := &componentManagers{name: name}
		for _, d := range directives {
			cm.managers = append(cm.managers, state.NewFsEntryStateManager(d, log))
		}
		comps = append(comps, cm)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = defaultDialer
	}
	tasks := opts.Tasks
	if tasks == nil {
		tasks = DefaultTasks
	}

	m := &AppManager{
		cfg:        cfg,
		log:        log.With("app", cfg.AppName),
		ca:         ca,
		store:      opts.Store,
		signer:     opts.Signer,
		dialer:     dialer,
		tasks:      tasks,
		rootDir:    rootDir,
		directory:  opts.Directory,
		components: comps,
		statuses:   make(map[string]*agentStatus),
	}
	m.validateLocalObjects()
	return m, nil
}

// validateLocalObjects computes each directive's local CRC up front,
// logging a warning for any
// directive whose local path cannot be read rather than failing startup
// -- per-directive failures are recovered locally.
func (m *AppManager) validateLocalObjects() {
	for _, comp := range m.components {
		for _, mgr := range comp.managers {
			tree, err := fsobj.BuildTree(mgr.Directive.LocalPath)
			if err != nil {
				m.log.Warn("local object unreadable at startup", "component", comp.name, "directive", mgr.Directive.Name, "error", err)
				continue
			}
			if err := fsobj.Realize(tree); err != nil {
				m.log.Warn("local object size realization failed at startup", "component", comp.name, "directive", mgr.Directive.Name, "error", err)
			}
			var crc uint32
			if tree.Root().Kind == fsobj.KindDir {
				crc, err = fsobj.CrcDirectory(tree, tree.Root())
			} else {
				crc, err = fsobj.CrcFile(tree.Base)
			}
			if err != nil {
				m.log.Warn("local object crc failed at startup", "component", comp.name, "directive", mgr.Directive.Name, "error", err)
				continue
			}
			mgr.LocalCRC = crc
			mgr.LocalExists = true
		}
	}
}

// ResolveAgents returns the application's current agent set: the
// explicit address list if configured, otherwise a fabric node-directory
// lookup.
func (m *AppManager) ResolveAgents(ctx context.Context) ([]AgentTarget, error) {
	if len(m.cfg.Addresses) > 0 {
		out := make([]AgentTarget, len(m.cfg.Addresses))
		for i, addr := range m.cfg.Addresses {
			out[i] = AgentTarget{Identity: addr, Address: addr}
		}
		return out, nil
	}

	if m.directory == nil {
		return nil, fmt.Errorf("app %s has no explicit addresses and no node directory configured", m.cfg.AppName)
	}
	addrs, err := m.directory.Resolve(ctx, m.cfg.AppName, m.cfg.Port)
	if err != nil {
		return nil, err
	}
	out := make([]AgentTarget, len(addrs))
	for i, addr := range addrs {
		out[i] = AgentTarget{Identity: addr, Address: addr}
	}
	return out, nil
}

// Run starts the scheduled per-agent task pipeline on the application's
// configured polling cadence and blocks until ctx is cancelled. An immediate cycle runs before the
// first scheduled tick.
func (m *AppManager) Run(ctx context.Context) error {
	m.runCycle(ctx)

	m.cron = cron.New()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.PollInterval), func() { m.runCycle(ctx) })
	if err != nil {
		return fmt.Errorf("schedule poll cycle: %w", err)
	}
	m.cron.Start()
	defer m.cron.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// runCycle resolves the current agent set and runs the task pipeline
// against each one concurrently; one agent's failure never blocks
// another's cycle.
func (m *AppManager) runCycle(ctx context.Context) {
	targets, err := m.ResolveAgents(ctx)
	if err != nil {
		m.log.Error("failed to resolve agent set", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		if !m.statusFor(target.Identity).readyToRetry() {
			continue
		}
		wg.Add(1)
		go func(t AgentTarget) {
			defer wg.Done()
			m.runAgentCycle(ctx, t)
		}(target)
	}
	wg.Wait()
}

func (m *AppManager) runAgentCycle(ctx context.Context, target AgentTarget) {
	status := m.statusFor(target.Identity)

	err := m.runPipeline(ctx, target, m.tasks, false)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		status.markFailed(err)
		metrics.AgentStateTransitions.WithLabelValues(Failed.String()).Inc()
		metrics.AgentsConnected.Set(float64(m.readyCountLocked()))
		m.log.Error("agent pipeline cycle failed", "agent", target.Identity, "error", err)
		return
	}
	status.markReady()
	metrics.AgentStateTransitions.WithLabelValues(Ready.String()).Inc()
	metrics.AgentsConnected.Set(float64(m.readyCountLocked()))

	if m.store != nil {
		rec, _, _ := m.store.GetHost(target.Identity)
		rec.Identity = target.Identity
		rec.CommonName = status.commonName
		rec.State = Ready.String()
		rec.LastSeen = time.Now()
		_ = m.store.SaveHost(rec)
	}
}

// readyCountLocked counts agents currently in READY; callers hold m.mu.
func (m *AppManager) readyCountLocked() int {
	n := 0
	for _, s := range m.statuses {
		if s.state == Ready {
			n++
		}
	}
	return n
}

// keeperTLSMaterial returns the Keeper's client certificate and the CA
// trust pool for mutually-authenticated TLS: a leaf the CA signs for itself under the
// "keeper.<app>.com" name, generated once per process.
func (m *AppManager) keeperTLSMaterial() (tls.Certificate, *x509.CertPool, error) {
	m.tlsOnce.Do(func() {
		cn := fmt.Sprintf("keeper.%s.com", m.cfg.AppName)
		csrDER, key, err := vaultca.GenerateAgentCSR(cn)
		if err != nil {
			m.tlsErr = fmt.Errorf("generate keeper csr: %w", err)
			return
		}
		certPEM, _, err := m.ca.SignCSR(csrDER, cn)
		if err != nil {
			m.tlsErr = fmt.Errorf("sign keeper cert: %w", err)
			return
		}
		cert, err := tls.X509KeyPair(certPEM, vaultca.KeyToPEM(key))
		if err != nil {
			m.tlsErr = fmt.Errorf("assemble keeper keypair: %w", err)
			return
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.ca.CACertPEM()) {
			m.tlsErr = fmt.Errorf("ca certificate unparseable")
			return
		}
		m.tlsCert, m.tlsPool = cert, pool
	})
	return m.tlsCert, m.tlsPool, m.tlsErr
}

// RevokeAgent drops an agent's issued leaf and records the revocation, so
// its next pipeline cycle starts from a plaintext handshake and a fresh
// CSR.
func (m *AppManager) RevokeAgent(identityKey, commonName string) error {
	if err := m.ca.Revoke(commonName); err != nil {
		return err
	}
	metrics.CertsRevoked.Inc()

	if m.store != nil {
		if rec, found, err := m.store.GetHost(identityKey); err == nil && found && rec.CertSerial != "" {
			_ = m.store.RevokeSerial(commonName, rec.CertSerial)
		}
		_ = m.store.SaveHost(keeperstore.HostRecord{
			Identity: identityKey,
			LastSeen: time.Now(),
			State:    Discovered.String(),
		})
	}

	m.mu.Lock()
	if s, ok := m.statuses[identityKey]; ok {
		s.commonName = ""
		s.state = Discovered
	}
	m.mu.Unlock()
	return nil
}

func (m *AppManager) statusFor(identity string) *agentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[identity]
	if !ok {
		s = &agentStatus{state: Discovered}
		m.statuses[identity] = s
	}
	return s
}
