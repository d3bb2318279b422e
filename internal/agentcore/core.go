// Package agentcore implements the Agent Core: the table of
// RPC methods a Keeper calls against an Agent, thin wrappers over
// internal/fsobj and local I/O, plus the enrollment and PTY-attach flows.
package agentcore

import (
	"crypto/rsa"
	"log/slog"
	"sync"

	"github.com/fluxvault/vault/internal/identity"
	"github.com/fluxvault/vault/internal/rpc"
	"github.com/fluxvault/vault/internal/transport"
)

// TLSUpgrader rebinds the agent's listener under mutually-authenticated
// TLS using the just-installed leaf/CA material, and shuts down the
// plaintext listener. Implemented by Server,
// which owns the actual net.Listener lifecycle.
type TLSUpgrader interface {
	UpgradeToTLS(certPEM, keyPEM, caCertPEM []byte) error
}

// SubordinateInfo is one entry of the registrar's in-memory subordinate
// list.
type SubordinateInfo struct {
	Name     string `json:"name"`
	AppName  string `json:"app_name"`
	Role     string `json:"role"`
	Enrolled bool   `json:"enrolled"`
}

// SubordinateLister is the read side of internal/registrar's subordinate
// table, consulted by get_subagents.
type SubordinateLister interface {
	Subordinates() []SubordinateInfo
}

// Details answers list_server_details, which lets the Keeper decide
// whether a reconnect on the TLS port is needed.
type Details struct {
	Addresses []string `json:"addresses"`
	PlainPort int      `json:"plain_port"`
	TLSPort   int      `json:"tls_port"`
	TLSActive bool     `json:"tls_active"`
}

// Core is the agent-side implementation of the RPC method surface.
// One Core exists per agent process; Bind attaches it to the transport of
// the currently active connection so PTY-attach methods can reach it.
type Core struct {
	self    identity.Agent
	workDir string
	log     *slog.Logger

	dispatcher *rpc.Dispatcher
	registry   *rpc.Registry

	upgrader    TLSUpgrader
	subordinate SubordinateLister

	mu         sync.Mutex
	transport  *transport.Transport
	pendingKey *rsa.PrivateKey // staged by generate_csr until install_cert arrives
	leafCert   []byte          // PEM, staged by install_cert
	caCert     []byte          // PEM, staged by install_ca_cert
	details    Details
	shells     *shellTable
}

// Config bundles Core's fixed dependencies.
type Config struct {
	Self        identity.Agent
	WorkDir     string
	Log         *slog.Logger
	Installer   rpc.PackageInstaller // for load_plugins; may be nil
	Upgrader    TLSUpgrader          // for upgrade_to_ssl; may be nil if unused
	Subordinate SubordinateLister    // for get_subagents; may be nil if primary has none
	Details     Details
}

// New builds a Core and registers its methods on a fresh Dispatcher.
func New(cfg Config) *Core {
	d := rpc.New(cfg.Log)
	c := &Core{
		self:        cfg.Self,
		workDir:     cfg.WorkDir,
		log:         cfg.Log,
		dispatcher:  d,
		registry:    rpc.NewRegistry(d, cfg.Installer, cfg.Log),
		upgrader:    cfg.Upgrader,
		subordinate: cfg.Subordinate,
		details:     cfg.Details,
		shells:      newShellTable(),
	}
	c.registerMethods()
	return c
}

// Dispatcher returns the method dispatcher this Core registered its
// methods on, for the serving loop to route incoming requests through.
func (c *Core) Dispatcher() *rpc.Dispatcher { return c.dispatcher }

// Registry returns the plugin registry, for load_plugins and for a
// serving loop that wants to Close it on shutdown.
func (c *Core) Registry() *rpc.Registry { return c.registry }

// Bind attaches t as the transport backing PTY-attach methods
// (connect_shell/disconnect_shell) for the current connection.
func (c *Core) Bind(t *transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// SetSubordinateLister installs the registrar-backed subordinate table
// after construction; the registrar depends on this package's types, so
// it cannot be handed to New without an import cycle at its build site.
func (c *Core) SetSubordinateLister(l SubordinateLister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subordinate = l
}

// SetUpgrader installs the TLS upgrade hook after construction; NewServer
// calls this so the listener owner and the upgrade_to_ssl method agree.
func (c *Core) SetUpgrader(u TLSUpgrader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upgrader = u
}

// MarkTLSActive flips the reported TLS state, called by the Server's
// listener loop once UpgradeToTLS succeeds.
func (c *Core) MarkTLSActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details.TLSActive = true
}

func (c *Core) registerMethods() {
	c.dispatcher.Register("get_methods", c.getMethods)
	c.dispatcher.Register("get_state", c.getState)
	c.dispatcher.Register("get_all_object_hashes", c.getAllObjectHashes)
	c.dispatcher.Register("get_directory_hashes", c.getDirectoryHashes)
	c.dispatcher.Register("write_object", c.writeObject)
	c.dispatcher.Register("write_objects", c.writeObjects)
	c.dispatcher.Register("remove_objects", c.removeObjects)
	c.dispatcher.Register("get_subagents", c.getSubagents)
	c.dispatcher.Register("generate_csr", c.generateCSR)
	c.dispatcher.Register("install_cert", c.installCert)
	c.dispatcher.Register("install_ca_cert", c.installCACert)
	c.dispatcher.Register("upgrade_to_ssl", c.upgradeToSSL)
	c.dispatcher.Register("load_plugins", c.loadPlugins)
	c.dispatcher.Register("list_server_details", c.listServerDetails)
	c.dispatcher.Register("connect_shell", c.connectShell)
	c.dispatcher.Register("disconnect_shell", c.disconnectShell)
}
