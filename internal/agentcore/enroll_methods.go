package agentcore

import (
	"context"
	"encoding/json"

	"github.com/fluxvault/vault/internal/rpc"
	"github.com/fluxvault/vault/internal/vaultca"
)

// generateCSR produces a fresh 2048-bit RSA key and a CSR with CN and SAN
// both equal to "<component>.<app>.com". The key
// is held only in memory, staged on Core, until install_cert arrives.
func (c *Core) generateCSR(_ context.Context, _ json.RawMessage, _ *rpc.Storage) (any, error) {
	cn := c.self.CommonName()
	csrDER, key, err := vaultca.GenerateAgentCSR(cn)
	if err != nil {
		return nil, newError(CsrInvalid, err)
	}

	c.mu.Lock()
	c.pendingKey = key
	c.mu.Unlock()

	return map[string]any{"csr": csrDER, "common_name": cn}, nil
}

func (c *Core) installCert(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		Cert []byte `json:"cert"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingKey == nil {
		return nil, newError(CertInstallFailed, errNoPendingKey)
	}
	c.leafCert = args.Cert
	return nil, nil
}

func (c *Core) installCACert(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		CACert []byte `json:"ca_cert"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}

	c.mu.Lock()
	c.caCert = args.CACert
	c.mu.Unlock()
	return nil, nil
}

// upgradeToSSL rebinds the agent's listener on port+1 with the installed
// key/cert/CA under mutually-authenticated TLS and shuts down the
// plaintext listener. Requires a prior generate_csr,
// install_cert, and install_ca_cert to have all completed.
func (c *Core) upgradeToSSL(_ context.Context, _ json.RawMessage, _ *rpc.Storage) (any, error) {
	c.mu.Lock()
	key, leaf, ca, upgrader := c.pendingKey, c.leafCert, c.caCert, c.upgrader
	c.mu.Unlock()

	if key == nil || leaf == nil || ca == nil {
		return nil, newError(TlsUpgradeFailed, errIncompleteEnrollment)
	}
	if upgrader == nil {
		return nil, newError(TlsUpgradeFailed, errNoUpgrader)
	}

	keyPEM := vaultca.KeyToPEM(key)
	if err := upgrader.UpgradeToTLS(leaf, keyPEM, ca); err != nil {
		return nil, newError(TlsUpgradeFailed, err)
	}

	c.mu.Lock()
	c.pendingKey = nil
	c.details.TLSActive = true
	c.mu.Unlock()

	return nil, nil
}
