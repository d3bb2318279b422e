package keeper

import (
	"context"
	"fmt"
)

// GenerateCSR asks the agent to stage a fresh key pair and return its
// PKCS#10 CSR.
func (a *AgentClient) GenerateCSR(ctx context.Context) (csrDER []byte, commonName string, err error) {
	var out struct {
		CSR        []byte `json:"csr"`
		CommonName string `json:"common_name"`
	}
	if err := a.rpc.Call(ctx, "generate_csr", nil, &out); err != nil {
		return nil, "", fmt.Errorf("generate_csr: %w", err)
	}
	return out.CSR, out.CommonName, nil
}

// InstallCert delivers the CA-signed leaf certificate to the agent.
func (a *AgentClient) InstallCert(ctx context.Context, certPEM []byte) error {
	if err := a.rpc.Call(ctx, "install_cert", map[string]any{"cert": certPEM}, nil); err != nil {
		return fmt.Errorf("install_cert: %w", err)
	}
	return nil
}

// InstallCACert delivers the Keeper CA's certificate so the agent can
// verify the Keeper's identity during the TLS upgrade.
func (a *AgentClient) InstallCACert(ctx context.Context, caCertPEM []byte) error {
	if err := a.rpc.Call(ctx, "install_ca_cert", map[string]any{"ca_cert": caCertPEM}, nil); err != nil {
		return fmt.Errorf("install_ca_cert: %w", err)
	}
	return nil
}

// UpgradeToSSL tells the agent to rebind its listener under mutual TLS
// now that leaf and CA material are installed.
func (a *AgentClient) UpgradeToSSL(ctx context.Context) error {
	if err := a.rpc.Call(ctx, "upgrade_to_ssl", nil, nil); err != nil {
		return fmt.Errorf("upgrade_to_ssl: %w", err)
	}
	return nil
}
