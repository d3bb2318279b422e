// Package vaultca implements the Keeper-operated certificate authority used
// to upgrade an encrypted session to mutually authenticated TLS.
//
// The CA's own key pair is ECDSA P-256 (self-signed, long-lived); issued
// agent leaf certificates are RSA-2048 with CN and SAN both set to
// "<component>.<app>.com". Storage layout on disk:
// <root>/ca/ca.crt, <root>/ca/ca.key, <root>/ca/certs/<cn>/{cert,crt}.
// No leaf key file is written: the agent generates its leaf key and only
// its CSR reaches the CA.
package vaultca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CA manages the Keeper's built-in certificate authority. All issuance
// operations serialise on mu -- serial number generation and on-disk leaf
// writes are single-writer.
type CA struct {
	root string // <keeper-root>/ca

	cert *x509.Certificate
	key  *ecdsa.PrivateKey

	mu sync.Mutex
}

// EnsureCA loads or creates a CA in <root>/ca. If ca.crt and ca.key already
// exist and parse correctly, they are reused; otherwise a fresh 10-year
// self-signed CA is generated.
func EnsureCA(root string) (*CA, error) {
	dir := filepath.Join(root, "ca")
	if err := os.MkdirAll(filepath.Join(dir, "certs"), 0700); err != nil {
		return nil, fmt.Errorf("create ca dir: %w", err)
	}

	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	if fileExists(certPath) && fileExists(keyPath) {
		ca, err := loadCA(dir, certPath, keyPath)
		if err == nil {
			return ca, nil
		}
		// Existing files are broken -- fall through and regenerate.
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate ca serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "FluxVault Keeper CA"},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create ca cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	if err := writeCertPEM(certPath, certDER, 0644); err != nil {
		return nil, err
	}
	if err := writeECKeyPEM(keyPath, key); err != nil {
		return nil, err
	}

	return &CA{root: dir, cert: cert, key: key}, nil
}

// CACertPEM returns the CA certificate in PEM, distributed to agents via
// install_ca_cert so they can verify the Keeper's identity during the TLS
// upgrade.
func (ca *CA) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// CACert returns the parsed CA certificate, for building a cert pool.
func (ca *CA) CACert() *x509.Certificate {
	return ca.cert
}

// SignCSR signs a PKCS#10 CSR from an enrolling agent. The CN and a single
// DNS SAN are forced to "<component>.<app>.com" -- the CSR's own subject is
// never trusted.
//
// The leaf is persisted under <root>/certs/<cn>/ as cert, crt (duplicate
// copy, matching the layout some agents expect) and is valid for one year.
func (ca *CA) SignCSR(csrDER []byte, commonName string) (certPEM []byte, serial string, err error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, "", fmt.Errorf("parse csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, "", fmt.Errorf("csr signature invalid: %w", err)
	}

	pub, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, "", fmt.Errorf("csr public key is %T, want *rsa.PublicKey", csr.PublicKey)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serialNum, err := randomSerial()
	if err != nil {
		return nil, "", fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serialNum,
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              []string{commonName},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, pub, ca.key)
	if err != nil {
		return nil, "", fmt.Errorf("sign leaf: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	serial = fmt.Sprintf("%x", serialNum)

	leafDir := filepath.Join(ca.root, "certs", commonName)
	if err := os.MkdirAll(leafDir, 0700); err != nil {
		return nil, "", fmt.Errorf("create leaf dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(leafDir, "cert"), certPEM, 0644); err != nil {
		return nil, "", fmt.Errorf("write leaf cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(leafDir, "crt"), certPEM, 0644); err != nil {
		return nil, "", fmt.Errorf("write leaf crt: %w", err)
	}

	return certPEM, serial, nil
}

// Revoke drops the named leaf's directory so that a fresh enrollment will
// re-sign from the agent's next CSR. Holds the CA-wide lock, so it never
// overlaps an issuance or another revocation for any CN.
func (ca *CA) Revoke(commonName string) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	leafDir := filepath.Join(ca.root, "certs", commonName)
	if err := os.RemoveAll(leafDir); err != nil {
		return fmt.Errorf("revoke %s: %w", commonName, err)
	}
	return nil
}

// --- internal helpers ---

func loadCA(dir, certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in ca cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in ca key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}

	return &CA{root: dir, cert: cert, key: key}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func writeCertPEM(path string, certDER []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write cert %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})
}

func writeECKeyPEM(path string, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GenerateAgentCSR creates a fresh 2048-bit RSA key pair and a PKCS#10 CSR
// with CN and SAN both set to commonName. The private key is returned
// alongside the CSR; the caller (the agent) holds it only in memory until
// install_cert arrives.
func GenerateAgentCSR(commonName string) (csrDER []byte, key *rsa.PrivateKey, err error) {
	key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate agent key: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		DNSNames:           []string{commonName},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	csrDER, err = x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create csr: %w", err)
	}
	return csrDER, key, nil
}

// KeyToPEM encodes an RSA private key as PEM (PKCS#1), for staging until
// install_cert completes enrollment.
func KeyToPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}
