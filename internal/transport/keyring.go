package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// randomBytes fills b with crypto/rand bytes.
func randomBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// ecdsaSigner is the default Signer: an ECDSA P-256 keypair held in
// memory, addressed by the fabric address derived from its public key.
// Matches the design note that signing keys live behind a read-only
// lookup capability rather than serialized to logs or disk; this type is
// the in-memory capability itself, built by the Keeper's keyring loader.
type ecdsaSigner struct {
	key    *ecdsa.PrivateKey
	pubDER []byte
}

// NewSigner generates a fresh ECDSA P-256 signing identity held only in
// memory. The Keeper daemon does not use it: it loads a single identity
// with SignerFromPEM and presents it as the first of the application's
// SigningIdentities.
func NewSigner() (Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &ecdsaSigner{key: key, pubDER: pubDER}, nil
}

// SignerFromPEM loads a signing identity from a PEM-encoded EC private
// key, the read-only lookup capability handed to the Keeper by its
// deployment (the key itself never travels back out of this package).
func SignerFromPEM(pemBytes []byte) (Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in signing key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &ecdsaSigner{key: key, pubDER: pubDER}, nil
}

func (s *ecdsaSigner) PublicKeyBytes() []byte { return s.pubDER }

func (s *ecdsaSigner) Sign(digest [32]byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, s.key, digest[:])
}

// verifySignature checks an ASN.1 ECDSA signature over digest against a
// PKIX-encoded public key.
func verifySignature(pubKeyBytes []byte, digest [32]byte, sig []byte) bool {
	pubAny, err := x509.ParsePKIXPublicKey(pubKeyBytes)
	if err != nil {
		return false
	}
	pub, ok := pubAny.(*ecdsa.PublicKey)
	if !ok {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
