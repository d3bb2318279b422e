package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// authChallengeFrame is sent by the Agent to open mode-3 authentication:
// the Keeper must sign nonce with the private key for one of the Agent's
// whitelisted identities.
type authChallengeFrame struct {
	AuthNonce string `json:"auth_nonce"`
}

// authResponseFrame carries the Keeper's proof of identity: the claimed
// address, the public key bytes needed to verify it (addresses are
// self-certifying: Address == hex(sha256(PublicKeyBytes))), and a
// signature over sha256(nonce).
type authResponseFrame struct {
	Identity  string `json:"identity"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// authFailureFrame reports a typed auth failure before the connection is
// dropped, so the Keeper can distinguish "no address configured" from
// "signature rejected" and retry with a different keyring entry.
type authFailureFrame struct {
	Error string `json:"error"`
}

// AddressFromPublicKey derives the self-certifying fabric address used as
// AgentIdentity's signing identity: the hex SHA-256 of the raw public key
// bytes the Signer exposes.
func AddressFromPublicKey(pubKeyBytes []byte) string {
	sum := sha256.Sum256(pubKeyBytes)
	return hex.EncodeToString(sum[:])
}

// authenticatePeer is the Agent side of mode-3 authentication: challenge,
// verify, and on failure reply with a typed failure symbol before closing.
func (t *Transport) authenticatePeer(whitelist []string) error {
	allowed := make(map[string]bool, len(whitelist))
	for _, addr := range whitelist {
		allowed[addr] = true
	}

	nonce := make([]byte, 16)
	if err := randomBytes(nonce); err != nil {
		return t.fail(HandshakeFailed, fmt.Errorf("generate auth nonce: %w", err))
	}
	if err := t.sendJSON(authChallengeFrame{AuthNonce: hex.EncodeToString(nonce)}); err != nil {
		return err
	}

	var resp authResponseFrame
	if err := t.recvJSON(&resp); err != nil {
		return err
	}

	if resp.Identity == "" || !allowed[resp.Identity] {
		_ = t.sendJSON(authFailureFrame{Error: string(AuthAddressRequired)})
		return t.fail(AuthAddressRequired, fmt.Errorf("identity %q not in whitelist", resp.Identity))
	}

	pubKeyBytes, err := hex.DecodeString(resp.PublicKey)
	if err != nil {
		_ = t.sendJSON(authFailureFrame{Error: string(AuthDenied)})
		return t.fail(AuthDenied, fmt.Errorf("decode public key: %w", err))
	}
	if AddressFromPublicKey(pubKeyBytes) != resp.Identity {
		_ = t.sendJSON(authFailureFrame{Error: string(AuthDenied)})
		return t.fail(AuthDenied, fmt.Errorf("identity does not match public key"))
	}

	sig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		_ = t.sendJSON(authFailureFrame{Error: string(AuthDenied)})
		return t.fail(AuthDenied, fmt.Errorf("decode signature: %w", err))
	}

	digest := sha256.Sum256(nonce)
	if !verifySignature(pubKeyBytes, digest, sig) {
		_ = t.sendJSON(authFailureFrame{Error: string(AuthDenied)})
		return t.fail(AuthDenied, fmt.Errorf("signature verification failed for %q", resp.Identity))
	}

	return nil
}

// proveIdentity is the Keeper side of mode-3 authentication: answer the
// Agent's challenge with the configured signing identity.
func (t *Transport) proveIdentity(identity Identity) error {
	var challenge authChallengeFrame
	if err := t.recvJSON(&challenge); err != nil {
		return err
	}

	nonce, err := hex.DecodeString(challenge.AuthNonce)
	if err != nil {
		return t.fail(HandshakeFailed, fmt.Errorf("decode auth_nonce: %w", err))
	}

	digest := sha256.Sum256(nonce)
	sig, err := identity.Signer.Sign(digest)
	if err != nil {
		return t.fail(AuthDenied, fmt.Errorf("sign challenge: %w", err))
	}

	return t.sendJSON(authResponseFrame{
		Identity:  identity.Address,
		PublicKey: hex.EncodeToString(identity.Signer.PublicKeyBytes()),
		Signature: hex.EncodeToString(sig),
	})
}
