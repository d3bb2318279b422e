package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// envelope is the wire shape of an encrypted frame: {"nonce":hex,
// "tag":hex, "ciphertext":hex}. The cipher underneath is
// AES-GCM rather than the original AES-EAX — see DESIGN.md's Open
// Question decisions for why — but the externally visible envelope shape
// (nonce + tag + ciphertext, all lowercase hex) is preserved exactly.
type envelope struct {
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
	Ciphertext string `json:"ciphertext"`
}

// sessionKeys holds the per-connection AES-GCM AEAD negotiated during the
// RSA/AES handshake. Never written to disk; dropped
// on disconnect along with the Transport that owns it.
type sessionKeys struct {
	aead cipher.AEAD
}

func newSessionKeys(aesKey []byte) (*sessionKeys, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &sessionKeys{aead: aead}, nil
}

// seal encrypts plaintext under a fresh random nonce, splitting the GCM
// output into ciphertext and tag so the wire envelope matches the
// nonce/tag/ciphertext wire shape.
func (k *sessionKeys) seal(plaintext []byte) (envelope, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := k.aead.Seal(nil, nonce, plaintext, nil)
	tagLen := k.aead.Overhead()
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return envelope{
		Nonce:      hex.EncodeToString(nonce),
		Tag:        hex.EncodeToString(tag),
		Ciphertext: hex.EncodeToString(ciphertext),
	}, nil
}

// open reverses seal. Any single-bit flip in ciphertext or tag yields an
// error.
func (k *sessionKeys) open(env envelope) ([]byte, error) {
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := k.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return plaintext, nil
}
