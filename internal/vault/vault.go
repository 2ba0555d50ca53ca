// Package vault encrypts private key material at rest. Keys are derived from
// one server-wide root secret with a per-component context string, so the
// federation key vault, the TOTP vault and the push vault never share a
// cipher key even though they share the root secret.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

// Context strings for the vaults derived from the root secret.
const (
	ContextFederation = "agora:federation-key-vault"
	ContextTotp       = "agora:totp-vault"
	ContextPush       = "agora:push-vault"
)

// ErrDecrypt is returned for any ciphertext the vault cannot authenticate:
// tampered, truncated or produced under a different key. No partial
// plaintext ever escapes.
var ErrDecrypt = errors.New("vault: decryption failed")

// Vault seals and opens byte strings with AES-256-GCM under a key derived
// from the root secret and a context string.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key with HKDF-SHA256 and prepares the cipher.
func New(rootSecret, context string) (*Vault, error) {
	if rootSecret == "" {
		return nil, errors.New("vault: empty root secret")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(rootSecret), nil, []byte(context))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals the plaintext. The ciphertext layout is
// nonce (12) ‖ tag (16) ‖ encrypted payload.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// Seal appends the tag after the payload; reorder to the stored layout.
	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	body := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, body...)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt. It fails closed: any
// malformed or tampered input yields ErrDecrypt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+tagSize {
		return nil, ErrDecrypt
	}

	nonce := ciphertext[:nonceSize]
	tag := ciphertext[nonceSize : nonceSize+tagSize]
	body := ciphertext[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
