// Package vault encrypts user-attached credentials at rest.
//
// A credential attached to an investigation run is sealed with
// XChaCha20-Poly1305 before it ever touches the database. Callers other than
// the worker that consumes the credential only see its fingerprint and label,
// never the plaintext or ciphertext.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hazyhaar/inquest/horosafe"
)

// ErrCiphertextTooShort is returned when a sealed box is truncated.
var ErrCiphertextTooShort = errors.New("vault: ciphertext too short")

// Vault seals and opens credential material with a process-wide key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a symmetric key. The key must be at least
// horosafe.MinSecretLen bytes; only the first 32 bytes are used.
func New(key []byte) (*Vault, error) {
	if err := horosafe.ValidateSecret(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the returned box.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a box produced by Seal.
func (v *Vault) Open(box []byte) ([]byte, error) {
	if len(box) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := box[:chacha20poly1305.NonceSizeX], box[chacha20poly1305.NonceSizeX:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	return plaintext, nil
}

// Fingerprint returns a short stable identifier for a credential, safe to
// show to callers who must be able to recognise, but not read, an
// already-attached key.
func Fingerprint(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:6])
}
