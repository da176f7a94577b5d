// Package secrets seals custodian access tokens for storage at rest.
//
// Tokens are encrypted with AES-256-GCM under a key derived from the
// configured secret, so a leaked database copy exposes no usable
// credentials. The sealed form is base64(nonce || ciphertext).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// minSecretLength matches the config validation floor.
const minSecretLength = 32

// Box seals and opens short secrets with a single symmetric key.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives the AES-256 key from the configured secret via SHA-256.
func NewBox(secret string) (*Box, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d bytes, got %d", minSecretLength, len(secret))
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Box{aead: aead}, nil
}

// Seal encrypts a plaintext token for storage. Each call uses a fresh
// random nonce, so sealing the same token twice yields different output.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored token. Tampered or truncated input fails
// authentication and returns an error.
func (b *Box) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed token: %w", err)
	}

	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("sealed token too short")
	}

	plaintext, err := b.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed token: %w", err)
	}

	return string(plaintext), nil
}
