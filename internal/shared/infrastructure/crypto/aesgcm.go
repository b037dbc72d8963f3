// Package crypto provides the cipher used to protect provider refresh
// tokens at rest. Tokens are sealed with AES-GCM under a single deployment
// key and stored as base64 text.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// TokenCipher seals and opens provider credentials.
type TokenCipher interface {
	EncryptToken(plaintext string) (string, error)
	DecryptToken(sealed string) (string, error)
}

// AESTokenCipher is the AES-GCM implementation of TokenCipher.
type AESTokenCipher struct {
	aead cipher.AEAD
}

// NewAESTokenCipher builds a cipher from a base64-encoded 32-byte key
// (TMINUS_ENCRYPTION_KEY).
func NewAESTokenCipher(encodedKey string) (*AESTokenCipher, error) {
	if encodedKey == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &AESTokenCipher{aead: aead}, nil
}

// EncryptToken seals the token and returns base64(nonce || ciphertext).
func (c *AESTokenCipher) EncryptToken(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptToken reverses EncryptToken.
func (c *AESTokenCipher) DecryptToken(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("sealed token too short")
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// PlaintextCipher stores tokens unencrypted. Only for tests and local
// development without a key configured.
type PlaintextCipher struct{}

func (PlaintextCipher) EncryptToken(plaintext string) (string, error) { return plaintext, nil }
func (PlaintextCipher) DecryptToken(sealed string) (string, error)    { return sealed, nil }
