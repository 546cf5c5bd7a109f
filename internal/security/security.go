// Package security seals broker session tokens at rest and masks credentials
// in text that leaves the process.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000

	sealedPrefix = "v1:"
)

// keySalt is fixed so every process sharing a passphrase derives the same key.
var keySalt = []byte("options-executor/broker-tokens")

// ErrNoKey is returned when a cipher is built without a passphrase.
var ErrNoKey = errors.New("token key is empty")

// TokenCipher encrypts access tokens with AES-256-GCM.
type TokenCipher struct {
	gcm cipher.AEAD
}

// NewTokenCipher derives the sealing key from passphrase.
func NewTokenCipher(passphrase string) (*TokenCipher, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	key := pbkdf2.Key([]byte(passphrase), keySalt, PBKDF2Iterations, EncryptionKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &TokenCipher{gcm: gcm}, nil
}

// Seal encrypts plaintext. Empty input stays empty.
func (c *TokenCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// were written before a key was configured and are returned unchanged.
func (c *TokenCipher) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding sealed token: %w", err)
	}
	if len(raw) < NonceSize {
		return "", errors.New("sealed token is truncated")
	}
	plaintext, err := c.gcm.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}
