// Package crypto holds the credential vault used for per-user provider keys.
// Keys are sealed with AES-256-GCM under a key derived from the process
// secret with PBKDF2-HMAC-SHA256.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"golang.org/x/crypto/pbkdf2"
)

const (
	salt       = "flow3-salt"
	iterations = 100_000
	keyLength  = 32
	nonceSize  = 12
)

var ErrEmptySecret = errors.New("encryption secret must not be empty")

// Vault encrypts and decrypts provider API keys. It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Vault{aead: aead}, nil
}

func deriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLength, sha256.New)
}

// Encrypt returns base64(nonce || ciphertext || tag). Every call draws a fresh nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+v.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any malformed or tampered input yields domain.ErrDecryption.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed base64", domain.ErrDecryption)
	}

	if len(data) < nonceSize+v.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", domain.ErrDecryption)
	}

	return string(plaintext), nil
}

// Fingerprint returns a stable, non-reversible label for an API key, safe to log.
func Fingerprint(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:8])
}
