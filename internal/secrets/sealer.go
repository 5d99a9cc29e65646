// Package secrets seals knowledge vault values and OAuth tokens at rest.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrNoKey is returned when no secret was configured
	ErrNoKey = errors.New("secrets: no key configured")
	// ErrMalformed is returned for ciphertexts that are too short or not base64
	ErrMalformed = errors.New("secrets: malformed ciphertext")
)

const keyInfo = "skyth knowledge vault v1"

// Sealer encrypts with XChaCha20-Poly1305 under a key derived from the
// session secret. Additional data binds a ciphertext to its row.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrNoKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce||ciphertext
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open reverses Seal
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}
	return plaintext, nil
}

// SealString seals and base64-encodes for text columns
func (s *Sealer) SealString(plaintext, additional string) (string, error) {
	sealed, err := s.Seal([]byte(plaintext), []byte(additional))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString
func (s *Sealer) OpenString(encoded, additional string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	plaintext, err := s.Open(sealed, []byte(additional))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
