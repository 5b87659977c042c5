// ABOUTME: Symmetric encryption for secrets stored in the database
// ABOUTME: NaCl secretbox with a key derived from the configured passphrase

package store

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	// ErrNoEncryptionKey is returned when a Sealer is built from an empty passphrase.
	ErrNoEncryptionKey = errors.New("encryption key is required")

	// ErrDecrypt is returned when a sealed value cannot be opened with the current key.
	ErrDecrypt = errors.New("decrypting secret")
)

// Sealer encrypts bot tokens and API keys before they reach the database.
type Sealer struct {
	key [32]byte
}

// NewSealer derives a secretbox key from passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrNoEncryptionKey
	}
	return &Sealer{key: sha256.Sum256([]byte(passphrase))}, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the box.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key), nil
}

// Open reverses Seal.
func (s *Sealer) Open(box []byte) (string, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: value too short", ErrDecrypt)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	out, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("%w: wrong key or corrupted value", ErrDecrypt)
	}
	return string(out), nil
}

// sealOptional stores empty strings as NULL.
func (s *Sealer) sealOptional(plaintext string) (any, error) {
	if plaintext == "" {
		return nil, nil
	}
	return s.Seal(plaintext)
}

func (s *Sealer) openOptional(box []byte) (string, error) {
	if len(box) == 0 {
		return "", nil
	}
	return s.Open(box)
}
