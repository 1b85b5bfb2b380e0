// Package cryptutil implements the Crypto Layer: deriving an AES-256 key
// from a passphrase and a per-database random salt, and sealing arbitrary
// byte blobs with it. It backs both the Event Store's column-level sealing
// and the Index's segment-file wrapping (spec.md §4.6).
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the size in bytes of the per-database random salt
	// persisted at index/salt (spec.md §6 filesystem layout).
	SaltSize = 16

	aesKeySize  = 32
	gcmNonceLen = 12
	pbkdf2Iters = 210_000
)

var (
	// ErrEmptyPassphrase is returned when encryption is requested with no
	// passphrase configured.
	ErrEmptyPassphrase = errors.New("cryptutil: passphrase is empty")
	// ErrSealedTooShort means a sealed blob is too short to contain a nonce
	// and authentication tag, so it cannot possibly be genuine.
	ErrSealedTooShort = errors.New("cryptutil: sealed blob shorter than nonce+tag")
)

// NewSalt generates a fresh per-database random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Sealer seals and opens blobs with a key derived from a passphrase and
// salt. One Sealer is built per open database and shared by both stores so
// changePassphrase can re-key everything from a single place.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an AES-256-GCM key from passphrase and salt via
// PBKDF2-HMAC-SHA256, adapted from the teacher pack's HKDF(fixed-salt)
// pattern to PBKDF2 with a salt that is random and persisted per database,
// rather than fixed and baked into the binary.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, aesKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext||tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < gcmNonceLen+s.aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:gcmNonceLen], sealed[gcmNonceLen:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed blob: %w", err)
	}
	return plaintext, nil
}
