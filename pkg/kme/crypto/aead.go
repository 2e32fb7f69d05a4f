/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package crypto implements keys-at-rest protection for the storage
// engine: AES-256-GCM sealing under the process-wide master key, plus the
// SHA-256 integrity hash checked on every read.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// MasterKeySize is the required master key length (AES-256).
const MasterKeySize = 32

// SaltSize is the per-record salt length persisted alongside each key.
const SaltSize = 16

var (
	// ErrDecryptFailed is returned when GCM authentication fails.
	ErrDecryptFailed = errors.New("decryption failed: ciphertext authentication error")

	// ErrIntegrityMismatch is returned when the decrypted plaintext does
	// not hash to the stored integrity value.
	ErrIntegrityMismatch = errors.New("integrity hash mismatch")
)

// Sealer performs authenticated encryption under the immutable master
// key. Stateless after construction; safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a base64-encoded 256-bit master key as
// loaded from configuration.
func NewSealer(masterKeyB64 string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	return NewSealerFromBytes(key)
}

// NewSealerFromBytes builds a Sealer from raw master key bytes.
func NewSealerFromBytes(key []byte) (*Sealer, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, binding aad (the key_ID in practice) into the
// authentication tag. The random nonce is prepended to the returned
// ciphertext.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (s *Sealer) Open(blob, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(blob) < ns {
		return nil, ErrDecryptFailed
	}
	plaintext, err := s.aead.Open(nil, blob[:ns], blob[ns:], aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// IntegrityHash returns the SHA-256 of plaintext, persisted with each
// record and re-checked after every decrypt.
func IntegrityHash(plaintext []byte) []byte {
	sum := sha256.Sum256(plaintext)
	return sum[:]
}

// VerifyIntegrity compares the recomputed hash of plaintext against the
// stored value in constant time.
func VerifyIntegrity(plaintext, storedHash []byte) error {
	sum := sha256.Sum256(plaintext)
	if subtle.ConstantTimeCompare(sum[:], storedHash) != 1 {
		return ErrIntegrityMismatch
	}
	return nil
}

// NewSalt returns a fresh per-record salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// FingerprintSHA256 returns the lowercase hex SHA-256 digest of der.
// Used to pin SAE client certificates against their registered value.
func FingerprintSHA256(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
