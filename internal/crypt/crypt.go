// Package crypt seals secret values for backends that keep them outside a
// dedicated secret store.
//
// A Header records the Argon2id parameters, the salt and a sealed check value
// so a wrong passphrase is detected up front. Values are sealed with
// XChaCha20-Poly1305; callers bind each value to its name through the
// additional data.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	version    = 1
	checkValue = "seedvault"
	checkAD    = "header"
)

// ErrWrongPassphrase is returned by Unlock when the passphrase does not match
// the one the header was created with.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// KDF holds Argon2id parameters.
type KDF struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
}

// DefaultKDF follows the RFC 9106 second recommended option.
var DefaultKDF = KDF{Time: 3, Memory: 64 * 1024, Threads: 4}

// Header is persisted next to the sealed values.
type Header struct {
	Version int    `json:"version"`
	KDF     KDF    `json:"kdf"`
	Salt    []byte `json:"salt"`
	Check   []byte `json:"check,omitempty"`
}

// NewHeader returns a header with a fresh salt. The zero KDF selects
// DefaultKDF.
func NewHeader(kdf KDF) *Header {
	if kdf == (KDF{}) {
		kdf = DefaultKDF
	}
	salt := make([]byte, 16)
	rand.Read(salt)
	return &Header{Version: version, KDF: kdf, Salt: salt}
}

// ParseHeader decodes a persisted header.
func ParseHeader(data []byte) (*Header, error) {
	h := &Header{}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("corrupt vault header: %w", err)
	}
	if h.Version != version || len(h.Salt) == 0 {
		return nil, fmt.Errorf("unsupported vault header version %d", h.Version)
	}
	return h, nil
}

// Marshal encodes the header for storage.
func (h *Header) Marshal() []byte {
	data, _ := json.MarshalIndent(h, "", "  ")
	return data
}

// Sealer encrypts and decrypts values under one derived key.
type Sealer struct {
	aead cipher.AEAD
}

// Unlock derives the key from passphrase. A header without a check value
// is initialised with one; the caller must persist it. Otherwise the check
// value must open, or ErrWrongPassphrase is returned.
func Unlock(h *Header, passphrase []byte) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase must not be empty")
	}
	key := argon2.IDKey(passphrase, h.Salt, h.KDF.Time, h.KDF.Memory, h.KDF.Threads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	s := &Sealer{aead: aead}

	if h.Check == nil {
		h.Check = s.Seal([]byte(checkValue), []byte(checkAD))
		return s, nil
	}
	if got, err := s.Open(h.Check, []byte(checkAD)); err != nil || string(got) != checkValue {
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext, ad []byte) []byte {
	n := s.aead.NonceSize()
	out := make([]byte, n, n+len(plaintext)+s.aead.Overhead())
	rand.Read(out)
	return s.aead.Seal(out, out[:n], plaintext, ad)
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], ad)
}

// Overhead is the number of bytes Seal adds.
func (s *Sealer) Overhead() int { return s.aead.NonceSize() + s.aead.Overhead() }
