// Package crypto seals secrets stored at rest, chiefly the bot's OAuth tokens.
// It uses AES-256-GCM with a key id embedded in every sealed value, so keys
// can be rotated without rewriting existing rows first.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks values produced by Seal. Values without it are treated as
// legacy plaintext by Open.
const sealedPrefix = "enc:v1:"

var (
	// ErrUnknownKey is returned by Open when the sealing key is not configured.
	ErrUnknownKey = errors.New("crypto: unknown key id")
	// ErrCorrupt is returned when a sealed value fails to decode or authenticate.
	ErrCorrupt = errors.New("crypto: sealed value corrupt")
)

// Sealer encrypts with its primary key and decrypts with any configured key.
type Sealer struct {
	primary string
	keys    map[string]cipher.AEAD
}

// NewSealer parses a key list of the form "id:base64key[,id:base64key...]".
// The first key seals new values. A single bare base64 key gets the id "default".
// Keys must decode to exactly 32 bytes; generate one with `openssl rand -base64 32`.
func NewSealer(spec string) (*Sealer, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("crypto: empty key list")
	}
	s := &Sealer{keys: make(map[string]cipher.AEAD)}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		id, b64, ok := strings.Cut(part, ":")
		if !ok {
			id, b64 = "default", part
		}
		if id == "" {
			return nil, fmt.Errorf("crypto: empty key id in %q", part)
		}
		if _, dup := s.keys[id]; dup {
			return nil, fmt.Errorf("crypto: duplicate key id %q", id)
		}
		aead, err := newAEAD(b64)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %q: %w", id, err)
		}
		s.keys[id] = aead
		if s.primary == "" {
			s.primary = id
		}
	}
	return s, nil
}

func newAEAD(b64 string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// KeyID returns the id of the sealing key.
func (s *Sealer) KeyID() string { return s.primary }

// Seal encrypts plaintext with the primary key. Empty input stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead := s.keys[s.primary]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	// The key id is authenticated so a value cannot be relabelled to another key.
	ct := aead.Seal(nonce, nonce, []byte(plaintext), []byte(s.primary))
	return sealedPrefix + s.primary + ":" + base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a value produced by Seal. Values that were never sealed are
// returned unchanged.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	id, b64, ok := strings.Cut(strings.TrimPrefix(value, sealedPrefix), ":")
	if !ok {
		return "", ErrCorrupt
	}
	aead, ok := s.keys[id]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, id)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) < aead.NonceSize() {
		return "", ErrCorrupt
	}
	pt, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], []byte(id))
	if err != nil {
		return "", ErrCorrupt
	}
	return string(pt), nil
}

// NeedsReseal reports whether value is plaintext or sealed with a non-primary key.
func (s *Sealer) NeedsReseal(value string) bool {
	if value == "" {
		return false
	}
	if !IsSealed(value) {
		return true
	}
	id, _, _ := strings.Cut(strings.TrimPrefix(value, sealedPrefix), ":")
	return id != s.primary
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool { return strings.HasPrefix(value, sealedPrefix) }
