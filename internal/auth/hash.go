package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// MinHMACKeyBytes is the shortest HMAC key NewTokenHasher accepts.
const MinHMACKeyBytes = 32

var ErrHMACKeyTooShort = errors.New("token HMAC key too short")

// TokenHasher turns opaque refresh tokens into the digest stored in
// sessions.refresh_token_hash. Raw tokens are never stored or compared.
//
// With no key it is plain SHA-256; with a key it is HMAC-SHA256, so a leaked
// sessions table alone is not enough to test guessed tokens offline.
// Both produce 64 hex characters.
type TokenHasher struct {
	key []byte
}

// NewTokenHasher builds a hasher. An empty key selects SHA-256.
func NewTokenHasher(key []byte) (*TokenHasher, error) {
	if len(key) > 0 && len(key) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &TokenHasher{key: key}, nil
}

// Hash returns the hex digest of token. It is deterministic for a given key.
func (h *TokenHasher) Hash(token string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(token))
	return hex.EncodeToString(m.Sum(nil))
}

// Keyed reports whether HMAC mode is active.
func (h *TokenHasher) Keyed() bool {
	return len(h.key) > 0
}
