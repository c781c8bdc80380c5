package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Hash purposes. Each yields an independent derived key.
const (
	PurposeLookup  = "voicegate/access-token/lookup/v1"
	PurposeSession = "voicegate/access-token/session-ref/v1"
)

// MinKeyBytes is the minimum secret size accepted for HMAC mode.
const MinKeyBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// ParseHMACKey trims raw and enforces a minimum byte length.
// Blank input -> ErrHMACKeyMissing, short input -> ErrHMACKeyTooShort.
func ParseHMACKey(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// DeriveKey expands secret into a 32-byte key bound to purpose.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if strings.TrimSpace(purpose) == "" {
		return nil, ErrPurposeRequired
	}
	if len(secret) == 0 {
		return nil, ErrHMACKeyMissing
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", purpose, err)
	}
	return key, nil
}

// Hasher digests tokens for one purpose.
// The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher for purpose. A nil or empty secret selects SHA-256 mode.
func NewHasher(secret []byte, purpose string) (Hasher, error) {
	if len(secret) == 0 {
		return Hasher{}, nil
	}
	key, err := DeriveKey(secret, purpose)
	if err != nil {
		return Hasher{}, err
	}
	return Hasher{key: key}, nil
}

// Keyed reports whether the hasher runs in HMAC mode.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the hex digest of s.
func (h Hasher) Hash(s string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(s)
	}
	return HashHMACSHA256Hex(s, h.key)
}

// LogRef returns a short, non-reversible reference to a digest for log lines.
func LogRef(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:12]
}
