// Package ids generates the sortable identifiers used for session ids, record ids and
// realtime envelope ids.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars) stamped with now.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewPrefixed returns "<prefix>_<ulid>" in lower case, e.g. "sess_01j...".
func NewPrefixed(prefix string, now time.Time) (string, error) {
	id, err := NewULID(now)
	if err != nil {
		return "", err
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return strings.ToLower(id), nil
	}
	return prefix + "_" + strings.ToLower(id), nil
}

// Valid reports whether s parses as a ULID, with or without a prefix.
func Valid(s string) bool {
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}
