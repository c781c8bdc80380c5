package token

import (
	"fmt"
	"strings"
	"time"
)

// Usage is one entry of a token's append-only usage history.
type Usage struct {
	UsedAt    time.Time `json:"usedAt"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
}

// AccessToken is the persisted token record. TokenHash is the lookup key.
type AccessToken struct {
	ID         string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsUsed     bool
	UsedAt     *time.Time
	UsageCount int
	LastUsedAt *time.Time
	Usage      []Usage
}

// ExpiredAt reports whether the token is no longer valid at now.
func (t AccessToken) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

func (t AccessToken) clone() AccessToken {
	out := t
	if t.UsedAt != nil {
		v := *t.UsedAt
		out.UsedAt = &v
	}
	if t.LastUsedAt != nil {
		v := *t.LastUsedAt
		out.LastUsedAt = &v
	}
	if t.Usage != nil {
		out.Usage = append([]Usage(nil), t.Usage...)
	}
	return out
}

// Policy selects how redemption treats a token.
type Policy string

const (
	// PolicySingleUse marks the token used on first redemption; later redemptions fail.
	PolicySingleUse Policy = "single_use"
	// PolicyMultiUse leaves the token redeemable until expiry; each redemption is counted.
	PolicyMultiUse Policy = "multi_use"
)

// ParsePolicy parses a config value. Blank selects single use.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single", "single_use", "single-use":
		return PolicySingleUse, nil
	case "multi", "multi_use", "multi-use":
		return PolicyMultiUse, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadPolicy, s)
	}
}

// Consumes reports whether a redemption marks the token used.
func (p Policy) Consumes() bool { return p != PolicyMultiUse }

// classifyMiss explains why a conditional redemption matched nothing, given a fresh read.
func classifyMiss(t AccessToken, consume bool, now time.Time) error {
	if t.ExpiredAt(now) {
		return ErrExpired
	}
	if consume && t.IsUsed {
		return ErrAlreadyUsed
	}
	return ErrConflict
}
