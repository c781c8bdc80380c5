package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"voicegate/cmd/ids"
	sectoken "voicegate/cmd/security/token"

	"github.com/google/uuid"
)

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Result messages. They are part of the public API surface and must stay stable.
const (
	MsgRequired      = "Token is required"
	MsgInvalid       = "Invalid token"
	MsgExpired       = "Token has expired"
	MsgAlreadyUsed   = "Token has already been used"
	MsgValid         = "Token is valid"
	MsgNotFound      = "Token not found"
	MsgConsumed      = "Token consumed successfully"
	MsgUsageRecorded = "Token usage recorded"
	MsgRecordFailed  = "Failed to record token usage"
)

// Info is the metadata returned with a successful validation.
type Info struct {
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	IsUsed     bool       `json:"isUsed"`
	UsageCount int        `json:"usageCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func infoOf(t AccessToken) *Info {
	return &Info{
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
		IsUsed:     t.IsUsed,
		UsageCount: t.UsageCount,
		LastUsedAt: t.LastUsedAt,
	}
}

// Validation is the outcome of Validate. Invalid tokens are results, not errors.
type Validation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
	Info    *Info  `json:"tokenInfo,omitempty"`
}

// UsageResult is the outcome of RecordUsage.
type UsageResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	UsageCount int    `json:"usageCount,omitempty"`

	// Token is the updated record on success. TokenHash is its lookup digest.
	Token AccessToken `json:"-"`
}

// Stats is the read-only projection returned by Stats.
type Stats struct {
	Success       bool       `json:"success"`
	Message       string     `json:"message,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	IsUsed        bool       `json:"isUsed"`
	IsExpired     bool       `json:"isExpired"`
	UsageCount    int        `json:"usageCount"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	UsageHistory  []Usage    `json:"usageHistory"`
	TimeRemaining string     `json:"timeRemaining"`
}

// Issued is a freshly created token. Token is the only copy of the plaintext.
type Issued struct {
	Token     string
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Service implements the token lifecycle on top of a Store.
type Service struct {
	store  Store
	hasher sectoken.Hasher
	policy Policy
	ttl    time.Duration
	now    func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithHasher sets the digest used as the lookup key.
func WithHasher(h sectoken.Hasher) Option {
	return func(s *Service) error {
		s.hasher = h
		return nil
	}
}

// WithPolicy sets the redemption policy (default single use).
func WithPolicy(p Policy) Option {
	return func(s *Service) error {
		if p != PolicySingleUse && p != PolicyMultiUse {
			return ErrBadPolicy
		}
		s.policy = p
		return nil
	}
}

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl <= 0 {
			return ErrInvalidInput
		}
		s.ttl = ttl
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with single-use policy and a 24h TTL.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:  store,
		policy: PolicySingleUse,
		ttl:    DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Policy returns the configured redemption policy.
func (s *Service) Policy() Policy { return s.policy }

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Digest returns the lookup key for a plaintext token.
func (s *Service) Digest(raw string) string {
	return s.hasher.Hash(strings.TrimSpace(raw))
}

// Create issues a new token and persists its digest.
func (s *Service) Create(ctx context.Context) (Issued, error) {
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}
	now := s.now()

	raw, err := uuid.NewRandom()
	if err != nil {
		return Issued{}, err
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	plain := raw.String()
	rec := AccessToken{
		ID:        id,
		TokenHash: s.hasher.Hash(plain),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return Issued{}, err
	}
	return Issued{Token: plain, ID: id, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}, nil
}

// Validate checks a token without mutating it. Only storage failures are errors.
func (s *Service) Validate(ctx context.Context, raw string) (Validation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Validation{Valid: false, Message: MsgRequired}, nil
	}

	t, err := s.store.GetByHash(ctx, s.hasher.Hash(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Validation{Valid: false, Message: MsgInvalid}, nil
		}
		return Validation{}, err
	}

	if t.ExpiredAt(s.now()) {
		return Validation{Valid: false, Message: MsgExpired}, nil
	}
	if s.policy.Consumes() && t.IsUsed {
		return Validation{Valid: false, Message: MsgAlreadyUsed}, nil
	}
	return Validation{Valid: true, Message: MsgValid, Info: infoOf(t)}, nil
}

// RecordUsage redeems the token once under the configured policy.
// The check and the mutation are one store operation, so two concurrent single-use
// redemptions cannot both succeed.
func (s *Service) RecordUsage(ctx context.Context, raw string, meta Usage) (UsageResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return UsageResult{Success: false, Message: MsgRequired}, nil
	}
	now := s.now()
	if meta.UsedAt.IsZero() {
		meta.UsedAt = now
	}

	t, err := s.store.RecordUse(ctx, UseRecord{
		TokenHash: s.hasher.Hash(raw),
		Usage:     meta,
		Consume:   s.policy.Consumes(),
		Now:       now,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return UsageResult{Success: false, Message: MsgNotFound}, nil
	case errors.Is(err, ErrExpired):
		return UsageResult{Success: false, Message: MsgExpired}, nil
	case errors.Is(err, ErrAlreadyUsed), errors.Is(err, ErrConflict):
		return UsageResult{Success: false, Message: MsgAlreadyUsed}, nil
	default:
		return UsageResult{}, err
	}

	msg := MsgConsumed
	if !s.policy.Consumes() {
		msg = MsgUsageRecorded
	}
	return UsageResult{Success: true, Message: msg, UsageCount: t.UsageCount, Token: t}, nil
}

// Stats returns usage statistics for a token, or Success=false when it does not exist.
func (s *Service) Stats(ctx context.Context, raw string) (Stats, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Stats{Success: false, Message: MsgRequired}, nil
	}
	t, err := s.store.GetByHash(ctx, s.hasher.Hash(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Stats{Success: false, Message: MsgNotFound}, nil
		}
		return Stats{}, err
	}

	now := s.now()
	history := t.Usage
	if history == nil {
		history = []Usage{}
	}
	return Stats{
		Success:       true,
		CreatedAt:     t.CreatedAt,
		ExpiresAt:     t.ExpiresAt,
		IsUsed:        t.IsUsed,
		IsExpired:     t.ExpiredAt(now),
		UsageCount:    t.UsageCount,
		LastUsedAt:    t.LastUsedAt,
		UsageHistory:  history,
		TimeRemaining: FormatTimeRemaining(t.ExpiresAt, now),
	}, nil
}

// CleanupExpired deletes every token whose expiry is strictly before now.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now())
}
