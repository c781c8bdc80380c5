package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is the fixed session lifetime.
const DefaultTTL = 24 * time.Hour

const idBytes = 32

// Result messages.
const (
	MsgRequired = "Session ID is required"
	MsgInvalid  = "Invalid session"
	MsgExpired  = "Session has expired"
	MsgValid    = "Session is valid"
	MsgDeleted  = "Session deleted"
	MsgNotFound = "Session not found"
)

// Info is returned with a successful validation.
type Info struct {
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Validation is the outcome of Validate.
type Validation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
	Info    *Info  `json:"sessionInfo,omitempty"`
}

// DeleteResult is the outcome of Delete.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CreateInput describes a new session.
type CreateInput struct {
	TokenRef  string
	UserAgent string
	IPAddress string
}

// Service implements the session lifecycle.
type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithTTL overrides the session lifetime. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store: store,
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// TTL returns the session lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Create starts a session. It does not check the token; callers redeem first.
func (s *Service) Create(ctx context.Context, in CreateInput) (Session, error) {
	id, err := newSessionID()
	if err != nil {
		return Session{}, err
	}
	now := s.now()
	sess := Session{
		ID:             id,
		TokenRef:       strings.TrimSpace(in.TokenRef),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		LastAccessedAt: now,
		UserAgent:      strings.TrimSpace(in.UserAgent),
		IPAddress:      strings.TrimSpace(in.IPAddress),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Validate checks a session id. An expired session is deleted before returning.
func (s *Service) Validate(ctx context.Context, id string) (Validation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Validation{Valid: false, Message: MsgRequired}, nil
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Validation{Valid: false, Message: MsgInvalid}, nil
		}
		return Validation{}, err
	}

	now := s.now()
	if sess.ExpiredAt(now) {
		if _, err := s.store.Delete(ctx, id); err != nil {
			return Validation{}, err
		}
		return Validation{Valid: false, Message: MsgExpired}, nil
	}

	if err := s.store.Touch(ctx, id, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Validation{Valid: false, Message: MsgInvalid}, nil
		}
		return Validation{}, err
	}
	return Validation{
		Valid:   true,
		Message: MsgValid,
		Info: &Info{
			CreatedAt:      sess.CreatedAt,
			ExpiresAt:      sess.ExpiresAt,
			LastAccessedAt: now,
		},
	}, nil
}

// Delete removes a session. A missing session is reported, not returned as an error.
func (s *Service) Delete(ctx context.Context, id string) (DeleteResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DeleteResult{Success: false, Message: MsgNotFound}, nil
	}
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if !ok {
		return DeleteResult{Success: false, Message: MsgNotFound}, nil
	}
	return DeleteResult{Success: true, Message: MsgDeleted}, nil
}

// CleanupExpired deletes every session whose expiry is strictly before now.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now())
}

func newSessionID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
