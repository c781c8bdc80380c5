package session

import (
	"context"
	"time"
)

// Session is a persisted user session.
type Session struct {
	ID string
	// TokenRef is a digest of the token that created the session. Informational only.
	TokenRef       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	UserAgent      string
	IPAddress      string
}

// ExpiredAt reports whether the session is no longer valid at now.
func (s Session) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Store is the persistence boundary for sessions.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Touch sets lastAccessedAt; ErrNotFound when the session is gone.
	Touch(ctx context.Context, id string, at time.Time) error
	// Delete reports whether a record was removed.
	Delete(ctx context.Context, id string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
