package token

import (
	"context"
	"time"
)

// UseRecord describes one redemption attempt.
type UseRecord struct {
	TokenHash string
	Usage     Usage
	// Consume additionally requires the token to be unused and marks it used.
	Consume bool
	Now     time.Time
}

// Store is the persistence boundary for access tokens.
//
// RecordUse must be atomic: the match on (hash, unexpired, unused when consuming) and
// the mutation happen in one operation. On a miss it returns ErrNotFound, ErrExpired,
// ErrAlreadyUsed or ErrConflict.
type Store interface {
	Create(ctx context.Context, t AccessToken) error
	GetByHash(ctx context.Context, tokenHash string) (AccessToken, error)
	RecordUse(ctx context.Context, in UseRecord) (AccessToken, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
