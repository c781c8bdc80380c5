package token

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a process-local Store used in tests and the memory backend.
type InMemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*AccessToken
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byHash: make(map[string]*AccessToken)}
}

func (s *InMemoryStore) Create(ctx context.Context, t AccessToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.TokenHash) == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[t.TokenHash]; ok {
		return ErrInvalidInput
	}
	cp := t.clone()
	s.byHash[t.TokenHash] = &cp
	return nil
}

func (s *InMemoryStore) GetByHash(ctx context.Context, tokenHash string) (AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return AccessToken{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byHash[tokenHash]
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	return t.clone(), nil
}

func (s *InMemoryStore) RecordUse(ctx context.Context, in UseRecord) (AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return AccessToken{}, err
	}
	if strings.TrimSpace(in.TokenHash) == "" {
		return AccessToken{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byHash[in.TokenHash]
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	if t.ExpiredAt(in.Now) || (in.Consume && t.IsUsed) {
		return AccessToken{}, classifyMiss(*t, in.Consume, in.Now)
	}

	now := in.Now
	usage := in.Usage
	if usage.UsedAt.IsZero() {
		usage.UsedAt = now
	}
	t.Usage = append(t.Usage, usage)
	t.UsageCount++
	t.LastUsedAt = &now
	if in.Consume {
		t.IsUsed = true
		t.UsedAt = &now
	}
	return t.clone(), nil
}

func (s *InMemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for h, t := range s.byHash {
		if t.ExpiresAt.Before(now) {
			delete(s.byHash, h)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored tokens.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}
