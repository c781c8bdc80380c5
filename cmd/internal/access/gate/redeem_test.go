package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"voicegate/cmd/internal/access/session"
	"voicegate/cmd/internal/access/token"
)

type flakySessionStore struct {
	session.Store

	mu      sync.Mutex
	fail    bool
	created []string
	deleted []string
}

func (s *flakySessionStore) Create(ctx context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("insert failed")
	}
	s.created = append(s.created, sess.ID)
	return s.Store.Create(ctx, sess)
}

func (s *flakySessionStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	s.deleted = append(s.deleted, id)
	s.mu.Unlock()
	return s.Store.Delete(ctx, id)
}

type racingTokenStore struct {
	token.Store
	lose bool
}

func (s *racingTokenStore) RecordUse(ctx context.Context, in token.UseRecord) (token.AccessToken, error) {
	if s.lose {
		return token.AccessToken{}, token.ErrConflict
	}
	return s.Store.RecordUse(ctx, in)
}

func newRedeemService(t *testing.T, ts token.Store, ss session.Store, ttl time.Duration) *Service {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens, err := token.NewService(ts, token.WithPolicy(token.PolicySingleUse))
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	sessions, err := session.NewService(ss, session.WithTTL(ttl))
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}
	svc, err := NewService(log, tokens, sessions)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestService_FailedSessionInsertKeepsTokenRedeemable(t *testing.T) {
	t.Parallel()

	ss := &flakySessionStore{Store: session.NewInMemoryStore(), fail: true}
	svc := newRedeemService(t, token.NewInMemoryStore(), ss, session.DefaultTTL)
	ctx := context.Background()

	gen := svc.GenerateToken(ctx)
	if res := svc.UseToken(ctx, gen.Token, Client{}); res.Valid || res.Message != MsgRedeemFailed {
		t.Fatalf("redeem with failing store: %+v", res)
	}
	if v := svc.ValidateToken(ctx, gen.Token); !v.Valid {
		t.Fatalf("token burned by failed insert: %+v", v)
	}

	ss.mu.Lock()
	ss.fail = false
	ss.mu.Unlock()
	if res := svc.UseToken(ctx, gen.Token, Client{}); !res.Valid || res.SessionID == "" {
		t.Fatalf("retry: %+v", res)
	}
}

func TestService_LostConsumeDeletesSession(t *testing.T) {
	t.Parallel()

	ss := &flakySessionStore{Store: session.NewInMemoryStore()}
	ts := &racingTokenStore{Store: token.NewInMemoryStore()}
	svc := newRedeemService(t, ts, ss, session.DefaultTTL)
	ctx := context.Background()

	gen := svc.GenerateToken(ctx)
	ts.lose = true
	res := svc.UseToken(ctx, gen.Token, Client{})
	if res.Valid || res.Message != token.MsgAlreadyUsed || res.SessionID != "" {
		t.Fatalf("lost consume: %+v", res)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if len(ss.created) != 1 || len(ss.deleted) != 1 || ss.created[0] != ss.deleted[0] {
		t.Fatalf("created=%q deleted=%q", ss.created, ss.deleted)
	}
	if v := svc.ValidateSession(ctx, ss.created[0]); v.Valid {
		t.Fatalf("orphan session still valid")
	}
}

func TestService_RedeemMessageFollowsSessionTTL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ttl  time.Duration
		want string
	}{
		{ttl: session.DefaultTTL, want: MsgRedeemedSingle},
		{ttl: 30 * time.Minute, want: "Token consumed successfully. Session created for 30 minutes."},
		{ttl: time.Hour, want: "Token consumed successfully. Session created for 1 hour."},
		{ttl: 90 * time.Second, want: "Token consumed successfully. Session created for 1m30s."},
	}
	for _, tc := range cases {
		svc := newRedeemService(t, token.NewInMemoryStore(), session.NewInMemoryStore(), tc.ttl)
		ctx := context.Background()
		gen := svc.GenerateToken(ctx)
		res := svc.UseToken(ctx, gen.Token, Client{})
		if !res.Valid || res.Message != tc.want {
			t.Fatalf("ttl=%s: message=%q want %q", tc.ttl, res.Message, tc.want)
		}
	}
}
