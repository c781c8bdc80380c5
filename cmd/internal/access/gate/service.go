package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voicegate/cmd/internal/access/session"
	"voicegate/cmd/internal/access/token"
	sectoken "voicegate/cmd/security/token"
)

// DefaultAppURL is used for share links when no public URL is configured.
const DefaultAppURL = "http://localhost:3000"

// Result messages.
const (
	MsgGenerateFailed = "Failed to generate token"
	MsgValidateFailed = "Error validating token"
	MsgRedeemFailed   = "Error processing token"
	MsgStatsFailed    = "Error retrieving token statistics"
	MsgRedeemedSingle = "Token consumed successfully. Session created for 24 hours."
	MsgRedeemedMulti  = "Token validated successfully"
	MsgNoSession      = "No session found"
	MsgSessionFailed  = "Error validating session"
	MsgLoggedOut      = "Logged out successfully"
	MsgLogoutFailed   = "Error logging out"
	MsgCleanupFailed  = "Error during cleanup process"
)

// Client is the provenance recorded with a redemption.
type Client struct {
	UserAgent string
	IPAddress string
}

// GenerateResult is returned by GenerateToken.
type GenerateResult struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	ShareURL  string    `json:"shareUrl,omitempty"`
	Message   string    `json:"message"`
}

// RedeemResult is returned by UseToken.
type RedeemResult struct {
	Valid            bool        `json:"valid"`
	Message          string      `json:"message"`
	SessionID        string      `json:"sessionId,omitempty"`
	SessionExpiresAt time.Time   `json:"sessionExpiresAt,omitzero"`
	UsageCount       int         `json:"usageCount,omitempty"`
	TokenInfo        *token.Info `json:"tokenInfo,omitempty"`
}

// LogoutResult is returned by Logout.
type LogoutResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CleanupResult is returned by Cleanup.
type CleanupResult struct {
	Success         bool   `json:"success"`
	SessionsDeleted int64  `json:"sessionsDeleted"`
	TokensDeleted   int64  `json:"tokensDeleted"`
	Message         string `json:"message"`
}

// Service orchestrates the token and session stores.
type Service struct {
	log      *slog.Logger
	tokens   *token.Service
	sessions *session.Service
	ref      sectoken.Hasher
	appURL   string
	obs      Observer
}

// Option configures the Service.
type Option func(*Service)

// WithSessionRefHasher sets the digest stored as the session's token back-reference.
func WithSessionRefHasher(h sectoken.Hasher) Option {
	return func(s *Service) { s.ref = h }
}

// WithAppURL sets the public base URL used for share links.
func WithAppURL(u string) Option {
	return func(s *Service) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			s.appURL = u
		}
	}
}

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

// NewService constructs a gate Service.
func NewService(log *slog.Logger, tokens *token.Service, sessions *session.Service, opts ...Option) (*Service, error) {
	if tokens == nil || sessions == nil {
		return nil, fmt.Errorf("gate: token and session services are required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:      log,
		tokens:   tokens,
		sessions: sessions,
		appURL:   DefaultAppURL,
		obs:      nopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Policy returns the token redemption policy.
func (s *Service) Policy() token.Policy { return s.tokens.Policy() }

// ShareURL builds the agent entry link for a token.
func (s *Service) ShareURL(raw string) string {
	return s.appURL + "/agent?token=" + url.QueryEscape(raw)
}

// GenerateToken issues a token and its share link.
func (s *Service) GenerateToken(ctx context.Context) GenerateResult {
	issued, err := s.tokens.Create(ctx)
	if err != nil {
		s.log.Error("access.token.generate.fail", "err", err)
		return GenerateResult{Success: false, Message: MsgGenerateFailed}
	}

	msg := "Token generated successfully. Single-use only - creates 24-hour session when used."
	if ttl := s.sessions.TTL(); ttl != session.DefaultTTL {
		msg = "Token generated successfully. Single-use only - creates a session lasting " + humanDuration(ttl) + " when used."
	}
	if !s.tokens.Policy().Consumes() {
		msg = "Token generated successfully. It can be used multiple times until it expires."
	}
	s.log.Info("access.token.generated", "token_id", issued.ID, "expires_at", issued.ExpiresAt)
	return GenerateResult{
		Success:   true,
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		ShareURL:  s.ShareURL(issued.Token),
		Message:   msg,
	}
}

// ValidateToken checks a token without redeeming it.
func (s *Service) ValidateToken(ctx context.Context, raw string) token.Validation {
	v, err := s.tokens.Validate(ctx, raw)
	if err != nil {
		s.log.Error("access.token.validate.fail", "token_ref", s.logRef(raw), "err", err)
		return token.Validation{Valid: false, Message: MsgValidateFailed}
	}
	return v
}

// UseToken redeems a token under the configured policy.
//
// Single use: a session is created, then the token is consumed atomically; if the token
// loses that race the session is deleted again. The caller sets the cookie from SessionID.
// Multi use: the redemption is counted and the token stays the credential; no session
// is created.
func (s *Service) UseToken(ctx context.Context, raw string, c Client) RedeemResult {
	v := s.ValidateToken(ctx, raw)
	if !v.Valid {
		if v.Message != MsgValidateFailed {
			s.obs.Redemption(OutcomeRejected)
		} else {
			s.obs.Redemption(OutcomeError)
		}
		return RedeemResult{Valid: false, Message: v.Message}
	}

	if !s.tokens.Policy().Consumes() {
		used, rejected, ok := s.recordUsage(ctx, raw, c)
		if !ok {
			return rejected
		}
		s.obs.Redemption(OutcomeRedeemed)
		s.log.Info("access.redeem.ok", "policy", s.tokens.Policy(), "token_ref", s.logRef(raw), "usage_count", used.UsageCount)
		return RedeemResult{Valid: true, Message: MsgRedeemedMulti, UsageCount: used.UsageCount, TokenInfo: infoOf(used.Token)}
	}

	// A failed insert must leave the token redeemable.
	sess, err := s.sessions.Create(ctx, session.CreateInput{
		TokenRef:  s.ref.Hash(strings.TrimSpace(raw)),
		UserAgent: c.UserAgent,
		IPAddress: c.IPAddress,
	})
	if err != nil {
		s.log.Error("access.redeem.session.fail", "token_ref", s.logRef(raw), "err", err)
		s.obs.Redemption(OutcomeError)
		return RedeemResult{Valid: false, Message: MsgRedeemFailed}
	}
	sessRef := sectoken.LogRef(sectoken.HashSHA256Hex(sess.ID))

	used, rejected, ok := s.recordUsage(ctx, raw, c)
	if !ok {
		if _, err := s.sessions.Delete(context.WithoutCancel(ctx), sess.ID); err != nil {
			s.log.Error("access.redeem.session.orphaned", "token_ref", s.logRef(raw), "session_ref", sessRef, "err", err)
		}
		return rejected
	}
	s.obs.Redemption(OutcomeRedeemed)
	s.obs.SessionCreated()
	s.log.Info("access.redeem.ok", "policy", s.tokens.Policy(), "token_ref", s.logRef(raw), "session_ref", sessRef)

	return RedeemResult{
		Valid:            true,
		Message:          s.redeemedMessage(),
		SessionID:        sess.ID,
		SessionExpiresAt: sess.ExpiresAt,
		UsageCount:       used.UsageCount,
		TokenInfo:        infoOf(used.Token),
	}
}

// recordUsage counts the redemption. When ok is false the RedeemResult is the response.
func (s *Service) recordUsage(ctx context.Context, raw string, c Client) (token.UsageResult, RedeemResult, bool) {
	used, err := s.tokens.RecordUsage(ctx, raw, token.Usage{UserAgent: c.UserAgent, IPAddress: c.IPAddress})
	if err != nil {
		s.log.Error("access.redeem.record.fail", "token_ref", s.logRef(raw), "err", err)
		s.obs.Redemption(OutcomeError)
		return used, RedeemResult{Valid: false, Message: MsgRedeemFailed}, false
	}
	if !used.Success {
		s.log.Info("access.redeem.rejected", "token_ref", s.logRef(raw), "reason", used.Message)
		s.obs.Redemption(OutcomeRejected)
		return used, RedeemResult{Valid: false, Message: used.Message}, false
	}
	return used, RedeemResult{}, true
}

func infoOf(t token.AccessToken) *token.Info {
	return &token.Info{
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
		IsUsed:     t.IsUsed,
		UsageCount: t.UsageCount,
		LastUsedAt: t.LastUsedAt,
	}
}

func (s *Service) redeemedMessage() string {
	ttl := s.sessions.TTL()
	if ttl == session.DefaultTTL {
		return MsgRedeemedSingle
	}
	return "Token consumed successfully. Session created for " + humanDuration(ttl) + "."
}

// humanDuration renders whole hours or minutes in words and anything else as a Go duration.
func humanDuration(d time.Duration) string {
	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return strconv.FormatInt(n, 10) + " " + name + "s"
	}
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return unit(int64(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return unit(int64(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

// TokenStats returns usage statistics for a token.
func (s *Service) TokenStats(ctx context.Context, raw string) token.Stats {
	st, err := s.tokens.Stats(ctx, raw)
	if err != nil {
		s.log.Error("access.token.stats.fail", "token_ref", s.logRef(raw), "err", err)
		return token.Stats{Success: false, Message: MsgStatsFailed}
	}
	return st
}

// ValidateSession checks the session named by the cookie value.
func (s *Service) ValidateSession(ctx context.Context, sessionID string) session.Validation {
	if strings.TrimSpace(sessionID) == "" {
		return session.Validation{Valid: false, Message: MsgNoSession}
	}
	v, err := s.sessions.Validate(ctx, sessionID)
	if err != nil {
		s.log.Error("access.session.validate.fail", "err", err)
		return session.Validation{Valid: false, Message: MsgSessionFailed}
	}
	return v
}

// Logout deletes the session, if any. The caller clears the cookie regardless.
func (s *Service) Logout(ctx context.Context, sessionID string) LogoutResult {
	if strings.TrimSpace(sessionID) != "" {
		res, err := s.sessions.Delete(ctx, sessionID)
		if err != nil {
			s.log.Error("access.logout.fail", "err", err)
			return LogoutResult{Success: false, Message: MsgLogoutFailed}
		}
		if !res.Success {
			s.log.Info("access.logout.session_missing")
		}
	}
	return LogoutResult{Success: true, Message: MsgLoggedOut}
}

// Cleanup removes expired sessions and tokens and reports both counts.
func (s *Service) Cleanup(ctx context.Context) CleanupResult {
	sessions, err := s.sessions.CleanupExpired(ctx)
	if err != nil {
		s.log.Error("access.cleanup.sessions.fail", "err", err)
		return CleanupResult{Success: false, Message: MsgCleanupFailed}
	}
	tokens, err := s.tokens.CleanupExpired(ctx)
	if err != nil {
		s.log.Error("access.cleanup.tokens.fail", "err", err)
		return CleanupResult{Success: false, SessionsDeleted: sessions, Message: MsgCleanupFailed}
	}

	s.obs.CleanupDeleted("session", sessions)
	s.obs.CleanupDeleted("token", tokens)
	s.log.Info("access.cleanup.ok", "sessions_deleted", sessions, "tokens_deleted", tokens)
	return CleanupResult{
		Success:         true,
		SessionsDeleted: sessions,
		TokensDeleted:   tokens,
		Message:         fmt.Sprintf("Cleanup completed. %d sessions and %d tokens removed.", sessions, tokens),
	}
}

func (s *Service) logRef(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return sectoken.LogRef(s.tokens.Digest(raw))
}
