package gate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"voicegate/cmd/internal/access/session"
	"voicegate/cmd/internal/access/token"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes []string
	sessions int
	deleted  map[string]int64
}

func (o *countingObserver) Redemption(outcome string) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *countingObserver) SessionCreated() {
	o.mu.Lock()
	o.sessions++
	o.mu.Unlock()
}

func (o *countingObserver) CleanupDeleted(kind string, n int64) {
	o.mu.Lock()
	if o.deleted == nil {
		o.deleted = map[string]int64{}
	}
	o.deleted[kind] += n
	o.mu.Unlock()
}

type fixture struct {
	clk     *testClock
	svc     *Service
	handler *Handler
	obs     *countingObserver
}

func newFixture(t *testing.T, policy token.Policy) fixture {
	t.Helper()

	clk := &testClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := token.NewService(token.NewInMemoryStore(), token.WithPolicy(policy), token.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	sessions, err := session.NewService(session.NewInMemoryStore(), session.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}
	obs := &countingObserver{}
	svc, err := NewService(log, tokens, sessions, WithAppURL("https://voice.example.com/"), WithObserver(obs))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h, err := NewHandler(log, svc, Config{AdminKey: "admin-secret"})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return fixture{clk: clk, svc: svc, handler: h, obs: obs}
}

func TestService_GenerateTokenShareURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, token.PolicySingleUse)
	res := f.svc.GenerateToken(context.Background())
	if !res.Success || res.Token == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	want := "https://voice.example.com/agent?token=" + res.Token
	if res.ShareURL != want {
		t.Fatalf("ShareURL=%q want=%q", res.ShareURL, want)
	}
}

func TestService_SingleUseFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, token.PolicySingleUse)
	ctx := context.Background()

	gen := f.svc.GenerateToken(ctx)
	red := f.svc.UseToken(ctx, gen.Token, Client{UserAgent: "ua", IPAddress: "192.0.2.1"})
	if !red.Valid || red.SessionID == "" || red.Message != MsgRedeemedSingle {
		t.Fatalf("unexpected redemption %+v", red)
	}
	if red.TokenInfo == nil || !red.TokenInfo.IsUsed {
		t.Fatalf("expected consumed token info, got %+v", red.TokenInfo)
	}

	again := f.svc.UseToken(ctx, gen.Token, Client{})
	if again.Valid || again.Message != token.MsgAlreadyUsed {
		t.Fatalf("second redemption %+v", again)
	}

	v := f.svc.ValidateSession(ctx, red.SessionID)
	if !v.Valid {
		t.Fatalf("session invalid: %+v", v)
	}

	out := f.svc.Logout(ctx, red.SessionID)
	if !out.Success || out.Message != MsgLoggedOut {
		t.Fatalf("logout %+v", out)
	}
	v = f.svc.ValidateSession(ctx, red.SessionID)
	if v.Valid || v.Message != session.MsgInvalid {
		t.Fatalf("after logout %+v", v)
	}

	if f.obs.sessions != 1 {
		t.Fatalf("sessions created=%d want=1", f.obs.sessions)
	}
	if len(f.obs.outcomes) != 2 || f.obs.outcomes[0] != OutcomeRedeemed || f.obs.outcomes[1] != OutcomeRejected {
		t.Fatalf("outcomes=%v", f.obs.outcomes)
	}
}

func TestService_MultiUseFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, token.PolicyMultiUse)
	ctx := context.Background()

	gen := f.svc.GenerateToken(ctx)
	for want := 1; want <= 3; want++ {
		red := f.svc.UseToken(ctx, gen.Token, Client{})
		if !red.Valid || red.SessionID != "" || red.UsageCount != want {
			t.Fatalf("redemption #%d %+v", want, red)
		}
		if red.TokenInfo.IsUsed {
			t.Fatalf("multi-use must leave isUsed unset")
		}
	}
	if f.obs.sessions != 0 {
		t.Fatalf("multi-use must not create sessions")
	}
}

func TestService_UseTokenRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, token.PolicySingleUse)
	ctx := context.Background()
	gen := f.svc.GenerateToken(ctx)

	cases := []struct {
		name  string
		token string
		wait  time.Duration
		msg   string
	}{
		{name: "blank", token: "", msg: token.MsgRequired},
		{name: "unknown", token: "nope", msg: token.MsgInvalid},
		{name: "expired", token: gen.Token, wait: token.DefaultTTL, msg: token.MsgExpired},
	}
	for _, tc := range cases {
		f.clk.Advance(tc.wait)
		res := f.svc.UseToken(ctx, tc.token, Client{})
		if res.Valid || res.Message != tc.msg {
			t.Fatalf("%s: %+v want msg=%q", tc.name, res, tc.msg)
		}
	}
}

func TestService_CleanupReportsCombinedCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, token.PolicySingleUse)
	ctx := context.Background()

	gen := f.svc.GenerateToken(ctx)
	_ = f.svc.GenerateToken(ctx)
	if red := f.svc.UseToken(ctx, gen.Token, Client{}); !red.Valid {
		t.Fatalf("redeem: %+v", red)
	}

	f.clk.Advance(token.DefaultTTL + time.Second)
	res := f.svc.Cleanup(ctx)
	if !res.Success || res.SessionsDeleted != 1 || res.TokensDeleted != 2 {
		t.Fatalf("cleanup %+v", res)
	}
	if res.Message != "Cleanup completed. 1 sessions and 2 tokens removed." {
		t.Fatalf("message=%q", res.Message)
	}
}

func TestHandler_EndToEndCookieFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, token.PolicySingleUse)
	mux := http.NewServeMux()
	f.handler.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/tokens", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("generate without admin key status=%d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("generate status=%d body=%s", rr.Code, rr.Body.String())
	}
	var gen GenerateResult
	if err := json.Unmarshal(rr.Body.Bytes(), &gen); err != nil {
		t.Fatalf("decode generate: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tokens/redeem", strings.NewReader(`{"token":"`+gen.Token+`"}`))
	req.RemoteAddr = "203.0.113.9:5555"
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("redeem status=%d", rr.Code)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != "session_id" || !c.HttpOnly || c.Path != "/" || c.SameSite != http.SameSiteLaxMode || c.MaxAge != 86400 {
		t.Fatalf("unexpected cookie %+v", c)
	}
	if c.Secure {
		t.Fatalf("cookie must not be secure outside production")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: c.Value})
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var v session.Validation
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if !v.Valid || v.Info == nil {
		t.Fatalf("session %+v", v)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: c.Value})
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if got := rr.Result().Cookies(); len(got) != 1 || got[0].MaxAge != -1 {
		t.Fatalf("logout must expire the cookie, got %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: c.Value})
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	v = session.Validation{}
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if v.Valid || v.Message != session.MsgInvalid {
		t.Fatalf("after logout %+v", v)
	}
}

func TestHandler_SessionWithoutCookie(t *testing.T) {
	t.Parallel()

	f := newFixture(t, token.PolicySingleUse)
	rr := httptest.NewRecorder()
	f.handler.handleSession(rr, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	var v session.Validation
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Valid || v.Message != MsgNoSession {
		t.Fatalf("got %+v", v)
	}
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, token.PolicySingleUse)
	mux := http.NewServeMux()
	f.handler.Register(mux)

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{method: http.MethodGet, path: "/api/tokens/redeem", want: http.StatusMethodNotAllowed},
		{method: http.MethodPost, path: "/api/tokens/redeem", body: `{"token":1}`, want: http.StatusBadRequest},
		{method: http.MethodPost, path: "/api/tokens/validate", body: `{"token":"a","extra":true}`, want: http.StatusBadRequest},
		{method: http.MethodGet, path: "/api/tokens/stats", want: http.StatusBadRequest},
		{method: http.MethodPost, path: "/api/admin/cleanup", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s %s status=%d want=%d", tc.method, tc.path, rr.Code, tc.want)
		}
	}
}

func TestHandler_AuthorizeByPolicy(t *testing.T) {
	t.Parallel()

	single := newFixture(t, token.PolicySingleUse)
	gen := single.svc.GenerateToken(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/ws/voice?token="+gen.Token, nil)
	if _, ok := single.handler.Authorize(req); ok {
		t.Fatalf("single-use policy must not accept a bare token")
	}
	red := single.svc.UseToken(context.Background(), gen.Token, Client{})
	req = httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: red.SessionID})
	if _, ok := single.handler.Authorize(req); !ok {
		t.Fatalf("valid session cookie must be accepted")
	}

	multi := newFixture(t, token.PolicyMultiUse)
	gen = multi.svc.GenerateToken(context.Background())
	req = httptest.NewRequest(http.MethodGet, "/ws/voice?token="+gen.Token, nil)
	p, ok := multi.handler.Authorize(req)
	if !ok || !p.ViaToken {
		t.Fatalf("multi-use token must be accepted, got %+v ok=%v", p, ok)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if got := ClientIP(req, false).String(); got != "198.51.100.7" {
		t.Fatalf("untrusted ClientIP=%s", got)
	}
	if got := ClientIP(req, true).String(); got != "203.0.113.5" {
		t.Fatalf("trusted ClientIP=%s", got)
	}
	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "203.0.113.6")
	if got := ClientIP(req, true).String(); got != "203.0.113.6" {
		t.Fatalf("x-real-ip ClientIP=%s", got)
	}
}
