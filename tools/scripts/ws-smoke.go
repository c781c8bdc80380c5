// Package main provides a CI-friendly end-to-end smoke test for a running voicegate server.
//
// It validates:
//   - token issue (or a supplied token) and redemption into a session cookie
//   - websocket handshake with cookie, origin and subprotocol
//   - call start drives recognizer.start
//   - a final recognizer result is committed and answered with reply.text
//   - call end returns the session to idle
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "voicegate/shared/contracts/voice/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 4 << 20

type smokeClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
	seq   int
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		adminKey = flag.String("admin-key", os.Getenv("ADMIN_API_KEY"), "Admin key used to issue a token")
		token    = flag.String("token", "", "Existing access token; issued via /api/tokens when empty")
		text     = flag.String("text", "hello, what can you do", "Utterance to send as a final result")
		timeout  = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	if *token == "" {
		*token = mustIssueToken(root, hc, base, *adminKey)
	}
	cookie := mustRedeem(root, hc, base, *token)
	if *verbose {
		fmt.Printf("session cookie acquired (%d chars)\n", len(cookie.Value))
	}

	c := mustConnect(root, wsURL(base), *origin, cookie, *timeout)
	defer closeWS(c.conn)

	c.mustReadUntilType(root, v1.TypeState, *timeout, nil)

	c.mustWrite(root, v1.TypeCallToggle, struct{}{}, *timeout)
	start := c.mustReadUntilType(root, v1.TypeRecognizerStart, *timeout, skipNoise)
	var sp v1.RecognizerStartPayload
	if err := json.Unmarshal(start.Payload, &sp); err != nil {
		fatalf("unmarshal recognizer.start payload: %v", err)
	}
	if strings.TrimSpace(sp.Instance) == "" {
		fatalf("recognizer.start missing instance")
	}

	c.mustWrite(root, v1.TypeRecognizerStarted, v1.RecognizerEventPayload{Instance: sp.Instance}, *timeout)
	c.mustWrite(root, v1.TypeRecognizerResult, v1.RecognizerResultPayload{
		Instance: sp.Instance,
		Results:  []v1.Result{{Transcript: *text, IsFinal: true}},
	}, *timeout)

	commit := c.mustReadUntilType(root, v1.TypeTranscriptCommit, *timeout, skipNoise)
	var cp v1.TranscriptPayload
	if err := json.Unmarshal(commit.Payload, &cp); err != nil {
		fatalf("unmarshal transcript.commit payload: %v", err)
	}
	if cp.Text != strings.TrimSpace(*text) {
		fatalf("commit text mismatch: got=%q want=%q", cp.Text, *text)
	}

	reply := c.mustReadUntilType(root, v1.TypeReplyText, *timeout, skipNoise)
	var rp v1.ReplyPayload
	if err := json.Unmarshal(reply.Payload, &rp); err != nil {
		fatalf("unmarshal reply.text payload: %v", err)
	}
	if strings.TrimSpace(rp.Text) == "" {
		fatalf("reply.text is empty")
	}
	if *verbose {
		fmt.Printf("reply: %s\n", rp.Text)
	}

	c.mustWrite(root, v1.TypeCallToggle, struct{}{}, *timeout)
	c.mustReadUntilIdle(root, *timeout)

	fmt.Printf("OK: instance=%s reply_chars=%d\n", sp.Instance, len(rp.Text))
}

// skipNoise lists server envelopes that may interleave with the step being awaited.
var skipNoise = map[string]struct{}{
	v1.TypeState:             {},
	v1.TypeTranscriptInterim: {},
	v1.TypeAudioVolume:       {},
	v1.TypeAudioPlay:         {},
	v1.TypeAudioStop:         {},
	v1.TypeRecognizerStop:    {},
	v1.TypeRecognizerStart:   {},
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws/voice"
	return u.String()
}

func mustIssueToken(parent context.Context, hc *http.Client, base *url.URL, adminKey string) string {
	req, err := http.NewRequestWithContext(parent, http.MethodPost, base.String()+"/api/tokens", nil)
	if err != nil {
		fatalf("issue token: %v", err)
	}
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		fatalf("issue token: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("issue token: status=%d decode: %v", resp.StatusCode, err)
	}
	if !out.Success || out.Token == "" {
		fatalf("issue token: status=%d message=%q", resp.StatusCode, out.Message)
	}
	return out.Token
}

func mustRedeem(parent context.Context, hc *http.Client, base *url.URL, token string) *http.Cookie {
	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(parent, http.MethodPost, base.String()+"/api/tokens/redeem", bytes.NewReader(body))
	if err != nil {
		fatalf("redeem: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		fatalf("redeem: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("redeem: decode: %v", err)
	}
	if !out.Valid {
		fatalf("redeem rejected: %q", out.Message)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" && c.Value != "" {
			return c
		}
	}
	fatalf("redeem: no session_id cookie")
	return nil
}

func mustConnect(parent context.Context, wsURL, origin string, cookie *http.Cookie, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Cookie", (&http.Cookie{Name: cookie.Name, Value: cookie.Value}).String())

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	c.seq++
	env, err := v1.New(typ, fmt.Sprintf("smoke-%d", c.seq), time.Now().UTC(), payload)
	if err != nil {
		fatalf("build %s: %v", typ, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s failed: %v", typ, err)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

// mustReadUntilIdle waits for a state envelope reporting the call ended.
// Errors raised while the last reply was being voiced are tolerated.
func (c *smokeClient) mustReadUntilIdle(parent context.Context, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for idle state: %v", ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for idle state: %v", err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for idle state")
			}
			if env.Type != v1.TypeState {
				continue
			}
			var st v1.StatePayload
			if err := json.Unmarshal(env.Payload, &st); err != nil {
				fatalf("unmarshal state payload: %v", err)
			}
			if !st.InCall {
				return
			}
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
