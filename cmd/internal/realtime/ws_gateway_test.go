package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"voicegate/cmd/internal/access/gate"
	"voicegate/cmd/internal/chat"
	"voicegate/cmd/internal/speech"
	"voicegate/cmd/internal/speech/speechtest"
	v1 "voicegate/shared/contracts/voice/v1"

	"github.com/coder/websocket"
)

var testAudio = []byte("ID3-fake-mp3")

type fakeAuth struct{ ok bool }

func (f fakeAuth) Authorize(*http.Request) (gate.Principal, bool) {
	return gate.Principal{Ref: "ref-1"}, f.ok
}

type fakeTTS struct {
	mu     sync.Mutex
	voices []string
	texts  []string
	err    error
}

func (f *fakeTTS) Speak(_ context.Context, text, voiceID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.voices = append(f.voices, voiceID)
	if f.err != nil {
		return nil, f.err
	}
	return testAudio, nil
}

type countObserver struct {
	mu             sync.Mutex
	opened, closed int
}

func (o *countObserver) ConnOpened() { o.mu.Lock(); o.opened++; o.mu.Unlock() }
func (o *countObserver) ConnClosed() { o.mu.Lock(); o.closed++; o.mu.Unlock() }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, auth Authorizer, tts *fakeTTS, clock *speechtest.Clock, opts ...Option) *Gateway {
	t.Helper()
	svc := chat.NewService(testLogger())
	opts = append(opts, WithAfterFunc(clock.AfterFunc))
	g, err := NewGateway(testLogger(), auth, ChatBackend{Service: svc}, tts, DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func startWSTestServer(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	g.Register(mux)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseURL, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/voice"
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	return websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := v1.New(typ, "c-"+typ, time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil skips envelopes until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := env.Validate(); err != nil {
			t.Fatalf("server sent invalid envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func waitPending(t *testing.T, clock *speechtest.Clock, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for clock.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending timers, got %d", n, clock.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_RejectsDisallowedOrigin(t *testing.T) {
	g := newTestGateway(t, nil, &fakeTTS{}, &speechtest.Clock{})
	ts := startWSTestServer(t, g)
	defer ts.Close()

	_, resp, err := dialWS(t, ts.URL, "https://evil.example")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}
}

func TestGateway_RequiresOriginByDefault(t *testing.T) {
	g := newTestGateway(t, nil, &fakeTTS{}, &speechtest.Clock{})
	req := httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestGateway_UnauthorizedRejected(t *testing.T) {
	g := newTestGateway(t, fakeAuth{ok: false}, &fakeTTS{}, &speechtest.Clock{})
	ts := startWSTestServer(t, g)
	defer ts.Close()

	_, resp, err := dialWS(t, ts.URL, "http://localhost")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected unauthorized handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}
}

func TestGateway_CallRoundTrip(t *testing.T) {
	clock := &speechtest.Clock{}
	tts := &fakeTTS{}
	obs := &countObserver{}
	g := newTestGateway(t, fakeAuth{ok: true}, tts, clock, WithObserver(obs))
	ts := startWSTestServer(t, g)
	defer ts.Close()

	conn, _, err := dialWS(t, ts.URL, "http://localhost")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	var st v1.StatePayload
	if err := readUntil(t, conn, v1.TypeState).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.InCall || st.CallState != "idle" || !st.SpeechEnabled {
		t.Fatalf("unexpected initial state: %+v", st)
	}

	send(t, conn, v1.TypeCallToggle, nil)

	var start v1.RecognizerStartPayload
	if err := readUntil(t, conn, v1.TypeRecognizerStart).Decode(&start); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if start.Instance == "" || !start.Continuous || !start.InterimResults || start.Lang != speech.DefaultLanguage {
		t.Fatalf("unexpected recognizer config: %+v", start)
	}

	send(t, conn, v1.TypeRecognizerStarted, v1.RecognizerEventPayload{Instance: start.Instance})
	send(t, conn, v1.TypeRecognizerResult, v1.RecognizerResultPayload{
		Instance: start.Instance,
		Results:  []v1.Result{{Transcript: "hello there", IsFinal: true}},
	})

	waitPending(t, clock, 1)
	clock.Advance(speech.DefaultQuietWindow)

	var commit v1.TranscriptPayload
	if err := readUntil(t, conn, v1.TypeTranscriptCommit).Decode(&commit); err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if commit.Text != "hello there" {
		t.Fatalf("commit = %q", commit.Text)
	}

	var reply v1.ReplyPayload
	if err := readUntil(t, conn, v1.TypeReplyText).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if want := chat.NewFallback().Answer("hello there"); reply.Text != want {
		t.Fatalf("reply = %q, want %q", reply.Text, want)
	}

	var play v1.AudioPlayPayload
	if err := readUntil(t, conn, v1.TypeAudioPlay).Decode(&play); err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if play.Mime != "audio/mpeg" || !bytes.Equal(play.Data, testAudio) {
		t.Fatalf("unexpected audio payload: %+v", play)
	}

	send(t, conn, v1.TypePlaybackEnded, nil)
	waitPending(t, clock, 1)
	clock.Advance(500 * time.Millisecond)

	var restart v1.RecognizerStartPayload
	if err := readUntil(t, conn, v1.TypeRecognizerStart).Decode(&restart); err != nil {
		t.Fatalf("decode restart: %v", err)
	}
	if restart.Instance == start.Instance {
		t.Fatalf("expected a fresh recognizer instance, got %q again", restart.Instance)
	}

	obs.mu.Lock()
	opened := obs.opened
	obs.mu.Unlock()
	if opened != 1 {
		t.Fatalf("opened = %d", opened)
	}
}

func TestGateway_StaleInstanceIgnored(t *testing.T) {
	clock := &speechtest.Clock{}
	g := newTestGateway(t, nil, &fakeTTS{}, clock)
	ts := startWSTestServer(t, g)
	defer ts.Close()

	conn, _, err := dialWS(t, ts.URL, "http://localhost")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	send(t, conn, v1.TypeCallToggle, nil)
	var start v1.RecognizerStartPayload
	if err := readUntil(t, conn, v1.TypeRecognizerStart).Decode(&start); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	send(t, conn, v1.TypeRecognizerStarted, v1.RecognizerEventPayload{Instance: start.Instance})

	send(t, conn, v1.TypeRecognizerResult, v1.RecognizerResultPayload{
		Instance: "r-old",
		Results:  []v1.Result{{Transcript: "ignored", IsFinal: true}},
	})
	send(t, conn, v1.TypeRecognizerResult, v1.RecognizerResultPayload{
		Instance: start.Instance,
		Results:  []v1.Result{{Transcript: "thanks", IsFinal: true}},
	})

	waitPending(t, clock, 1)
	clock.Advance(speech.DefaultQuietWindow)

	var commit v1.TranscriptPayload
	if err := readUntil(t, conn, v1.TypeTranscriptCommit).Decode(&commit); err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if commit.Text != "thanks" {
		t.Fatalf("commit = %q", commit.Text)
	}
}

func TestGateway_BadFramesReportErrors(t *testing.T) {
	g := newTestGateway(t, nil, &fakeTTS{}, &speechtest.Clock{})
	ts := startWSTestServer(t, g)
	defer ts.Close()

	conn, _, err := dialWS(t, ts.URL, "http://localhost")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var p v1.ErrorPayload
	if err := readUntil(t, conn, v1.TypeError).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != "bad_json" {
		t.Fatalf("code = %q", p.Code)
	}

	// Server-only types are refused.
	send(t, conn, v1.TypeAudioPlay, nil)
	if err := readUntil(t, conn, v1.TypeError).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != "bad_envelope" {
		t.Fatalf("code = %q", p.Code)
	}

	send(t, conn, v1.TypeRecognizerResult, v1.RecognizerResultPayload{
		Results: []v1.Result{{Transcript: strings.Repeat("a", maxTranscriptChars+1), IsFinal: true}},
	})
	if err := readUntil(t, conn, v1.TypeError).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != codeBadRequest {
		t.Fatalf("code = %q", p.Code)
	}
}

func TestGateway_SettingsUpdate(t *testing.T) {
	g := newTestGateway(t, nil, &fakeTTS{}, &speechtest.Clock{})
	ts := startWSTestServer(t, g)
	defer ts.Close()

	conn, _, err := dialWS(t, ts.URL, "http://localhost")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()
	readUntil(t, conn, v1.TypeState)

	vol := -2.0
	send(t, conn, v1.TypeSettingsUpdate, v1.SettingsUpdatePayload{Volume: &vol})

	// The first audio.volume is the initial level pushed at session start.
	for {
		var p v1.AudioVolumePayload
		if err := readUntil(t, conn, v1.TypeAudioVolume).Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.Volume == 0 {
			break
		}
		if p.Volume != 1 {
			t.Fatalf("volume = %v, want clamped to 0", p.Volume)
		}
	}

	voice := "voice-2"
	muted := true
	send(t, conn, v1.TypeSettingsUpdate, v1.SettingsUpdatePayload{VoiceID: &voice, Muted: &muted})
	for {
		var st v1.StatePayload
		if err := readUntil(t, conn, v1.TypeState).Decode(&st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.VoiceID == voice && st.Muted {
			break
		}
	}
}

func TestGateway_PreviewUsesSelectedVoice(t *testing.T) {
	tts := &fakeTTS{}
	g := newTestGateway(t, nil, tts, &speechtest.Clock{})
	ts := startWSTestServer(t, g)
	defer ts.Close()

	conn, _, err := dialWS(t, ts.URL, "http://localhost")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	voice := "voice-9"
	send(t, conn, v1.TypeSettingsUpdate, v1.SettingsUpdatePayload{VoiceID: &voice})
	send(t, conn, v1.TypeVoicePreview, nil)
	readUntil(t, conn, v1.TypeAudioPlay)

	tts.mu.Lock()
	defer tts.mu.Unlock()
	if len(tts.voices) != 1 || tts.voices[0] != voice {
		t.Fatalf("voices = %v", tts.voices)
	}
}

func TestGateway_RateLimitClosesConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	g, err := NewGateway(testLogger(), nil, ChatBackend{Service: chat.NewService(testLogger())}, &fakeTTS{}, cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := startWSTestServer(t, g)
	defer ts.Close()

	conn, _, err := dialWS(t, ts.URL, "http://localhost")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	for i := 0; i < 3; i++ {
		send(t, conn, v1.TypePlaybackEnded, nil)
	}
	var p v1.ErrorPayload
	if err := readUntil(t, conn, v1.TypeError).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != codeRateLimited {
		t.Fatalf("code = %q", p.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("expected policy violation close, got %v", err)
		}
		return
	}
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	t0 := time.Unix(1000, 0)
	if !rl.Allow(t0) || !rl.Allow(t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two events should pass")
	}
	if rl.Allow(t0.Add(200 * time.Millisecond)) {
		t.Fatalf("third event inside the window should be refused")
	}
	if !rl.Allow(t0.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after the first stamp expired should pass")
	}
}

func TestClassifyReadErr(t *testing.T) {
	cases := []struct {
		err  error
		want readErrKind
	}{
		{errors.Join(errBadJSON, errors.New("x")), readErrBadJSON},
		{context.Canceled, readErrCtxDone},
		{io.EOF, readErrConnClosed},
		{errors.New("boom"), readErrUnknown},
	}
	for _, tc := range cases {
		if got := classifyReadErr(tc.err); got != tc.want {
			t.Fatalf("classify(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatterns([]string{"http://localhost:3000", "https://App.example.com", "*", "", "127.0.0.1:8080"})
	want := []string{"127.0.0.1", "app.example.com", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
}
