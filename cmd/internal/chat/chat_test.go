package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"
)

func TestFallback_Answer(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, time.March, 4, 9, 5, 7, 0, time.UTC)
	f := NewFallback(WithFallbackClock(func() time.Time { return at }), WithPicker(func(int) int { return 2 }))

	cases := []struct {
		in   string
		want string
	}{
		{"HELLO there", "Hello! I'm your voice assistant. How can I help you today?"},
		{"what's the weather", "I'd be happy to help with weather information, but I don't have access to real-time weather data at the moment. You might want to check a weather app or website for current conditions."},
		{"what time is it", "The current time is 09:05:07."},
		{"what's the date today", "Today's date is March 4, 2026."},
		{"I need some help", "I'm here to assist you! You can ask me about the time, date, or just have a conversation. I can respond with voice or text. What would you like to know?"},
		{"thanks a lot", "You're welcome! Is there anything else I can help you with?"},
		{"ok bye", "Goodbye! It was nice talking with you. Have a great day!"},
		{"pizza", defaultReplies[2]},
	}
	for _, tc := range cases {
		if got := f.Answer(tc.in); got != tc.want {
			t.Fatalf("Answer(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestFallback_PickerOutOfRange(t *testing.T) {
	t.Parallel()

	f := NewFallback(WithPicker(func(n int) int { return n + 5 }))
	if got := f.Answer("pizza"); got != defaultReplies[0] {
		t.Fatalf("got=%q", got)
	}
}

func TestFallback_DefaultPickerStaysInTable(t *testing.T) {
	t.Parallel()

	f := NewFallback()
	for i := 0; i < 50; i++ {
		if got := f.Answer("pizza"); !slices.Contains(defaultReplies, got) {
			t.Fatalf("unexpected reply %q", got)
		}
	}
}

type countingObserver struct{ sources []string }

func (o *countingObserver) ChatReply(source string) { o.sources = append(o.sources, source) }

type failingResponder struct{}

func (failingResponder) Reply(context.Context, string) (string, error) {
	return "", errors.New("upstream down")
}

func TestService_FallsBackWhenModelFails(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	svc := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithModel(failingResponder{}),
		WithObserver(obs),
	)

	text, src := svc.Respond(context.Background(), "hello")
	if src != SourceFallback {
		t.Fatalf("source=%q", src)
	}
	if text != "Hello! I'm your voice assistant. How can I help you today?" {
		t.Fatalf("text=%q", text)
	}
	if !slices.Equal(obs.sources, []string{SourceFallback}) {
		t.Fatalf("observer=%v", obs.sources)
	}
}

func TestService_NoModelUsesFallback(t *testing.T) {
	t.Parallel()

	svc := NewService(nil, WithModel(nil))
	if svc.ModelConfigured() {
		t.Fatalf("model must not be configured")
	}
	if _, src := svc.Respond(context.Background(), "thank you"); src != SourceFallback {
		t.Fatalf("source=%q", src)
	}
}

func TestNewOpenAIResponder_RequiresKey(t *testing.T) {
	t.Parallel()

	if r := NewOpenAIResponder(OpenAIConfig{APIKey: "  "}); r != nil {
		t.Fatalf("expected nil responder without key")
	}
}

func TestOpenAIResponder_Reply(t *testing.T) {
	t.Parallel()

	var got struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Sure thing."}}]}`)
	}))
	defer srv.Close()

	r := NewOpenAIResponder(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	text, err := r.Reply(context.Background(), "say something")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if text != "Sure thing." {
		t.Fatalf("text=%q", text)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("auth=%q", auth)
	}
	if got.Model != DefaultModel || got.Temperature != 0.7 || got.MaxTokens != 150 {
		t.Fatalf("params model=%q temp=%v max=%d", got.Model, got.Temperature, got.MaxTokens)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "say something" {
		t.Fatalf("messages=%+v", got.Messages)
	}
}

func TestOpenAIResponder_UpstreamErrorFallsBack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	svc := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithModel(NewOpenAIResponder(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})),
	)
	if _, src := svc.Respond(context.Background(), "bye"); src != SourceFallback {
		t.Fatalf("source=%q", src)
	}
}
