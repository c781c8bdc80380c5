package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"voicegate/cmd/internal/conversation"
)

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens/redeem", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Token != "good" {
			_, _ = w.Write([]byte(`{"valid":false,"message":"Invalid token"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "sess-1", Path: "/"})
		_, _ = w.Write([]byte(`{"valid":true,"message":"ok","sessionId":"sess-1"}`))
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session_id")
		if err != nil || c.Value != "sess-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"no session"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"response":"hi there"}`))
	})
	mux.HandleFunc("/api/text-to-speech", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Text {
		case "down":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"ElevenLabs API key not configured"}`))
		case "":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Text is required and must be a string"}`))
		default:
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("mp3"))
		}
	})
	mux.HandleFunc("/api/voices", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade"}]}`))
	})
	return httptest.NewServer(mux)
}

func TestClient_RedeemKeepsSessionCookie(t *testing.T) {
	srv := newAPIServer(t)
	defer srv.Close()

	c, err := NewClient(srv.URL + "/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	if _, err := c.Chat(ctx, "hello"); err == nil {
		t.Fatalf("expected chat to fail before redemption")
	} else {
		var se *StatusError
		if !errors.As(err, &se) || se.Status != http.StatusUnauthorized || se.Message != "no session" {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	red, err := c.Redeem(ctx, "good")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !red.Valid || red.SessionID != "sess-1" {
		t.Fatalf("unexpected redemption: %+v", red)
	}

	reply, err := c.Chat(ctx, "hello")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestClient_RedeemRejected(t *testing.T) {
	srv := newAPIServer(t)
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	red, err := c.Redeem(context.Background(), "bad")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if red.Message != "Invalid token" {
		t.Fatalf("message = %q", red.Message)
	}
}

func TestClient_Speak(t *testing.T) {
	srv := newAPIServer(t)
	defer srv.Close()
	c, _ := NewClient(srv.URL)
	ctx := context.Background()

	audio, err := c.Speak(ctx, "hi", "v1")
	if err != nil || string(audio) != "mp3" {
		t.Fatalf("speak = %q, %v", audio, err)
	}

	if _, err := c.Speak(ctx, "down", ""); !errors.Is(err, conversation.ErrSpeechUnavailable) {
		t.Fatalf("expected ErrSpeechUnavailable, got %v", err)
	}

	_, err = c.Speak(ctx, "", "")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest || se.Message != "Text is required and must be a string" {
		t.Fatalf("unexpected error: %v", err)
	}
	if errors.Is(err, conversation.ErrSpeechUnavailable) {
		t.Fatalf("a bad request must not disable speech")
	}
}

func TestClient_Voices(t *testing.T) {
	srv := newAPIServer(t)
	defer srv.Close()
	c, _ := NewClient(srv.URL)

	voices, err := c.Voices(context.Background())
	if err != nil {
		t.Fatalf("voices: %v", err)
	}
	if len(voices) != 1 || voices[0].VoiceID != "v1" || voices[0].Name != "Rachel" {
		t.Fatalf("voices = %+v", voices)
	}
}

func TestNewClient_RequiresURL(t *testing.T) {
	if _, err := NewClient("  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
