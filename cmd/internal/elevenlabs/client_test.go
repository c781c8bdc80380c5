package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_NotConfigured(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	if c.Configured() {
		t.Fatalf("client without key must not be configured")
	}
	if _, err := c.Synthesize(context.Background(), "hi", "", ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Synthesize err=%v", err)
	}
	if _, err := c.Voices(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Voices err=%v", err)
	}
}

func TestClient_Synthesize(t *testing.T) {
	t.Parallel()

	var (
		path string
		key  string
		body synthesizeRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("xi-api-key")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3mp3"))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "xi-test", BaseURL: srv.URL + "/v1/"})
	audio, err := c.Synthesize(context.Background(), "Hello there", "", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ID3mp3" {
		t.Fatalf("audio=%q", audio)
	}
	if path != "/v1/text-to-speech/"+DefaultVoiceID {
		t.Fatalf("path=%q", path)
	}
	if key != "xi-test" {
		t.Fatalf("key=%q", key)
	}
	want := voiceSettings{Stability: 0.5, SimilarityBoost: 0.5, Style: 0.5, UseSpeakerBoost: true}
	if body.Text != "Hello there" || body.ModelID != DefaultModelID || body.VoiceSettings != want {
		t.Fatalf("body=%+v", body)
	}
}

func TestClient_SynthesizeUpstreamStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"invalid key"}`)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "bad", BaseURL: srv.URL})
	_, err := c.Synthesize(context.Background(), "x", "voice-1", "model-1")
	if got := StatusOf(err); got != http.StatusUnauthorized {
		t.Fatalf("status=%d err=%v", got, err)
	}
}

func TestClient_Voices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voices" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade",
			"labels":{"accent":"american"},"preview_url":"https://example.com/v1.mp3","settings":null,"extra":1}]}`)
	}))
	defer srv.Close()

	voices, err := New(Config{APIKey: "k", BaseURL: srv.URL}).Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if len(voices) != 1 || voices[0].VoiceID != "v1" || voices[0].Labels["accent"] != "american" {
		t.Fatalf("voices=%+v", voices)
	}
}
