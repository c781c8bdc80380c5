// Package elevenlabs is a minimal client for the ElevenLabs speech synthesis API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io/v1"
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
	DefaultModelID = "eleven_monolingual_v1"

	maxErrorBody = 4 << 10
	maxAudioBody = 32 << 20
)

var ErrNotConfigured = errors.New("elevenlabs: api key not configured")

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("elevenlabs: %s: upstream status %d", e.Op, e.Status)
}

// StatusOf returns the upstream status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

type Config struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	apiKey  string
	voiceID string
	modelID string
	baseURL string
	hc      *http.Client
}

func New(cfg Config) *Client {
	c := &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		voiceID: strings.TrimSpace(cfg.VoiceID),
		modelID: strings.TrimSpace(cfg.ModelID),
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		hc:      cfg.HTTPClient,
	}
	if c.voiceID == "" {
		c.voiceID = DefaultVoiceID
	}
	if c.modelID == "" {
		c.modelID = DefaultModelID
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

func (c *Client) Configured() bool { return c != nil && c.apiKey != "" }

func (c *Client) DefaultVoice() string { return c.voiceID }

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize returns MP3 audio for text. Empty voiceID or modelID use the configured defaults.
func (c *Client) Synthesize(ctx context.Context, text, voiceID, modelID string) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(voiceID) == "" {
		voiceID = c.voiceID
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = c.modelID
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: modelID,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.5,
			Style:           0.5,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/text-to-speech/"+url.PathEscape(voiceID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("text-to-speech", resp)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAudioBody))
}

// Voice is the subset of voice metadata the application exposes.
type Voice struct {
	VoiceID    string            `json:"voice_id"`
	Name       string            `json:"name"`
	Category   string            `json:"category,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	PreviewURL string            `json:"preview_url,omitempty"`
	Settings   json.RawMessage   `json:"settings,omitempty"`
}

func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("voices", resp)
	}

	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}
	if out.Voices == nil {
		out.Voices = []Voice{}
	}
	return out.Voices, nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: string(b)}
}
