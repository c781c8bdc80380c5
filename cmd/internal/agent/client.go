package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"voicegate/cmd/internal/conversation"
)

// ErrRejected is returned when the server refuses an access token.
var ErrRejected = errors.New("agent: access token rejected")

// StatusError is a non-OK reply from the server.
type StatusError struct {
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent: %s returned %d: %s", e.Path, e.Status, e.Message)
}

// Redemption is the server's answer to a token redemption.
type Redemption struct {
	Valid      bool   `json:"valid"`
	Message    string `json:"message"`
	SessionID  string `json:"sessionId"`
	UsageCount int    `json:"usageCount"`
}

type Voice struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Client talks to the voicegate HTTP API. The session cookie set on redemption is kept in a jar and sent
// on every later request.
type Client struct {
	base string
	hc   *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient replaces the transport. The client's jar is kept when the given client has none.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc == nil {
			return
		}
		if hc.Jar == nil {
			hc.Jar = c.hc.Jar
		}
		c.hc = hc
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("agent: server url is required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{base: base, hc: &http.Client{Jar: jar, Timeout: 60 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Redeem presents an access token. A refused token yields ErrRejected wrapped with the server message.
func (c *Client) Redeem(ctx context.Context, token string) (Redemption, error) {
	var out Redemption
	if err := c.postJSON(ctx, "/api/tokens/redeem", map[string]string{"token": token}, &out); err != nil {
		return Redemption{}, err
	}
	if !out.Valid {
		return out, fmt.Errorf("%w: %s", ErrRejected, out.Message)
	}
	return out, nil
}

func (c *Client) Chat(ctx context.Context, message string) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/chat", map[string]string{"message": message}, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// Speak returns MP3 audio. A 500 from the server means synthesis is unavailable and maps to
// conversation.ErrSpeechUnavailable.
func (c *Client) Speak(ctx context.Context, text, voiceID string) ([]byte, error) {
	body := map[string]string{"text": text}
	if voiceID != "" {
		body["voiceId"] = voiceID
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/text-to-speech", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := readStatusError("/api/text-to-speech", resp)
		if resp.StatusCode == http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: %w", conversation.ErrSpeechUnavailable, serr)
		}
		return nil, serr
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/voices", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError("/api/voices", resp)
	}
	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agent: decode voices: %w", err)
	}
	return out.Voices, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readStatusError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.hc.Do(req)
}

// readStatusError understands both error shapes the server uses.
func readStatusError(path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(raw))

	var flat struct {
		Error string `json:"error"`
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.Error != "" {
		msg = flat.Error
	} else if json.Unmarshal(raw, &nested) == nil && nested.Error.Message != "" {
		msg = nested.Error.Message
	}
	return &StatusError{Path: path, Status: resp.StatusCode, Message: msg}
}

// Backends adapts the client to the orchestrator.
type Backends struct {
	Client *Client
}

func (b Backends) Chat(ctx context.Context, message string) (string, error) {
	return b.Client.Chat(ctx, message)
}

func (b Backends) Speak(ctx context.Context, text, voiceID string) ([]byte, error) {
	return b.Client.Speak(ctx, text, voiceID)
}
