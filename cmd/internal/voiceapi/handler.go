package voiceapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"voicegate/cmd/internal/chat"
	"voicegate/cmd/internal/elevenlabs"
)

const (
	MsgMessageRequired = "Message is required and must be a string"
	MsgTextRequired    = "Text is required and must be a string"
	MsgNotConfigured   = "ElevenLabs API key not configured"
	MsgSpeechFailed    = "Failed to generate speech"
	MsgVoicesFailed    = "Failed to fetch voices"
	MsgInternal        = "Internal server error"
)

// Synthesis outcomes reported to the Observer.
const (
	OutcomeOK            = "ok"
	OutcomeNotConfigured = "not_configured"
	OutcomeUpstream      = "upstream_error"
	OutcomeError         = "error"
)

// Chatter produces a reply and names its source.
type Chatter interface {
	Respond(ctx context.Context, message string) (string, string)
}

// Synthesizer is the speech backend.
type Synthesizer interface {
	Configured() bool
	Synthesize(ctx context.Context, text, voiceID, modelID string) ([]byte, error)
	Voices(ctx context.Context) ([]elevenlabs.Voice, error)
}

type Observer interface {
	Synthesis(outcome string)
}

type nopObserver struct{}

func (nopObserver) Synthesis(string) {}

type Handler struct {
	log     *slog.Logger
	chat    Chatter
	tts     Synthesizer
	obs     Observer
	maxBody int64
}

type Option func(*Handler)

func WithObserver(o Observer) Option {
	return func(h *Handler) {
		if o != nil {
			h.obs = o
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

func NewHandler(log *slog.Logger, c Chatter, tts Synthesizer, opts ...Option) (*Handler, error) {
	if c == nil || tts == nil {
		return nil, errors.New("voiceapi: chat and tts are required")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, chat: c, tts: tts, obs: nopObserver{}, maxBody: 64 << 10}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/chat", h.handleChat)
	mux.HandleFunc("/api/text-to-speech", h.handleSpeech)
	mux.HandleFunc("/api/voices", h.handleVoices)
	mux.HandleFunc("/api/elevenlabs/text-to-speech", h.handleSpeech)
	mux.HandleFunc("/api/elevenlabs/voices", h.handleVoices)
}

type chatResponse struct {
	Response string `json:"response"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Message any `json:"message"`
	}
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.log.Warn("voice.chat.bad_request", "err", err)
		writeError(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	msg, ok := req.Message.(string)
	if !ok || msg == "" {
		writeError(w, http.StatusBadRequest, MsgMessageRequired)
		return
	}

	text, source := h.chat.Respond(r.Context(), msg)
	h.log.Debug("voice.chat.reply", "source", source, "chars", len(text))
	writeJSON(w, http.StatusOK, chatResponse{Response: text})
}

func (h *Handler) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Text    any    `json:"text"`
		VoiceID string `json:"voiceId"`
		ModelID string `json:"modelId"`
	}
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.log.Warn("voice.tts.bad_request", "err", err)
		writeError(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	text, ok := req.Text.(string)
	if !ok || text == "" {
		writeError(w, http.StatusBadRequest, MsgTextRequired)
		return
	}
	if !h.tts.Configured() {
		h.obs.Synthesis(OutcomeNotConfigured)
		writeError(w, http.StatusInternalServerError, MsgNotConfigured)
		return
	}

	audio, err := h.tts.Synthesize(r.Context(), text, req.VoiceID, req.ModelID)
	if err != nil {
		if status := elevenlabs.StatusOf(err); status != 0 {
			h.obs.Synthesis(OutcomeUpstream)
			h.log.Warn("voice.tts.upstream", "status", status)
			writeError(w, status, MsgSpeechFailed)
			return
		}
		h.obs.Synthesis(OutcomeError)
		h.log.Error("voice.tts.fail", "err", err)
		writeError(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	h.obs.Synthesis(OutcomeOK)
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

type voicesResponse struct {
	Voices []elevenlabs.Voice `json:"voices"`
}

func (h *Handler) handleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !h.tts.Configured() {
		writeError(w, http.StatusInternalServerError, MsgNotConfigured)
		return
	}

	voices, err := h.tts.Voices(r.Context())
	if err != nil {
		if status := elevenlabs.StatusOf(err); status != 0 {
			h.log.Warn("voice.voices.upstream", "status", status)
			writeError(w, status, MsgVoicesFailed)
			return
		}
		h.log.Error("voice.voices.fail", "err", err)
		writeError(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, voicesResponse{Voices: voices})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON tolerates unknown fields; browser clients send extra keys.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

var _ Chatter = (*chat.Service)(nil)
var _ Synthesizer = (*elevenlabs.Client)(nil)
