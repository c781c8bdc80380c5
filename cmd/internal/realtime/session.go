package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"voicegate/cmd/internal/conversation"
	"voicegate/cmd/internal/speech"
	v1 "voicegate/shared/contracts/voice/v1"
)

// Error codes sent in error envelopes.
const (
	codeBadRequest  = "bad_request"
	codeRateLimited = "rate_limited"
	codePreview     = "preview_failed"
)

var errTranscriptTooLong = errors.New("realtime: transcript too long")

// session binds one connection to one call orchestrator.
type session struct {
	log      *slog.Logger
	out      *emitter
	platform *wsPlatform
	player   *wsPlayer
	orch     *conversation.Orchestrator

	mu          sync.Mutex
	lastInterim string
	previewing  bool
}

type sessionConfig struct {
	chat        conversation.ChatBackend
	tts         conversation.SpeechBackend
	voiceID     string
	quietWindow time.Duration
	resumeDelay time.Duration
	after       speech.AfterFunc
	now         func() time.Time
}

func newSession(log *slog.Logger, client *Client, cfg sessionConfig) (*session, error) {
	if cfg.now == nil {
		cfg.now = time.Now
	}
	out := &emitter{log: log, client: client, now: cfg.now}
	s := &session{
		log:      log,
		out:      out,
		platform: &wsPlatform{out: out},
		player:   &wsPlayer{out: out},
	}

	captureOpts := []speech.Option{}
	if cfg.quietWindow > 0 {
		captureOpts = append(captureOpts, speech.WithQuietWindow(cfg.quietWindow))
	}
	opts := []conversation.Option{
		conversation.WithVoice(cfg.voiceID),
		conversation.WithCaptureOptions(captureOpts...),
		conversation.OnState(s.pushState),
		conversation.OnReply(func(text string) {
			_ = out.send(v1.TypeReplyText, v1.ReplyPayload{Text: text})
		}),
		conversation.OnCommit(func(text string) {
			_ = out.send(v1.TypeTranscriptCommit, v1.TranscriptPayload{Text: text})
		}),
	}
	if cfg.resumeDelay > 0 {
		opts = append(opts, conversation.WithResumeDelay(cfg.resumeDelay))
	}
	if cfg.after != nil {
		opts = append(opts, conversation.WithAfterFunc(cfg.after))
	}

	orch, err := conversation.New(log, s.platform.capability(), cfg.chat, cfg.tts, s.player, opts...)
	if err != nil {
		return nil, err
	}
	s.orch = orch
	return s, nil
}

// start sends the initial state so the client can render before the first toggle.
func (s *session) start() {
	s.pushState(s.orch.State())
}

func (s *session) close() {
	s.orch.Close()
}

func (s *session) pushState(st conversation.State) {
	s.mu.Lock()
	interimChanged := st.Interim != s.lastInterim
	s.lastInterim = st.Interim
	s.mu.Unlock()

	if interimChanged {
		_ = s.out.send(v1.TypeTranscriptInterim, v1.TranscriptPayload{Text: st.Interim})
	}
	_ = s.out.send(v1.TypeState, v1.StatePayload{
		CallState:     st.CallState,
		InCall:        st.InCall,
		Listening:     st.Listening,
		Processing:    st.Processing,
		AudioPlaying:  st.AudioPlaying,
		Muted:         st.Muted,
		VoiceID:       st.VoiceID,
		Volume:        st.Volume,
		SpeechEnabled: st.SpeechEnabled,
		Transcript:    st.Transcript,
		Interim:       st.Interim,
		Error:         st.Error,
	})
}

// handle applies one validated client envelope. ctx lives as long as the connection.
func (s *session) handle(ctx context.Context, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeCallToggle:
		s.orch.ToggleCall(ctx)

	case v1.TypeRecognizerStarted, v1.TypeRecognizerEnded:
		var p v1.RecognizerEventPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		h, ok := s.platform.route(p.Instance)
		if !ok {
			return nil
		}
		if env.Type == v1.TypeRecognizerStarted {
			if h.OnStart != nil {
				h.OnStart()
			}
		} else if h.OnEnd != nil {
			h.OnEnd()
		}

	case v1.TypeRecognizerError:
		var p v1.RecognizerErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if h, ok := s.platform.route(p.Instance); ok && h.OnError != nil {
			h.OnError(p.Code)
		}

	case v1.TypeRecognizerResult:
		var p v1.RecognizerResultPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		results := make([]speech.Result, 0, len(p.Results))
		for _, r := range p.Results {
			if utf8.RuneCountInString(r.Transcript) > maxTranscriptChars {
				return errTranscriptTooLong
			}
			results = append(results, speech.Result{Transcript: r.Transcript, IsFinal: r.IsFinal})
		}
		if p.ResultIndex < 0 || p.ResultIndex > len(results) {
			return fmt.Errorf("realtime: result index %d out of range", p.ResultIndex)
		}
		if h, ok := s.platform.route(p.Instance); ok && h.OnResult != nil {
			h.OnResult(results, p.ResultIndex)
		}

	case v1.TypePlaybackEnded:
		s.player.ended()

	case v1.TypeSettingsUpdate:
		var p v1.SettingsUpdatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.Muted != nil {
			s.orch.SetMuted(*p.Muted)
		}
		if p.VoiceID != nil {
			s.orch.SelectVoice(*p.VoiceID)
		}
		if p.Volume != nil {
			s.orch.SetVolume(*p.Volume)
		}

	case v1.TypeVoicePreview:
		s.preview(ctx)
	}
	return nil
}

// preview runs off the read loop; a second request while one is in flight is ignored.
func (s *session) preview(ctx context.Context) {
	s.mu.Lock()
	if s.previewing {
		s.mu.Unlock()
		return
	}
	s.previewing = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.previewing = false
			s.mu.Unlock()
		}()
		if err := s.orch.PreviewVoice(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("ws.preview.fail", "conn_id", s.out.client.ConnID, "err", err)
			s.out.sendError(codePreview, conversation.MsgSpeechFailed)
		}
	}()
}
