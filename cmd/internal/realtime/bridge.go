package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"voicegate/cmd/ids"
	"voicegate/cmd/internal/conversation"
	"voicegate/cmd/internal/speech"
	v1 "voicegate/shared/contracts/voice/v1"
)

var errSendFailed = errors.New("realtime: client send queue unavailable")

// emitter wraps outbound envelopes.
type emitter struct {
	log    *slog.Logger
	client *Client
	now    func() time.Time
}

func (e *emitter) build(typ string, payload any) (v1.Envelope, bool) {
	now := e.now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		e.log.Error("ws.envelope.id.fail", "err", err)
		return v1.Envelope{}, false
	}
	env, err := v1.New(typ, id, now, payload)
	if err != nil {
		e.log.Error("ws.envelope.encode.fail", "type", typ, "err", err)
		return v1.Envelope{}, false
	}
	return env, true
}

func (e *emitter) send(typ string, payload any) bool {
	env, ok := e.build(typ, payload)
	if !ok {
		return false
	}
	if !e.client.Enqueue(env) {
		e.log.Warn("ws.send.drop", "conn_id", e.client.ConnID, "type", typ)
		return false
	}
	return true
}

func (e *emitter) sendError(code, msg string) {
	_ = e.send(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// wsPlatform is a speech.Capability backed by the browser at the other end of the socket.
// Microphone permission is requested by the browser itself when it starts recognizing.
type wsPlatform struct {
	out *emitter

	mu      sync.Mutex
	seq     uint64
	current *wsRecognizer
}

func (p *wsPlatform) capability() speech.Capability {
	return speech.Available(p.newRecognizer, nil)
}

func (p *wsPlatform) newRecognizer(cfg speech.RecognizerConfig, h speech.Handlers) (speech.Recognizer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	r := &wsRecognizer{out: p.out, id: "r" + strconv.FormatUint(p.seq, 10), cfg: cfg, h: h}
	p.current = r
	return r, nil
}

// route returns the handlers of the live recognizer. Events naming an older instance are dropped.
func (p *wsPlatform) route(instance string) (speech.Handlers, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return speech.Handlers{}, false
	}
	if instance != "" && instance != p.current.id {
		return speech.Handlers{}, false
	}
	return p.current.h, true
}

type wsRecognizer struct {
	out *emitter
	id  string
	cfg speech.RecognizerConfig
	h   speech.Handlers
}

func (r *wsRecognizer) Start() error {
	ok := r.out.send(v1.TypeRecognizerStart, v1.RecognizerStartPayload{
		Instance:       r.id,
		Continuous:     r.cfg.Continuous,
		InterimResults: r.cfg.InterimResults,
		Lang:           r.cfg.Language,
	})
	if !ok {
		return errSendFailed
	}
	return nil
}

func (r *wsRecognizer) Stop() {
	_ = r.out.send(v1.TypeRecognizerStop, v1.RecognizerStopPayload{Instance: r.id})
}

// wsPlayer plays audio in the browser. Playback end arrives as a playback.ended envelope.
type wsPlayer struct {
	out *emitter

	mu      sync.Mutex
	playing bool
	ends    []func()
}

func (p *wsPlayer) Play(_ context.Context, audio []byte) error {
	if !p.out.send(v1.TypeAudioPlay, v1.AudioPlayPayload{Mime: "audio/mpeg", Data: audio}) {
		return errSendFailed
	}
	p.mu.Lock()
	p.playing = true
	p.mu.Unlock()
	return nil
}

func (p *wsPlayer) Stop() {
	p.mu.Lock()
	was := p.playing
	p.playing = false
	p.mu.Unlock()
	if was {
		_ = p.out.send(v1.TypeAudioStop, nil)
	}
}

func (p *wsPlayer) Pause() { _ = p.out.send(v1.TypeAudioPause, nil) }

func (p *wsPlayer) Resume() { _ = p.out.send(v1.TypeAudioResume, nil) }

func (p *wsPlayer) SetVolume(v float64) {
	_ = p.out.send(v1.TypeAudioVolume, v1.AudioVolumePayload{Volume: conversation.ClampVolume(v)})
}

func (p *wsPlayer) OnEnd(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.ends = append(p.ends, fn)
	p.mu.Unlock()
}

// ended runs the end callbacks once per started clip.
func (p *wsPlayer) ended() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	fns := append([]func(){}, p.ends...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
