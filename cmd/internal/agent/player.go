package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"voicegate/cmd/internal/conversation"
	"voicegate/cmd/internal/speech"
)

// Decoded PCM from go-mp3 is 16-bit stereo.
const bytesPerFrame = 4

var ErrUnknownLength = errors.New("agent: mp3 length unknown")

// MP3Duration decodes the stream header and returns the playback length.
func MP3Duration(audio []byte) (time.Duration, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(audio))
	if err != nil {
		return 0, err
	}
	n := dec.Length()
	rate := dec.SampleRate()
	if n < 0 || rate <= 0 {
		return 0, ErrUnknownLength
	}
	return time.Duration(n/bytesPerFrame) * time.Second / time.Duration(rate), nil
}

// HeadlessPlayer plays nothing; it keeps time so the call flow behaves as if audio were heard.
type HeadlessPlayer struct {
	log      *slog.Logger
	after    speech.AfterFunc
	now      func() time.Time
	duration func([]byte) (time.Duration, error)

	mu        sync.Mutex
	timer     speech.Timer
	seq       uint64
	deadline  time.Time
	remaining time.Duration
	paused    bool
	volume    float64
	ends      []func()
}

type PlayerOption func(*HeadlessPlayer)

func WithPlayerClock(after speech.AfterFunc, now func() time.Time) PlayerOption {
	return func(p *HeadlessPlayer) {
		if after != nil {
			p.after = after
		}
		if now != nil {
			p.now = now
		}
	}
}

// WithDuration replaces the MP3 decoder used to time clips.
func WithDuration(f func([]byte) (time.Duration, error)) PlayerOption {
	return func(p *HeadlessPlayer) {
		if f != nil {
			p.duration = f
		}
	}
}

func NewHeadlessPlayer(log *slog.Logger, opts ...PlayerOption) *HeadlessPlayer {
	if log == nil {
		log = slog.Default()
	}
	p := &HeadlessPlayer{
		log:      log,
		after:    speech.RealAfterFunc,
		now:      time.Now,
		duration: MP3Duration,
		volume:   1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play replaces whatever is playing. The end callbacks fire once the clip's length has elapsed.
func (p *HeadlessPlayer) Play(_ context.Context, audio []byte) error {
	d, err := p.duration(audio)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.stopLocked()
	p.paused = false
	p.scheduleLocked(d)
	vol := p.volume
	p.mu.Unlock()

	p.log.Debug("player.play", "duration", d, "volume", vol)
	return nil
}

func (p *HeadlessPlayer) Stop() {
	p.mu.Lock()
	p.stopLocked()
	p.paused = false
	p.mu.Unlock()
}

func (p *HeadlessPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer == nil || p.paused {
		return
	}
	p.remaining = p.deadline.Sub(p.now())
	if p.remaining < 0 {
		p.remaining = 0
	}
	p.stopLocked()
	p.paused = true
}

func (p *HeadlessPlayer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	p.scheduleLocked(p.remaining)
}

func (p *HeadlessPlayer) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = conversation.ClampVolume(v)
	p.mu.Unlock()
}

func (p *HeadlessPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *HeadlessPlayer) OnEnd(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.ends = append(p.ends, fn)
	p.mu.Unlock()
}

// Playing reports whether a clip is running or paused.
func (p *HeadlessPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil || p.paused
}

func (p *HeadlessPlayer) scheduleLocked(d time.Duration) {
	p.seq++
	seq := p.seq
	p.deadline = p.now().Add(d)
	p.timer = p.after(d, func() { p.fire(seq) })
}

func (p *HeadlessPlayer) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.seq++
}

func (p *HeadlessPlayer) fire(seq uint64) {
	p.mu.Lock()
	if seq != p.seq {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	fns := append([]func(){}, p.ends...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
