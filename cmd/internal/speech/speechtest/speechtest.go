// Package speechtest provides a manual clock and a scripted recognizer platform for tests.
package speechtest

import (
	"context"
	"sync"
	"time"

	"voicegate/cmd/internal/speech"
)

// Clock is a manual scheduler. Timers fire only from Advance.
type Clock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*timer
}

type timer struct {
	c       *Clock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// AfterFunc satisfies speech.AfterFunc.
func (c *Clock) AfterFunc(d time.Duration, f func()) speech.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{c: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers in deadline order on the calling goroutine.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	for {
		var next *timer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Pending counts timers that have neither fired nor been stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Platform records every recognizer it creates.
type Platform struct {
	// AutoStart makes Start report OnStart immediately.
	AutoStart bool

	mu        sync.Mutex
	micErr    error
	createErr error
	recs      []*Recognizer
	micCalls  int
}

func NewPlatform() *Platform { return &Platform{AutoStart: true} }

func (p *Platform) Capability() speech.Capability {
	return speech.Available(p.newRecognizer, p.mic)
}

func (p *Platform) SetMicError(err error) {
	p.mu.Lock()
	p.micErr = err
	p.mu.Unlock()
}

func (p *Platform) SetCreateError(err error) {
	p.mu.Lock()
	p.createErr = err
	p.mu.Unlock()
}

func (p *Platform) MicCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.micCalls
}

func (p *Platform) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recs)
}

// Last returns the most recently created recognizer, or nil.
func (p *Platform) Last() *Recognizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recs) == 0 {
		return nil
	}
	return p.recs[len(p.recs)-1]
}

func (p *Platform) mic(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.micCalls++
	return p.micErr
}

func (p *Platform) newRecognizer(cfg speech.RecognizerConfig, h speech.Handlers) (speech.Recognizer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	r := &Recognizer{Config: cfg, h: h, autoStart: p.AutoStart}
	p.recs = append(p.recs, r)
	return r, nil
}

// Recognizer is a scripted speech.Recognizer.
type Recognizer struct {
	Config speech.RecognizerConfig

	h         speech.Handlers
	autoStart bool

	mu     sync.Mutex
	starts int
	stops  int
}

func (r *Recognizer) Start() error {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	if r.autoStart {
		r.Started()
	}
	return nil
}

func (r *Recognizer) Stop() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *Recognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *Recognizer) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *Recognizer) Started() { r.h.OnStart() }

func (r *Recognizer) Ended() { r.h.OnEnd() }

func (r *Recognizer) Error(code string) { r.h.OnError(code) }

func (r *Recognizer) Results(idx int, rs ...speech.Result) { r.h.OnResult(rs, idx) }

// Final reports a single final segment.
func (r *Recognizer) Final(text string) {
	r.Results(0, speech.Result{Transcript: text, IsFinal: true})
}

// Interim reports a single partial segment.
func (r *Recognizer) Interim(text string) {
	r.Results(0, speech.Result{Transcript: text})
}
