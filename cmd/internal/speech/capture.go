package speech

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultQuietWindow  = 2 * time.Second
	DefaultRestartDelay = 100 * time.Millisecond
	DefaultLanguage     = "en-US"
)

// Snapshot is the observable capture state.
type Snapshot struct {
	Supported  bool   `json:"supported"`
	Listening  bool   `json:"listening"`
	Transcript string `json:"transcript"`
	Interim    string `json:"interim"`
	Error      string `json:"error,omitempty"`
}

// Capture is the continuous listening state machine.
//
// Recognizer events are tagged with the generation that created the recognizer; events from an
// instance that was stopped or replaced are dropped. Callbacks run without the lock held.
type Capture struct {
	log          *slog.Logger
	capability   Capability
	cfg          RecognizerConfig
	quiet        time.Duration
	restartDelay time.Duration
	after        AfterFunc

	onCommit func(text string)
	onFinal  func(text string)
	onError  func(msg string)
	onChange func(Snapshot)

	mu            sync.Mutex
	gen           uint64
	rec           Recognizer
	starting      bool
	listening     bool
	shouldRestart bool
	transcript    string
	interim       string
	errMsg        string
	pending       []string
	silence       Timer
	silenceSeq    uint64
	restart       Timer
	restartSeq    uint64
	closed        bool
}

type Option func(*Capture)

func WithLogger(l *slog.Logger) Option {
	return func(c *Capture) {
		if l != nil {
			c.log = l
		}
	}
}

func WithLanguage(lang string) Option {
	return func(c *Capture) {
		if strings.TrimSpace(lang) != "" {
			c.cfg.Language = lang
		}
	}
}

// WithContinuous controls auto-restart when the recognizer ends on its own. On by default.
func WithContinuous(on bool) Option {
	return func(c *Capture) { c.cfg.Continuous = on }
}

func WithInterimResults(on bool) Option {
	return func(c *Capture) { c.cfg.InterimResults = on }
}

// WithQuietWindow sets how long after the last final result the accumulated text is committed.
func WithQuietWindow(d time.Duration) Option {
	return func(c *Capture) {
		if d > 0 {
			c.quiet = d
		}
	}
}

func WithRestartDelay(d time.Duration) Option {
	return func(c *Capture) {
		if d > 0 {
			c.restartDelay = d
		}
	}
}

func WithAfterFunc(f AfterFunc) Option {
	return func(c *Capture) {
		if f != nil {
			c.after = f
		}
	}
}

// OnCommit receives the text spoken since the previous commit.
func OnCommit(f func(text string)) Option {
	return func(c *Capture) { c.onCommit = f }
}

// OnFinal receives each final segment as it arrives.
func OnFinal(f func(text string)) Option {
	return func(c *Capture) { c.onFinal = f }
}

// OnError receives user-facing recognizer errors.
func OnError(f func(msg string)) Option {
	return func(c *Capture) { c.onError = f }
}

// OnChange receives a snapshot after every state change.
func OnChange(f func(Snapshot)) Option {
	return func(c *Capture) { c.onChange = f }
}

func NewCapture(capability Capability, opts ...Option) *Capture {
	if capability == nil {
		capability = Unavailable()
	}
	c := &Capture{
		log:        slog.Default(),
		capability: capability,
		cfg: RecognizerConfig{
			Continuous:     true,
			InterimResults: true,
			Language:       DefaultLanguage,
		},
		quiet:        DefaultQuietWindow,
		restartDelay: DefaultRestartDelay,
		after:        RealAfterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	if !capability.Supported() {
		c.errMsg = MsgUnsupported
	}
	return c
}

func (c *Capture) Supported() bool { return c.capability.Supported() }

func (c *Capture) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Capture) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Capture) snapshotLocked() Snapshot {
	return Snapshot{
		Supported:  c.capability.Supported(),
		Listening:  c.listening,
		Transcript: c.transcript,
		Interim:    c.interim,
		Error:      c.errMsg,
	}
}

// StartListening acquires the microphone and starts a fresh recognizer.
// It is a no-op while listening, while a start or restart is in flight, or after Close.
func (c *Capture) StartListening(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.capability.Supported() {
		c.errMsg = MsgUnsupported
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return
	}
	if c.listening || c.starting || c.restart != nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	g := c.gen
	c.starting = true
	c.mu.Unlock()

	if err := c.capability.RequestMicrophone(ctx); err != nil {
		c.log.Warn("speech.microphone.fail", "err", err)
		c.failStart(g, MsgMicrophoneFailed)
		return
	}

	rec, err := c.capability.NewRecognizer(c.cfg, c.handlersFor(g))
	if err != nil || rec == nil {
		c.log.Warn("speech.recognizer.create.fail", "err", err)
		c.failStart(g, MsgCreateFailed)
		return
	}

	c.mu.Lock()
	if c.gen != g || c.closed {
		c.mu.Unlock()
		rec.Stop()
		return
	}
	old := c.rec
	c.rec = rec
	c.shouldRestart = true
	c.transcript = ""
	c.interim = ""
	c.errMsg = ""
	c.stopRestartLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	c.emit(snap)

	if err := rec.Start(); err != nil {
		c.log.Warn("speech.recognizer.start.fail", "err", err)
		c.failStart(g, MsgMicrophoneFailed)
		return
	}
	c.log.Debug("speech.start", "lang", c.cfg.Language)
}

func (c *Capture) failStart(g uint64, msg string) {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	c.starting = false
	c.listening = false
	c.errMsg = msg
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

// StopListening drops the restart intent, cancels pending timers and stops the live recognizer.
// Final text not yet committed is discarded.
func (c *Capture) StopListening() {
	c.mu.Lock()
	rec, snap, changed := c.stopLocked()
	c.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
	if changed {
		c.log.Debug("speech.stop")
		c.emit(snap)
	}
}

func (c *Capture) stopLocked() (Recognizer, Snapshot, bool) {
	changed := c.rec != nil || c.listening || c.starting || c.shouldRestart
	c.shouldRestart = false
	c.stopRestartLocked()
	c.stopSilenceLocked()
	c.pending = nil
	c.gen++
	rec := c.rec
	c.rec = nil
	c.listening = false
	c.starting = false
	return rec, c.snapshotLocked(), changed
}

// Toggle stops when listening and starts otherwise.
func (c *Capture) Toggle(ctx context.Context) {
	if c.Listening() {
		c.StopListening()
		return
	}
	c.StartListening(ctx)
}

// Close stops capture for good.
func (c *Capture) Close() {
	c.mu.Lock()
	c.closed = true
	rec, _, _ := c.stopLocked()
	c.mu.Unlock()
	if rec != nil {
		rec.Stop()
	}
}

func (c *Capture) stopRestartLocked() {
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
	c.restartSeq++
}

func (c *Capture) stopSilenceLocked() {
	if c.silence != nil {
		c.silence.Stop()
		c.silence = nil
	}
	c.silenceSeq++
}

func (c *Capture) handlersFor(g uint64) Handlers {
	return Handlers{
		OnStart:  func() { c.handleStart(g) },
		OnEnd:    func() { c.handleEnd(g) },
		OnError:  func(code string) { c.handleError(g, code) },
		OnResult: func(rs []Result, idx int) { c.handleResult(g, rs, idx) },
	}
}

func (c *Capture) handleStart(g uint64) {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	c.listening = true
	c.starting = false
	c.errMsg = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Capture) handleEnd(g uint64) {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	c.listening = false
	c.starting = false
	if c.shouldRestart && c.cfg.Continuous && !c.closed {
		c.stopRestartLocked()
		seq := c.restartSeq
		c.restart = c.after(c.restartDelay, func() { c.fireRestart(g, seq) })
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Capture) fireRestart(g, seq uint64) {
	c.mu.Lock()
	if c.gen != g || c.restartSeq != seq {
		c.mu.Unlock()
		return
	}
	c.restart = nil
	rec := c.rec
	if !c.shouldRestart || rec == nil {
		c.mu.Unlock()
		return
	}
	c.starting = true
	c.mu.Unlock()

	c.log.Debug("speech.restart")
	if err := rec.Start(); err != nil {
		c.log.Warn("speech.restart.fail", "err", err)
		c.mu.Lock()
		if c.gen == g {
			c.starting = false
		}
		c.mu.Unlock()
	}
}

func (c *Capture) handleError(g uint64, code string) {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	if code == CodeNoSpeech && c.cfg.Continuous && c.shouldRestart {
		c.mu.Unlock()
		return
	}
	if code == CodeNotAllowed {
		c.shouldRestart = false
	}
	msg := ErrorMessage(code)
	if msg == "" {
		c.mu.Unlock()
		return
	}
	c.errMsg = msg
	c.listening = false
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Warn("speech.recognizer.error", "code", code)
	c.emit(snap)
	if c.onError != nil {
		c.onError(msg)
	}
}

func (c *Capture) handleResult(g uint64, results []Result, idx int) {
	if idx < 0 {
		idx = 0
	}
	var final, interim strings.Builder
	for i := idx; i < len(results); i++ {
		if results[i].IsFinal {
			final.WriteString(results[i].Transcript)
		} else {
			interim.WriteString(results[i].Transcript)
		}
	}

	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	finalText := final.String()
	if finalText != "" {
		c.transcript = finalText
		if seg := strings.TrimSpace(finalText); seg != "" {
			c.pending = append(c.pending, seg)
			c.stopSilenceLocked()
			seq := c.silenceSeq
			c.silence = c.after(c.quiet, func() { c.fireSilence(seq) })
		}
	}
	c.interim = interim.String()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
	if finalText != "" && strings.TrimSpace(finalText) != "" && c.onFinal != nil {
		c.onFinal(finalText)
	}
}

func (c *Capture) fireSilence(seq uint64) {
	c.mu.Lock()
	if c.silenceSeq != seq {
		c.mu.Unlock()
		return
	}
	c.silence = nil
	text := strings.Join(c.pending, " ")
	c.pending = nil
	c.mu.Unlock()

	if text == "" {
		return
	}
	c.log.Debug("speech.commit", "chars", len(text))
	if c.onCommit != nil {
		c.onCommit(text)
	}
}

func (c *Capture) emit(s Snapshot) {
	if c.onChange != nil {
		c.onChange(s)
	}
}
