package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"voicegate/cmd/internal/speech"
)

// Call states, derived in this order of precedence.
const (
	StateIdle       = "idle"
	StateSpeaking   = "speaking"
	StateProcessing = "processing"
	StateListening  = "listening"
	StateWaiting    = "waiting"
)

const (
	MsgProcessFailed = "Failed to process your message. Please try again."
	MsgSpeechFailed  = "Failed to generate speech. Audio response will be disabled."

	PreviewText = "Hello! This is a preview of my voice. How does it sound?"

	DefaultResumeDelay = 500 * time.Millisecond
	DefaultVoiceID     = "21m00Tcm4TlvDq8ikWAM"
)

// State is what a UI needs to render the call.
type State struct {
	CallState     string  `json:"callState"`
	InCall        bool    `json:"inCall"`
	Listening     bool    `json:"listening"`
	Processing    bool    `json:"processing"`
	AudioPlaying  bool    `json:"audioPlaying"`
	Muted         bool    `json:"muted"`
	VoiceID       string  `json:"voiceId"`
	Volume        float64 `json:"volume"`
	SpeechEnabled bool    `json:"speechEnabled"`
	Transcript    string  `json:"transcript,omitempty"`
	Interim       string  `json:"interim,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Orchestrator owns one call. It is safe for concurrent use; callbacks run without its lock held.
type Orchestrator struct {
	log         *slog.Logger
	capture     *speech.Capture
	chat        ChatBackend
	tts         SpeechBackend
	player      Player
	after       speech.AfterFunc
	resumeDelay time.Duration
	captureOpts []speech.Option

	onState  func(State)
	onReply  func(string)
	onCommit func(string)

	mu            sync.Mutex
	callCtx       context.Context
	cancel        context.CancelFunc
	inCall        bool
	listening     bool
	processing    bool
	playing       bool
	muted         bool
	voiceID       string
	volume        float64
	speechEnabled bool
	transcript    string
	interim       string
	errMsg        string
	resume        speech.Timer
	resumeSeq     uint64
	closed        bool
}

type Option func(*Orchestrator)

func WithVoice(id string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(id) != "" {
			o.voiceID = id
		}
	}
}

func WithMuted(m bool) Option {
	return func(o *Orchestrator) { o.muted = m }
}

func WithResumeDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.resumeDelay = d
		}
	}
}

// WithAfterFunc sets the scheduler for both the orchestrator and its capture.
func WithAfterFunc(f speech.AfterFunc) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.after = f
		}
	}
}

// WithCaptureOptions passes extra options to the speech capture.
func WithCaptureOptions(opts ...speech.Option) Option {
	return func(o *Orchestrator) { o.captureOpts = append(o.captureOpts, opts...) }
}

// OnState receives every state change.
func OnState(f func(State)) Option {
	return func(o *Orchestrator) { o.onState = f }
}

// OnReply receives reply text before it is synthesized.
func OnReply(f func(string)) Option {
	return func(o *Orchestrator) { o.onReply = f }
}

// OnCommit receives each committed utterance before it goes to the chat backend.
func OnCommit(f func(string)) Option {
	return func(o *Orchestrator) { o.onCommit = f }
}

func New(log *slog.Logger, capability speech.Capability, chat ChatBackend, tts SpeechBackend, player Player, opts ...Option) (*Orchestrator, error) {
	if chat == nil || tts == nil || player == nil {
		return nil, errors.New("conversation: chat, tts and player are required")
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		log:           log,
		chat:          chat,
		tts:           tts,
		player:        player,
		after:         speech.RealAfterFunc,
		resumeDelay:   DefaultResumeDelay,
		voiceID:       DefaultVoiceID,
		volume:        1,
		speechEnabled: true,
		callCtx:       context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}

	copts := append([]speech.Option{speech.WithLogger(log), speech.WithAfterFunc(o.after)}, o.captureOpts...)
	copts = append(copts,
		speech.OnCommit(o.handleCommit),
		speech.OnFinal(o.handleFinal),
		speech.OnError(o.handleCaptureError),
		speech.OnChange(o.handleCapture),
	)
	o.capture = speech.NewCapture(capability, copts...)

	player.SetVolume(o.volume)
	player.OnEnd(o.handlePlaybackEnd)
	return o, nil
}

// Capture exposes the underlying capture state machine.
func (o *Orchestrator) Capture() *speech.Capture { return o.capture }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Orchestrator) CallState() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callStateLocked()
}

func (o *Orchestrator) callStateLocked() string {
	switch {
	case !o.inCall:
		return StateIdle
	case o.playing:
		return StateSpeaking
	case o.processing:
		return StateProcessing
	case o.listening:
		return StateListening
	default:
		return StateWaiting
	}
}

func (o *Orchestrator) stateLocked() State {
	return State{
		CallState:     o.callStateLocked(),
		InCall:        o.inCall,
		Listening:     o.listening,
		Processing:    o.processing,
		AudioPlaying:  o.playing,
		Muted:         o.muted,
		VoiceID:       o.voiceID,
		Volume:        o.volume,
		SpeechEnabled: o.speechEnabled,
		Transcript:    o.transcript,
		Interim:       o.interim,
		Error:         o.errMsg,
	}
}

// ToggleCall enters or leaves the call. Entering starts capture; leaving tears down capture, timers
// and playback. ctx bounds the call's backend requests.
func (o *Orchestrator) ToggleCall(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	if o.inCall {
		o.inCall = false
		o.cancel()
		o.stopResumeLocked()
		o.transcript = ""
		o.errMsg = ""
		o.playing = false
		st := o.stateLocked()
		o.mu.Unlock()

		o.capture.StopListening()
		o.player.Stop()
		o.log.Info("call.end")
		o.emit(st)
		return
	}

	o.inCall = true
	o.errMsg = ""
	o.callCtx, o.cancel = context.WithCancel(ctx)
	st := o.stateLocked()
	o.mu.Unlock()

	o.log.Info("call.start")
	o.emit(st)
	o.maybeAutoStart()
}

func (o *Orchestrator) InCall() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inCall
}

// maybeAutoStart starts capture when in a call and nothing else owns the turn.
func (o *Orchestrator) maybeAutoStart() {
	o.mu.Lock()
	ok := o.inCall && !o.closed && !o.listening && !o.processing && !o.playing
	ctx := o.callCtx
	o.mu.Unlock()

	if ok {
		o.capture.StartListening(ctx)
	}
}

// ProcessUserMessage sends text to the chat backend and speaks the reply unless muted.
// Failures are reported through the state; capture becomes eligible again afterwards.
func (o *Orchestrator) ProcessUserMessage(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	o.mu.Lock()
	o.processing = true
	o.errMsg = ""
	speak := !o.muted && o.speechEnabled
	voice := o.voiceID
	st := o.stateLocked()
	o.mu.Unlock()
	o.emit(st)

	o.capture.StopListening()

	reply, err := o.chat.Chat(ctx, text)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Warn("call.chat.fail", "err", err)
		}
		o.finishProcessing(ctx, MsgProcessFailed)
		return
	}
	if o.onReply != nil {
		o.onReply(reply)
	}

	if speak && ctx.Err() == nil {
		o.mu.Lock()
		o.playing = true
		st := o.stateLocked()
		o.mu.Unlock()
		o.emit(st)

		_ = o.speak(ctx, reply, voice)
	}
	o.finishProcessing(ctx, "")
}

func (o *Orchestrator) finishProcessing(ctx context.Context, errMsg string) {
	o.mu.Lock()
	o.processing = false
	o.transcript = ""
	if errMsg != "" && ctx.Err() == nil {
		o.errMsg = errMsg
	}
	st := o.stateLocked()
	o.mu.Unlock()

	o.emit(st)
	o.maybeAutoStart()
}

// speak synthesizes and starts playback. On failure the playing flag is cleared and the error surfaced.
func (o *Orchestrator) speak(ctx context.Context, text, voice string) error {
	audio, err := o.tts.Speak(ctx, text, voice)
	if err == nil && ctx.Err() == nil {
		err = o.player.Play(ctx, audio)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		return nil
	}

	o.mu.Lock()
	o.playing = false
	if ctx.Err() == nil {
		if errors.Is(err, ErrSpeechUnavailable) {
			o.speechEnabled = false
		}
		o.errMsg = MsgSpeechFailed
	}
	st := o.stateLocked()
	o.mu.Unlock()

	if ctx.Err() == nil {
		o.log.Warn("call.tts.fail", "err", err)
	}
	o.emit(st)
	return err
}

// PreviewVoice speaks a fixed sample with the selected voice.
func (o *Orchestrator) PreviewVoice(ctx context.Context) error {
	o.mu.Lock()
	enabled := o.speechEnabled
	voice := o.voiceID
	o.mu.Unlock()

	if !enabled {
		return ErrSpeechUnavailable
	}
	return o.speak(ctx, PreviewText, voice)
}

func (o *Orchestrator) SetMuted(m bool) {
	o.mu.Lock()
	o.muted = m
	st := o.stateLocked()
	o.mu.Unlock()
	o.emit(st)
}

func (o *Orchestrator) SelectVoice(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	o.mu.Lock()
	o.voiceID = id
	st := o.stateLocked()
	o.mu.Unlock()
	o.emit(st)
}

func (o *Orchestrator) SetVolume(v float64) {
	v = ClampVolume(v)
	o.mu.Lock()
	o.volume = v
	st := o.stateLocked()
	o.mu.Unlock()

	o.player.SetVolume(v)
	o.emit(st)
}

// DisableSpeech turns synthesis off, e.g. after the voice list reported an unconfigured backend.
func (o *Orchestrator) DisableSpeech(reason string) {
	o.mu.Lock()
	o.speechEnabled = false
	if reason != "" {
		o.errMsg = reason
	}
	st := o.stateLocked()
	o.mu.Unlock()
	o.emit(st)
}

// Close ends the call and releases the capture.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.cancel != nil {
		o.cancel()
	}
	o.stopResumeLocked()
	o.mu.Unlock()

	o.capture.Close()
	o.player.Stop()
}

func (o *Orchestrator) stopResumeLocked() {
	if o.resume != nil {
		o.resume.Stop()
		o.resume = nil
	}
	o.resumeSeq++
}

func (o *Orchestrator) handlePlaybackEnd() {
	o.mu.Lock()
	o.playing = false
	o.stopResumeLocked()
	if o.inCall && !o.listening && !o.closed {
		seq := o.resumeSeq
		o.resume = o.after(o.resumeDelay, func() { o.fireResume(seq) })
	}
	st := o.stateLocked()
	o.mu.Unlock()
	o.emit(st)
}

func (o *Orchestrator) fireResume(seq uint64) {
	o.mu.Lock()
	if seq != o.resumeSeq {
		o.mu.Unlock()
		return
	}
	o.resume = nil
	ok := o.inCall && !o.listening && !o.closed
	ctx := o.callCtx
	o.mu.Unlock()

	if ok {
		o.capture.StartListening(ctx)
	}
}

func (o *Orchestrator) handleCommit(text string) {
	o.mu.Lock()
	ctx := o.callCtx
	o.mu.Unlock()

	if o.onCommit != nil {
		o.onCommit(text)
	}
	o.ProcessUserMessage(ctx, text)
}

func (o *Orchestrator) handleFinal(text string) {
	o.mu.Lock()
	o.transcript = text
	st := o.stateLocked()
	o.mu.Unlock()
	o.emit(st)
}

func (o *Orchestrator) handleCaptureError(msg string) {
	o.mu.Lock()
	o.errMsg = msg
	st := o.stateLocked()
	o.mu.Unlock()
	o.emit(st)
}

// handleCapture mirrors the capture state. A clean stop hands the turn back to auto-start; a stop
// caused by a recognizer error does not, since capture restarts itself for transient errors.
func (o *Orchestrator) handleCapture(s speech.Snapshot) {
	o.mu.Lock()
	stopped := o.listening && !s.Listening && s.Error == ""
	o.listening = s.Listening
	o.interim = s.Interim
	if s.Error != "" {
		o.errMsg = s.Error
	}
	st := o.stateLocked()
	o.mu.Unlock()

	o.emit(st)
	if stopped {
		o.maybeAutoStart()
	}
}

func (o *Orchestrator) emit(st State) {
	if o.onState != nil {
		o.onState(st)
	}
}
