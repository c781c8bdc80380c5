package speech

import (
	"context"
	"errors"
)

// Result is one entry of a recognition result list.
type Result struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
}

// Recognizer error codes reported through Handlers.OnError.
const (
	CodeNoSpeech     = "no-speech"
	CodeNotAllowed   = "not-allowed"
	CodeAudioCapture = "audio-capture"
	CodeNetwork      = "network"
	CodeAborted      = "aborted"
)

// Handlers receive events from a single recognizer instance.
type Handlers struct {
	OnStart  func()
	OnEnd    func()
	OnError  func(code string)
	OnResult func(results []Result, resultIndex int)
}

// RecognizerConfig mirrors the knobs of a continuous recognizer.
type RecognizerConfig struct {
	Continuous     bool
	InterimResults bool
	Language       string
}

// Recognizer is one live recognition instance. Start may be called again after the instance has ended.
type Recognizer interface {
	Start() error
	Stop()
}

// Capability is the platform's speech recognition support.
type Capability interface {
	Supported() bool
	RequestMicrophone(ctx context.Context) error
	NewRecognizer(cfg RecognizerConfig, h Handlers) (Recognizer, error)
}

// Factory creates recognizers for an available platform.
type Factory func(cfg RecognizerConfig, h Handlers) (Recognizer, error)

// MicrophoneFunc asks the platform for microphone access.
type MicrophoneFunc func(ctx context.Context) error

var ErrUnsupported = errors.New("speech: recognition not supported")

type available struct {
	factory Factory
	mic     MicrophoneFunc
}

// Available wraps a working recognizer factory. A nil mic always grants access.
func Available(factory Factory, mic MicrophoneFunc) Capability {
	if mic == nil {
		mic = func(context.Context) error { return nil }
	}
	return available{factory: factory, mic: mic}
}

func (a available) Supported() bool { return a.factory != nil }

func (a available) RequestMicrophone(ctx context.Context) error { return a.mic(ctx) }

func (a available) NewRecognizer(cfg RecognizerConfig, h Handlers) (Recognizer, error) {
	if a.factory == nil {
		return nil, ErrUnsupported
	}
	return a.factory(cfg, h)
}

type unavailable struct{}

// Unavailable is the capability of a platform without speech recognition.
func Unavailable() Capability { return unavailable{} }

func (unavailable) Supported() bool { return false }

func (unavailable) RequestMicrophone(context.Context) error { return ErrUnsupported }

func (unavailable) NewRecognizer(RecognizerConfig, Handlers) (Recognizer, error) {
	return nil, ErrUnsupported
}
