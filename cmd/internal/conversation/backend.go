package conversation

import (
	"context"
	"errors"
)

// ErrSpeechUnavailable marks a synthesis backend that is not configured. Speech stays off for the rest
// of the call once it is seen.
var ErrSpeechUnavailable = errors.New("conversation: speech synthesis unavailable")

// ChatBackend turns a user message into reply text.
type ChatBackend interface {
	Chat(ctx context.Context, message string) (string, error)
}

// SpeechBackend synthesizes reply text into MP3 audio.
type SpeechBackend interface {
	Speak(ctx context.Context, text, voiceID string) ([]byte, error)
}

// Player renders synthesized audio. Play returns once playback has begun; callbacks registered with
// OnEnd run when it finishes naturally.
type Player interface {
	Play(ctx context.Context, audio []byte) error
	Stop()
	Pause()
	Resume()
	SetVolume(v float64)
	OnEnd(fn func())
}

// ClampVolume limits v to [0,1].
func ClampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
