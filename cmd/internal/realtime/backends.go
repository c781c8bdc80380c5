package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"voicegate/cmd/internal/chat"
	"voicegate/cmd/internal/conversation"
	"voicegate/cmd/internal/elevenlabs"
	"voicegate/cmd/internal/voiceapi"
)

// ChatBackend answers through the in-process chat service. It never fails.
type ChatBackend struct {
	Service *chat.Service
}

func (b ChatBackend) Chat(ctx context.Context, message string) (string, error) {
	text, _ := b.Service.Respond(ctx, message)
	return text, nil
}

// SpeechBackend synthesizes through ElevenLabs. An unconfigured client and an upstream 500 both
// report conversation.ErrSpeechUnavailable.
type SpeechBackend struct {
	Client   *elevenlabs.Client
	Observer voiceapi.Observer
}

func (b SpeechBackend) Speak(ctx context.Context, text, voiceID string) ([]byte, error) {
	if !b.Client.Configured() {
		b.observe(voiceapi.OutcomeNotConfigured)
		return nil, conversation.ErrSpeechUnavailable
	}
	audio, err := b.Client.Synthesize(ctx, text, voiceID, "")
	switch status := elevenlabs.StatusOf(err); {
	case err == nil:
		b.observe(voiceapi.OutcomeOK)
		return audio, nil
	case status == http.StatusInternalServerError:
		b.observe(voiceapi.OutcomeUpstream)
		return nil, fmt.Errorf("%w: %w", conversation.ErrSpeechUnavailable, err)
	case status != 0:
		b.observe(voiceapi.OutcomeUpstream)
		return nil, err
	case errors.Is(err, elevenlabs.ErrNotConfigured):
		b.observe(voiceapi.OutcomeNotConfigured)
		return nil, fmt.Errorf("%w: %w", conversation.ErrSpeechUnavailable, err)
	default:
		b.observe(voiceapi.OutcomeError)
		return nil, err
	}
}

func (b SpeechBackend) observe(outcome string) {
	if b.Observer != nil {
		b.Observer.Synthesis(outcome)
	}
}
