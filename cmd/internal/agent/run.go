package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"voicegate/cmd/internal/conversation"
	"voicegate/cmd/internal/speech"
)

// Options configure one console call.
type Options struct {
	Client  *Client
	Console *Console
	Player  conversation.Player
	// Out receives the transcript of the call.
	Out     io.Writer
	VoiceID string
	Muted   bool

	// Settle is how long to wait after the input ends before hanging up, so the last utterance
	// is committed and answered. Defaults to the quiet window plus a margin.
	Settle time.Duration

	// Extra options for the orchestrator, mostly timers in tests.
	Conversation []conversation.Option
}

const idlePoll = 50 * time.Millisecond

// Run enters a call and keeps it open until ctx is cancelled or the console input ends.
func Run(ctx context.Context, log *slog.Logger, o Options) error {
	if o.Client == nil || o.Console == nil || o.Player == nil {
		return errors.New("agent: client, console and player are required")
	}
	if o.Out == nil {
		o.Out = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}

	if o.Settle <= 0 {
		o.Settle = speech.DefaultQuietWindow + 250*time.Millisecond
	}

	var (
		mu      sync.Mutex
		lastErr string
	)
	opts := []conversation.Option{
		conversation.WithMuted(o.Muted),
		conversation.OnCommit(func(text string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(o.Out, "you: %s\n", text)
		}),
		conversation.OnReply(func(text string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(o.Out, "agent: %s\n", text)
		}),
		conversation.OnState(func(st conversation.State) {
			mu.Lock()
			defer mu.Unlock()
			if st.Error != "" && st.Error != lastErr {
				fmt.Fprintf(o.Out, "! %s\n", st.Error)
			}
			lastErr = st.Error
		}),
	}
	if o.VoiceID != "" {
		opts = append(opts, conversation.WithVoice(o.VoiceID))
	}
	opts = append(opts, o.Conversation...)

	orch, err := conversation.New(log, o.Console.Capability(), Backends{Client: o.Client}, Backends{Client: o.Client}, o.Player, opts...)
	if err != nil {
		return err
	}
	defer orch.Close()

	if !o.Muted {
		if _, err := o.Client.Voices(ctx); err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Status >= 500 {
				log.Warn("agent.voices.fail", "status", se.Status, "err", err)
				orch.DisableSpeech("")
			}
		}
	}

	orch.ToggleCall(ctx)
	log.Info("agent.call.start", "voice", orch.State().VoiceID, "muted", o.Muted)

	select {
	case <-ctx.Done():
	case <-o.Console.Done():
		waitIdle(ctx, orch, o.Settle)
	}
	if orch.InCall() {
		orch.ToggleCall(ctx)
	}
	log.Info("agent.call.end")
	return nil
}

// waitIdle waits out the settle time, then until no reply is being produced or played.
func waitIdle(ctx context.Context, orch *conversation.Orchestrator, settle time.Duration) {
	t := time.NewTimer(settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	tick := time.NewTicker(idlePoll)
	defer tick.Stop()
	for {
		st := orch.State()
		if !st.Processing && !st.AudioPlaying {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
