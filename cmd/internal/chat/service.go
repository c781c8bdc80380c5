package chat

import (
	"context"
	"log/slog"
)

// Responder produces a reply for one message.
type Responder interface {
	Reply(ctx context.Context, message string) (string, error)
}

// Reply sources.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Observer is told where each reply came from.
type Observer interface {
	ChatReply(source string)
}

type nopObserver struct{}

func (nopObserver) ChatReply(string) {}

type Service struct {
	log      *slog.Logger
	model    Responder
	fallback *Fallback
	obs      Observer
}

type Option func(*Service)

// WithModel sets the primary responder. A nil value leaves only the fallback.
func WithModel(r Responder) Option {
	return func(s *Service) { s.model = r }
}

func WithFallback(f *Fallback) Option {
	return func(s *Service) {
		if f != nil {
			s.fallback = f
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

func NewService(log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{log: log, fallback: NewFallback(), obs: nopObserver{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModelConfigured reports whether replies may come from the model.
func (s *Service) ModelConfigured() bool { return s.model != nil }

// Respond always returns a reply and the source that produced it.
func (s *Service) Respond(ctx context.Context, message string) (string, string) {
	if s.model != nil {
		text, err := s.model.Reply(ctx, message)
		if err == nil {
			s.obs.ChatReply(SourceModel)
			return text, SourceModel
		}
		if ctx.Err() == nil {
			s.log.Warn("chat.model.fail", "err", err)
		}
	}

	s.obs.ChatReply(SourceFallback)
	return s.fallback.Answer(message), SourceFallback
}

// Reply implements Responder so a Service can be handed to in-process callers.
func (s *Service) Reply(ctx context.Context, message string) (string, error) {
	text, _ := s.Respond(ctx, message)
	return text, nil
}
