package chat

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

var defaultReplies = []string{
	"That's interesting! Tell me more about that.",
	"I understand. How can I help you with that?",
	"Thanks for sharing that with me. What else would you like to discuss?",
	"I see. Is there something specific you'd like to know or talk about?",
	"That's a good point. What are your thoughts on that?",
	"I appreciate you telling me that. How can I assist you further?",
}

// DefaultReplies returns a copy of the replies used when no keyword matches.
func DefaultReplies() []string {
	return append([]string(nil), defaultReplies...)
}

// Fallback answers from a fixed keyword table. It never fails.
type Fallback struct {
	now  func() time.Time
	pick func(n int) int
}

type FallbackOption func(*Fallback)

func WithFallbackClock(now func() time.Time) FallbackOption {
	return func(f *Fallback) {
		if now != nil {
			f.now = now
		}
	}
}

// WithPicker sets the function choosing among the default replies; it must return a value in [0,n).
func WithPicker(pick func(n int) int) FallbackOption {
	return func(f *Fallback) {
		if pick != nil {
			f.pick = pick
		}
	}
}

func NewFallback(opts ...FallbackOption) *Fallback {
	f := &Fallback{now: time.Now, pick: rand.IntN}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Reply implements Responder.
func (f *Fallback) Reply(_ context.Context, message string) (string, error) {
	return f.Answer(message), nil
}

// Answer picks the reply for message. Checks are substring matches, first hit wins.
func (f *Fallback) Answer(message string) string {
	m := strings.ToLower(message)

	switch {
	case strings.Contains(m, "hello") || strings.Contains(m, "hi"):
		return "Hello! I'm your voice assistant. How can I help you today?"
	case strings.Contains(m, "weather"):
		return "I'd be happy to help with weather information, but I don't have access to real-time weather data at the moment. You might want to check a weather app or website for current conditions."
	case strings.Contains(m, "time"):
		return "The current time is " + f.now().Format("15:04:05") + "."
	case strings.Contains(m, "date"):
		return "Today's date is " + f.now().Format("January 2, 2006") + "."
	case strings.Contains(m, "help"):
		return "I'm here to assist you! You can ask me about the time, date, or just have a conversation. I can respond with voice or text. What would you like to know?"
	case strings.Contains(m, "thank"):
		return "You're welcome! Is there anything else I can help you with?"
	case strings.Contains(m, "bye") || strings.Contains(m, "goodbye"):
		return "Goodbye! It was nice talking with you. Have a great day!"
	}

	i := f.pick(len(defaultReplies))
	if i < 0 || i >= len(defaultReplies) {
		i = 0
	}
	return defaultReplies[i]
}
