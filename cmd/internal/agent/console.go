package agent

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"voicegate/cmd/internal/speech"
)

// Console turns lines of text into final recognition results. Blank lines are skipped.
//
// Lines are only consumed while a recognizer is running, so text typed during a reply waits
// for the next turn. After EOF recognizers stay open and silent.
type Console struct {
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	pending []string
}

func NewConsole(r io.Reader) *Console {
	c := &Console{lines: make(chan string), done: make(chan struct{})}
	go c.scan(r)
	return c
}

func (c *Console) scan(r io.Reader) {
	defer close(c.done)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.lines <- line
	}
}

// Done is closed when the input reaches EOF.
func (c *Console) Done() <-chan struct{} { return c.done }

// Capability exposes the console as a recognizer platform. Microphone access always succeeds.
func (c *Console) Capability() speech.Capability {
	return speech.Available(c.newRecognizer, nil)
}

func (c *Console) newRecognizer(_ speech.RecognizerConfig, h speech.Handlers) (speech.Recognizer, error) {
	return &consoleRecognizer{c: c, h: h}, nil
}

type consoleRecognizer struct {
	c *Console
	h speech.Handlers

	mu   sync.Mutex
	stop chan struct{}
}

func (r *consoleRecognizer) Start() error {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	r.stop = stop
	r.mu.Unlock()

	go r.run(stop)
	return nil
}

func (r *consoleRecognizer) Stop() {
	r.mu.Lock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.mu.Unlock()
}

func (r *consoleRecognizer) run(stop chan struct{}) {
	if r.h.OnStart != nil {
		r.h.OnStart()
	}
	defer func() {
		r.mu.Lock()
		if r.stop == stop {
			r.stop = nil
		}
		r.mu.Unlock()
		if r.h.OnEnd != nil {
			r.h.OnEnd()
		}
	}()

	for {
		line, ok := r.c.next(stop)
		if !ok {
			return
		}
		if r.h.OnResult != nil {
			r.h.OnResult([]speech.Result{{Transcript: line, IsFinal: true}}, 0)
		}
	}
}

// next returns the oldest unread line, or false once stop is closed. A line received
// as stop closes is held for the next recognizer.
func (c *Console) next(stop <-chan struct{}) (string, bool) {
	select {
	case <-stop:
		return "", false
	default:
	}

	c.mu.Lock()
	if len(c.pending) > 0 {
		line := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		return line, true
	}
	c.mu.Unlock()

	select {
	case <-stop:
		return "", false
	case line := <-c.lines:
		select {
		case <-stop:
			c.mu.Lock()
			c.pending = append(c.pending, line)
			c.mu.Unlock()
			return "", false
		default:
			return line, true
		}
	}
}
