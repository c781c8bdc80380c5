package agent

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"voicegate/cmd/internal/speech"
)

type recorded struct {
	mu      sync.Mutex
	starts  int
	ends    int
	results []string
	got     chan struct{}
}

func (r *recorded) handlers() speech.Handlers {
	return speech.Handlers{
		OnStart: func() { r.mu.Lock(); r.starts++; r.mu.Unlock() },
		OnEnd:   func() { r.mu.Lock(); r.ends++; r.mu.Unlock() },
		OnResult: func(rs []speech.Result, idx int) {
			r.mu.Lock()
			for _, x := range rs[idx:] {
				if !x.IsFinal {
					continue
				}
				r.results = append(r.results, x.Transcript)
			}
			r.mu.Unlock()
			r.got <- struct{}{}
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsole_LinesBecomeFinalResults(t *testing.T) {
	c := NewConsole(strings.NewReader("hello there\n\n   \nwhat time is it\n"))
	rec := &recorded{got: make(chan struct{}, 4)}

	r, err := c.Capability().NewRecognizer(speech.RecognizerConfig{Continuous: true}, rec.handlers())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-rec.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("result %d not delivered", i)
		}
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("console did not reach EOF")
	}

	r.Stop()
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.ends == 1
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.starts != 1 {
		t.Fatalf("starts = %d", rec.starts)
	}
	if strings.Join(rec.results, "|") != "hello there|what time is it" {
		t.Fatalf("results = %q", rec.results)
	}
}

func TestConsole_StoppedRecognizerLeavesLinesForNext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewConsole(pr)

	a := &recorded{got: make(chan struct{}, 4)}
	ra, _ := c.Capability().NewRecognizer(speech.RecognizerConfig{}, a.handlers())
	_ = ra.Start()
	if _, err := io.WriteString(pw, "first\n"); err != nil {
		t.Fatalf("write first: %v", err)
	}
	select {
	case <-a.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("first line not delivered")
	}
	ra.Stop()
	waitFor(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.ends == 1
	})

	go func() { _, _ = io.WriteString(pw, "second\n") }()

	b := &recorded{got: make(chan struct{}, 4)}
	rb, _ := c.Capability().NewRecognizer(speech.RecognizerConfig{}, b.handlers())
	_ = rb.Start()
	select {
	case <-b.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("second line not delivered")
	}
	rb.Stop()

	a.mu.Lock()
	b.mu.Lock()
	defer a.mu.Unlock()
	defer b.mu.Unlock()
	if len(a.results) != 1 || a.results[0] != "first" {
		t.Fatalf("a = %q", a.results)
	}
	if len(b.results) != 1 || b.results[0] != "second" {
		t.Fatalf("b = %q", b.results)
	}
}

func TestConsole_LineArrivingDuringStopIsKept(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := &Console{lines: make(chan string, 1), done: make(chan struct{})}
		c.lines <- "during"

		stopped := make(chan struct{})
		close(stopped)
		if line, ok := c.next(stopped); ok {
			t.Fatalf("stopped recognizer got %q", line)
		}

		line, ok := c.next(make(chan struct{}))
		if !ok || line != "during" {
			t.Fatalf("next = %q, %v", line, ok)
		}
	}
}

func TestConsole_PendingLinesComeFirst(t *testing.T) {
	c := &Console{lines: make(chan string, 1), done: make(chan struct{}), pending: []string{"held"}}
	c.lines <- "later"

	open := make(chan struct{})
	for _, want := range []string{"held", "later"} {
		line, ok := c.next(open)
		if !ok || line != want {
			t.Fatalf("next = %q, %v; want %q", line, ok, want)
		}
	}
}
