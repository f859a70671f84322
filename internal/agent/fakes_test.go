package agent

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu      sync.Mutex
	sent    []string
	closed  bool
	sendErr error
}

func (b *fakeBackend) record(s string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, s)
	return nil
}

func (b *fakeBackend) AppendUserText(text string) error     { return b.record("append:" + text) }
func (b *fakeBackend) RequestResponse() error               { return b.record("response") }
func (b *fakeBackend) UpdateInstructions(text string) error { return b.record("instructions:" + text) }
func (b *fakeBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *fakeBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fakeConnector hands out a fresh fakeBackend per dial and keeps the events
// so tests can play the model's part.
type fakeConnector struct {
	mu       sync.Mutex
	err      error
	dials    int
	events   []BackendEvents
	backends []*fakeBackend
}

func (f *fakeConnector) connect(ctx context.Context, label string, ev BackendEvents) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	b := &fakeBackend{}
	f.events = append(f.events, ev)
	f.backends = append(f.backends, b)
	return b, nil
}

func (f *fakeConnector) ev(t *testing.T) BackendEvents {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatalf("no backend connected")
	}
	return f.events[len(f.events)-1]
}

func (f *fakeConnector) backend(t *testing.T) *fakeBackend {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backends) == 0 {
		t.Fatalf("no backend connected")
	}
	return f.backends[len(f.backends)-1]
}

type recorder struct {
	ch chan Payload
}

func newRecorder() *recorder { return &recorder{ch: make(chan Payload, 64)} }

func (r *recorder) Consume(p Payload) { r.ch <- p }

func (r *recorder) next(t *testing.T) Payload {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for payload")
	}
	return Payload{}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case p := <-r.ch:
		t.Fatalf("unexpected payload %+v", p)
	case <-time.After(30 * time.Millisecond):
	}
}

func newTestSession(t *testing.T) (*Session, *fakeConnector, *recorder) {
	t.Helper()
	fc := &fakeConnector{}
	s := NewSession(Options{ID: "test", Connector: fc.connect, ConnectTimeout: time.Second})
	rec := newRecorder()
	s.Subscribe(rec)
	t.Cleanup(s.Shutdown)
	return s, fc, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitResponse(t *testing.T, s *Session, want ResponseState) {
	t.Helper()
	waitFor(t, "response state "+want.String(), func() bool { return s.ResponseState() == want })
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
