package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smitshah084/TalkBot-AI/internal/metrics"
)

const DefaultConnectTimeout = 10 * time.Second

type Options struct {
	// ID labels logs; a random id is used when empty.
	ID             string
	Connector      Connector
	ConnectTimeout time.Duration
	// OnTurn is called on the session goroutine for every recorded turn.
	OnTurn func(Turn)
}

// Session owns one model conversation. All state below the actor fields is
// touched only by the run goroutine; everything else goes through the inbox.
type Session struct {
	id             string
	connector      Connector
	connectTimeout time.Duration
	onTurn         func(Turn)

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan func()
	quit     chan struct{}
	stopped  chan struct{}
	quitOnce sync.Once
	debug    atomic.Bool

	consumerMu sync.RWMutex
	consumers  map[int]Consumer
	nextID     int

	// actor state
	backend      Backend
	gen          uint64
	genDone      chan struct{}
	conn         ConnState
	resp         ResponseState
	fragments    []Fragment
	seq          int
	awaitingDone bool
	deferred     bool

	pubMu   sync.Mutex
	snap    Snapshot
	history []Turn
	changed chan struct{}
}

// NewSession starts the session goroutine. The model connection is opened
// lazily by the first call that needs it.
func NewSession(opts Options) *Session {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             opts.ID,
		connector:      opts.Connector,
		connectTimeout: opts.ConnectTimeout,
		onTurn:         opts.OnTurn,
		ctx:            ctx,
		cancel:         cancel,
		inbox:          make(chan func()),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
		consumers:      make(map[int]Consumer),
		changed:        make(chan struct{}),
	}
	metrics.ActiveSessions.Inc()
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// call runs fn on the session goroutine and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case s.inbox <- func() { res <- fn() }:
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-res
}

// post queues a backend callback. It gives up once the backend generation is
// retired, so a receive loop never blocks on a session that is closing it.
func (s *Session) post(retired <-chan struct{}, fn func()) {
	select {
	case s.inbox <- fn:
	case <-retired:
	case <-s.quit:
	}
}

// Subscribe registers a consumer and returns a function that removes it.
func (s *Session) Subscribe(c Consumer) (unsubscribe func()) {
	s.consumerMu.Lock()
	id := s.nextID
	s.nextID++
	s.consumers[id] = c
	s.consumerMu.Unlock()
	return func() {
		s.consumerMu.Lock()
		delete(s.consumers, id)
		s.consumerMu.Unlock()
	}
}

func (s *Session) emit(p Payload) {
	s.consumerMu.RLock()
	cs := make([]Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		cs = append(cs, c)
	}
	s.consumerMu.RUnlock()
	for _, c := range cs {
		c.Consume(p)
	}
}

// Snapshot returns a consistent copy of the published state.
func (s *Session) Snapshot() Snapshot {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.snap
}

// Changed returns a channel that is closed at the next state change.
func (s *Session) Changed() <-chan struct{} {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.changed
}

func (s *Session) ResponseState() ResponseState { return s.Snapshot().Response }
func (s *Session) ConnState() ConnState         { return s.Snapshot().Conn }

// History returns the recorded turns.
func (s *Session) History() []Turn {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) SetDebug(on bool) { s.debug.Store(on) }
func (s *Session) Debug() bool      { return s.debug.Load() }

func (s *Session) debugf(format string, args ...any) {
	if s.debug.Load() {
		log.Printf("[%s] "+format, append([]any{s.id}, args...)...)
	}
}

func (s *Session) publish() {
	var b strings.Builder
	for _, f := range s.fragments {
		b.WriteString(f.Text)
	}
	next := Snapshot{Conn: s.conn, Response: s.resp, Text: b.String(), Deferred: s.deferred}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if next == s.snap {
		return
	}
	s.snap = next
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) record(t Turn) {
	t.At = time.Now()
	s.pubMu.Lock()
	s.history = append(s.history, t)
	s.pubMu.Unlock()
	if s.onTurn != nil {
		s.onTurn(t)
	}
}

// SubmitInput starts a new response for text. It connects on first use.
// While a response is streaming it returns ErrResponseBusy. After Interrupt
// it succeeds at once: the message is appended and the response request waits
// until the interrupted response has drained.
func (s *Session) SubmitInput(ctx context.Context, text string) error {
	return s.call(ctx, func() error { return s.submit(text) })
}

// Interrupt stops the streaming response. It reports whether a response was
// actually interrupted; in any other state it does nothing.
func (s *Session) Interrupt() bool {
	var ok bool
	_ = s.call(context.Background(), func() error {
		ok = s.interrupt()
		return nil
	})
	return ok
}

// UpdateInstructions changes the model instructions for later responses.
func (s *Session) UpdateInstructions(ctx context.Context, text string) error {
	return s.call(ctx, func() error {
		if err := s.ensureConnected(); err != nil {
			return err
		}
		if err := s.backend.UpdateInstructions(text); err != nil {
			s.dropBackend(err)
			return fmt.Errorf("agent: update instructions: %w", err)
		}
		log.Printf("[%s] instructions updated", s.id)
		return nil
	})
}

// Shutdown closes the model connection and stops the session. Later calls
// return ErrSessionClosed. It must not be called from a Consumer.
func (s *Session) Shutdown() {
	s.quitOnce.Do(func() {
		s.cancel()
		_ = s.call(context.Background(), func() error {
			s.conn = Closing
			s.publish()
			s.retire()
			s.abortTurn()
			s.conn = Closed
			s.publish()
			s.emit(Payload{Type: PayloadClosed})
			return nil
		})
		close(s.quit)
		<-s.stopped
		metrics.ActiveSessions.Dec()
		log.Printf("[%s] session closed", s.id)
	})
}

func (s *Session) submit(text string) error {
	switch {
	case s.conn == Closing || s.conn == Closed:
		return ErrSessionClosed
	case s.resp == InProgress:
		return ErrResponseBusy
	}
	if err := s.ensureConnected(); err != nil {
		return err
	}
	if err := s.backend.AppendUserText(text); err != nil {
		s.dropBackend(err)
		return fmt.Errorf("agent: append input: %w", err)
	}
	s.record(Turn{Role: "user", Text: text})
	s.fragments = nil
	s.seq = 0

	if s.resp == Interrupted {
		s.deferred = true
		s.resp = InProgress
		s.debugf("response request deferred until interrupted response drains")
		s.publish()
		return nil
	}
	if err := s.backend.RequestResponse(); err != nil {
		s.dropBackend(err)
		return fmt.Errorf("agent: request response: %w", err)
	}
	s.awaitingDone = true
	s.resp = InProgress
	s.publish()
	return nil
}

func (s *Session) interrupt() bool {
	if s.resp != InProgress {
		return false
	}
	s.resp = Interrupted
	s.deferred = false
	metrics.Interrupts.Inc()
	log.Printf("[%s] response interrupted", s.id)
	s.publish()
	s.emit(Payload{Type: PayloadInterrupted})
	return true
}

func (s *Session) ensureConnected() error {
	if s.conn == Ready && s.backend != nil {
		return nil
	}
	if s.connector == nil {
		return fmt.Errorf("agent: no backend connector")
	}
	s.conn = Connecting
	s.publish()

	s.gen++
	gen := s.gen
	retired := make(chan struct{})
	s.genDone = retired
	guard := func(fn func()) func() {
		return func() {
			if gen == s.gen {
				fn()
			}
		}
	}
	events := BackendEvents{
		OnTextDelta: func(text string) {
			s.post(retired, guard(func() { s.onFragment(text) }))
		},
		OnAudioDelta: func(audio []byte) {
			s.post(retired, guard(func() { s.onAudio(audio) }))
		},
		OnResponseDone: func() {
			s.post(retired, guard(s.onDone))
		},
		OnClosed: func(err error) {
			s.post(retired, guard(func() { s.dropBackend(err) }))
		},
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout)
	defer cancel()
	b, err := s.connector(ctx, s.id, events)
	if err != nil {
		close(retired)
		s.genDone = nil
		s.conn = Disconnected
		s.publish()
		log.Printf("[%s] connect failed: %v", s.id, err)
		return err
	}
	s.backend = b
	s.conn = Ready
	s.publish()
	log.Printf("[%s] model connection ready", s.id)
	return nil
}

func (s *Session) onFragment(text string) {
	if s.resp != InProgress || s.deferred {
		s.debugf("discarding fragment in %s (deferred=%v): %q", s.resp, s.deferred, text)
		return
	}
	f := Fragment{Text: text, Seq: s.seq}
	s.seq++
	s.fragments = append(s.fragments, f)
	s.publish()
	s.emit(Payload{Type: PayloadDelta, Delta: f.Text, Seq: f.Seq})
}

func (s *Session) onAudio(audio []byte) {
	if s.resp != InProgress || s.deferred {
		return
	}
	s.emit(Payload{Type: PayloadAudio, Audio: audio})
}

func (s *Session) onDone() {
	if !s.awaitingDone {
		s.debugf("ignoring response done with nothing in flight")
		return
	}
	if s.deferred {
		s.deferred = false
		if err := s.backend.RequestResponse(); err != nil {
			s.dropBackend(err)
			return
		}
		s.publish()
		return
	}
	s.awaitingDone = false
	text := s.text()
	switch s.resp {
	case InProgress:
		s.resp = Complete
		metrics.Turns.WithLabelValues("complete").Inc()
		s.record(Turn{Role: "assistant", Text: text})
		s.publish()
		s.emit(Payload{Type: PayloadDone, FullResponse: text})
	case Interrupted:
		s.resp = Idle
		s.fragments = nil
		metrics.Turns.WithLabelValues("interrupted").Inc()
		if text != "" {
			s.record(Turn{Role: "assistant", Text: text, Interrupted: true})
		}
		s.publish()
	}
}

func (s *Session) text() string {
	var b strings.Builder
	for _, f := range s.fragments {
		b.WriteString(f.Text)
	}
	return b.String()
}

// retire invalidates the current backend generation and closes the backend.
func (s *Session) retire() {
	if s.genDone != nil {
		close(s.genDone)
		s.genDone = nil
	}
	s.gen++
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			log.Printf("[%s] closing backend: %v", s.id, err)
		}
		s.backend = nil
	}
}

func (s *Session) abortTurn() {
	if s.resp == InProgress || s.resp == Interrupted {
		metrics.Turns.WithLabelValues("aborted").Inc()
	}
	s.resp = Idle
	s.fragments = nil
	s.seq = 0
	s.awaitingDone = false
	s.deferred = false
}

// dropBackend handles a closed or failed model connection. The next submit
// reconnects.
func (s *Session) dropBackend(err error) {
	log.Printf("[%s] model connection lost: %v", s.id, err)
	s.retire()
	s.abortTurn()
	if s.conn != Closing && s.conn != Closed {
		s.conn = Disconnected
	}
	s.publish()
	p := Payload{Type: PayloadClosed}
	if err != nil {
		p.Error = err.Error()
	}
	s.emit(p)
}
