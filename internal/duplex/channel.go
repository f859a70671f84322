package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smitshah084/TalkBot-AI/internal/metrics"
)

var (
	ErrNotConnected     = errors.New("duplex: channel not connected")
	ErrConnectTimeout   = errors.New("duplex: timed out waiting for backend readiness")
	ErrTransportClosed  = errors.New("duplex: backend closed the connection")
	ErrMalformedMessage = errors.New("duplex: malformed message")
)

// State is the lifecycle state of a Channel.
type State int32

const (
	Connecting State = iota
	Open
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Event is one decoded server frame. Raw holds the whole JSON object.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the raw frame into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, e.Type, err)
	}
	return nil
}

// Handlers receive channel callbacks. All of them run on the channel's single
// receive goroutine, in arrival order. Frames that arrive before the ready
// event are dropped.
type Handlers struct {
	OnOpen    func(Event)
	OnMessage func(Event)
	OnError   func(error)
	OnClose   func(error)
}

type Options struct {
	// Name labels logs and metrics ("stt", "llm").
	Name   string
	URL    string
	Header http.Header
	// ReadyTypes lists the server event types that acknowledge the handshake.
	ReadyTypes   []string
	ReadyTimeout time.Duration
	WriteTimeout time.Duration
	Handlers     Handlers
	Dialer       *websocket.Dialer
}

// Channel is a persistent JSON-over-websocket connection to one backend.
type Channel struct {
	name     string
	conn     *websocket.Conn
	handlers Handlers
	ready    map[string]struct{}
	readyCh  chan struct{}
	done     chan struct{}

	writeMu      sync.Mutex
	writeTimeout time.Duration

	state        atomic.Int32
	lastActivity atomic.Int64
	closeOnce    sync.Once
	stopping     atomic.Bool
	wg           sync.WaitGroup
}

// Dial connects to the backend and blocks until a ready event arrives or the
// ready timeout elapses. On timeout the channel is torn down, its state is
// Failed and ErrConnectTimeout is returned alongside it.
func Dial(ctx context.Context, opts Options) (*Channel, error) {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "duplex"
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.ReadyTimeout}
	}

	c := &Channel{
		name:         opts.Name,
		handlers:     opts.Handlers,
		ready:        make(map[string]struct{}, len(opts.ReadyTypes)),
		readyCh:      make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
	}
	for _, t := range opts.ReadyTypes {
		c.ready[t] = struct{}{}
	}
	c.state.Store(int32(Connecting))

	started := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, opts.ReadyTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, opts.URL, opts.Header)
	if err != nil {
		c.state.Store(int32(Failed))
		if dialCtx.Err() != nil {
			metrics.ChannelConnects.WithLabelValues(c.name, "timeout").Inc()
			return c, c.deadlineErr(ctx)
		}
		metrics.ChannelConnects.WithLabelValues(c.name, "error").Inc()
		if resp != nil {
			return c, fmt.Errorf("duplex: dial %s: status %d: %w", c.name, resp.StatusCode, err)
		}
		return c, fmt.Errorf("duplex: dial %s: %w", c.name, err)
	}
	c.conn = conn
	c.touch()

	c.wg.Add(1)
	go c.receiveLoop()

	if len(c.ready) == 0 {
		c.markOpen()
	}

	select {
	case <-c.readyCh:
	case <-c.done:
	case <-dialCtx.Done():
	}
	// Open wins every race: once the ready event was seen, callbacks may be
	// in flight and the caller owns the channel.
	if c.state.CompareAndSwap(int32(Connecting), int32(Failed)) {
		c.shutdown(Failed)
		metrics.ChannelConnects.WithLabelValues(c.name, "timeout").Inc()
		return c, c.deadlineErr(ctx)
	}
	select {
	case <-c.readyCh:
	default:
		// The receive loop failed before any ready event.
		metrics.ChannelConnects.WithLabelValues(c.name, "error").Inc()
		c.shutdown(c.State())
		return c, fmt.Errorf("duplex: %s closed before ready: %w", c.name, ErrTransportClosed)
	}
	metrics.ChannelConnects.WithLabelValues(c.name, "ok").Inc()
	metrics.ChannelConnectDuration.WithLabelValues(c.name).Observe(time.Since(started).Seconds())
	return c, nil
}

// deadlineErr reports why the handshake stopped waiting. Cancellation of the
// caller's context is passed through; an expired deadline, the caller's or
// the ready timeout, is ErrConnectTimeout.
func (c *Channel) deadlineErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("duplex: %s: %w", c.name, ctx.Err())
	}
	return fmt.Errorf("duplex: %s: %w", c.name, ErrConnectTimeout)
}

// State reports the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// LastActivity is the time of the most recent frame sent or received.
func (c *Channel) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// Send encodes v as JSON and writes it as one text frame.
func (c *Channel) Send(v any) error {
	if c.State() != Open {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("duplex: encode %s event: %w", c.name, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != Open {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("duplex: write %s: %w", c.name, err)
	}
	c.touch()
	return nil
}

// Close shuts the channel down and waits for the receive goroutine, so no
// callback runs after it returns. It must not be called from a callback.
func (c *Channel) Close() error {
	c.shutdown(Closed)
	return nil
}

func (c *Channel) shutdown(final State) {
	c.closeOnce.Do(func() {
		c.stopping.Store(true)
		if st := c.State(); st == Connecting || st == Open {
			c.state.Store(int32(final))
		}
		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = c.conn.Close()
		}
	})
	c.wg.Wait()
}

func (c *Channel) markOpen() bool {
	if c.state.CompareAndSwap(int32(Connecting), int32(Open)) {
		close(c.readyCh)
		return true
	}
	return false
}

func (c *Channel) touch() {
	now := time.Now().UnixNano()
	for {
		prev := c.lastActivity.Load()
		if now <= prev || c.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

func (c *Channel) receiveLoop() {
	defer c.wg.Done()
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] recovered from panic in receive loop: %v", c.name, r)
			c.state.Store(int32(Failed))
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if c.stopping.Load() {
			return
		}
		if err != nil {
			c.fail(err)
			return
		}
		c.touch()

		var env struct {
			Type string `json:"type"`
		}
		if jerr := json.Unmarshal(data, &env); jerr != nil || env.Type == "" {
			metrics.MalformedMessages.WithLabelValues(c.name).Inc()
			log.Printf("[%s] dropping malformed frame (%d bytes): %v", c.name, len(data), ErrMalformedMessage)
			continue
		}
		ev := Event{Type: env.Type, Raw: json.RawMessage(data)}

		if c.State() == Connecting {
			if _, ok := c.ready[ev.Type]; !ok {
				log.Printf("[%s] ignoring %s before ready", c.name, ev.Type)
				continue
			}
			if c.markOpen() && c.handlers.OnOpen != nil {
				c.handlers.OnOpen(ev)
			}
			continue
		}
		if c.State() != Open {
			continue
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(ev)
		}
	}
}

// fail records a terminal transport error. Callbacks fire only for a channel
// that reached Open; before that Dial reports the failure itself.
func (c *Channel) fail(err error) {
	wasOpen := c.State() == Open
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.state.Store(int32(Closed))
		log.Printf("[%s] backend closed connection: code=%d %s", c.name, ce.Code, ce.Text)
		if wasOpen && c.handlers.OnClose != nil {
			c.handlers.OnClose(fmt.Errorf("%w: %v", ErrTransportClosed, err))
		}
		return
	}
	c.state.Store(int32(Failed))
	log.Printf("[%s] transport error: %v", c.name, err)
	if wasOpen && c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}
