package agent

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrResponseBusy is returned when input is submitted while a response
	// is still streaming. Interrupt first.
	ErrResponseBusy  = errors.New("agent: response in progress")
	ErrSessionClosed = errors.New("agent: session closed")
)

// ConnState tracks the session's model connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Ready
	Closing
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ResponseState tracks the current model response.
type ResponseState int

const (
	Idle ResponseState = iota
	InProgress
	Interrupted
	Complete
)

func (s ResponseState) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case Interrupted:
		return "interrupted"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// Fragment is one streamed piece of a response. Seq is advisory; arrival
// order is authoritative.
type Fragment struct {
	Text string
	Seq  int
}

const (
	PayloadDelta       = "delta"
	PayloadDone        = "done"
	PayloadAudio       = "audio"
	PayloadInterrupted = "interrupted"
	PayloadClosed      = "closed"
)

// Payload is what consumers receive. Audio is encoded as base64 in JSON.
type Payload struct {
	Type         string `json:"type"`
	Delta        string `json:"delta,omitempty"`
	Seq          int    `json:"seq,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
	Audio        []byte `json:"audio,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Consumer receives session output. Consume runs on the session goroutine
// and must not call back into the session synchronously.
type Consumer interface {
	Consume(p Payload)
}

type ConsumerFunc func(p Payload)

func (f ConsumerFunc) Consume(p Payload) { f(p) }

// Turn is one entry of the conversation history.
type Turn struct {
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	Interrupted bool      `json:"interrupted,omitempty"`
	At          time.Time `json:"at"`
}

// Backend is a connected model conversation.
type Backend interface {
	AppendUserText(text string) error
	RequestResponse() error
	UpdateInstructions(text string) error
	Close() error
}

// BackendEvents are invoked by the backend's receive goroutine, in order.
type BackendEvents struct {
	OnTextDelta    func(text string)
	OnAudioDelta   func(audio []byte)
	OnResponseDone func()
	OnClosed       func(err error)
}

// Connector opens a backend. It must return only after the backend is ready
// and must honor ctx.
type Connector func(ctx context.Context, label string, ev BackendEvents) (Backend, error)

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Conn     ConnState
	Response ResponseState
	Text     string
	// Deferred is set while a submitted turn waits for the interrupted
	// response to drain before its response is requested.
	Deferred bool
}
