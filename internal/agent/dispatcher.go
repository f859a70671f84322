package agent

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/smitshah084/TalkBot-AI/internal/transcript"
)

// Source says where an input came from. Only typed input can carry
// directives.
type Source int

const (
	Typed Source = iota
	Speech
)

type Input struct {
	Text   string
	Source Source
}

const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultContinuationGrace = 1200 * time.Millisecond
)

const helpText = `Commands:
  exit, quit            end the conversation
  help                  show this help
  instructions <text>   replace the assistant instructions
  debug                 toggle debug logging
Anything else is sent to the assistant. New input interrupts a reply in progress.`

type DispatcherOptions struct {
	PollInterval time.Duration
	// ContinuationGrace is how long speech input ending in a word like "and"
	// is held for more speech before it is sent. Zero disables holding.
	ContinuationGrace time.Duration
	// OnExit runs when an exit directive is typed.
	OnExit func()
	// OnNotice receives local command output (help text, errors).
	OnNotice func(string)
}

// Dispatcher feeds user input into a Session one turn at a time. Input that
// arrives while the previous one is waiting to be sent is merged into it.
type Dispatcher struct {
	session *Session
	opts    DispatcherOptions

	mu         sync.Mutex
	pending    string
	hasPending bool
	lastSource Source
	wake       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(s *Session, opts DispatcherOptions) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		session: s,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Submit accepts one input. Blank input is dropped. Typed directives are
// handled here and never reach the session.
func (d *Dispatcher) Submit(in Input) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil
	}
	if in.Source == Typed {
		if handled, err := d.directive(text); handled {
			return err
		}
	}
	d.mu.Lock()
	if d.hasPending {
		d.pending += " " + text
	} else {
		d.pending = text
		d.hasPending = true
	}
	d.lastSource = in.Source
	d.mu.Unlock()
	d.signal()
	return nil
}

// NotifyActivity reports user activity from an input source (speech start,
// local voice detection). A streaming response is interrupted.
func (d *Dispatcher) NotifyActivity() {
	if d.session.ResponseState() == InProgress {
		d.session.Interrupt()
	}
}

// Pending returns the buffered input not yet sent.
func (d *Dispatcher) Pending() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending, d.hasPending
}

// Close stops the worker. Buffered input is discarded.
func (d *Dispatcher) Close() {
	d.cancel()
	<-d.done
}

func (d *Dispatcher) directive(text string) (bool, error) {
	word, rest, _ := strings.Cut(text, " ")
	switch strings.ToLower(word) {
	case "exit", "quit":
		if rest != "" {
			return false, nil
		}
		if d.opts.OnExit != nil {
			d.opts.OnExit()
		}
		return true, nil
	case "help":
		if rest != "" {
			return false, nil
		}
		d.notice(helpText)
		return true, nil
	case "debug":
		if rest != "" {
			return false, nil
		}
		on := !d.session.Debug()
		d.session.SetDebug(on)
		if on {
			d.notice("debug on")
		} else {
			d.notice("debug off")
		}
		return true, nil
	case "instructions":
		rest = strings.TrimSpace(rest)
		if rest == "" {
			d.notice("usage: instructions <text>")
			return true, nil
		}
		if err := d.session.UpdateInstructions(d.ctx, rest); err != nil {
			d.notice("could not update instructions: " + err.Error())
			return true, err
		}
		d.notice("instructions updated")
		return true, nil
	}
	return false, nil
}

func (d *Dispatcher) notice(msg string) {
	if d.opts.OnNotice != nil {
		d.opts.OnNotice(msg)
		return
	}
	log.Printf("[%s] %s", d.session.ID(), msg)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}
		d.hold()
		d.deliver()
	}
}

// hold waits while buffered speech looks unfinished, up to the grace period
// after the latest input.
func (d *Dispatcher) hold() {
	if d.opts.ContinuationGrace <= 0 {
		return
	}
	for d.continues() {
		t := time.NewTimer(d.opts.ContinuationGrace)
		select {
		case <-d.ctx.Done():
			t.Stop()
			return
		case <-d.wake:
			t.Stop()
		case <-t.C:
			return
		}
	}
}

func (d *Dispatcher) continues() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPending && d.lastSource == Speech && transcript.LikelyContinues(d.pending)
}

// deliver interrupts a streaming response, waits for the session to accept
// input and sends the buffered text.
func (d *Dispatcher) deliver() {
	for {
		changed := d.session.Changed()
		switch d.session.ResponseState() {
		case InProgress:
			d.session.Interrupt()
		case Idle, Complete:
			text, ok := d.take()
			if !ok {
				return
			}
			err := d.session.SubmitInput(d.ctx, text)
			if errors.Is(err, ErrResponseBusy) {
				d.restore(text)
				continue
			}
			if err != nil {
				if d.ctx.Err() == nil {
					d.notice("could not send input: " + err.Error())
				}
				return
			}
			return
		}
		t := time.NewTimer(d.opts.PollInterval)
		select {
		case <-d.ctx.Done():
			t.Stop()
			return
		case <-changed:
		case <-t.C:
		}
		t.Stop()
	}
}

func (d *Dispatcher) take() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasPending {
		return "", false
	}
	text := d.pending
	d.pending, d.hasPending = "", false
	return text, true
}

// restore puts text back in front of anything that arrived meanwhile.
func (d *Dispatcher) restore(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasPending {
		d.pending = text + " " + d.pending
	} else {
		d.pending, d.hasPending = text, true
	}
}
