package transcript

import (
	"sync"
	"time"
)

// Aggregator splits recognition events into a delta stream and a final
// stream. Speech boundaries are not queued; they go straight to listeners.
type Aggregator struct {
	deltas *Queue[string]
	finals *Queue[string]

	mu        sync.RWMutex
	listeners []func(Event)
}

func NewAggregator(poll time.Duration) *Aggregator {
	return &Aggregator{
		deltas: NewQueue[string](poll),
		finals: NewQueue[string](poll),
	}
}

// Handle routes one event.
func (a *Aggregator) Handle(ev Event) {
	switch ev.Kind {
	case Delta:
		a.deltas.Push(ev.Text)
	case Final:
		a.finals.Push(ev.Text)
	case SpeechStarted, SpeechStopped:
		a.mu.RLock()
		ls := a.listeners
		a.mu.RUnlock()
		for _, fn := range ls {
			fn(ev)
		}
	}
}

// OnSpeechBoundary registers fn for SpeechStarted and SpeechStopped events.
// fn runs synchronously on the caller of Handle.
func (a *Aggregator) OnSpeechBoundary(fn func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls := make([]func(Event), len(a.listeners), len(a.listeners)+1)
	copy(ls, a.listeners)
	a.listeners = append(ls, fn)
}

func (a *Aggregator) Deltas() *Queue[string] { return a.deltas }
func (a *Aggregator) Finals() *Queue[string] { return a.finals }

// Close terminates both streams.
func (a *Aggregator) Close() {
	a.deltas.Close()
	a.finals.Close()
}
