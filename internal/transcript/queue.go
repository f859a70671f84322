package transcript

import (
	"context"
	"iter"
	"sync"
	"time"
)

// DefaultPollTimeout bounds a single wait inside Subscription.Next.
const DefaultPollTimeout = 500 * time.Millisecond

const maxPollTimeout = time.Second

// DefaultRetain bounds how many items a Queue keeps for slow or late readers.
const DefaultRetain = 4096

// Queue is an ordered multi-reader stream. Items stay until every open
// subscription has read them, and never more than the retain limit: the
// oldest are dropped first, and a reader that falls that far behind skips
// ahead.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	base    int // stream position of items[0]
	subs    map[*Subscription[T]]struct{}
	retain  int
	closed  bool
	changed chan struct{}
	poll    time.Duration
}

// NewQueue returns an open queue. poll is clamped to (0, 1s].
func NewQueue[T any](poll time.Duration) *Queue[T] {
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	if poll > maxPollTimeout {
		poll = maxPollTimeout
	}
	return &Queue[T]{
		changed: make(chan struct{}),
		poll:    poll,
		retain:  DefaultRetain,
		subs:    make(map[*Subscription[T]]struct{}),
	}
}

// SetRetain changes the retain limit. n <= 0 restores DefaultRetain.
func (q *Queue[T]) SetRetain(n int) {
	if n <= 0 {
		n = DefaultRetain
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retain = n
	q.trim()
}

// Push appends v. It returns false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.trim()
	q.wake()
	return true
}

// Close ends the stream. Subscribers drain what was pushed and then stop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

func (q *Queue[T]) wake() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// trim drops items every open subscription has read, then enforces the
// retain limit. Without subscriptions only the limit applies, so items pushed
// before the first reader arrives are kept for it. Callers hold q.mu.
func (q *Queue[T]) trim() {
	drop := 0
	if len(q.subs) > 0 {
		low := q.base + len(q.items)
		for sub := range q.subs {
			low = min(low, max(sub.next, q.base))
		}
		drop = low - q.base
	}
	if over := len(q.items) - drop - q.retain; over > 0 {
		drop += over
	}
	if drop <= 0 {
		return
	}
	var zero T
	for i := 0; i < drop; i++ {
		q.items[i] = zero
	}
	q.items = q.items[drop:]
	q.base += drop
	if len(q.items) == 0 {
		q.items = nil
	}
}

// Len is the number of items pushed so far.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.base + len(q.items)
}

// Retained is the number of items currently held.
func (q *Queue[T]) Retained() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Subscribe returns an independent cursor positioned at the oldest retained
// item. Close it when done so the queue can release what it has read.
func (q *Queue[T]) Subscribe() *Subscription[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	sub := &Subscription[T]{q: q, next: q.base}
	q.subs[sub] = struct{}{}
	return sub
}

// All iterates a fresh subscription until the queue is closed and drained or
// ctx is done.
func (q *Queue[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		sub := q.Subscribe()
		defer sub.Close()
		for {
			v, ok := sub.Next(ctx)
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Subscription is one reader's position in a Queue.
type Subscription[T any] struct {
	q    *Queue[T]
	next int // stream position
}

// Next returns the next item. It waits in slices of the queue's poll timeout,
// retrying while the queue is open. ok is false once the queue is closed and
// drained, or when ctx is done.
func (s *Subscription[T]) Next(ctx context.Context) (v T, ok bool) {
	timer := time.NewTimer(s.q.poll)
	defer timer.Stop()
	for {
		s.q.mu.Lock()
		if s.next < s.q.base {
			s.next = s.q.base
		}
		if i := s.next - s.q.base; i < len(s.q.items) {
			v = s.q.items[i]
			s.next++
			s.q.trim()
			s.q.mu.Unlock()
			return v, true
		}
		if s.q.closed {
			s.q.mu.Unlock()
			return v, false
		}
		changed := s.q.changed
		s.q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.q.poll)
		select {
		case <-ctx.Done():
			return v, false
		case <-changed:
		case <-timer.C:
		}
	}
}

// Reset rewinds the cursor to the oldest retained item.
func (s *Subscription[T]) Reset() {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	s.next = s.q.base
}

// Close releases the subscription. Items only it was holding become
// eligible for trimming.
func (s *Subscription[T]) Close() {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	delete(s.q.subs, s)
	s.q.trim()
}
