// tracker.go — Generic bounded event tracker with cursor polls and fan-out.
// A fixed-capacity ring stamps every event with a monotonic sequence number.
// Poll reads strictly above a caller cursor; Subscribe delivers each new
// event exactly once, in insertion order, to every live listener.
package trackers

import (
	"sync"
	"time"
)

// Event wraps a payload with its tracker sequence number and timestamp.
// Seq is monotonic per tracker, starting at 1.
type Event[T any] struct {
	Seq     uint64    `json:"seq"`
	Ts      time.Time `json:"ts"`
	Payload T         `json:"payload"`
}

// PollResult is the outcome of a cursor read.
type PollResult[T any] struct {
	Events    []Event[T] `json:"events"`
	NextSeq   uint64     `json:"nextSeq"`
	Truncated bool       `json:"truncated,omitempty"`
}

// Tracker is a bounded drop-oldest ring over events of one kind.
type Tracker[T any] struct {
	// deliverMu serializes append+fan-out so subscribers observe events in
	// seq order even under concurrent appends.
	deliverMu sync.Mutex

	mu       sync.RWMutex
	entries  []Event[T]
	head     int
	capacity int
	nextSeq  uint64

	subs      map[int]func(Event[T])
	nextSubID int
}

// New creates a tracker with the given ring capacity (min 1).
func New[T any](capacity int) *Tracker[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Tracker[T]{
		entries:  make([]Event[T], 0, capacity),
		capacity: capacity,
		subs:     make(map[int]func(Event[T])),
	}
}

// Append stamps and stores an event, then fans it out to subscribers.
// Returns the stored event.
func (t *Tracker[T]) Append(payload T) Event[T] {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	t.nextSeq++
	ev := Event[T]{Seq: t.nextSeq, Ts: time.Now(), Payload: payload}
	if len(t.entries) < t.capacity {
		t.entries = append(t.entries, ev)
	} else {
		t.entries[t.head] = ev
	}
	t.head = (t.head + 1) % t.capacity

	listeners := make([]func(Event[T]), 0, len(t.subs))
	for _, fn := range t.subs {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return ev
}

// Poll returns up to max events with seq > sinceSeq, in ascending seq order.
// Truncated is set when more matching events remain in the ring.
// NextSeq is the cursor for the following poll.
func (t *Tracker[T]) Poll(sinceSeq uint64, max int) PollResult[T] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ordered := t.orderedLocked()
	out := make([]Event[T], 0)
	truncated := false
	for _, ev := range ordered {
		if ev.Seq <= sinceSeq {
			continue
		}
		if max > 0 && len(out) >= max {
			truncated = true
			break
		}
		out = append(out, ev)
	}

	next := sinceSeq
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	} else if t.nextSeq > next {
		// Everything below the current seq was either consumed or evicted.
		next = t.nextSeq
	}
	return PollResult[T]{Events: out, NextSeq: next, Truncated: truncated}
}

// Subscribe registers a listener for new events and returns its
// unsubscribe function. Events already in the ring are not replayed.
func (t *Tracker[T]) Subscribe(fn func(Event[T])) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Snapshot returns the newest n events, oldest first (all when n <= 0).
func (t *Tracker[T]) Snapshot(n int) []Event[T] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ordered := t.orderedLocked()
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// LastSeq returns the most recently assigned sequence number.
func (t *Tracker[T]) LastSeq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextSeq
}

// Len returns the number of retained events.
func (t *Tracker[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Detach drops all subscribers and retained events. Used at session teardown.
func (t *Tracker[T]) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.head = 0
	t.subs = make(map[int]func(Event[T]))
	// nextSeq is kept so stale cursors stay monotonic.
}

// orderedLocked returns retained events oldest-first. Caller holds mu.
func (t *Tracker[T]) orderedLocked() []Event[T] {
	if len(t.entries) == 0 {
		return nil
	}
	out := make([]Event[T], 0, len(t.entries))
	if len(t.entries) < t.capacity {
		out = append(out, t.entries...)
	} else {
		out = append(out, t.entries[t.head:]...)
		out = append(out, t.entries[:t.head]...)
	}
	return out
}
