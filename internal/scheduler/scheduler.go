// scheduler.go — Target-scoped operation scheduling.
// Same-target operations are strictly serialized FIFO; different targets in
// one session run in parallel up to the governor's effective cap. Admission
// beyond the cap queues a waiter with a backpressure timer. Session
// teardown rejects all waiters and drops the per-target chains.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/governor"
)

// waiter is one queued admission request.
type waiter struct {
	targetID   string
	enqueuedAt time.Time
	admit      chan error // buffered 1: nil on admission, kinded error otherwise
	timer      *time.Timer
	settled    bool
}

// chainEntry is one link in a target's critical-section chain.
type chainEntry struct {
	done chan struct{}
}

// sessionState holds scheduling state for one session.
type sessionState struct {
	gov     *governor.Governor
	sampler governor.HostSampler

	inflight        int
	waiters         []*waiter
	waitingByTarget map[string][]time.Time
	chains          map[string]*chainEntry
	closed          bool
}

// Scheduler multiplexes target-scoped operations across sessions.
type Scheduler struct {
	mu       sync.Mutex
	log      *zap.Logger
	sessions map[string]*sessionState
}

// New creates an empty scheduler.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log, sessions: make(map[string]*sessionState)}
}

// Register installs scheduling state for a new session.
func (s *Scheduler) Register(sessionID string, gov *governor.Governor, sampler governor.HostSampler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &sessionState{
		gov:             gov,
		sampler:         sampler,
		waitingByTarget: make(map[string][]time.Time),
		chains:          make(map[string]*chainEntry),
	}
}

// QueueStats reports the waiter queue's oldest age and depth for a session.
func (s *Scheduler) QueueStats(sessionID string) (oldestAgeMs int64, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || len(st.waiters) == 0 {
		return 0, 0
	}
	return time.Since(st.waiters[0].enqueuedAt).Milliseconds(), len(st.waiters)
}

// WaitingByTarget reports pending wait timestamps for one target.
// Exposed for backpressure bookkeeping checks.
func (s *Scheduler) WaitingByTarget(sessionID, targetID string) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]time.Time(nil), st.waitingByTarget[targetID]...)
}

// RunTargetScoped runs exec inside the target's critical section once a
// governor slot is acquired. Per-target FIFO is guaranteed by the chain
// position taken at submission; admission order never reorders a target.
func (s *Scheduler) RunTargetScoped(ctx context.Context, sessionID, targetID string, backpressureTimeout time.Duration, exec func(context.Context) error) error {
	s.refreshGovernor(ctx, sessionID)

	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || st.closed {
		s.mu.Unlock()
		return errkind.New(errkind.InvalidSession, "session %s is not scheduled", sessionID)
	}

	// Reserve the chain position now so same-target submissions keep their
	// order regardless of how admission interleaves.
	prev := st.chains[targetID]
	mine := &chainEntry{done: make(chan struct{})}
	st.chains[targetID] = mine

	var w *waiter
	if st.inflight < st.gov.EffectiveCap() {
		st.inflight++
	} else {
		w = &waiter{
			targetID:   targetID,
			enqueuedAt: time.Now(),
			admit:      make(chan error, 1),
		}
		st.waiters = append(st.waiters, w)
		st.waitingByTarget[targetID] = append(st.waitingByTarget[targetID], w.enqueuedAt)
		w.timer = time.AfterFunc(backpressureTimeout, func() {
			s.expireWaiter(sessionID, w)
		})
	}
	s.mu.Unlock()

	if w != nil {
		select {
		case err := <-w.admit:
			if err != nil {
				s.abandonChain(sessionID, targetID, mine)
				return err
			}
		case <-ctx.Done():
			s.cancelWaiter(sessionID, w)
			// The wake scan may have admitted this waiter concurrently;
			// if so the slot must be given back.
			select {
			case err := <-w.admit:
				if err == nil {
					s.release(sessionID, targetID, mine)
					return errkind.Wrap(errkind.Cancelled, ctx.Err(), "operation cancelled while awaiting admission")
				}
			default:
			}
			s.abandonChain(sessionID, targetID, mine)
			return errkind.Wrap(errkind.Cancelled, ctx.Err(), "operation cancelled while awaiting admission")
		}
	}

	// Await the prior critical section on this target.
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			s.release(sessionID, targetID, mine)
			return errkind.Wrap(errkind.Cancelled, ctx.Err(), "operation cancelled while awaiting target queue")
		}
	}

	defer s.release(sessionID, targetID, mine)
	return exec(ctx)
}

// refreshGovernor feeds a fresh pressure sample before each admission.
func (s *Scheduler) refreshGovernor(ctx context.Context, sessionID string) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	var (
		gov     *governor.Governor
		sampler governor.HostSampler
		ageMs   int64
		depth   int
	)
	if ok {
		gov = st.gov
		sampler = st.sampler
		if len(st.waiters) > 0 {
			ageMs = time.Since(st.waiters[0].enqueuedAt).Milliseconds()
			depth = len(st.waiters)
		}
	}
	s.mu.Unlock()
	if gov == nil {
		return
	}

	sample := governor.Sample{QueueAgeMs: ageMs, QueueDepth: depth}
	if sampler != nil {
		if host, err := sampler.Sample(ctx); err == nil {
			sample.HostFreeMemPct = host.FreeMemPct
			sample.RssUsagePct = host.RssUsagePct
		}
	}
	gov.Observe(sample)
}

// release finishes a critical section: closes the chain link, drops the
// tail when exec was the last entry, frees the slot, and wakes waiters.
func (s *Scheduler) release(sessionID, targetID string, mine *chainEntry) {
	close(mine.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if st.chains[targetID] == mine {
		delete(st.chains, targetID)
	}
	if st.inflight > 0 {
		st.inflight--
	}
	s.wakeLocked(st)
}

// abandonChain closes a chain link whose exec never ran (admission failure),
// keeping successors live.
func (s *Scheduler) abandonChain(sessionID, targetID string, mine *chainEntry) {
	close(mine.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if st.chains[targetID] == mine {
		delete(st.chains, targetID)
	}
}

// expireWaiter fires on the backpressure timer.
func (s *Scheduler) expireWaiter(sessionID string, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || w.settled {
		return
	}
	s.settleLocked(st, w, errkind.New(errkind.BackpressureTimeout,
		"no concurrency slot available within the backpressure timeout"))
}

// cancelWaiter removes a waiter whose context was cancelled.
func (s *Scheduler) cancelWaiter(sessionID string, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || w.settled {
		return
	}
	s.settleLocked(st, w, nil)
}

// settleLocked removes a waiter from all bookkeeping and, when err is
// non-nil, rejects it. Caller holds mu.
func (s *Scheduler) settleLocked(st *sessionState, w *waiter, err error) {
	w.settled = true
	if w.timer != nil {
		w.timer.Stop()
	}
	for i, cand := range st.waiters {
		if cand == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			break
		}
	}
	s.dropWaitingTimestampLocked(st, w)
	if err != nil {
		w.admit <- err
	}
}

func (s *Scheduler) dropWaitingTimestampLocked(st *sessionState, w *waiter) {
	stamps := st.waitingByTarget[w.targetID]
	for i, ts := range stamps {
		if ts.Equal(w.enqueuedAt) {
			stamps = append(stamps[:i], stamps[i+1:]...)
			break
		}
	}
	if len(stamps) == 0 {
		delete(st.waitingByTarget, w.targetID)
	} else {
		st.waitingByTarget[w.targetID] = stamps
	}
}

// wakeLocked admits head waiters while slots remain. The scan never skips
// the head: if the head cannot be admitted because the cap shrank, it stays
// and is retried on the next release. Caller holds mu.
func (s *Scheduler) wakeLocked(st *sessionState) {
	for len(st.waiters) > 0 && st.inflight < st.gov.EffectiveCap() {
		head := st.waiters[0]
		head.settled = true
		if head.timer != nil {
			head.timer.Stop()
		}
		st.waiters = st.waiters[1:]
		s.dropWaitingTimestampLocked(st, head)
		st.inflight++
		head.admit <- nil
	}
}

// ClearSession is the teardown barrier: rejects every waiter with a
// session-terminated error, stops timers, and drops the session's state.
func (s *Scheduler) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	st.closed = true
	for _, w := range st.waiters {
		w.settled = true
		if w.timer != nil {
			w.timer.Stop()
		}
		w.admit <- errkind.New(errkind.SessionTerminated, "session %s was disconnected", sessionID)
	}
	st.waiters = nil
	st.waitingByTarget = make(map[string][]time.Time)
	st.chains = make(map[string]*chainEntry)
	delete(s.sessions, sessionID)
}

// Inflight reports the current in-flight count for a session.
func (s *Scheduler) Inflight(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.inflight
	}
	return 0
}
