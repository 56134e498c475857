package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshtechbro/opendevbrowser/internal/config"
	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/governor"
)

func testPolicy() config.ParallelismConfig {
	p := config.Default().Parallelism
	p.RecoveryStableWindows = 3
	return p
}

// newTestScheduler registers one session with the given static cap.
func newTestScheduler(t *testing.T, sessionID string, staticCap int) (*Scheduler, *governor.Governor) {
	t.Helper()
	policy := testPolicy()
	policy.ModeCaps.ManagedHeaded = staticCap
	gov := governor.New(nil, policy, governor.ManagedHeaded)
	s := New(nil)
	s.Register(sessionID, gov, governor.StaticSampler{Value: governor.HostSample{FreeMemPct: 80}})
	return s, gov
}

func TestSameTargetRunsFIFO(t *testing.T) {
	s, _ := newTestScheduler(t, "s1", 4)

	const n = 6
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTargetScoped(context.Background(), "s1", "t1", time.Second, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
		// Stagger submissions so the chain order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i], "same-target operations must run in submission order")
	}
}

func TestCrossTargetParallelism(t *testing.T) {
	s, _ := newTestScheduler(t, "s1", 4)

	var concurrent, peak int32
	var wg sync.WaitGroup
	for _, target := range []string{"t1", "t2", "t3"} {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTargetScoped(context.Background(), "s1", target, time.Second, func(context.Context) error {
				cur := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
						break
					}
				}
				time.Sleep(100 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2), "different targets must overlap")
}

func TestAdmissionRespectsCap(t *testing.T) {
	s, _ := newTestScheduler(t, "s1", 2)

	var concurrent, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		target := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTargetScoped(context.Background(), "s1", target, 5*time.Second, func(context.Context) error {
				cur := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "cap must bound concurrency")
	assert.Equal(t, 0, s.Inflight("s1"))
}

func TestBackpressureTimeout(t *testing.T) {
	s, _ := newTestScheduler(t, "s1", 1)

	blocker := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = s.RunTargetScoped(context.Background(), "s1", "t1", time.Minute, func(context.Context) error {
			close(running)
			<-blocker
			return nil
		})
	}()
	<-running

	err := s.RunTargetScoped(context.Background(), "s1", "t2", 50*time.Millisecond, func(context.Context) error {
		t.Fatal("exec must not run after a backpressure timeout")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.BackpressureTimeout))

	// No stale bookkeeping for the timed-out waiter.
	assert.Empty(t, s.WaitingByTarget("s1", "t2"))
	_, depth := s.QueueStats("s1")
	assert.Zero(t, depth)

	close(blocker)
}

func TestTimedOutWaiterDoesNotBlockSuccessor(t *testing.T) {
	s, _ := newTestScheduler(t, "s1", 1)

	blocker := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = s.RunTargetScoped(context.Background(), "s1", "t1", time.Minute, func(context.Context) error {
			close(running)
			<-blocker
			return nil
		})
	}()
	<-running

	// This waiter on t2 times out while t1 holds the only slot.
	err := s.RunTargetScoped(context.Background(), "s1", "t2", 30*time.Millisecond, func(context.Context) error { return nil })
	require.True(t, errkind.HasKind(err, errkind.BackpressureTimeout))

	close(blocker)

	// A later t2 submission must still run: the abandoned chain link may not
	// wedge the target's queue.
	done := make(chan error, 1)
	go func() {
		done <- s.RunTargetScoped(context.Background(), "s1", "t2", time.Second, func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("successor on the timed-out target never ran")
	}
}

func TestClearSessionRejectsWaiters(t *testing.T) {
	s, _ := newTestScheduler(t, "s1", 1)

	blocker := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = s.RunTargetScoped(context.Background(), "s1", "t1", time.Minute, func(context.Context) error {
			close(running)
			<-blocker
			return nil
		})
	}()
	<-running

	waiterErr := make(chan error, 1)
	go func() {
		waiterErr <- s.RunTargetScoped(context.Background(), "s1", "t2", time.Minute, func(context.Context) error { return nil })
	}()
	// Let the waiter enqueue.
	require.Eventually(t, func() bool {
		_, depth := s.QueueStats("s1")
		return depth == 1
	}, time.Second, 5*time.Millisecond)

	s.ClearSession("s1")

	err := <-waiterErr
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.SessionTerminated))

	// New submissions against the cleared session fail fast.
	err = s.RunTargetScoped(context.Background(), "s1", "t1", time.Second, func(context.Context) error { return nil })
	assert.True(t, errkind.HasKind(err, errkind.InvalidSession))

	close(blocker)
}

func TestContextCancelWhileQueued(t *testing.T) {
	s, _ := newTestScheduler(t, "s1", 1)

	blocker := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = s.RunTargetScoped(context.Background(), "s1", "t1", time.Minute, func(context.Context) error {
			close(running)
			<-blocker
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		waiterErr <- s.RunTargetScoped(ctx, "s1", "t2", time.Minute, func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool {
		_, depth := s.QueueStats("s1")
		return depth == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := <-waiterErr
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.Cancelled))
	assert.Empty(t, s.WaitingByTarget("s1", "t2"))

	close(blocker)
	// The held slot drains and the scheduler is reusable.
	require.Eventually(t, func() bool { return s.Inflight("s1") == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.RunTargetScoped(context.Background(), "s1", "t2", time.Second, func(context.Context) error { return nil }))
}
