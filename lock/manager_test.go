package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(opts Options) *Manager {
	if opts.HeadPoolHighWater == 0 {
		opts.HeadPoolHighWater = 16
	}
	if opts.RequestPoolHighWater == 0 {
		opts.RequestPoolHighWater = 16
	}
	return NewManager(opts)
}

func requireWoken(t *testing.T, txn *Txn) {
	t.Helper()
	select {
	case <-txn.WakeC():
	case <-time.After(time.Second):
		t.Fatalf("transaction %d was not woken", txn.ID())
	}
}

func TestAcquireFreeResource(t *testing.T) {
	m := newTestManager(Options{})
	t1 := NewTxn(1)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, X, t1.HeldMode(row))
	require.Equal(t, X, m.GrantedMode(row))
	require.Equal(t, 1, m.Stats().HeadsInUse)
}

func TestWaiterWokenOnRelease(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, row, S, Long, time.Second, false))
	require.True(t, t2.Pending())

	// Still parked: polling reports WouldBlock.
	require.Equal(t, WouldBlock, m.Acquire(t2, row, S, Long, time.Second, false))

	m.Release(t1, row)
	requireWoken(t, t2)

	require.Equal(t, OK, m.Acquire(t2, row, S, Long, time.Second, false))
	require.False(t, t2.Pending())
	require.Equal(t, S, t2.HeldMode(row))
	require.Equal(t, Free, t1.HeldMode(row))
}

func TestConversionWaitsForOtherSharers(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, row, S, Long, NoWait, false))

	require.Equal(t, WouldBlock, m.Acquire(t1, row, X, Long, time.Second, false))
	require.Equal(t, S, t1.HeldMode(row), "still holds S while converting")

	m.Release(t2, row)
	requireWoken(t, t1)
	require.Equal(t, OK, m.Acquire(t1, row, X, Long, time.Second, false))
	require.Equal(t, X, t1.HeldMode(row))
	require.Equal(t, 2, t1.HoldCount(row))
	require.Equal(t, X, m.GrantedMode(row))
}

func TestConversionGrantedImmediately(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, IS, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, row, IS, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t1, row, IX, Long, NoWait, false))
	require.Equal(t, IX, t1.HeldMode(row))
	require.Equal(t, IX, m.GrantedMode(row))

	// Already dominated: only the hold count moves.
	require.Equal(t, OK, m.Acquire(t1, row, IS, Long, NoWait, false))
	require.Equal(t, 3, t1.HoldCount(row))
}

func TestConversionQueuesAheadOfNewWaiters(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2, t3 := NewTxn(1), NewTxn(2), NewTxn(3)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, row, S, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t3, row, X, Long, time.Second, false))
	require.Equal(t, WouldBlock, m.Acquire(t1, row, X, Long, time.Second, false))

	m.Release(t2, row)
	requireWoken(t, t1)
	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t3, row, X, Long, NoWait, false))

	m.ReleaseAll(t1, VeryLong)
	requireWoken(t, t3)
	require.Equal(t, OK, m.Acquire(t3, row, X, Long, NoWait, false))
}

func TestFIFONoBypass(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2, t3, t4 := NewTxn(1), NewTxn(2), NewTxn(3), NewTxn(4)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, row, S, Long, time.Second, false))
	require.Equal(t, WouldBlock, m.Acquire(t3, row, X, Long, time.Second, false))
	// Compatible with S but must queue behind the earlier X waiter.
	require.Equal(t, WouldBlock, m.Acquire(t4, row, S, Long, time.Second, false))

	m.Release(t1, row)
	requireWoken(t, t2)
	require.Equal(t, OK, m.Acquire(t2, row, S, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t3, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t4, row, S, Long, NoWait, false))

	m.Release(t2, row)
	requireWoken(t, t3)
	require.Equal(t, OK, m.Acquire(t3, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t4, row, S, Long, NoWait, false))

	m.Release(t3, row)
	requireWoken(t, t4)
	require.Equal(t, OK, m.Acquire(t4, row, S, Long, NoWait, false))
}

func TestNewRequestQueuesBehindWaiters(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2, t3 := NewTxn(1), NewTxn(2), NewTxn(3)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, row, X, Long, time.Second, false))
	require.Equal(t, Timeout, m.Acquire(t3, row, S, Long, NoWait, false))
	require.Equal(t, Free, t3.HeldMode(row))
	require.Equal(t, 0, t3.Held())
}

func TestDeadlockDetected(t *testing.T) {
	m := newTestManager(Options{DeadlockDetection: true, MutexCount: 8})
	require.Equal(t, 1, m.Stats().Mutexes)

	t1, t2 := NewTxn(1), NewTxn(2)
	a, b := RowName(1, 1), RowName(1, 2)

	require.Equal(t, OK, m.Acquire(t1, a, X, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, b, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t1, b, X, Long, Forever, false))
	require.Equal(t, Timeout, m.Acquire(t2, a, X, Long, Forever, false))
	require.False(t, t2.Pending())
	require.Equal(t, int64(1), m.Stats().Deadlocks)

	// The victim gives up and the survivor proceeds.
	m.ReleaseAll(t2, VeryLong)
	requireWoken(t, t1)
	require.Equal(t, OK, m.Acquire(t1, b, X, Long, Forever, false))
}

func TestDeadlockThreeWayCycle(t *testing.T) {
	m := newTestManager(Options{DeadlockDetection: true})
	t1, t2, t3 := NewTxn(1), NewTxn(2), NewTxn(3)
	a, b, c := RowName(1, 1), RowName(1, 2), RowName(1, 3)

	require.Equal(t, OK, m.Acquire(t1, a, X, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, b, X, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t3, c, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t1, b, S, Long, Forever, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, c, S, Long, Forever, false))
	require.Equal(t, Timeout, m.Acquire(t3, a, S, Long, Forever, false))
}

func TestDeadlockSearchDepthBound(t *testing.T) {
	m := newTestManager(Options{DeadlockDetection: true, MaxDeadlockDepth: 1})
	t1, t2, t3 := NewTxn(1), NewTxn(2), NewTxn(3)
	a, b, c := RowName(1, 1), RowName(1, 2), RowName(1, 3)

	require.Equal(t, OK, m.Acquire(t1, a, X, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, b, X, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t3, c, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t1, b, S, Long, Forever, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, c, S, Long, Forever, false))
	// The cycle is longer than the search may go, so the request parks.
	require.Equal(t, WouldBlock, m.Acquire(t3, a, S, Long, Forever, false))
	require.Equal(t, int64(0), m.Stats().Deadlocks)
}

func TestConversionDeadlock(t *testing.T) {
	m := newTestManager(Options{DeadlockDetection: true})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, row, S, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t1, row, X, Long, Forever, false))
	require.Equal(t, Timeout, m.Acquire(t2, row, X, Long, Forever, false))
	require.Equal(t, S, t2.HeldMode(row), "denied conversion keeps the old grant")
}

func TestConversionQueuesBehindEarlierConversion(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, row, S, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, row, X, Long, time.Second, false))

	// U is compatible with t2's S but not with the X it is waiting for.
	require.Equal(t, Timeout, m.Acquire(t1, row, U, Long, NoWait, false))
	require.Equal(t, Timeout, m.Acquire(t1, row, U, Long, NoWait, true))
	require.Equal(t, S, t1.HeldMode(row))
	require.Equal(t, OK, m.Acquire(t1, row, IS, Long, NoWait, false), "covered requests still pass")

	m.ReleaseAll(t1, VeryLong)
	requireWoken(t, t2)
	require.Equal(t, OK, m.Acquire(t2, row, X, Long, NoWait, false))
	require.Equal(t, X, t2.HeldMode(row))
}

func TestConversionBehindEarlierConversionDeadlocks(t *testing.T) {
	m := newTestManager(Options{DeadlockDetection: true})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, row, S, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, row, X, Long, Forever, false))
	require.Equal(t, Timeout, m.Acquire(t1, row, U, Long, Forever, false))
	require.False(t, t1.Pending())
	require.Equal(t, S, t1.HeldMode(row))
	require.Equal(t, int64(1), m.Stats().Deadlocks)
}

func TestNoDeadlockWithoutDetection(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	a, b := RowName(1, 1), RowName(1, 2)

	require.Equal(t, OK, m.Acquire(t1, a, X, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t2, b, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t1, b, X, Long, time.Millisecond, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, a, X, Long, time.Millisecond, false))

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, Timeout, m.Acquire(t1, b, X, Long, NoWait, false))
	require.Equal(t, Timeout, m.Acquire(t2, a, X, Long, NoWait, false))
}

func TestTimeoutUnwindsRequest(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, row, S, Long, 10*time.Millisecond, false))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Timeout, m.Acquire(t2, row, S, Long, NoWait, false))
	require.False(t, t2.Pending())
	require.Equal(t, 0, t2.Held())

	m.Release(t1, row)
	require.Equal(t, 0, m.Stats().HeadsInUse)
}

func TestNonSuspendableDenied(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	t2.SetSuspendable(false)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, Timeout, m.Acquire(t2, row, X, Long, Forever, false))
	require.False(t, t2.Pending())
}

func TestProbeDoesNotEnqueue(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, true))
	require.Equal(t, 0, m.Stats().HeadsInUse)
	require.Equal(t, 0, t1.Held())

	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, Timeout, m.Acquire(t2, row, S, Long, Forever, true))
	require.False(t, t2.Pending())
	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, true))
	require.Equal(t, 1, t1.HoldCount(row))
}

func TestInstantRequestNotRetained(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, X, Instant, NoWait, false))
	require.Equal(t, 0, t1.Held())
	require.Equal(t, Free, m.GrantedMode(row))

	require.Equal(t, OK, m.Acquire(t2, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t1, row, S, Instant, time.Second, false))
	m.Release(t2, row)
	requireWoken(t, t1)
	require.Equal(t, OK, m.Acquire(t1, row, S, Instant, NoWait, false))
	require.Equal(t, 0, t1.Held())
	require.Equal(t, 0, m.Stats().HeadsInUse)
}

func TestHoldCountAndIdempotentRelease(t *testing.T) {
	m := newTestManager(Options{})
	t1 := NewTxn(1)
	row := RowName(1, 7)

	m.Release(t1, row)
	m.Release(t1, TableName(9))

	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t1, row, S, Long, NoWait, false))
	require.Equal(t, 2, t1.HoldCount(row))

	m.Release(t1, row)
	require.Equal(t, S, t1.HeldMode(row))
	m.Release(t1, row)
	require.Equal(t, Free, t1.HeldMode(row))
	m.Release(t1, row)
	require.Equal(t, 0, m.Stats().HeadsInUse)
}

func TestVeryLongSurvivesRelease(t *testing.T) {
	m := newTestManager(Options{})
	t1 := NewTxn(1)
	a, b, c := RowName(1, 1), RowName(1, 2), RowName(1, 3)

	require.Equal(t, OK, m.Acquire(t1, a, S, Short, NoWait, false))
	require.Equal(t, OK, m.Acquire(t1, b, S, Long, NoWait, false))
	require.Equal(t, OK, m.Acquire(t1, c, S, VeryLong, NoWait, false))

	m.Release(t1, c)
	require.Equal(t, S, t1.HeldMode(c))

	require.Equal(t, 1, m.ReleaseAll(t1, Short))
	require.Equal(t, Free, t1.HeldMode(a))
	require.Equal(t, 1, m.ReleaseAll(t1, Long))
	require.Equal(t, S, t1.HeldMode(c))
	require.Equal(t, 1, m.ReleaseAll(t1, VeryLong))
	require.Equal(t, 0, t1.Held())
}

func TestHeadsRecycled(t *testing.T) {
	m := newTestManager(Options{HeadPoolHighWater: 2, RequestPoolHighWater: 2})
	t1 := NewTxn(1)

	for i := uint64(0); i < 5; i++ {
		require.Equal(t, OK, m.Acquire(t1, RowName(1, i), S, Long, NoWait, false))
	}
	require.Equal(t, 5, m.ReleaseAll(t1, VeryLong))

	stats := m.Stats()
	require.Equal(t, 0, stats.HeadsInUse)
	require.Equal(t, 2, stats.PooledHeads, "free-list capped at its high-water mark")
	require.Equal(t, 2, stats.PooledRequests)

	require.Equal(t, OK, m.Acquire(t1, RowName(1, 99), X, Long, NoWait, false))
	require.Equal(t, 1, m.Stats().PooledHeads)
}

func TestDoubleFreePanics(t *testing.T) {
	var p headPool
	p.highWater = 4
	h := p.get(RowName(1, 1))
	p.put(h)
	require.Panics(t, func() { p.put(h) })

	var rp requestPool
	rp.highWater = 4
	r := rp.get()
	rp.put(r)
	require.Panics(t, func() { rp.put(r) })
}

func TestCancelWaiting(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.CancelWaiting(t2))

	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, row, X, Long, Forever, false))
	require.Equal(t, Timeout, m.CancelWaiting(t2))
	require.False(t, t2.Pending())
	require.Equal(t, 0, t2.Held())

	require.Equal(t, WouldBlock, m.Acquire(t2, row, X, Long, Forever, false))
	m.Release(t1, row)
	require.Equal(t, OK, m.CancelWaiting(t2), "grant made before cancel is kept")
	require.Equal(t, X, t2.HeldMode(row))
}

func TestLockBlocksUntilReleased(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)
	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Release(t1, row)
	}()

	require.Equal(t, OK, m.Lock(context.Background(), t2, row, X, Long, Forever))
	require.Equal(t, X, t2.HeldMode(row))
}

func TestLockHonoursTimeoutAndContext(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2, t3 := NewTxn(1), NewTxn(2), NewTxn(3)
	row := RowName(1, 7)
	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))

	require.Equal(t, Timeout, m.Lock(context.Background(), t2, row, S, Long, 10*time.Millisecond))
	require.False(t, t2.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Equal(t, Timeout, m.Lock(ctx, t3, row, S, Long, Forever))
	require.False(t, t3.Pending())
	require.Equal(t, 1, m.Stats().HeadsInUse)
}

func TestCloseUnparksWaiters(t *testing.T) {
	m := newTestManager(Options{})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)
	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))

	done := make(chan Result, 1)
	go func() {
		done <- m.Lock(context.Background(), t2, row, S, Long, Forever)
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()
	m.Close()

	select {
	case res := <-done:
		require.Equal(t, Timeout, res)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	require.False(t, t2.Pending())
	require.Equal(t, X, t1.HeldMode(row))
}

type recordingWaker struct {
	mu    sync.Mutex
	woken []uint64
}

func (w *recordingWaker) Wake(t *Txn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.woken = append(w.woken, t.ID())
}

func TestCustomWaker(t *testing.T) {
	w := &recordingWaker{}
	m := newTestManager(Options{Waker: w})
	t1, t2 := NewTxn(1), NewTxn(2)
	row := RowName(1, 7)

	require.Equal(t, OK, m.Acquire(t1, row, X, Long, NoWait, false))
	require.Equal(t, WouldBlock, m.Acquire(t2, row, X, Long, Forever, false))
	m.Release(t1, row)
	require.Equal(t, []uint64{2}, w.woken)
}

func TestConcurrentExclusiveSections(t *testing.T) {
	for _, mutexes := range []int{1, 4} {
		m := newTestManager(Options{MutexCount: mutexes})
		row := RowName(3, 3)

		var (
			wg      sync.WaitGroup
			inside  int
			maxSeen int
			guard   sync.Mutex
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id uint64) {
				defer wg.Done()
				txn := NewTxn(id)
				for j := 0; j < 50; j++ {
					if m.Lock(context.Background(), txn, row, X, Long, Forever) != OK {
						t.Errorf("lock failed for %d", id)
						return
					}
					guard.Lock()
					inside++
					maxSeen = max(maxSeen, inside)
					guard.Unlock()

					m.Acquire(txn, RowName(3, id), S, Short, NoWait, false)

					guard.Lock()
					inside--
					guard.Unlock()
					m.ReleaseAll(txn, VeryLong)
				}
			}(uint64(i + 1))
		}
		wg.Wait()

		require.Equal(t, 1, maxSeen)
		require.Equal(t, 0, m.Stats().HeadsInUse)
	}
}
