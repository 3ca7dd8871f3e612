package lock

import (
	"context"
	"time"

	"github.com/maxpert/txcore/telemetry"
)

// Lock is Acquire that parks the calling goroutine while the request waits.
func (m *Manager) Lock(ctx context.Context, t *Txn, name Name, mode Mode, class Class, timeout time.Duration) Result {
	res := m.Acquire(t, name, mode, class, timeout, false)
	if res != WouldBlock {
		return res
	}
	return m.Wait(ctx, t)
}

// Wait parks until t's pending request is granted, times out, or ctx is done.
// Context cancellation and Close behave like CancelWaiting.
func (m *Manager) Wait(ctx context.Context, t *Txn) Result {
	p := t.pending
	if p == nil {
		return OK
	}

	start := time.Now()
	defer func() {
		telemetry.LockWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	var expired <-chan time.Time
	if !p.deadline.IsZero() {
		timer := time.NewTimer(time.Until(p.deadline))
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if res := m.resume(t); res != WouldBlock {
			return res
		}

		select {
		case <-t.wake:
		case <-expired:
			expired = nil
		case <-ctx.Done():
			return m.CancelWaiting(t)
		case <-m.done:
			return m.CancelWaiting(t)
		}
	}
}
