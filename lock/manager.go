package lock

import (
	"sync"
	"time"

	"github.com/maxpert/txcore/telemetry"
	"github.com/rs/zerolog/log"
)

// shard is one partition of the lock table with its own mutex and free-lists.
type shard struct {
	mu       sync.Mutex
	heads    map[Name]*lockHead
	headPool headPool
	reqPool  requestPool
}

func (sh *shard) newRequest(t *Txn, h *lockHead, mode Mode, class Class) *request {
	r := sh.reqPool.get()
	r.txn = t
	r.head = h
	r.headGen = h.gen
	r.name = h.name
	r.mode = mode
	r.granted = Free
	r.class = class
	r.count = 1
	return r
}

// Manager grants multi-granularity locks on named resources.
type Manager struct {
	opts   Options
	shards []*shard
	stats  *counters

	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(opts Options) *Manager {
	opts = opts.normalized()
	if opts.DeadlockDetection && opts.MutexCount > 1 {
		log.Warn().
			Int("mutex_count", opts.MutexCount).
			Msg("Deadlock detection needs a consistent wait-for graph, using a single lock table mutex")
		opts.MutexCount = 1
	}

	m := &Manager{
		opts:   opts,
		shards: make([]*shard, opts.MutexCount),
		stats:  newCounters(),
		done:   make(chan struct{}),
	}
	buckets := max(1, opts.BucketCount/opts.MutexCount)
	for i := range m.shards {
		m.shards[i] = &shard{
			heads:    make(map[Name]*lockHead, buckets),
			headPool: headPool{highWater: opts.HeadPoolHighWater / opts.MutexCount},
			reqPool:  requestPool{highWater: opts.RequestPoolHighWater / opts.MutexCount},
		}
	}
	return m
}

// Close unparks every goroutine blocked in Wait; their requests are
// cancelled. Non-blocking calls keep working.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		st := m.Stats()
		log.Debug().
			Int64("requests", st.Requests).
			Int64("deadlocks", st.Deadlocks).
			Int("heads_in_use", st.HeadsInUse).
			Msg("Lock manager closed")
	})
}

func (m *Manager) shardFor(n Name) *shard {
	if len(m.shards) == 1 {
		return m.shards[0]
	}
	return m.shards[n.hash()%uint64(len(m.shards))]
}

// Acquire requests mode on name for t. If t is blocked on an earlier request
// the call polls that request instead and the other arguments are ignored.
//
// A timeout of NoWait, or a transaction that cannot be suspended, turns any
// conflict into Timeout. Otherwise a conflicting request is queued and
// WouldBlock is returned; the caller retries Acquire (or calls Wait) once
// woken. Probe calls report grantability without queueing anything.
func (m *Manager) Acquire(t *Txn, name Name, mode Mode, class Class, timeout time.Duration, probe bool) Result {
	if t.pending != nil {
		return m.resume(t)
	}

	if !mode.Valid() || mode == Free {
		log.Panic().Uint64("txn_id", t.id).Str("mode", mode.String()).Msg("Invalid lock mode requested")
	}

	sh := m.shardFor(name)
	sh.mu.Lock()
	res := m.acquireLocked(sh, t, name, mode, class, timeout, probe)
	sh.mu.Unlock()

	m.record(res)
	return res
}

func (m *Manager) acquireLocked(sh *shard, t *Txn, name Name, mode Mode, class Class, timeout time.Duration, probe bool) Result {
	h, ok := sh.heads[name]
	if !ok {
		if probe {
			return OK
		}
		h = sh.headPool.get(name)
		sh.heads[name] = h
		r := sh.newRequest(t, h, mode, class)
		r.status = Granted
		r.granted = mode
		h.queue = append(h.queue, r)
		h.granted = mode
		t.track(r)
		return m.granted(sh, t, r)
	}

	if r, held := t.requests[name]; held {
		return m.convert(sh, h, t, r, mode, class, timeout, probe)
	}

	if !h.waiting && Compatible(mode, h.granted) {
		if probe {
			return OK
		}
		r := sh.newRequest(t, h, mode, class)
		r.status = Granted
		r.granted = mode
		h.queue = append(h.queue, r)
		h.granted = Upgrade(h.granted, mode)
		t.track(r)
		return m.granted(sh, t, r)
	}

	if probe {
		return Timeout
	}
	r := sh.newRequest(t, h, mode, class)
	r.status = Waiting
	h.queue = append(h.queue, r)
	h.waiting = true
	t.track(r)
	return m.block(sh, t, r, timeout)
}

func (m *Manager) convert(sh *shard, h *lockHead, t *Txn, r *request, mode Mode, class Class, timeout time.Duration, probe bool) Result {
	if r.status != Granted {
		log.Panic().Uint64("txn_id", t.id).Str("lock", r.name.String()).Msg("Conversion on a request that is not granted")
	}
	if Covers(r.granted, mode) {
		if !probe && class != Instant {
			r.count++
			r.class = max(r.class, class)
		}
		return OK
	}

	// Queued conversions of other transactions go first.
	want := Upgrade(r.granted, mode)
	if Compatible(want, h.othersHeld(r)) {
		if probe || class == Instant {
			return OK
		}
		r.granted = want
		r.mode = want
		r.count++
		r.class = max(r.class, class)
		h.granted = Upgrade(h.granted, want)
		return OK
	}

	if probe {
		return Timeout
	}
	c := sh.newRequest(t, h, want, class)
	c.status = Converting
	c.owner = r
	h.insertConversion(c)
	h.waiting = true
	return m.block(sh, t, c, timeout)
}

// block parks r or denies it.
func (m *Manager) block(sh *shard, t *Txn, r *request, timeout time.Duration) Result {
	if timeout != NoWait && t.suspendable && m.opts.DeadlockDetection && m.deadlocked(t, r) {
		m.stats.deadlocks.Inc()
		telemetry.LockDeadlocksTotal.Inc()
		log.Debug().
			Uint64("txn_id", t.id).
			Str("lock", r.name.String()).
			Str("mode", r.mode.String()).
			Msg("Deadlock detected, denying lock request")
		timeout = NoWait
	}

	if timeout == NoWait || !t.suspendable {
		m.drop(sh, t, r)
		return Timeout
	}

	if timeout > 0 {
		r.deadline = time.Now().Add(timeout)
	}
	t.pending = r
	m.stats.waits.Inc()
	return WouldBlock
}

// resume polls t's pending request, counting only final outcomes.
func (m *Manager) resume(t *Txn) Result {
	res := m.poll(t)
	if res != WouldBlock {
		m.record(res)
	}
	return res
}

func (m *Manager) poll(t *Txn) Result {
	r := t.pending
	sh := m.shardFor(r.name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r.status == Granted {
		t.pending = nil
		return m.finish(sh, t, r)
	}
	if !r.deadline.IsZero() && !time.Now().Before(r.deadline) {
		t.pending = nil
		m.drop(sh, t, r)
		return Timeout
	}
	return WouldBlock
}

// finish completes a request that was granted while t was parked.
func (m *Manager) finish(sh *shard, t *Txn, r *request) Result {
	if r.owner != nil {
		// Conversion entries were merged into the owner when granted.
		sh.reqPool.put(r)
		return OK
	}
	return m.granted(sh, t, r)
}

func (m *Manager) granted(sh *shard, t *Txn, r *request) Result {
	if r.class == Instant {
		m.drop(sh, t, r)
	}
	return OK
}

// Release gives up one hold on name. Names t does not hold, pending requests
// and locks of class VeryLong are left untouched.
func (m *Manager) Release(t *Txn, name Name) {
	r, ok := t.requests[name]
	if !ok {
		return
	}
	if p := t.pending; p != nil && (p == r || p.owner == r) {
		return
	}

	sh := m.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r.status != Granted || r.class > Long {
		return
	}
	if r.count > 1 {
		r.count--
		return
	}
	m.drop(sh, t, r)
}

// ReleaseAll drops every lock of t whose class is at most through, regardless
// of hold counts, and cancels any pending request. It returns the number of
// names released.
func (m *Manager) ReleaseAll(t *Txn, through Class) int {
	if t.pending != nil {
		m.CancelWaiting(t)
	}

	names := make([]Name, 0, len(t.requests))
	for name, r := range t.requests {
		if r.class <= through {
			names = append(names, name)
		}
	}

	for _, name := range names {
		r := t.requests[name]
		sh := m.shardFor(name)
		sh.mu.Lock()
		m.drop(sh, t, r)
		sh.mu.Unlock()
	}
	return len(names)
}

// CancelWaiting abandons t's pending request. A request that was granted in
// the meantime is kept and OK is returned; otherwise it is unwound like a
// timeout and Timeout is returned.
func (m *Manager) CancelWaiting(t *Txn) Result {
	r := t.pending
	if r == nil {
		return OK
	}

	sh := m.shardFor(r.name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	t.pending = nil
	if r.status == Granted {
		return m.finish(sh, t, r)
	}
	m.drop(sh, t, r)
	return Timeout
}

// drop removes r from its head and recycles it, waking whoever can now run.
func (m *Manager) drop(sh *shard, t *Txn, r *request) {
	h := r.head
	if h == nil || !h.inUse || h.gen != r.headGen {
		log.Panic().Uint64("txn_id", t.id).Str("lock", r.name.String()).Msg("Lock request refers to a recycled lock head")
	}
	h.remove(r)
	t.untrack(r)
	sh.reqPool.put(r)

	if len(h.queue) == 0 {
		delete(sh.heads, h.name)
		sh.headPool.put(h)
		return
	}
	m.regrant(h)
}

// regrant recomputes the granted group of h and grants queued requests in
// order until the first one that still conflicts.
func (m *Manager) regrant(h *lockHead) {
	granted := Free
	for _, q := range h.queue {
		if q.status == Granted {
			granted = Upgrade(granted, q.granted)
		}
	}
	h.granted = granted
	h.waiting = false

	for i := 0; i < len(h.queue); {
		q := h.queue[i]
		switch q.status {
		case Converting:
			owner := q.owner
			if !Compatible(q.mode, h.othersGranted(owner)) {
				h.waiting = true
				return
			}
			if q.class != Instant {
				owner.granted = Upgrade(owner.granted, q.mode)
				owner.mode = owner.granted
				owner.count++
				owner.class = max(owner.class, q.class)
				h.granted = Upgrade(h.granted, owner.granted)
			}
			h.removeAt(i)
			q.status = Granted
			m.wake(q.txn)
			continue
		case Waiting:
			if !Compatible(q.mode, h.granted) {
				h.waiting = true
				return
			}
			q.status = Granted
			q.granted = q.mode
			h.granted = Upgrade(h.granted, q.mode)
			m.wake(q.txn)
		}
		i++
	}
}

func (m *Manager) wake(t *Txn) {
	select {
	case t.wake <- struct{}{}:
	default:
	}
	if m.opts.Waker != nil {
		m.opts.Waker.Wake(t)
	}
}

func (m *Manager) record(res Result) {
	m.stats.requests.Inc()
	switch res {
	case OK:
		m.stats.grants.Inc()
	case Timeout:
		m.stats.timeouts.Inc()
	}
	telemetry.LockRequestsTotal.With(res.String()).Inc()
}

// othersGranted folds the granted modes of every request on h except those
// owned by self's transaction.
func (h *lockHead) othersGranted(self *request) Mode {
	mode := Free
	for _, q := range h.queue {
		if q.status == Granted && q.txn != self.txn {
			mode = Upgrade(mode, q.granted)
		}
	}
	return mode
}

// othersHeld is othersGranted plus the target modes of other transactions'
// queued conversions.
func (h *lockHead) othersHeld(self *request) Mode {
	mode := Free
	for _, q := range h.queue {
		if q.txn == self.txn {
			continue
		}
		switch q.status {
		case Granted:
			mode = Upgrade(mode, q.granted)
		case Converting:
			mode = Upgrade(mode, q.mode)
		}
	}
	return mode
}

// insertConversion queues c behind granted and converting entries but ahead
// of new waiters.
func (h *lockHead) insertConversion(c *request) {
	i := 0
	for i < len(h.queue) && h.queue[i].status != Waiting {
		i++
	}
	h.queue = append(h.queue, nil)
	copy(h.queue[i+1:], h.queue[i:])
	h.queue[i] = c
}

func (h *lockHead) remove(r *request) {
	for i, q := range h.queue {
		if q == r {
			h.removeAt(i)
			return
		}
	}
	log.Panic().Str("lock", r.name.String()).Msg("Lock request not found in its queue")
}

func (h *lockHead) removeAt(i int) {
	copy(h.queue[i:], h.queue[i+1:])
	h.queue[len(h.queue)-1] = nil
	h.queue = h.queue[:len(h.queue)-1]
}
