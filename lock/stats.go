package lock

import (
	"github.com/maxpert/txcore/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

type counters struct {
	requests    *xsync.Counter
	grants      *xsync.Counter
	waits       *xsync.Counter
	timeouts    *xsync.Counter
	deadlocks   *xsync.Counter
	escalations *xsync.Counter
}

func newCounters() *counters {
	return &counters{
		requests:    xsync.NewCounter(),
		grants:      xsync.NewCounter(),
		waits:       xsync.NewCounter(),
		timeouts:    xsync.NewCounter(),
		deadlocks:   xsync.NewCounter(),
		escalations: xsync.NewCounter(),
	}
}

// Stats is a point-in-time snapshot of the lock table.
type Stats struct {
	Requests    int64 `json:"requests"`
	Grants      int64 `json:"grants"`
	Waits       int64 `json:"waits"`
	Timeouts    int64 `json:"timeouts"`
	Deadlocks   int64 `json:"deadlocks"`
	Escalations int64 `json:"escalations"`

	Mutexes        int `json:"mutexes"`
	HeadsInUse     int `json:"heads_in_use"`
	Waiting        int `json:"waiting_heads"`
	PooledHeads    int `json:"pooled_heads"`
	PooledRequests int `json:"pooled_requests"`
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Requests:    m.stats.requests.Value(),
		Grants:      m.stats.grants.Value(),
		Waits:       m.stats.waits.Value(),
		Timeouts:    m.stats.timeouts.Value(),
		Deadlocks:   m.stats.deadlocks.Value(),
		Escalations: m.stats.escalations.Value(),
		Mutexes:     len(m.shards),
	}
	for _, sh := range m.shards {
		sh.mu.Lock()
		s.HeadsInUse += len(sh.heads)
		for _, h := range sh.heads {
			if h.waiting {
				s.Waiting++
			}
		}
		s.PooledHeads += len(sh.headPool.free)
		s.PooledRequests += len(sh.reqPool.free)
		sh.mu.Unlock()
	}
	telemetry.LockHeadsInUse.Set(float64(s.HeadsInUse))
	return s
}

// Holders lists the transactions granted on name with their modes.
func (m *Manager) Holders(name Name) map[uint64]Mode {
	sh := m.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	h, ok := sh.heads[name]
	if !ok {
		return nil
	}
	out := make(map[uint64]Mode, len(h.queue))
	for _, q := range h.queue {
		if q.status == Granted {
			out[q.txn.id] = Upgrade(out[q.txn.id], q.granted)
		}
	}
	return out
}

// GrantedMode returns the supremum of the granted group on name.
func (m *Manager) GrantedMode(name Name) Mode {
	sh := m.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if h, ok := sh.heads[name]; ok {
		return h.granted
	}
	return Free
}
