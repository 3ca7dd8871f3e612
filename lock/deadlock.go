package lock

// deadlockSearch is a bounded depth-first walk of the wait-for graph.
// Running out of depth or budget reports no deadlock; the request's own
// timeout is the fallback.
type deadlockSearch struct {
	maxDepth  int
	budget    int
	exhausted bool
}

// deadlocked reports whether queueing r for t would close a wait-for cycle.
// Callers hold the lock table mutex, which is the only mutex when deadlock
// detection is enabled.
func (m *Manager) deadlocked(t *Txn, r *request) bool {
	s := deadlockSearch{
		maxDepth: m.opts.MaxDeadlockDepth,
		budget:   m.opts.MaxDeadlockRequests,
	}
	t.visiting = true
	defer func() { t.visiting = false }()
	return s.walk(r, 1)
}

func (s *deadlockSearch) walk(r *request, depth int) bool {
	if depth > s.maxDepth {
		s.exhausted = true
		return false
	}

	ahead := true
	for _, q := range r.head.queue {
		if q == r {
			ahead = false
			continue
		}
		if q.txn == r.txn || !blocks(q, r, ahead) {
			continue
		}

		s.budget--
		if s.budget < 0 {
			s.exhausted = true
			return false
		}

		u := q.txn
		if u.visiting {
			return true
		}
		p := u.pending
		if p == nil || !p.waiting() {
			continue
		}

		u.visiting = true
		found := s.walk(p, depth+1)
		u.visiting = false
		if found || s.exhausted {
			return found
		}
	}
	return false
}

// blocks reports whether q stands between r and a grant: a conflicting
// granted request anywhere in the queue, or any queued request ahead of r.
func blocks(q, r *request, ahead bool) bool {
	if q.status == Granted {
		return !Compatible(r.mode, q.granted)
	}
	return ahead && q.waiting()
}
