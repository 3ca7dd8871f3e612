package lock

import (
	"time"

	"github.com/rs/zerolog/log"
)

// lockHead is the record for one contended lock name.
type lockHead struct {
	name    Name
	granted Mode // supremum of the granted group
	queue   []*request
	waiting bool
	gen     uint64
	inUse   bool
}

// request pairs one transaction with one lock name.
// A conversion in progress is a second queue entry whose owner is the
// transaction's granted request.
type request struct {
	txn      *Txn
	head     *lockHead
	headGen  uint64
	name     Name
	mode     Mode // requested
	granted  Mode
	status   Status
	count    int
	class    Class
	deadline time.Time
	owner    *request
	pooled   bool
}

func (r *request) waiting() bool {
	return r.status == Waiting || r.status == Converting
}

// headPool is a free-list of lock heads capped at highWater entries.
// It is owned by a shard and only touched under the shard mutex.
type headPool struct {
	free      []*lockHead
	highWater int
}

func (p *headPool) get(name Name) *lockHead {
	var h *lockHead
	if n := len(p.free); n > 0 {
		h = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		h = &lockHead{}
	}
	h.name = name
	h.granted = Free
	h.waiting = false
	h.inUse = true
	return h
}

func (p *headPool) put(h *lockHead) {
	if !h.inUse {
		log.Panic().Str("lock", h.name.String()).Msg("Lock head returned to free-list twice")
	}
	if len(h.queue) != 0 {
		log.Panic().Str("lock", h.name.String()).Int("queue", len(h.queue)).Msg("Lock head freed with non-empty queue")
	}
	h.inUse = false
	h.gen++
	h.granted = Free
	h.waiting = false
	h.queue = h.queue[:0]
	if len(p.free) < p.highWater {
		p.free = append(p.free, h)
	}
}

// requestPool recycles request records.
type requestPool struct {
	free      []*request
	highWater int
}

func (p *requestPool) get() *request {
	if n := len(p.free); n > 0 {
		r := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		r.pooled = false
		return r
	}
	return &request{}
}

func (p *requestPool) put(r *request) {
	if r.pooled {
		log.Panic().Str("lock", r.name.String()).Msg("Lock request returned to free-list twice")
	}
	*r = request{status: Denied, pooled: true}
	if len(p.free) < p.highWater {
		p.free = append(p.free, r)
	}
}
