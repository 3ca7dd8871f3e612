package lock

import (
	"context"
	"time"

	"github.com/maxpert/txcore/telemetry"
	"github.com/rs/zerolog/log"
)

// AcquireRow locks one row of table. It first takes the matching intention
// lock on the table, then either escalates to a table lock (when the
// Escalator says so) or takes the row lock itself.
//
// When t is parked, AcquireRow polls the pending request and continues with
// the remaining steps once it is granted.
func (m *Manager) AcquireRow(t *Txn, table uint32, row uint64, mode Mode, class Class, timeout time.Duration) Result {
	if t.pending != nil {
		if res := m.resume(t); res != OK {
			return res
		}
		if m.rowCovered(t, table, row, mode) {
			return OK
		}
	}

	tname := TableName(table)
	if esc, ok := t.escalated[table]; ok && Covers(esc, mode) {
		return OK
	}

	if intent := intentFor(mode); !Covers(t.HeldMode(tname), intent) {
		if res := m.Acquire(t, tname, intent, class, timeout, false); res != OK {
			return res
		}
	}

	if m.opts.Escalator.ShouldEscalate(t, table, t.rowLocks[table]) && m.escalate(t, table, mode, class) {
		return OK
	}

	return m.Acquire(t, RowName(table, row), mode, class, timeout, false)
}

// LockRow is AcquireRow that parks the caller until the row is locked, the
// timeout passes or ctx is done.
func (m *Manager) LockRow(ctx context.Context, t *Txn, table uint32, row uint64, mode Mode, class Class, timeout time.Duration) Result {
	for {
		res := m.AcquireRow(t, table, row, mode, class, timeout)
		if res != WouldBlock {
			return res
		}
		if res = m.Wait(ctx, t); res != OK {
			return res
		}
		if m.rowCovered(t, table, row, mode) {
			return OK
		}
	}
}

func (m *Manager) rowCovered(t *Txn, table uint32, row uint64, mode Mode) bool {
	if esc, ok := t.escalated[table]; ok && Covers(esc, mode) {
		return true
	}
	return Covers(t.HeldMode(RowName(table, row)), mode)
}

// escalate tries, without waiting, to replace t's row locks on table with a
// single table lock dominating mode. Instant requests never escalate since
// nothing of theirs is retained.
func (m *Manager) escalate(t *Txn, table uint32, mode Mode, class Class) bool {
	if class == Instant {
		return false
	}
	tname := TableName(table)
	target := Upgrade(t.HeldMode(tname), escalatedFor(mode))
	// The table lock must outlive every row lock it replaces.
	class = max(class, t.rowClass(table))
	if res := m.Acquire(t, tname, target, class, NoWait, false); res != OK {
		return false
	}
	if !Covers(t.HeldMode(tname), target) {
		return false
	}
	t.escalated[table] = Upgrade(t.escalated[table], target)

	released := m.releaseRows(t, table, target)
	m.stats.escalations.Inc()
	telemetry.LockEscalationsTotal.Inc()
	log.Debug().
		Uint64("txn_id", t.id).
		Uint32("table", table).
		Str("mode", target.String()).
		Int("released", released).
		Msg("Escalated row locks to table lock")
	return true
}

// releaseRows drops t's short and long row locks on table that mode covers.
func (m *Manager) releaseRows(t *Txn, table uint32, mode Mode) int {
	var rows []*request
	for name, r := range t.requests {
		if name.Class != table || name.IsTable() || r.status != Granted || r.class > Long {
			continue
		}
		if Covers(mode, r.granted) {
			rows = append(rows, r)
		}
	}
	for _, r := range rows {
		sh := m.shardFor(r.name)
		sh.mu.Lock()
		m.drop(sh, t, r)
		sh.mu.Unlock()
	}
	return len(rows)
}
