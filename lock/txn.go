package lock

// Txn is the per-transaction lock list handed to the Manager. A Txn must be
// driven by a single goroutine at a time.
type Txn struct {
	id          uint64
	suspendable bool
	requests    map[Name]*request
	rowLocks    map[uint32]int
	escalated   map[uint32]Mode
	pending     *request
	wake        chan struct{}

	// visiting marks the transaction as on the current deadlock search path.
	// Only touched under the manager's single mutex.
	visiting bool
}

// NewTxn returns a suspendable lock list for transaction id.
func NewTxn(id uint64) *Txn {
	return &Txn{
		id:          id,
		suspendable: true,
		requests:    make(map[Name]*request),
		rowLocks:    make(map[uint32]int),
		escalated:   make(map[uint32]Mode),
		wake:        make(chan struct{}, 1),
	}
}

func (t *Txn) ID() uint64 {
	return t.id
}

// SetSuspendable controls whether Acquire may return WouldBlock for t.
// A non-suspendable transaction is denied immediately instead of waiting.
func (t *Txn) SetSuspendable(v bool) {
	t.suspendable = v
}

// Pending reports whether t is blocked on a lock request.
func (t *Txn) Pending() bool {
	return t.pending != nil
}

// PendingName returns the name t is blocked on.
func (t *Txn) PendingName() (Name, bool) {
	if t.pending == nil {
		return Name{}, false
	}
	return t.pending.name, true
}

// HeldMode returns the mode t holds on name, or Free.
func (t *Txn) HeldMode(name Name) Mode {
	r, ok := t.requests[name]
	if !ok || r.status != Granted {
		return Free
	}
	return r.granted
}

// HoldCount returns the re-entrant hold count t has on name.
func (t *Txn) HoldCount(name Name) int {
	r, ok := t.requests[name]
	if !ok || r.status != Granted {
		return 0
	}
	return r.count
}

// Held returns the number of lock names recorded in t's lock list.
func (t *Txn) Held() int {
	return len(t.requests)
}

// RowLocks returns the number of row locks t holds on table.
func (t *Txn) RowLocks(table uint32) int {
	return t.rowLocks[table]
}

// Escalated returns the table lock mode that replaced t's row locks on table.
func (t *Txn) Escalated(table uint32) (Mode, bool) {
	m, ok := t.escalated[table]
	return m, ok
}

// WakeC is signalled whenever one of t's pending requests is granted.
func (t *Txn) WakeC() <-chan struct{} {
	return t.wake
}

// rowClass is the longest class among t's granted row locks on table that
// escalation may release.
func (t *Txn) rowClass(table uint32) Class {
	c := Instant
	for name, r := range t.requests {
		if name.Class == table && !name.IsTable() && r.status == Granted && r.class <= Long {
			c = max(c, r.class)
		}
	}
	return c
}

func (t *Txn) track(r *request) {
	t.requests[r.name] = r
	if !r.name.IsTable() {
		t.rowLocks[r.name.Class]++
	}
}

func (t *Txn) untrack(r *request) {
	if cur, ok := t.requests[r.name]; !ok || cur != r {
		return
	}
	delete(t.requests, r.name)
	if !r.name.IsTable() {
		if n := t.rowLocks[r.name.Class] - 1; n > 0 {
			t.rowLocks[r.name.Class] = n
		} else {
			delete(t.rowLocks, r.name.Class)
		}
	} else {
		delete(t.escalated, r.name.Class)
	}
}
