package engine

import (
	"sync"

	"github.com/maxpert/txcore/lock"
	"github.com/maxpert/txcore/txn"
)

// Txn is a transaction handle: its shared Info, its lock list and the
// statements it registered. Like lock.Txn it must be driven by one
// goroutine at a time.
type Txn struct {
	info  *txn.Info
	locks *lock.Txn

	mu         sync.Mutex
	stmts      []uint64
	rolledBack []uint64
	write      bool
	credit     uint64
	ended      bool
}

func (t *Txn) ID() uint64 {
	return t.info.ID()
}

func (t *Txn) Info() *txn.Info {
	return t.info
}

// Locks is the lock list to pass to lock.Manager calls made directly.
func (t *Txn) Locks() *lock.Txn {
	return t.locks
}

func (t *Txn) State() txn.State {
	return t.info.State()
}

// ReadLevel is the highest commit sequence number visible to t.
func (t *Txn) ReadLevel() uint64 {
	level, _ := t.info.ReadLevel()
	return level
}

// Statements returns the live statement ids of t, in creation order.
func (t *Txn) Statements() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.stmts))
	for _, s := range t.stmts {
		if !contains(t.rolledBack, s) {
			out = append(out, s)
		}
	}
	return out
}

func (t *Txn) IsWrite() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write
}

// TxnStatus describes a live transaction for the admin surface.
type TxnStatus struct {
	ID         uint64 `json:"id"`
	State      string `json:"state"`
	ReadLevel  uint64 `json:"read_level"`
	CommitSeq  uint64 `json:"commit_seq,omitempty"`
	Write      bool   `json:"write"`
	Statements int    `json:"statements"`
}

func (t *Txn) status() TxnStatus {
	t.mu.Lock()
	st := TxnStatus{
		ID:         t.info.ID(),
		State:      t.info.State().String(),
		ReadLevel:  t.ReadLevel(),
		Write:      t.write,
		Statements: len(t.stmts) - len(t.rolledBack),
	}
	t.mu.Unlock()

	st.CommitSeq, _ = t.info.CommitSeq()
	return st
}

func contains(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
