package txn

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a transaction.
type State uint8

const (
	Begin State = iota
	Validate
	Commit
	Abort
	// ToBeAborted marks a transaction chosen as a victim that has not yet
	// rolled back.
	ToBeAborted
	// Saved marks a transaction restored from a checkpoint whose outcome is
	// still in doubt.
	Saved
)

func (s State) String() string {
	switch s {
	case Begin:
		return "begin"
	case Validate:
		return "validate"
	case Commit:
		return "commit"
	case Abort:
		return "abort"
	case ToBeAborted:
		return "to_be_aborted"
	case Saved:
		return "saved"
	}
	return "invalid"
}

// Ended reports whether s is terminal.
func (s State) Ended() bool {
	return s == Commit || s == Abort
}

// Read-only transactions commit straight from Begin without a commit
// sequence number.
var transitions = map[State][]State{
	Begin:       {Validate, Commit, Abort, ToBeAborted, Saved},
	Validate:    {Commit, Abort, ToBeAborted, Saved},
	ToBeAborted: {Abort},
	Saved:       {Commit, Abort},
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Info is the shared record of one transaction. It is referenced by buffer
// entries and by the global state, and becomes unusable once the last
// holder unlinks it.
type Info struct {
	mu          sync.Mutex
	id          uint64
	state       State
	commitSeq   uint64
	hasCommit   bool
	readLevel   uint64
	hasRead     bool
	links       int
	released    bool
	replication any
}

func NewInfo(id uint64) *Info {
	return &Info{id: id, state: Begin}
}

func (i *Info) ID() uint64 {
	return i.id
}

func (i *Info) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Ended reports whether the transaction committed or aborted.
func (i *Info) Ended() bool {
	return i.State().Ended()
}

// SetState moves the transaction forward. Setting the current state again
// is a no-op; any other backwards or sideways move panics.
func (i *Info) SetState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == s {
		return
	}
	if !legal(i.state, s) {
		log.Panic().
			Uint64("txn_id", i.id).
			Str("from", i.state.String()).
			Str("to", s.String()).
			Msg("Illegal transaction state transition")
	}
	if s == Commit && i.state == Validate && !i.hasCommit {
		log.Panic().Uint64("txn_id", i.id).Msg("Commit without a commit sequence number")
	}
	i.state = s
}

// SetCommitSeq assigns the commit sequence number exactly once.
func (i *Info) SetCommitSeq(seq uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.hasCommit || i.state.Ended() {
		log.Panic().Uint64("txn_id", i.id).Uint64("seq", seq).Msg("Commit sequence number already assigned")
	}
	i.commitSeq = seq
	i.hasCommit = true
}

func (i *Info) CommitSeq() (uint64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.commitSeq, i.hasCommit
}

// SetReadLevel assigns the snapshot boundary. A second assignment must
// agree with the first.
func (i *Info) SetReadLevel(level uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.hasRead && i.readLevel != level {
		log.Panic().
			Uint64("txn_id", i.id).
			Uint64("read_level", i.readLevel).
			Uint64("new_read_level", level).
			Msg("Read level already assigned")
	}
	i.readLevel = level
	i.hasRead = true
}

func (i *Info) ReadLevel() (uint64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.readLevel, i.hasRead
}

// Link registers one more holder.
func (i *Info) Link() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		log.Panic().Uint64("txn_id", i.id).Msg("Link on a released transaction")
	}
	i.links++
}

// Unlink drops one holder and returns how many remain. The record is
// released when the count reaches zero.
func (i *Info) Unlink() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.links == 0 {
		log.Panic().Uint64("txn_id", i.id).Msg("Transaction unlinked more times than linked")
	}
	i.links--
	if i.links == 0 {
		i.released = true
	}
	return i.links
}

func (i *Info) Links() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.links
}

// Released reports whether every holder has let go of the record.
func (i *Info) Released() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.released
}

// Replication returns the replication side channel, if any.
func (i *Info) Replication() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.replication
}

func (i *Info) SetReplication(v any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.replication = v
}

// view is a consistent copy of the visibility fields.
type view struct {
	state     State
	commitSeq uint64
	hasCommit bool
	readLevel uint64
}

func (i *Info) view() view {
	i.mu.Lock()
	defer i.mu.Unlock()
	return view{
		state:     i.state,
		commitSeq: i.commitSeq,
		hasCommit: i.hasCommit,
		readLevel: i.readLevel,
	}
}
