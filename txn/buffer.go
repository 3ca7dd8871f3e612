package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/telemetry"
	"github.com/rs/zerolog/log"
)

// Visibility is the answer to a statement lookup.
type Visibility struct {
	State State
	// Seq is the commit sequence number for committed statements and the
	// read level otherwise.
	Seq   uint64
	Owner uint64
	// Known is false when the statement is neither registered nor covered
	// by a threshold. Such statements are treated as in flight.
	Known bool
}

type entry struct {
	stmt       uint64
	info       *Info
	disabled   bool
	prev, next *entry
}

type bufferShard struct {
	mu         sync.Mutex
	entries    map[uint64]*entry
	head, tail *entry
}

func (s *bufferShard) push(e *entry) {
	e.prev = s.tail
	if s.tail != nil {
		s.tail.next = e
	} else {
		s.head = e
	}
	s.tail = e
	s.entries[e.stmt] = e
}

func (s *bufferShard) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
	delete(s.entries, e.stmt)
}

type BufferOptions struct {
	ShardCount int
	// VisibleAll starts the buffer in visible-to-all mode.
	VisibleAll bool
	Persister  ListPersister
}

// DefaultBufferOptions builds BufferOptions from the loaded configuration.
func DefaultBufferOptions(p ListPersister) BufferOptions {
	return BufferOptions{
		ShardCount: cfg.Config.TxnBuffer.ShardCount,
		VisibleAll: cfg.Config.TxnBuffer.VisibleAll,
		Persister:  p,
	}
}

// Buffer maps statement ids to their transactions. Entries live in shards
// chosen by statement id, each guarded by its own mutex.
type Buffer struct {
	shards    []*bufferShard
	persister ListPersister

	abortThreshold      atomic.Uint64
	visibleAllThreshold atomic.Uint64
	visibleAll          atomic.Bool
	recovering          atomic.Bool
}

func NewBuffer(opts BufferOptions) *Buffer {
	if opts.ShardCount < 1 {
		opts.ShardCount = 1
	}
	b := &Buffer{
		shards:    make([]*bufferShard, opts.ShardCount),
		persister: opts.Persister,
	}
	for i := range b.shards {
		b.shards[i] = &bufferShard{entries: make(map[uint64]*entry)}
	}
	b.visibleAll.Store(opts.VisibleAll)
	return b
}

func (b *Buffer) shardFor(stmt uint64) *bufferShard {
	return b.shards[stmt%uint64(len(b.shards))]
}

// lockAll takes every shard mutex in ascending order.
func (b *Buffer) lockAll() {
	for _, s := range b.shards {
		s.mu.Lock()
	}
}

func (b *Buffer) unlockAll() {
	for i := len(b.shards) - 1; i >= 0; i-- {
		b.shards[i].mu.Unlock()
	}
}

// Add registers the transaction under its own id.
func (b *Buffer) Add(info *Info) {
	b.AddStatement(info.ID(), info)
}

// AddStatement maps stmt to info. Statement ids are unique; registering one
// twice panics.
func (b *Buffer) AddStatement(stmt uint64, info *Info) {
	s := b.shardFor(stmt)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[stmt]; ok {
		log.Panic().Uint64("stmt_id", stmt).Uint64("txn_id", info.ID()).Msg("Duplicate statement id")
	}
	info.Link()
	s.push(&entry{stmt: stmt, info: info})
}

// RemoveStatement forgets stmt, as when a statement rolls back.
func (b *Buffer) RemoveStatement(stmt uint64) bool {
	s := b.shardFor(stmt)
	s.mu.Lock()
	e, ok := s.entries[stmt]
	if ok {
		s.unlink(e)
	}
	s.mu.Unlock()

	if ok {
		e.info.Unlink()
	}
	return ok
}

// GetState resolves the visibility of stmt. Statements missing from the
// buffer fall back to the abort threshold, or in visible-to-all mode to the
// visible-all threshold.
func (b *Buffer) GetState(stmt uint64) Visibility {
	s := b.shardFor(stmt)
	s.mu.Lock()
	e, ok := s.entries[stmt]
	var v view
	var disabled bool
	if ok {
		v = e.info.view()
		disabled = e.disabled
		owner := e.info.ID()
		s.mu.Unlock()

		if disabled {
			return Visibility{State: Abort, Owner: owner, Known: true}
		}
		seq := v.readLevel
		if v.state == Commit {
			seq = v.commitSeq
		}
		return Visibility{State: v.state, Seq: seq, Owner: owner, Known: true}
	}
	s.mu.Unlock()

	if b.visibleAll.Load() {
		if stmt <= b.visibleAllThreshold.Load() {
			return Visibility{State: Commit, Known: true}
		}
	} else if stmt <= b.abortThreshold.Load() {
		return Visibility{State: Abort, Known: true}
	}
	return Visibility{State: Begin}
}

// Clean drops ended entries whose effects the merge process has made
// permanent: committed entries with a commit sequence number at or below
// cleanSeq and aborted entries with a statement id at or below abortID.
// Transactions in open, the set that was still running when the merge pass
// started, are kept. The abort threshold is raised to abortID.
func (b *Buffer) Clean(cleanSeq, abortID uint64, open map[uint64]struct{}) int {
	var dropped []*Info

	b.lockAll()
	for _, s := range b.shards {
		for e := s.head; e != nil; {
			next := e.next
			if b.removable(e, cleanSeq, abortID, open) {
				s.unlink(e)
				dropped = append(dropped, e.info)
			}
			e = next
		}
	}
	b.raiseAbortThreshold(abortID)
	b.unlockAll()

	for _, info := range dropped {
		info.Unlink()
	}
	telemetry.TxnBufferCleanedTotal.Add(float64(len(dropped)))
	return len(dropped)
}

func (b *Buffer) removable(e *entry, cleanSeq, abortID uint64, open map[uint64]struct{}) bool {
	if _, running := open[e.info.ID()]; running {
		return false
	}
	v := e.info.view()
	if e.disabled {
		// Rolled back: the abort threshold takes over once the owner is done.
		return v.state.Ended() && e.stmt <= abortID
	}
	switch v.state {
	case Commit:
		return v.commitSeq <= cleanSeq
	case Abort:
		return e.stmt <= abortID
	}
	return false
}

// SetAbortThreshold raises the id at or below which unknown statements are
// deemed aborted. Lower values are ignored.
func (b *Buffer) SetAbortThreshold(id uint64) {
	b.raiseAbortThreshold(id)
}

func (b *Buffer) raiseAbortThreshold(id uint64) {
	for {
		cur := b.abortThreshold.Load()
		if id <= cur || b.abortThreshold.CompareAndSwap(cur, id) {
			return
		}
	}
}

func (b *Buffer) AbortThreshold() uint64 {
	return b.abortThreshold.Load()
}

// BeginRecovery opens the window in which visible-to-all mode may change.
func (b *Buffer) BeginRecovery() {
	b.recovering.Store(true)
}

func (b *Buffer) EndRecovery() {
	b.recovering.Store(false)
}

func (b *Buffer) Recovering() bool {
	return b.recovering.Load()
}

// SetVisibleAll switches between visible-to-all and abort-threshold lookup.
// It is only legal during recovery.
func (b *Buffer) SetVisibleAll(enabled bool, threshold uint64) {
	if !b.recovering.Load() {
		log.Panic().Bool("visible_all", enabled).Msg("Visible-all mode changed outside recovery")
	}
	b.visibleAllThreshold.Store(threshold)
	b.visibleAll.Store(enabled)
	log.Info().Bool("visible_all", enabled).Uint64("threshold", threshold).Msg("Transaction buffer lookup mode changed")
}

func (b *Buffer) VisibleAll() (bool, uint64) {
	return b.visibleAll.Load(), b.visibleAllThreshold.Load()
}

// DisableStatement hides stmt from lookups while keeping it registered.
// Disabled statements read as aborted. Clean keeps them until their owner
// has ended and the abort threshold reaches them.
func (b *Buffer) DisableStatement(stmt uint64) bool {
	return b.setDisabled(stmt, true)
}

func (b *Buffer) EnableStatement(stmt uint64) bool {
	return b.setDisabled(stmt, false)
}

func (b *Buffer) setDisabled(stmt uint64, v bool) bool {
	s := b.shardFor(stmt)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[stmt]
	if ok {
		e.disabled = v
	}
	return ok
}

// Len counts registered statements.
func (b *Buffer) Len() int {
	b.lockAll()
	defer b.unlockAll()
	n := 0
	for _, s := range b.shards {
		n += len(s.entries)
	}
	return n
}

// Range calls fn for every statement, shard by shard in insertion order,
// until fn returns false. fn runs under a shard mutex and must not call
// back into the buffer.
func (b *Buffer) Range(fn func(stmt uint64, info *Info) bool) {
	for _, s := range b.shards {
		s.mu.Lock()
		for e := s.head; e != nil; e = e.next {
			if !fn(e.stmt, e.info) {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
	}
}

// Snapshot captures every mapping a restart needs: everything except
// aborted statements already covered by the abort threshold.
func (b *Buffer) Snapshot() *SavedList {
	b.lockAll()
	defer b.unlockAll()

	list := &SavedList{
		AbortThreshold:      b.abortThreshold.Load(),
		VisibleAll:          b.visibleAll.Load(),
		VisibleAllThreshold: b.visibleAllThreshold.Load(),
	}
	for _, s := range b.shards {
		for e := s.head; e != nil; e = e.next {
			v := e.info.view()
			if (v.state == Abort || e.disabled && v.state.Ended()) && e.stmt <= list.AbortThreshold {
				continue
			}
			state := v.state
			if !state.Ended() {
				state = Saved
			}
			list.Entries = append(list.Entries, SavedEntry{
				Stmt:      e.stmt,
				Txn:       e.info.ID(),
				State:     state,
				CommitSeq: v.commitSeq,
				HasCommit: v.hasCommit && state == Commit,
				Disabled:  e.disabled,
			})
		}
	}
	return list
}

// Save persists a snapshot of the buffer. The buffer is not modified, so a
// failed save can simply be retried.
func (b *Buffer) Save() (Addr, error) {
	if b.persister == nil {
		return 0, fmt.Errorf("transaction buffer has no list persister")
	}
	list := b.Snapshot()
	addr, err := b.persister.PersistList(list)
	if err != nil {
		return 0, fmt.Errorf("failed to persist transaction buffer: %w", err)
	}
	log.Debug().Int("entries", len(list.Entries)).Uint64("addr", uint64(addr)).Msg("Transaction buffer saved")
	return addr, nil
}

// Restore loads the list at addr into the buffer. Transactions whose outcome
// was not known at save time come back in state Saved with their statements
// disabled; they are returned so recovery can resolve them.
func (b *Buffer) Restore(addr Addr) ([]*Info, error) {
	if b.persister == nil {
		return nil, fmt.Errorf("transaction buffer has no list persister")
	}
	list, err := b.persister.RestoreList(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to restore transaction buffer: %w", err)
	}

	infos := make(map[uint64]*Info)
	var inDoubt []*Info
	for _, se := range list.Entries {
		info, ok := infos[se.Txn]
		if !ok {
			info = NewInfo(se.Txn)
			if se.HasCommit {
				info.SetCommitSeq(se.CommitSeq)
			}
			switch se.State {
			case Commit, Abort, Saved:
				info.SetState(se.State)
			default:
				info.SetState(Saved)
			}
			infos[se.Txn] = info
			if info.State() == Saved {
				inDoubt = append(inDoubt, info)
			}
		}
		b.AddStatement(se.Stmt, info)
		if se.Disabled || info.State() == Saved {
			b.DisableStatement(se.Stmt)
		}
	}

	b.raiseAbortThreshold(list.AbortThreshold)
	if list.VisibleAll {
		b.visibleAllThreshold.Store(list.VisibleAllThreshold)
		b.visibleAll.Store(true)
	}

	log.Info().
		Int("entries", len(list.Entries)).
		Int("in_doubt", len(inDoubt)).
		Uint64("abort_threshold", list.AbortThreshold).
		Msg("Transaction buffer restored")
	return inDoubt, nil
}
