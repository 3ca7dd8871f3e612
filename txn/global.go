package txn

import (
	"container/list"
	"sync"

	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/telemetry"
	"github.com/rs/zerolog/log"
)

type GlobalOptions struct {
	// MergeWriteThreshold is the pending merge-write credit at which read
	// levels of finished read-only transactions are released. 0 disables it.
	MergeWriteThreshold uint64
	// Replication enables the sync transaction list.
	Replication bool
}

// DefaultGlobalOptions builds GlobalOptions from the loaded configuration.
func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		MergeWriteThreshold: cfg.Config.GlobalState.MergeWriteThreshold,
		Replication:         cfg.Config.GlobalState.Replication,
	}
}

// activeTxn wraps an Info while it sits on any of the global lists.
type activeTxn struct {
	info        *Info
	write       bool
	ended       bool
	mergeWrites uint64

	activeElem   *list.Element
	validateElem *list.Element
	readElem     *list.Element
}

func (a *activeTxn) listed() bool {
	return a.activeElem != nil || a.validateElem != nil || a.readElem != nil
}

func (a *activeTxn) readLevel() uint64 {
	level, _ := a.info.ReadLevel()
	return level
}

type syncTxn struct {
	info    *Info
	version uint64
	ended   bool
}

// GlobalState orders live transactions and derives the engine-wide read
// level, merge floor and abort floor from them.
type GlobalState struct {
	mu   sync.Mutex
	opts GlobalOptions

	txns     map[uint64]*activeTxn
	active   *list.List // start order
	validate *list.List // commit sequence order
	reads    *list.List // read level order

	syncTxns map[uint64]*list.Element
	syncList *list.List

	maxCommitSeq       uint64
	mergeSeq           uint64
	abortFloor         uint64
	maxBegunID         uint64
	pendingMergeWrites uint64
	minHistory         uint64
	released           uint64
}

func NewGlobalState(opts GlobalOptions) *GlobalState {
	return &GlobalState{
		opts:     opts,
		txns:     make(map[uint64]*activeTxn),
		active:   list.New(),
		validate: list.New(),
		reads:    list.New(),
		syncTxns: make(map[uint64]*list.Element),
		syncList: list.New(),
	}
}

// Recover seeds the counters after a restart.
func (g *GlobalState) Recover(maxCommitSeq, maxTxnID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.txns) != 0 {
		log.Panic().Int("active", len(g.txns)).Msg("Global state recovered while transactions are active")
	}
	g.maxCommitSeq = max(g.maxCommitSeq, maxCommitSeq)
	g.maxBegunID = max(g.maxBegunID, maxTxnID)
	g.mergeSeq = g.maxCommitSeq
	g.minHistory = g.maxCommitSeq
	g.abortFloor = g.maxBegunID
}

// Begin puts info on the active list, and on the read-level list when it
// already carries a read level.
func (g *GlobalState) Begin(info *Info) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := info.ID()
	if _, ok := g.txns[id]; ok {
		log.Panic().Uint64("txn_id", id).Msg("Transaction began twice")
	}
	level, hasLevel := info.ReadLevel()
	if hasLevel && level < g.mergeSeq {
		log.Panic().
			Uint64("txn_id", id).
			Uint64("read_level", level).
			Uint64("merge_seq", g.mergeSeq).
			Msg("Read level below the merge floor")
	}

	info.Link()
	a := &activeTxn{info: info}
	a.activeElem = g.active.PushBack(a)
	g.txns[id] = a
	g.maxBegunID = max(g.maxBegunID, id)

	if hasLevel {
		g.insertReadLevel(a, level)
	}
}

// AssignReadLevel gives info the current max commit sequence number as its
// snapshot boundary and returns it. An existing read level is kept.
func (g *GlobalState) AssignReadLevel(info *Info) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	a := g.lookup(info)
	if a.readElem != nil {
		return a.readLevel()
	}
	if level, ok := info.ReadLevel(); ok {
		g.insertReadLevel(a, level)
		return level
	}
	info.SetReadLevel(g.maxCommitSeq)
	g.insertReadLevel(a, g.maxCommitSeq)
	return g.maxCommitSeq
}

func (g *GlobalState) insertReadLevel(a *activeTxn, level uint64) {
	for e := g.reads.Back(); e != nil; e = e.Prev() {
		if e.Value.(*activeTxn).readLevel() <= level {
			a.readElem = g.reads.InsertAfter(a, e)
			return
		}
	}
	a.readElem = g.reads.PushFront(a)
}

// MarkWrite flags info as a write transaction and adds merge-write credit.
func (g *GlobalState) MarkWrite(info *Info, mergeWrites uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.lookup(info)
	a.write = true
	a.mergeWrites += mergeWrites
	g.recomputeAbortFloor()
}

// BeginValidate appends info to the validate list. Its commit sequence
// number must already be assigned and exceed every number seen so far.
func (g *GlobalState) BeginValidate(info *Info) {
	seq, ok := info.CommitSeq()
	if !ok {
		log.Panic().Uint64("txn_id", info.ID()).Msg("Validate without a commit sequence number")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	a := g.lookup(info)
	if a.validateElem != nil {
		log.Panic().Uint64("txn_id", info.ID()).Msg("Transaction validated twice")
	}
	last := g.maxCommitSeq
	if back := g.validate.Back(); back != nil {
		last, _ = back.Value.(*activeTxn).info.CommitSeq()
	}
	if seq <= last {
		log.Panic().
			Uint64("txn_id", info.ID()).
			Uint64("commit_seq", seq).
			Uint64("last_seq", last).
			Msg("Commit sequence numbers out of order")
	}
	info.SetState(Validate)
	a.validateElem = g.validate.PushBack(a)
}

// End records the outcome of info and reconciles the global lists and
// floors. credit is merge-write credit accumulated by the transaction.
//
// Read-only transactions keep their read level after End until it is
// released with ReleaseReadLevel or by merge-write pressure.
func (g *GlobalState) End(info *Info, committed, write bool, credit uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a := g.lookup(info)
	if a.ended {
		log.Panic().Uint64("txn_id", info.ID()).Msg("Transaction ended twice")
	}
	if committed {
		info.SetState(Commit)
	} else {
		info.SetState(Abort)
	}
	a.ended = true
	a.write = a.write || write
	a.mergeWrites += credit

	g.drainValidate()

	g.active.Remove(a.activeElem)
	a.activeElem = nil
	if a.readElem != nil && a.write {
		g.dropReadLevel(a)
	}

	g.recomputeMergeSeq()
	g.recomputeAbortFloor()

	if g.opts.MergeWriteThreshold > 0 && g.pendingMergeWrites >= g.opts.MergeWriteThreshold {
		g.releaseReadLevels(a)
	}
	g.finalize(a)
}

// drainValidate pops ended transactions off the head of the validate list,
// advancing the max commit sequence number.
func (g *GlobalState) drainValidate() {
	for e := g.validate.Front(); e != nil; e = g.validate.Front() {
		a := e.Value.(*activeTxn)
		if !a.ended {
			return
		}
		seq, _ := a.info.CommitSeq()
		g.maxCommitSeq = seq
		g.validate.Remove(e)
		a.validateElem = nil
		g.finalize(a)
	}
}

// dropReadLevel removes a from the read-level list, handing its credit to
// the previous holder or to the pending counter when it was the oldest.
func (g *GlobalState) dropReadLevel(a *activeTxn) {
	if prev := a.readElem.Prev(); prev != nil {
		prev.Value.(*activeTxn).mergeWrites += a.mergeWrites
	} else {
		g.pendingMergeWrites += a.mergeWrites
	}
	a.mergeWrites = 0
	g.reads.Remove(a.readElem)
	a.readElem = nil
}

func (g *GlobalState) recomputeMergeSeq() {
	if front := g.reads.Front(); front != nil {
		g.mergeSeq = front.Value.(*activeTxn).readLevel()
		return
	}
	g.mergeSeq = g.maxCommitSeq
}

func (g *GlobalState) recomputeAbortFloor() {
	for e := g.active.Front(); e != nil; e = e.Next() {
		if a := e.Value.(*activeTxn); a.write {
			g.abortFloor = a.info.ID() - 1
			return
		}
	}
	g.abortFloor = g.maxBegunID
}

// releaseReadLevels drops the read levels of every ended read-only
// transaction other than skip. It returns how many were released.
func (g *GlobalState) releaseReadLevels(skip *activeTxn) int {
	n := 0
	for e := g.reads.Front(); e != nil; {
		next := e.Next()
		a := e.Value.(*activeTxn)
		if a != skip && a.ended && !a.write {
			g.dropReadLevel(a)
			g.finalize(a)
			n++
		}
		e = next
	}
	if n > 0 {
		g.released += uint64(n)
		g.pendingMergeWrites = 0
		g.recomputeMergeSeq()
		telemetry.TxnReadLevelsReleasedTotal.Add(float64(n))
		log.Debug().Int("released", n).Uint64("merge_seq", g.mergeSeq).Msg("Released read levels")
	}
	return n
}

// ReleaseReadLevels releases read levels held by finished read-only
// transactions so the merge floor can advance.
func (g *GlobalState) ReleaseReadLevels() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releaseReadLevels(nil)
}

// ReleaseReadLevel drops info's read level, as when its last snapshot
// closes. It returns false when info holds none.
func (g *GlobalState) ReleaseReadLevel(info *Info) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.txns[info.ID()]
	if !ok || a.readElem == nil {
		return false
	}
	g.dropReadLevel(a)
	g.recomputeMergeSeq()
	g.finalize(a)
	return true
}

// finalize unlinks a once it is off every list.
func (g *GlobalState) finalize(a *activeTxn) {
	if !a.ended || a.listed() {
		return
	}
	delete(g.txns, a.info.ID())
	a.info.Unlink()
}

func (g *GlobalState) lookup(info *Info) *activeTxn {
	a, ok := g.txns[info.ID()]
	if !ok || a.info != info {
		log.Panic().Uint64("txn_id", info.ID()).Msg("Transaction unknown to global state")
	}
	return a
}

// BeginSync registers info as a replication sync transaction reading at
// history version.
func (g *GlobalState) BeginSync(info *Info, version uint64) {
	if !g.opts.Replication {
		log.Panic().Uint64("txn_id", info.ID()).Msg("Sync transaction without replication enabled")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.syncTxns[info.ID()]; ok {
		log.Panic().Uint64("txn_id", info.ID()).Msg("Sync transaction began twice")
	}
	if back := g.syncList.Back(); back != nil && back.Value.(*syncTxn).version > version {
		log.Panic().Uint64("txn_id", info.ID()).Uint64("version", version).Msg("Sync history versions out of order")
	}
	info.Link()
	g.syncTxns[info.ID()] = g.syncList.PushBack(&syncTxn{info: info, version: version})
	if g.syncList.Len() == 1 {
		g.minHistory = version
	}
}

// EndSync marks info finished and advances the minimum history version past
// every finished sync transaction at the head of the list.
func (g *GlobalState) EndSync(info *Info) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.syncTxns[info.ID()]
	if !ok {
		log.Panic().Uint64("txn_id", info.ID()).Msg("Sync transaction unknown to global state")
	}
	e.Value.(*syncTxn).ended = true

	for f := g.syncList.Front(); f != nil; f = g.syncList.Front() {
		s := f.Value.(*syncTxn)
		if !s.ended {
			g.minHistory = s.version
			return
		}
		g.syncList.Remove(f)
		delete(g.syncTxns, s.info.ID())
		s.info.Unlink()
	}
	g.minHistory = g.maxCommitSeq
}

// MinHistoryVersion is the oldest history version a sync transaction may
// still read.
func (g *GlobalState) MinHistoryVersion() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.syncList.Len() == 0 {
		return g.maxCommitSeq
	}
	return g.minHistory
}

// MaxCommitSeq is the read level handed to new transactions.
func (g *GlobalState) MaxCommitSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxCommitSeq
}

// MergeSeq is the commit sequence number below which merge may compact.
func (g *GlobalState) MergeSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mergeSeq
}

// AbortFloor is the highest transaction id below every running write
// transaction.
func (g *GlobalState) AbortFloor() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abortFloor
}

func (g *GlobalState) PendingMergeWrites() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingMergeWrites
}

// OpenTransactions returns the ids of transactions that have not ended.
func (g *GlobalState) OpenTransactions() map[uint64]struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	open := make(map[uint64]struct{}, g.active.Len())
	for e := g.active.Front(); e != nil; e = e.Next() {
		open[e.Value.(*activeTxn).info.ID()] = struct{}{}
	}
	return open
}

// Summary is a snapshot of the global lists and floors.
type Summary struct {
	Active             int    `json:"active"`
	Validating         int    `json:"validating"`
	ReadLevels         int    `json:"read_levels"`
	SyncTransactions   int    `json:"sync_transactions"`
	MaxCommitSeq       uint64 `json:"max_commit_seq"`
	MergeSeq           uint64 `json:"merge_seq"`
	AbortFloor         uint64 `json:"abort_floor"`
	PendingMergeWrites uint64 `json:"pending_merge_writes"`
	MinHistoryVersion  uint64 `json:"min_history_version"`
	ReadLevelsReleased uint64 `json:"read_levels_released"`
}

func (g *GlobalState) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Summary{
		Active:             g.active.Len(),
		Validating:         g.validate.Len(),
		ReadLevels:         g.reads.Len(),
		SyncTransactions:   g.syncList.Len(),
		MaxCommitSeq:       g.maxCommitSeq,
		MergeSeq:           g.mergeSeq,
		AbortFloor:         g.abortFloor,
		PendingMergeWrites: g.pendingMergeWrites,
		MinHistoryVersion:  g.minHistory,
		ReadLevelsReleased: g.released,
	}
	if g.syncList.Len() == 0 {
		s.MinHistoryVersion = g.maxCommitSeq
	}
	return s
}
