// Package engine ties the lock manager and the transaction state core to a
// storage collaborator. It is the surface a session layer talks to.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/lock"
	"github.com/maxpert/txcore/store"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/txn"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Options configures an Engine
type Options struct {
	Lock   lock.Options
	Global txn.GlobalOptions

	BufferShards int
	// VisibleAll puts the buffer in visible-to-all mode at recovery.
	VisibleAll bool

	MergeInterval      time.Duration
	CheckpointInterval time.Duration // 0 disables periodic checkpoints
}

// DefaultOptions builds Options from cfg.Config.
func DefaultOptions() Options {
	c := cfg.Config
	return Options{
		Lock:               lock.DefaultOptions(),
		Global:             txn.DefaultGlobalOptions(),
		BufferShards:       c.TxnBuffer.ShardCount,
		VisibleAll:         c.TxnBuffer.VisibleAll,
		MergeInterval:      time.Duration(c.Merge.IntervalMS) * time.Millisecond,
		CheckpointInterval: time.Duration(c.Merge.CheckpointIntervalS) * time.Second,
	}
}

// Engine is the transaction core facade.
type Engine struct {
	opts   Options
	store  store.Store
	locks  *lock.Manager
	buffer *txn.Buffer
	global *txn.GlobalState
	live   *xsync.MapOf[uint64, *Txn]

	// validateMu keeps commit sequence allocation and validate-list
	// insertion in the same order.
	validateMu sync.Mutex
	// mergeMu serializes merge passes, checkpoints and recovery.
	mergeMu sync.Mutex
	// beginMu is held shared from id allocation until a transaction is on
	// the active list, so a checkpoint sees every allocated id as either
	// open or finished.
	beginMu sync.RWMutex

	maxTxnID       atomic.Uint64
	lastCheckpoint atomic.Int64

	mu           sync.Mutex
	stopMerge    chan struct{}
	mergeRunning bool
	mergeWg      sync.WaitGroup
	closed       atomic.Bool
}

// New creates an engine over st. Call Recover before the first transaction
// to load the last checkpoint.
func New(st store.Store, opts Options) *Engine {
	if opts.MergeInterval <= 0 {
		opts.MergeInterval = time.Second
	}
	return &Engine{
		opts:  opts,
		store: st,
		locks: lock.NewManager(opts.Lock),
		buffer: txn.NewBuffer(txn.BufferOptions{
			ShardCount: opts.BufferShards,
			Persister:  st,
		}),
		global: txn.NewGlobalState(opts.Global),
		live:   xsync.NewMapOf[uint64, *Txn](),
	}
}

// BeginTransaction starts a transaction with a read level equal to the
// current max commit sequence number. A non-nil Txn returned together with
// ErrEventLog has started.
func (e *Engine) BeginTransaction() (*Txn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	e.beginMu.RLock()
	id, err := e.store.NextTxnID()
	if err != nil {
		e.beginMu.RUnlock()
		return nil, fmt.Errorf("failed to allocate transaction id: %w", err)
	}
	e.observeID(id)

	info := txn.NewInfo(id)
	e.global.Begin(info)
	e.beginMu.RUnlock()

	e.global.AssignReadLevel(info)
	e.buffer.Add(info)

	t := &Txn{info: info, locks: lock.NewTxn(id), stmts: []uint64{id}}
	e.live.Store(id, t)

	return t, e.logEvent(id, id, txn.EventBegin)
}

// BeginStatement registers a new statement id for t.
func (e *Engine) BeginStatement(t *Txn) (uint64, error) {
	if err := e.checkActive(t); err != nil {
		return 0, err
	}

	stmt, err := e.store.NextTxnID()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate statement id: %w", err)
	}
	e.observeID(stmt)
	e.buffer.AddStatement(stmt, t.info)

	t.mu.Lock()
	t.stmts = append(t.stmts, stmt)
	t.mu.Unlock()

	return stmt, e.logEvent(t.ID(), stmt, txn.EventStatement)
}

// RollbackStatement makes stmt read as aborted. The mapping stays until a
// merge pass can hand it over to the abort threshold.
func (e *Engine) RollbackStatement(t *Txn, stmt uint64) error {
	if err := e.checkActive(t); err != nil {
		return err
	}

	t.mu.Lock()
	if !contains(t.stmts, stmt) || contains(t.rolledBack, stmt) {
		t.mu.Unlock()
		return fmt.Errorf("statement %d is not a live statement of transaction %d", stmt, t.ID())
	}
	if stmt == t.ID() {
		t.mu.Unlock()
		return fmt.Errorf("statement %d is the transaction itself, abort it instead", stmt)
	}
	t.rolledBack = append(t.rolledBack, stmt)
	t.mu.Unlock()

	e.buffer.DisableStatement(stmt)
	return e.logEvent(t.ID(), stmt, txn.EventRollback)
}

// MarkWrite flags t as a write transaction and adds mergeWrites to the
// credit handed to the merge process when t ends.
func (e *Engine) MarkWrite(t *Txn, mergeWrites uint64) error {
	if err := e.checkActive(t); err != nil {
		return err
	}
	t.mu.Lock()
	first := !t.write
	t.write = true
	t.credit += mergeWrites
	t.mu.Unlock()

	if first {
		e.global.MarkWrite(t.info, 0)
	}
	return nil
}

// Acquire forwards to lock.Manager.Acquire with t's lock list.
func (e *Engine) Acquire(t *Txn, name lock.Name, mode lock.Mode, class lock.Class, timeout time.Duration, probe bool) lock.Result {
	return e.locks.Acquire(t.locks, name, mode, class, timeout, probe)
}

// AcquireRow takes a row lock under its table intent lock, escalating when
// the row count calls for it.
func (e *Engine) AcquireRow(t *Txn, table uint32, row uint64, mode lock.Mode, class lock.Class, timeout time.Duration) lock.Result {
	return e.locks.AcquireRow(t.locks, table, row, mode, class, timeout)
}

// Lock blocks until the lock is granted, denied, or ctx is done.
func (e *Engine) Lock(ctx context.Context, t *Txn, name lock.Name, mode lock.Mode, class lock.Class, timeout time.Duration) lock.Result {
	return e.locks.Lock(ctx, t.locks, name, mode, class, timeout)
}

func (e *Engine) LockRow(ctx context.Context, t *Txn, table uint32, row uint64, mode lock.Mode, class lock.Class, timeout time.Duration) lock.Result {
	return e.locks.LockRow(ctx, t.locks, table, row, mode, class, timeout)
}

func (e *Engine) Release(t *Txn, name lock.Name) {
	e.locks.Release(t.locks, name)
}

func (e *Engine) ReleaseAll(t *Txn, through lock.Class) int {
	return e.locks.ReleaseAll(t.locks, through)
}

// Validate assigns t its commit sequence number and puts it on the
// validate list.
func (e *Engine) Validate(t *Txn) (uint64, error) {
	if err := e.checkActive(t); err != nil {
		return 0, err
	}
	if seq, ok := t.info.CommitSeq(); ok {
		return seq, nil
	}

	e.validateMu.Lock()
	defer e.validateMu.Unlock()

	seq, err := e.store.NextCommitSeq()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate commit sequence number: %w", err)
	}
	t.info.SetCommitSeq(seq)
	e.global.BeginValidate(t.info)
	return seq, nil
}

// EndTransaction commits or aborts t. Write transactions that commit
// without Validate are validated here. Locks up to the Long class are
// released; VeryLong locks survive until ReleaseAll.
func (e *Engine) EndTransaction(t *Txn, committed bool) error {
	if err := e.checkActive(t); err != nil {
		return err
	}

	var logErr error
	if committed {
		if _, validated := t.info.CommitSeq(); !validated && t.IsWrite() {
			if _, err := e.Validate(t); err != nil {
				return err
			}
		}
		seq, _ := t.info.CommitSeq()
		if err := e.store.AppendEvent(store.Event{Txn: t.ID(), Stmt: t.ID(), Kind: txn.EventCommit, CommitSeq: seq}); err != nil {
			logErr = ErrEventLog{TxnID: t.ID(), Kind: txn.EventCommit, Err: err}
			log.Warn().Err(err).Uint64("txn_id", t.ID()).Msg("Commit event not logged")
		}
	} else {
		logErr = e.logEvent(t.ID(), t.ID(), txn.EventAbort)
	}

	t.mu.Lock()
	t.ended = true
	write, credit := t.write, t.credit
	t.mu.Unlock()

	e.global.End(t.info, committed, write, credit)
	e.locks.ReleaseAll(t.locks, lock.Long)

	e.live.Delete(t.ID())

	log.Debug().
		Uint64("txn_id", t.ID()).
		Bool("committed", committed).
		Bool("write", write).
		Msg("Transaction ended")
	return logErr
}

// CloseSnapshot drops the read level a finished read-only transaction
// still holds.
func (e *Engine) CloseSnapshot(t *Txn) bool {
	return e.global.ReleaseReadLevel(t.info)
}

// GetVisibility resolves a statement id to its transaction state.
func (e *Engine) GetVisibility(stmt uint64) txn.Visibility {
	return e.buffer.GetState(stmt)
}

// Transaction returns the live transaction with id.
func (e *Engine) Transaction(id uint64) (*Txn, bool) {
	return e.live.Load(id)
}

// Transactions lists every live transaction.
func (e *Engine) Transactions() []TxnStatus {
	var out []TxnStatus
	e.live.Range(func(_ uint64, t *Txn) bool {
		out = append(out, t.status())
		return true
	})
	return out
}

func (e *Engine) LockStats() lock.Stats {
	return e.locks.Stats()
}

func (e *Engine) LockHolders(name lock.Name) map[uint64]lock.Mode {
	return e.locks.Holders(name)
}

func (e *Engine) Summary() txn.Summary {
	return e.global.Summary()
}

func (e *Engine) StoreStats() store.Stats {
	return e.store.Stats()
}

// ReleaseReadLevels releases read levels held by finished read-only
// transactions.
func (e *Engine) ReleaseReadLevels() int {
	return e.global.ReleaseReadLevels()
}

// BufferLen counts registered statements.
func (e *Engine) BufferLen() int {
	return e.buffer.Len()
}

// MetricsSnapshot implements telemetry.StatsProvider.
func (e *Engine) MetricsSnapshot() telemetry.Snapshot {
	s := e.global.Summary()
	return telemetry.Snapshot{
		LockHeadsInUse: e.locks.Stats().HeadsInUse,
		ActiveTxns:     e.live.Size(),
		BufferEntries:  e.buffer.Len(),
		MaxCommitSeq:   s.MaxCommitSeq,
		MergeSeq:       s.MergeSeq,
	}
}

func (e *Engine) checkActive(t *Txn) error {
	if e.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	ended := t.ended
	t.mu.Unlock()
	if ended || t.info.Ended() {
		return ErrTxnNotActive{TxnID: t.ID(), State: t.info.State()}
	}
	return nil
}

func (e *Engine) logEvent(txnID, stmt uint64, kind txn.EventKind) error {
	if err := e.store.AppendStatementEvent(txnID, stmt, kind); err != nil {
		log.Warn().Err(err).Uint64("txn_id", txnID).Str("kind", kind.String()).Msg("Statement event not logged")
		return ErrEventLog{TxnID: txnID, Kind: kind, Err: err}
	}
	return nil
}

func (e *Engine) observeID(id uint64) {
	for {
		cur := e.maxTxnID.Load()
		if id <= cur || e.maxTxnID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Close stops the merge loop, writes a final checkpoint and unparks lock
// waiters. The store stays open; it belongs to the caller.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.StopMergeLoop()
	e.locks.Close()

	if _, err := e.checkpoint(); err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	log.Info().Int("live_transactions", e.live.Size()).Msg("Engine closed")
	return nil
}
