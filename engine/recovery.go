package engine

import (
	"fmt"

	"github.com/maxpert/txcore/store"
	"github.com/maxpert/txcore/txn"
	"github.com/rs/zerolog/log"
)

// replayed is what the event log says about one transaction.
type replayed struct {
	stmts      []uint64
	rolledBack []uint64
	commitSeq  uint64
	committed  bool
}

// RecoveryReport summarizes a Recover call.
type RecoveryReport struct {
	Checkpoint  txn.Addr `json:"checkpoint"`
	Restored    int      `json:"restored_statements"`
	InDoubt     int      `json:"in_doubt"`
	Committed   int      `json:"committed_in_doubt"`
	Replayed    int      `json:"replayed_transactions"`
	MaxCommit   uint64   `json:"max_commit_seq"`
	MaxTxnID    uint64   `json:"max_txn_id"`
	VisibleAll  bool     `json:"visible_all"`
	Final       txn.Addr `json:"final_checkpoint"`
}

// Recover loads the last checkpoint, resolves in-doubt transactions from
// the event log, re-registers transactions that finished after the
// checkpoint and seeds the global counters. Every id up to the highest one
// seen is then covered: unresolved ids read as aborted. It must run before
// the first transaction begins.
func (e *Engine) Recover() (RecoveryReport, error) {
	var rep RecoveryReport
	if e.closed.Load() {
		return rep, ErrClosed
	}
	if e.live.Size() > 0 || e.buffer.Len() > 0 {
		return rep, fmt.Errorf("recover needs an idle engine: %d live transactions, %d statements",
			e.live.Size(), e.buffer.Len())
	}

	e.mergeMu.Lock()
	e.buffer.BeginRecovery()
	err := e.recover(&rep)
	e.buffer.EndRecovery()
	e.mergeMu.Unlock()
	if err != nil {
		return rep, err
	}

	addr, err := e.checkpoint()
	if err != nil {
		return rep, fmt.Errorf("post-recovery checkpoint: %w", err)
	}
	rep.Final = addr

	log.Info().
		Uint64("checkpoint", uint64(rep.Checkpoint)).
		Int("restored", rep.Restored).
		Int("in_doubt", rep.InDoubt).
		Int("replayed", rep.Replayed).
		Uint64("max_commit_seq", rep.MaxCommit).
		Uint64("max_txn_id", rep.MaxTxnID).
		Msg("Recovery complete")
	return rep, nil
}

func (e *Engine) recover(rep *RecoveryReport) error {
	var inDoubt []*txn.Info
	cp, ok, err := e.store.LastCheckpoint()
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if ok {
		inDoubt, err = e.buffer.Restore(cp.Addr)
		if err != nil {
			return err
		}
		rep.Checkpoint = cp.Addr
		rep.MaxCommit = cp.MaxCommitSeq
		rep.MaxTxnID = cp.MaxTxnID
	}
	rep.InDoubt = len(inDoubt)

	events := make(map[uint64]*replayed)
	err = e.store.ScanEvents(0, func(ev store.Event) bool {
		r, ok := events[ev.Txn]
		if !ok {
			r = &replayed{}
			events[ev.Txn] = r
		}
		rep.MaxTxnID = max(rep.MaxTxnID, ev.Txn, ev.Stmt)
		switch ev.Kind {
		case txn.EventBegin, txn.EventStatement:
			r.stmts = append(r.stmts, ev.Stmt)
		case txn.EventRollback:
			r.rolledBack = append(r.rolledBack, ev.Stmt)
		case txn.EventCommit:
			if !contains(r.stmts, ev.Stmt) {
				r.stmts = append(r.stmts, ev.Stmt)
			}
			r.committed = true
			r.commitSeq = ev.CommitSeq
			rep.MaxCommit = max(rep.MaxCommit, ev.CommitSeq)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to scan event log: %w", err)
	}

	known := make(map[uint64]struct{})
	stmtsOf := make(map[uint64][]uint64)
	e.buffer.Range(func(stmt uint64, info *txn.Info) bool {
		known[stmt] = struct{}{}
		stmtsOf[info.ID()] = append(stmtsOf[info.ID()], stmt)
		rep.MaxTxnID = max(rep.MaxTxnID, stmt)
		return true
	})
	rep.Restored = len(known)

	for _, info := range inDoubt {
		r := events[info.ID()]
		if r == nil {
			r = &replayed{}
		}
		resolve(info, r)
		if r.committed {
			rep.Committed++
		}
		for _, stmt := range stmtsOf[info.ID()] {
			if contains(r.rolledBack, stmt) {
				e.buffer.RemoveStatement(stmt)
				continue
			}
			e.buffer.EnableStatement(stmt)
		}
		e.addStatements(info, r, known)
		delete(events, info.ID())
	}

	for id, r := range events {
		if _, restored := stmtsOf[id]; restored {
			continue
		}
		info := txn.NewInfo(id)
		resolve(info, r)
		e.addStatements(info, r, known)
		rep.Replayed++
	}

	e.buffer.SetAbortThreshold(rep.MaxTxnID)
	if e.opts.VisibleAll {
		e.buffer.SetVisibleAll(true, rep.MaxTxnID)
		rep.VisibleAll = true
	}

	e.global.Recover(rep.MaxCommit, rep.MaxTxnID)
	e.observeID(rep.MaxTxnID)
	return nil
}

// resolve moves a transaction whose outcome was unknown to its final state.
func resolve(info *txn.Info, r *replayed) {
	if r.committed {
		if r.commitSeq > 0 {
			info.SetCommitSeq(r.commitSeq)
		}
		info.SetState(txn.Commit)
		return
	}
	info.SetState(txn.Abort)
}

func (e *Engine) addStatements(info *txn.Info, r *replayed, known map[uint64]struct{}) {
	for _, stmt := range r.stmts {
		if _, ok := known[stmt]; ok || contains(r.rolledBack, stmt) {
			continue
		}
		e.buffer.AddStatement(stmt, info)
		known[stmt] = struct{}{}
	}
}
