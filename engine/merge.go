package engine

import (
	"fmt"
	"time"

	"github.com/maxpert/txcore/store"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/txn"
	"github.com/rs/zerolog/log"
)

// MergePass cleans buffer entries the merge process no longer needs and
// releases stale read levels when merge-write credit has piled up. It
// returns the number of statements removed.
func (e *Engine) MergePass() int {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	return e.mergePass()
}

func (e *Engine) mergePass() int {
	// The open set is taken before the floors so anything that ends in
	// between is still treated as running.
	open := e.global.OpenTransactions()
	cleanSeq := e.global.MergeSeq()
	abortID := e.global.AbortFloor()

	cleaned := e.buffer.Clean(cleanSeq, abortID, open)

	released := 0
	if th := e.opts.Global.MergeWriteThreshold; th > 0 && e.global.PendingMergeWrites() >= th {
		released = e.global.ReleaseReadLevels()
	}

	if cleaned > 0 || released > 0 {
		telemetry.MergePassTotal.With("cleaned").Inc()
		log.Debug().
			Int("cleaned", cleaned).
			Int("read_levels_released", released).
			Uint64("clean_seq", cleanSeq).
			Uint64("abort_id", abortID).
			Int("open", len(open)).
			Msg("Merge pass")
	} else {
		telemetry.MergePassTotal.With("idle").Inc()
	}
	return cleaned
}

// Checkpoint saves the transaction buffer and records it as the restart
// point. Events of transactions fully captured by the checkpoint are
// truncated.
func (e *Engine) Checkpoint() (txn.Addr, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	return e.checkpoint()
}

func (e *Engine) checkpoint() (txn.Addr, error) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	start := time.Now()

	e.beginMu.Lock()
	maxID := e.maxTxnID.Load()
	floor := maxID + 1
	for id := range e.global.OpenTransactions() {
		floor = min(floor, id)
	}
	e.beginMu.Unlock()
	maxCommitSeq := e.global.MaxCommitSeq()

	addr, err := e.buffer.Save()
	if err != nil {
		return 0, err
	}

	cp := store.Checkpoint{
		Addr:         addr,
		MaxCommitSeq: maxCommitSeq,
		MaxTxnID:     maxID,
		CreatedAt:    start.UnixNano(),
	}
	if err := e.store.SetCheckpoint(cp); err != nil {
		return 0, fmt.Errorf("failed to record checkpoint: %w", err)
	}
	if err := e.store.TruncateEvents(floor); err != nil {
		log.Warn().Err(err).Uint64("floor", floor).Msg("Failed to truncate event log")
	}

	e.lastCheckpoint.Store(start.UnixNano())
	telemetry.CheckpointDurationSeconds.Observe(time.Since(start).Seconds())
	log.Info().
		Uint64("addr", uint64(addr)).
		Uint64("max_commit_seq", maxCommitSeq).
		Uint64("max_txn_id", maxID).
		Uint64("event_floor", floor).
		Dur("took", time.Since(start)).
		Msg("Checkpoint written")
	return addr, nil
}

// StartMergeLoop runs MergePass every MergeInterval, and Checkpoint every
// CheckpointInterval when that is set.
func (e *Engine) StartMergeLoop() {
	e.mu.Lock()
	if e.mergeRunning {
		e.mu.Unlock()
		return
	}
	e.mergeRunning = true
	e.stopMerge = make(chan struct{})
	e.mu.Unlock()

	e.mergeWg.Add(1)
	go e.mergeLoop(e.stopMerge)
}

// StopMergeLoop stops the background loop. Safe to call multiple times.
func (e *Engine) StopMergeLoop() {
	e.mu.Lock()
	if !e.mergeRunning {
		e.mu.Unlock()
		return
	}
	e.mergeRunning = false
	close(e.stopMerge)
	e.mu.Unlock()

	e.mergeWg.Wait()
}

func (e *Engine) mergeLoop(stop <-chan struct{}) {
	defer e.mergeWg.Done()

	ticker := time.NewTicker(e.opts.MergeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.MergePass()
			if e.checkpointDue() {
				if _, err := e.checkpoint(); err != nil {
					telemetry.MergePassTotal.With("failed").Inc()
					log.Error().Err(err).Msg("Periodic checkpoint failed")
				}
			}
		case <-stop:
			return
		}
	}
}

func (e *Engine) checkpointDue() bool {
	if e.opts.CheckpointInterval <= 0 {
		return false
	}
	last := time.Unix(0, e.lastCheckpoint.Load())
	return time.Since(last) >= e.opts.CheckpointInterval
}
