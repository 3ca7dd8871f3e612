package engine

import (
	"path/filepath"
	"testing"

	"github.com/maxpert/txcore/store"
	"github.com/maxpert/txcore/txn"
	"github.com/stretchr/testify/require"
)

func pebbleOptions() store.PebbleOptions {
	return store.PebbleOptions{
		CacheSizeMB:      8,
		MemTableSizeMB:   4,
		SeqBandwidth:     10,
		CompressionLevel: 1,
		RestoreCacheSize: 4,
	}
}

// crashAfterCheckpoint leaves one write transaction in doubt at the
// checkpoint and commits another after it, then abandons the engine.
//
//	txn 1 (stmt 2)  committed seq 1 before the checkpoint
//	txn 3 (stmt 4)  open at the checkpoint, never finished
//	txn 5           committed seq 2 after the checkpoint
func crashAfterCheckpoint(t *testing.T, st store.Store) {
	t.Helper()
	e := newTestEngine(t, st, testOptions())

	_, stmts := commitWrite(t, e, 1)
	require.Equal(t, []uint64{1, 2}, stmts)

	t3, err := e.BeginTransaction()
	require.NoError(t, err)
	_, err = e.BeginStatement(t3)
	require.NoError(t, err)
	require.NoError(t, e.MarkWrite(t3, 1))

	_, err = e.Checkpoint()
	require.NoError(t, err)

	t5, _ := commitWrite(t, e, 0)
	require.Equal(t, uint64(5), t5.ID())
}

func requireRecovered(t *testing.T, e *Engine, rep RecoveryReport) {
	t.Helper()
	require.Equal(t, 1, rep.InDoubt)
	require.Equal(t, 0, rep.Committed)
	require.Equal(t, 1, rep.Replayed)
	require.Equal(t, 4, rep.Restored)
	require.Equal(t, uint64(2), rep.MaxCommit)
	require.Equal(t, uint64(5), rep.MaxTxnID)
	require.NotZero(t, rep.Final)

	v := e.GetVisibility(2)
	require.Equal(t, txn.Commit, v.State)
	require.Equal(t, uint64(1), v.Seq)
	require.Equal(t, uint64(1), v.Owner)

	for _, stmt := range []uint64{3, 4} {
		v = e.GetVisibility(stmt)
		require.Equal(t, txn.Abort, v.State, "stmt %d", stmt)
		require.Equal(t, uint64(3), v.Owner)
		require.True(t, v.Known)
	}

	v = e.GetVisibility(5)
	require.Equal(t, txn.Commit, v.State)
	require.Equal(t, uint64(2), v.Seq)

	s := e.Summary()
	require.Equal(t, uint64(2), s.MaxCommitSeq)
	require.Equal(t, uint64(2), s.MergeSeq)
	require.Equal(t, 0, s.Active)

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	require.Equal(t, uint64(6), tx.ID())
	require.Equal(t, uint64(2), tx.ReadLevel())
	require.NoError(t, e.EndTransaction(tx, false))
}

func TestRecoverMemoryStore(t *testing.T) {
	st := store.NewMemoryStore(1)
	crashAfterCheckpoint(t, st)

	e := New(st, testOptions())
	rep, err := e.Recover()
	require.NoError(t, err)
	requireRecovered(t, e, rep)

	// Everything recovered is finished, as is the probe transaction 6, so
	// one pass empties the buffer.
	require.Equal(t, 6, e.MergePass())
	require.Equal(t, 0, e.BufferLen())
	require.Equal(t, txn.Abort, e.GetVisibility(4).State)
}

func TestRecoverPebbleStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txcore")
	st, err := store.NewPebbleStore(path, pebbleOptions())
	require.NoError(t, err)
	crashAfterCheckpoint(t, st)
	require.NoError(t, st.Close())

	st, err = store.NewPebbleStore(path, pebbleOptions())
	require.NoError(t, err)
	defer st.Close()

	e := New(st, testOptions())
	rep, err := e.Recover()
	require.NoError(t, err)
	requireRecovered(t, e, rep)
	require.NoError(t, e.Close())
}

func TestRecoverResolvesCommittedInDoubt(t *testing.T) {
	st := store.NewMemoryStore(0)
	e := newTestEngine(t, st, testOptions())

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, e.MarkWrite(tx, 1))
	seq, err := e.Validate(tx)
	require.NoError(t, err)

	_, err = e.Checkpoint()
	require.NoError(t, err)

	// The commit reaches the log but the process dies before a new
	// checkpoint.
	require.NoError(t, e.EndTransaction(tx, true))

	e2 := New(st, testOptions())
	rep, err := e2.Recover()
	require.NoError(t, err)
	require.Equal(t, 1, rep.InDoubt)
	require.Equal(t, 1, rep.Committed)
	require.Equal(t, 0, rep.Replayed)

	v := e2.GetVisibility(tx.ID())
	require.Equal(t, txn.Commit, v.State)
	require.Equal(t, seq, v.Seq)
}

func TestRecoverDropsRolledBackStatements(t *testing.T) {
	st := store.NewMemoryStore(0)
	e := newTestEngine(t, st, testOptions())

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	s1, err := e.BeginStatement(tx)
	require.NoError(t, err)
	s2, err := e.BeginStatement(tx)
	require.NoError(t, err)
	require.NoError(t, e.RollbackStatement(tx, s1))
	require.NoError(t, e.MarkWrite(tx, 1))
	require.NoError(t, e.EndTransaction(tx, true))

	e2 := New(st, testOptions())
	rep, err := e2.Recover()
	require.NoError(t, err)
	require.Equal(t, 1, rep.Replayed)

	require.Equal(t, txn.Commit, e2.GetVisibility(s2).State)
	v := e2.GetVisibility(s1)
	require.Equal(t, txn.Abort, v.State, "covered by the abort threshold")
	require.Equal(t, uint64(0), v.Owner)
}

func TestRecoverVisibleAll(t *testing.T) {
	opts := testOptions()
	opts.VisibleAll = true
	e := New(store.NewMemoryStore(0), opts)

	rep, err := e.Recover()
	require.NoError(t, err)
	require.True(t, rep.VisibleAll)
	require.Equal(t, txn.Begin, e.GetVisibility(1).State)
}

func TestRecoverRequiresIdleEngine(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(0), testOptions())
	tx, err := e.BeginTransaction()
	require.NoError(t, err)

	_, err = e.Recover()
	require.Error(t, err)
	require.NoError(t, e.EndTransaction(tx, false))
}
