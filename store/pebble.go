package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/encoding"
	"github.com/maxpert/txcore/txn"
	"github.com/rs/zerolog/log"
)

// Key layout
const (
	prefixSeq        = "/seq/"   // /seq/{name}
	prefixCounter    = "/meta/"  // /meta/{counterName}
	prefixList       = "/list/"  // /list/{addr:016x}
	prefixEvent      = "/event/" // /event/{txnID:016x}/{seq:016x}
	keyCheckpoint    = "/checkpoint"
	counterListAddr  = "list_addr"
	counterLists     = "lists_persisted"
	counterCheckpts  = "checkpoints"
	seqNameTxnID     = "txn_id"
	seqNameCommitSeq = "commit_seq"
	seqNameEvent     = "event"
)

// PebbleOptions configures PebbleStore
type PebbleOptions struct {
	CacheSizeMB      int
	MemTableSizeMB   int
	SeqBandwidth     uint64
	CompressionLevel int
	RestoreCacheSize int
}

// DefaultPebbleOptions returns options from cfg.Config.Store.
func DefaultPebbleOptions() PebbleOptions {
	return pebbleOptionsFor(cfg.Config.Store)
}

func pebbleOptionsFor(s cfg.StoreConfiguration) PebbleOptions {
	return PebbleOptions{
		CacheSizeMB:      s.CacheSizeMB,
		MemTableSizeMB:   s.MemTableSizeMB,
		SeqBandwidth:     s.SeqBandwidth,
		CompressionLevel: s.CompressionLevel,
		RestoreCacheSize: s.RestoreCacheSize,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleStore implements Store on a pebble database.
type PebbleStore struct {
	db    *pebble.DB
	path  string
	level int

	txnIDs     *AtomicSequence
	commitSeqs *AtomicSequence
	eventSeqs  *AtomicSequence
	counters   *PebbleCounter
	lists      *lru.Cache[txn.Addr, *txn.SavedList]

	events atomic.Int64
	closed atomic.Bool
}

// NewPebbleStore opens (or creates) a pebble store at path.
func NewPebbleStore(path string, opts PebbleOptions) (*PebbleStore, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 8
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 4
	}
	if opts.RestoreCacheSize <= 0 {
		opts.RestoreCacheSize = 16
	}

	cache := pebble.NewCache(int64(opts.CacheSizeMB) << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB) << 20,
		Logger:       &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	s := &PebbleStore{db: db, path: path, level: opts.CompressionLevel}
	for name, seq := range map[string]**AtomicSequence{
		seqNameTxnID:     &s.txnIDs,
		seqNameCommitSeq: &s.commitSeqs,
		seqNameEvent:     &s.eventSeqs,
	} {
		*seq, err = NewAtomicSequence(db, []byte(prefixSeq+name), opts.SeqBandwidth)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load %s sequence: %w", name, err)
		}
	}

	s.counters = NewPebbleCounter(db, prefixCounter, 16)
	s.lists, err = lru.New[txn.Addr, *txn.SavedList](opts.RestoreCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create list cache: %w", err)
	}

	log.Info().
		Str("path", path).
		Uint64("txn_id", s.txnIDs.Last()).
		Uint64("commit_seq", s.commitSeqs.Last()).
		Msg("Pebble store opened")
	return s, nil
}

// NextTxnID allocates a transaction id
func (s *PebbleStore) NextTxnID() (uint64, error) {
	return s.txnIDs.Next()
}

// NextCommitSeq allocates a commit sequence number
func (s *PebbleStore) NextCommitSeq() (uint64, error) {
	return s.commitSeqs.Next()
}

// AppendStatementEvent records a statement lifecycle event.
func (s *PebbleStore) AppendStatementEvent(txnID, stmtID uint64, kind txn.EventKind) error {
	return s.AppendEvent(Event{Txn: txnID, Stmt: stmtID, Kind: kind})
}

// AppendEvent writes ev to the event log. Commit events are synced, the
// rest are not.
func (s *PebbleStore) AppendEvent(ev Event) error {
	seq, err := s.eventSeqs.Next()
	if err != nil {
		return err
	}
	ev.Seq = seq
	if ev.At == 0 {
		ev.At = time.Now().UnixNano()
	}

	data, err := encoding.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	opts := pebble.NoSync
	if ev.Kind == txn.EventCommit {
		opts = pebble.Sync
	}
	if err := s.db.Set(eventKey(ev.Txn, seq), data, opts); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	s.events.Add(1)
	return nil
}

// Events returns the events of one transaction in append order.
func (s *PebbleStore) Events(txnID uint64) ([]Event, error) {
	prefix := eventPrefix(txnID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var events []Event
	for iter.First(); iter.Valid(); iter.Next() {
		var ev Event
		if err := encoding.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, iter.Error()
}

func (s *PebbleStore) ScanEvents(txnID uint64, fn func(Event) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventPrefix(txnID),
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var ev Event
		if err := encoding.Unmarshal(iter.Value(), &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if !fn(ev) {
			break
		}
	}
	return iter.Error()
}

// TruncateEvents deletes the events of every transaction below txnID.
func (s *PebbleStore) TruncateEvents(txnID uint64) error {
	return s.db.DeleteRange([]byte(prefixEvent), eventPrefix(txnID), pebble.NoSync)
}

// PersistList writes list under a freshly allocated address.
func (s *PebbleStore) PersistList(list *txn.SavedList) (txn.Addr, error) {
	data, err := encoding.MarshalCompressed(list, s.level)
	if err != nil {
		return 0, fmt.Errorf("failed to encode list: %w", err)
	}

	next, err := s.counters.Inc(counterListAddr, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate list address: %w", err)
	}
	addr := txn.Addr(next)

	if err := s.db.Set(listKey(addr), data, pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to write list: %w", err)
	}
	if _, err := s.counters.Inc(counterLists, 1); err != nil {
		log.Warn().Err(err).Msg("Failed to bump persisted list counter")
	}
	return addr, nil
}

// RestoreList reads the list at addr. Returned lists are shared with the
// cache and must not be modified.
func (s *PebbleStore) RestoreList(addr txn.Addr) (*txn.SavedList, error) {
	if list, ok := s.lists.Get(addr); ok {
		return list, nil
	}

	data, err := s.getValueCopy(listKey(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrListNotFound{Addr: addr}
	}
	if err != nil {
		return nil, err
	}

	list := &txn.SavedList{}
	if err := encoding.UnmarshalCompressed(data, list); err != nil {
		return nil, fmt.Errorf("failed to decode list %d: %w", uint64(addr), err)
	}
	s.lists.Add(addr, list)
	return list, nil
}

// SetCheckpoint records cp and drops every list older than cp.Addr.
func (s *PebbleStore) SetCheckpoint(cp Checkpoint) error {
	data, err := encoding.Marshal(&cp)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(keyCheckpoint), data, nil); err != nil {
		return err
	}
	if err := batch.DeleteRange(listKey(0), listKey(cp.Addr), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	for _, addr := range s.lists.Keys() {
		if addr < cp.Addr {
			s.lists.Remove(addr)
		}
	}
	if _, err := s.counters.Inc(counterCheckpts, 1); err != nil {
		log.Warn().Err(err).Msg("Failed to bump checkpoint counter")
	}
	return nil
}

// LastCheckpoint returns the most recent checkpoint, if any.
func (s *PebbleStore) LastCheckpoint() (Checkpoint, bool, error) {
	data, err := s.getValueCopy([]byte(keyCheckpoint))
	if errors.Is(err, pebble.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}

	var cp Checkpoint
	if err := encoding.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// Stats reports persisted counters plus events appended by this process.
func (s *PebbleStore) Stats() Stats {
	lists, _ := s.counters.Load(counterLists)
	checkpoints, _ := s.counters.Load(counterCheckpts)
	return Stats{
		ListsPersisted: lists,
		Checkpoints:    checkpoints,
		EventsAppended: s.events.Load(),
	}
}

// Close persists sequence positions and closes pebble (idempotent)
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	for _, seq := range []*AtomicSequence{s.txnIDs, s.commitSeqs, s.eventSeqs} {
		if err := seq.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to persist sequence on close")
		}
	}
	return s.db.Close()
}

func listKey(addr txn.Addr) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixList, uint64(addr)))
}

func eventPrefix(txnID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/", prefixEvent, txnID))
}

func eventKey(txnID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/%016x", prefixEvent, txnID, seq))
}

// prefixUpperBound returns prefix + 0xFF... for range iteration
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}

// getValueCopy reads a key and returns a copy of the value
func (s *PebbleStore) getValueCopy(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}
