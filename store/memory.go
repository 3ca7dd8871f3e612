package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/txcore/encoding"
	"github.com/maxpert/txcore/txn"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore implements Store in process memory. Lists are kept encoded so
// a restored list never aliases the one that was persisted.
type MemoryStore struct {
	level int

	txnIDs     atomic.Uint64
	commitSeqs atomic.Uint64
	eventSeqs  atomic.Uint64
	listAddrs  atomic.Uint64

	lists  *xsync.MapOf[txn.Addr, []byte]
	events *xsync.MapOf[uint64, []Event]

	cpMu       sync.Mutex
	checkpoint *Checkpoint

	checkpoints atomic.Int64
	persisted   atomic.Int64
	appended    atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(compressionLevel int) *MemoryStore {
	return &MemoryStore{
		level:  compressionLevel,
		lists:  xsync.NewMapOf[txn.Addr, []byte](),
		events: xsync.NewMapOf[uint64, []Event](),
	}
}

func (s *MemoryStore) NextTxnID() (uint64, error) {
	return s.txnIDs.Add(1), nil
}

func (s *MemoryStore) NextCommitSeq() (uint64, error) {
	return s.commitSeqs.Add(1), nil
}

func (s *MemoryStore) AppendStatementEvent(txnID, stmtID uint64, kind txn.EventKind) error {
	return s.AppendEvent(Event{Txn: txnID, Stmt: stmtID, Kind: kind})
}

func (s *MemoryStore) AppendEvent(ev Event) error {
	ev.Seq = s.eventSeqs.Add(1)
	if ev.At == 0 {
		ev.At = time.Now().UnixNano()
	}
	s.events.Compute(ev.Txn, func(old []Event, _ bool) ([]Event, bool) {
		return append(old, ev), false
	})
	s.appended.Add(1)
	return nil
}

func (s *MemoryStore) Events(txnID uint64) ([]Event, error) {
	events, _ := s.events.Load(txnID)
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) ScanEvents(txnID uint64, fn func(Event) bool) error {
	var ids []uint64
	s.events.Range(func(id uint64, _ []Event) bool {
		if id >= txnID {
			ids = append(ids, id)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		events, _ := s.Events(id)
		for _, ev := range events {
			if !fn(ev) {
				return nil
			}
		}
	}
	return nil
}

func (s *MemoryStore) TruncateEvents(txnID uint64) error {
	s.events.Range(func(id uint64, _ []Event) bool {
		if id < txnID {
			s.events.Delete(id)
		}
		return true
	})
	return nil
}

func (s *MemoryStore) PersistList(list *txn.SavedList) (txn.Addr, error) {
	data, err := encoding.MarshalCompressed(list, s.level)
	if err != nil {
		return 0, err
	}
	addr := txn.Addr(s.listAddrs.Add(1))
	s.lists.Store(addr, data)
	s.persisted.Add(1)
	return addr, nil
}

func (s *MemoryStore) RestoreList(addr txn.Addr) (*txn.SavedList, error) {
	data, ok := s.lists.Load(addr)
	if !ok {
		return nil, ErrListNotFound{Addr: addr}
	}
	list := &txn.SavedList{}
	if err := encoding.UnmarshalCompressed(data, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *MemoryStore) SetCheckpoint(cp Checkpoint) error {
	s.cpMu.Lock()
	s.checkpoint = &cp
	s.cpMu.Unlock()

	s.lists.Range(func(addr txn.Addr, _ []byte) bool {
		if addr < cp.Addr {
			s.lists.Delete(addr)
		}
		return true
	})
	s.checkpoints.Add(1)
	return nil
}

func (s *MemoryStore) LastCheckpoint() (Checkpoint, bool, error) {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()
	if s.checkpoint == nil {
		return Checkpoint{}, false, nil
	}
	return *s.checkpoint, true, nil
}

func (s *MemoryStore) Stats() Stats {
	return Stats{
		ListsPersisted: s.persisted.Load(),
		Checkpoints:    s.checkpoints.Load(),
		EventsAppended: s.appended.Load(),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}
