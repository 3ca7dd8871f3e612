package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// AtomicSequence hands out increasing values starting at 1. Values are
// leased from pebble in blocks of bandwidth so only one write happens per
// block. After a crash the sequence resumes past the last lease, leaving a
// gap but never reusing a value.
type AtomicSequence struct {
	db        *pebble.DB
	key       []byte
	bandwidth uint64

	mu       sync.Mutex
	last     uint64 // Last value returned
	leaseEnd uint64 // Highest value covered by the persisted lease
}

// NewAtomicSequence reads the persisted lease end and continues after it.
func NewAtomicSequence(db *pebble.DB, key []byte, bandwidth uint64) (*AtomicSequence, error) {
	if bandwidth == 0 {
		bandwidth = 1
	}

	var leaseEnd uint64
	val, closer, err := db.Get(key)
	if err == nil {
		if len(val) >= 8 {
			leaseEnd = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}

	return &AtomicSequence{
		db:        db,
		key:       key,
		bandwidth: bandwidth,
		last:      leaseEnd,
		leaseEnd:  leaseEnd,
	}, nil
}

// Next returns the next value in the sequence.
func (s *AtomicSequence) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last >= s.leaseEnd {
		newLease := s.leaseEnd + s.bandwidth
		if err := s.persist(newLease, pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to persist sequence: %w", err)
		}
		s.leaseEnd = newLease
	}

	s.last++
	return s.last, nil
}

// Last returns the most recently issued value, or the resume point right
// after a restart.
func (s *AtomicSequence) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Close shrinks the lease to the last issued value so a clean restart
// continues without a gap.
func (s *AtomicSequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(s.last, pebble.Sync)
}

func (s *AtomicSequence) persist(v uint64, opts *pebble.WriteOptions) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return s.db.Set(s.key, buf, opts)
}
