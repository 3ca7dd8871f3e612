package store

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PebbleCounter provides write-through cached counters backed by pebble.
// Counters are loaded on first access and kept in an LRU cache.
type PebbleCounter struct {
	db     *pebble.DB
	prefix string

	mu    sync.Mutex
	cache *lru.Cache[string, int64]
}

// NewPebbleCounter creates a counter set whose keys are prefix+name.
func NewPebbleCounter(db *pebble.DB, prefix string, maxCached int) *PebbleCounter {
	if maxCached <= 0 {
		maxCached = 64
	}
	cache, err := lru.New[string, int64](maxCached)
	if err != nil {
		panic("failed to create counter cache: " + err.Error())
	}
	return &PebbleCounter{db: db, prefix: prefix, cache: cache}
}

func (pc *PebbleCounter) key(name string) []byte {
	return []byte(pc.prefix + name)
}

// load returns the cached value or reads it from pebble (must hold mu)
func (pc *PebbleCounter) load(name string) (int64, error) {
	if v, ok := pc.cache.Get(name); ok {
		return v, nil
	}

	var value int64
	val, closer, err := pc.db.Get(pc.key(name))
	if err == nil {
		if len(val) >= 8 {
			value = int64(binary.BigEndian.Uint64(val))
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return 0, err
	}

	pc.cache.Add(name, value)
	return value, nil
}

// Load returns the current value of a counter
func (pc *PebbleCounter) Load(name string) (int64, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.load(name)
}

// Inc adds delta to a counter and returns the new value (write-through)
func (pc *PebbleCounter) Inc(name string, delta int64) (int64, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	value, err := pc.load(name)
	if err != nil {
		return 0, err
	}
	value += delta

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	if err := pc.db.Set(pc.key(name), buf, pebble.Sync); err != nil {
		return 0, err
	}
	pc.cache.Add(name, value)
	return value, nil
}
