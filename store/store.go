// Package store provides the collaborators the transaction core consumes:
// commit sequence and transaction id allocation, the statement event log,
// and durable checkpoint lists.
package store

import (
	"fmt"

	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/txn"
)

// Event is one record in the statement event log.
type Event struct {
	Seq       uint64        `msgpack:"q"`
	Txn       uint64        `msgpack:"t"`
	Stmt      uint64        `msgpack:"s"`
	Kind      txn.EventKind `msgpack:"k"`
	CommitSeq uint64        `msgpack:"c,omitempty"`
	At        int64         `msgpack:"at"`
}

// Checkpoint points at the most recent durable buffer image.
type Checkpoint struct {
	Addr         txn.Addr `msgpack:"a"`
	MaxCommitSeq uint64   `msgpack:"c"`
	MaxTxnID     uint64   `msgpack:"t"`
	CreatedAt    int64    `msgpack:"at"`
}

// Stats describes store activity for the admin surface.
type Stats struct {
	ListsPersisted int64 `json:"lists_persisted"`
	Checkpoints    int64 `json:"checkpoints"`
	EventsAppended int64 `json:"events_appended"`
}

// Store is everything the engine needs from its storage collaborator.
type Store interface {
	txn.ListPersister
	txn.SequenceAllocator
	txn.EventLog

	NextTxnID() (uint64, error)
	AppendEvent(ev Event) error
	Events(txnID uint64) ([]Event, error)
	// ScanEvents calls fn for the events of every transaction with an id at
	// or above txnID, grouped by transaction, until fn returns false.
	ScanEvents(txnID uint64, fn func(Event) bool) error
	// TruncateEvents drops events of transactions with ids below txnID.
	TruncateEvents(txnID uint64) error

	SetCheckpoint(cp Checkpoint) error
	LastCheckpoint() (Checkpoint, bool, error)

	Stats() Stats
	Close() error
}

// ErrListNotFound is returned when no persisted list exists at an address.
type ErrListNotFound struct {
	Addr txn.Addr
}

func (e ErrListNotFound) Error() string {
	return fmt.Sprintf("persisted list %d not found", uint64(e.Addr))
}

// Open creates the store selected by c.Store.Type.
func Open(c *cfg.Configuration) (Store, error) {
	switch c.Store.Type {
	case cfg.StoreMemory:
		return NewMemoryStore(c.Store.CompressionLevel), nil
	case cfg.StorePebble:
		return NewPebbleStore(c.StorePath(), pebbleOptionsFor(c.Store))
	default:
		return nil, fmt.Errorf("unknown store type %q", c.Store.Type)
	}
}
