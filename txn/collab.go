package txn

// Addr locates a persisted list in the collaborator store.
type Addr uint64

// EventKind classifies statement log events.
type EventKind uint8

const (
	EventBegin EventKind = iota + 1
	EventStatement
	EventRollback
	EventCommit
	EventAbort
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventStatement:
		return "statement"
	case EventRollback:
		return "rollback"
	case EventCommit:
		return "commit"
	case EventAbort:
		return "abort"
	}
	return "unknown"
}

// SavedEntry is one statement mapping in a checkpoint.
type SavedEntry struct {
	Stmt      uint64 `msgpack:"s"`
	Txn       uint64 `msgpack:"t"`
	State     State  `msgpack:"st"`
	CommitSeq uint64 `msgpack:"c,omitempty"`
	HasCommit bool   `msgpack:"hc,omitempty"`
	// Disabled marks a rolled-back statement of a transaction that went on.
	Disabled  bool   `msgpack:"d,omitempty"`
}

// SavedList is the durable image of a transaction buffer.
type SavedList struct {
	AbortThreshold      uint64       `msgpack:"a"`
	VisibleAll          bool         `msgpack:"va,omitempty"`
	VisibleAllThreshold uint64       `msgpack:"vt,omitempty"`
	Entries             []SavedEntry `msgpack:"e"`
}

// ListPersister stores checkpoint lists.
type ListPersister interface {
	PersistList(list *SavedList) (Addr, error)
	RestoreList(addr Addr) (*SavedList, error)
}

// SequenceAllocator hands out commit sequence numbers in increasing order.
type SequenceAllocator interface {
	NextCommitSeq() (uint64, error)
}

// EventLog records statement lifecycle events. Appends are best-effort.
type EventLog interface {
	AppendStatementEvent(txnID, stmtID uint64, kind EventKind) error
}
