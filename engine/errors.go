package engine

import (
	"errors"
	"fmt"

	"github.com/maxpert/txcore/txn"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("engine closed")

// ErrTxnNotActive is returned when an operation needs a running transaction.
type ErrTxnNotActive struct {
	TxnID uint64
	State txn.State
}

func (e ErrTxnNotActive) Error() string {
	return fmt.Sprintf("transaction %d is not active (state: %s)", e.TxnID, e.State)
}

// ErrEventLog reports a failed statement event append. The in-memory
// operation it accompanies has completed.
type ErrEventLog struct {
	TxnID uint64
	Kind  txn.EventKind
	Err   error
}

func (e ErrEventLog) Error() string {
	return fmt.Sprintf("event log append failed for txn %d (%s): %v", e.TxnID, e.Kind, e.Err)
}

func (e ErrEventLog) Unwrap() error {
	return e.Err
}
