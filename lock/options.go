package lock

import (
	"time"

	"github.com/maxpert/txcore/cfg"
)

const (
	// NoWait denies a conflicting request instead of queueing it.
	NoWait time.Duration = 0
	// Forever waits without a deadline.
	Forever time.Duration = -1
)

// Waker resumes a goroutine parked on a pending request. Wake is called with
// the manager mutex held and must not block or call back into the Manager.
type Waker interface {
	Wake(t *Txn)
}

// Escalator decides when a transaction's row locks on a table are replaced by
// a single table lock.
type Escalator interface {
	ShouldEscalate(t *Txn, table uint32, rowLocks int) bool
}

type Options struct {
	// BucketCount sizes the initial lock head tables, split across mutexes.
	BucketCount int
	// MutexCount partitions the lock table. 1 disables splitting.
	MutexCount int

	DeadlockDetection   bool
	MaxDeadlockDepth    int
	MaxDeadlockRequests int

	HeadPoolHighWater    int
	RequestPoolHighWater int

	// EscalationThreshold is the row lock count per table at which the
	// default Escalator fires. 0 disables escalation.
	EscalationThreshold int

	Waker     Waker
	Escalator Escalator
}

// DefaultOptions builds Options from the loaded configuration.
func DefaultOptions() Options {
	c := cfg.Config.Lock
	return Options{
		BucketCount:          c.BucketCount,
		MutexCount:           c.MutexCount,
		DeadlockDetection:    c.DeadlockDetection,
		MaxDeadlockDepth:     c.MaxDeadlockDepth,
		MaxDeadlockRequests:  c.MaxDeadlockRequests,
		HeadPoolHighWater:    c.HeadPoolHighWater,
		RequestPoolHighWater: c.RequestPoolHighWater,
		EscalationThreshold:  c.EscalationThreshold,
	}
}

// DefaultTimeout is the configured wait budget for blocking lock calls.
func DefaultTimeout() time.Duration {
	ms := cfg.Config.Lock.DefaultTimeoutMS
	if ms < 0 {
		return Forever
	}
	return time.Duration(ms) * time.Millisecond
}

func (o Options) normalized() Options {
	if o.MutexCount <= 0 {
		o.MutexCount = 1
	}
	if o.BucketCount <= 0 {
		o.BucketCount = 1024
	}
	if o.MaxDeadlockDepth <= 0 {
		o.MaxDeadlockDepth = 32
	}
	if o.MaxDeadlockRequests <= 0 {
		o.MaxDeadlockRequests = 4096
	}
	if o.HeadPoolHighWater < 0 {
		o.HeadPoolHighWater = 0
	}
	if o.RequestPoolHighWater < 0 {
		o.RequestPoolHighWater = 0
	}
	if o.Escalator == nil {
		o.Escalator = thresholdEscalator(o.EscalationThreshold)
	}
	return o
}

type thresholdEscalator int

func (n thresholdEscalator) ShouldEscalate(_ *Txn, _ uint32, rowLocks int) bool {
	return n > 0 && rowLocks >= int(n)
}
