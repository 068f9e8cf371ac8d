package transaction

import (
	"fmt"

	"github.com/pingcap-incubator/tinypm/nvlog"
	"github.com/pingcap-incubator/tinypm/nvwset"
	"github.com/pingcap/errors"
)

// Reason tells why an attempt was rolled back.
type Reason int

const (
	// LockedRead: the slot of a read address is owned by another transaction.
	LockedRead Reason = iota + 1
	// LockedWrite: the slot of a written address is owned by another transaction.
	LockedWrite
	// ValidateRead: a read saw a version past the snapshot and the snapshot could not be extended.
	ValidateRead
	// ValidateWrite: a written slot changed after this transaction read it.
	ValidateWrite
	// ValidateCommit: the read-set failed validation at commit.
	ValidateCommit
	// NotReadOnly: a read-only attempt tried to write. The next attempt runs read-write.
	NotReadOnly
	// Reallocate: the read-set or write-set outgrew its capacity, which was raised for the next attempt.
	Reallocate
	// RolloverClock: the global clock is being reset.
	RolloverClock
	// Explicit: the caller aborted.
	Explicit

	numReasons
)

var reasonNames = [...]string{
	LockedRead:     "locked-read",
	LockedWrite:    "locked-write",
	ValidateRead:   "validate-read",
	ValidateWrite:  "validate-write",
	ValidateCommit: "validate-commit",
	NotReadOnly:    "not-read-only",
	Reallocate:     "reallocate",
	RolloverClock:  "rollover-clock",
	Explicit:       "explicit",
}

func (r Reason) String() string {
	if r > 0 && r < numReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// RestartError is returned once an attempt has been rolled back. The caller retries by
// calling Begin again.
type RestartError struct {
	Reason Reason
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("transaction restart: %s", e.Reason)
}

// IsRetryable reports whether err asks for a new attempt.
func IsRetryable(err error) bool {
	_, ok := errors.Cause(err).(*RestartError)
	return ok
}

// ReasonOf extracts the restart reason of err, or 0.
func ReasonOf(err error) Reason {
	if re, ok := errors.Cause(err).(*RestartError); ok {
		return re.Reason
	}
	return 0
}

// Fatal errors. Retrying does not help.
var (
	ErrPoolExhausted  = nvwset.ErrPoolExhausted
	ErrWriteSetFull   = nvwset.ErrBlockFull
	ErrLogFull        = nvlog.ErrLogFull
	ErrCorruptBlock   = nvwset.ErrCorruptBlock
	ErrClockExhausted = errors.New("transaction: clock exhausted")
	ErrNotRecovered   = errors.New("transaction: engine has not been recovered")
	ErrTxNotActive    = errors.New("transaction: not active")
	ErrTxActive       = errors.New("transaction: still active")
	ErrNoAllocator    = errors.New("transaction: no allocator configured")
	ErrTooManyTxs     = errors.New("transaction: too many attached descriptors")
	ErrClosed         = errors.New("transaction: engine closed")
)
