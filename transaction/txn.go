package transaction

import (
	"fmt"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinypm/nvlog"
	"github.com/pingcap-incubator/tinypm/nvwset"
	"github.com/pingcap-incubator/tinypm/transaction/alloctrack"
	"github.com/pingcap-incubator/tinypm/transaction/undolog"
	"github.com/pingcap/errors"
	uatomic "go.uber.org/atomic"
)

// Status of a descriptor.
type Status int

const (
	Idle Status = iota
	Active
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Tx is a transaction descriptor. It is reused by every transaction its goroutine runs and
// must not be shared between goroutines.
type Tx struct {
	e  *Engine
	id uint16

	status   Status
	nesting  int
	readOnly bool
	// upgrade forces the next attempt to run read-write after a NotReadOnly abort.
	upgrade bool
	start   uint64
	end     uint64

	rs     []readEntry
	ws     []writeEntry
	growRS bool
	growWS bool
	// merged is scratch space for the values made durable at commit.
	merged []nvwset.Entry

	slot   *nvwset.Slot
	undo   *undolog.Log
	allocs *alloctrack.Tracker

	// active is read by a committer that has to reset the clock.
	active    uatomic.Bool
	retries   uint64
	rollovers int
}

func newTx(e *Engine, id uint16) *Tx {
	return &Tx{
		e:      e,
		id:     id,
		rs:     make([]readEntry, 0, e.conf.Engine.ReadSetSize),
		ws:     make([]writeEntry, 0, e.conf.Engine.WriteSetSize),
		merged: make([]nvwset.Entry, 0, e.conf.Engine.WriteSetSize),
		undo:   undolog.New(256),
		allocs: alloctrack.New(),
	}
}

func (tx *Tx) Engine() *Engine {
	return tx.e
}

func (tx *Tx) ID() uint16 {
	return tx.id
}

func (tx *Tx) Status() Status {
	return tx.status
}

// Retries is the number of attempts this descriptor has rolled back.
func (tx *Tx) Retries() uint64 {
	return tx.retries
}

// ReadOnly reports whether the running attempt uses the read-only path.
func (tx *Tx) ReadOnly() bool {
	return tx.readOnly
}

// Snapshot returns the start and current end of the attempt's snapshot.
func (tx *Tx) Snapshot() (start, end uint64) {
	return tx.start, tx.end
}

// Nesting is the current begin depth.
func (tx *Tx) Nesting() int {
	return tx.nesting
}

type beginOptions struct {
	readOnly bool
}

// BeginOption configures an outermost Begin.
type BeginOption func(*beginOptions)

// ReadOnly runs the attempt without a read-set. Reads must all fall inside the start
// snapshot, and the first write aborts with NotReadOnly.
func ReadOnly() BeginOption {
	return func(o *beginOptions) {
		o.readOnly = true
	}
}

// Begin starts a transaction, or enters a nested one. Only the outermost Begin takes a
// snapshot and acquires a pool slot.
func (tx *Tx) Begin(opts ...BeginOption) error {
	e := tx.e
	if tx.status == Active {
		tx.nesting++
		return nil
	}
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.recovered.Load() {
		return ErrNotRecovered
	}
	var o beginOptions
	for _, opt := range opts {
		opt(&o)
	}

	tx.active.Store(true)
	if e.resetting.Load() {
		tx.active.Store(false)
		return &RestartError{Reason: RolloverClock}
	}
	tx.readOnly = o.readOnly && !tx.upgrade
	tx.upgrade = false
	if !tx.readOnly {
		slot, err := e.pool.Acquire()
		if err != nil {
			tx.active.Store(false)
			log.Warnf("descriptor %d: %v", tx.id, err)
			return errors.Trace(err)
		}
		tx.slot = slot
		if err = slot.Log.Append(nvlog.KindBegin, 0); err != nil {
			// A log always has room after a truncation.
			log.Fatalf("descriptor %d: begin marker in %v: %v", tx.id, slot.Log, err)
		}
	}
	tx.start = e.locks.Clock()
	tx.end = tx.start
	tx.rs = tx.rs[:0]
	tx.ws = tx.ws[:0]
	tx.undo.Reset()
	tx.allocs.Reset()
	tx.nesting = 1
	tx.status = Active
	return nil
}

// Detach destroys the descriptor. It must be outside a transaction.
func (tx *Tx) Detach() error {
	if tx.status == Active {
		return errors.Annotatef(ErrTxActive, "detach descriptor %d", tx.id)
	}
	tx.e.detach(tx)
	return nil
}

// checkActive is run on entry of every operation inside a transaction.
func (tx *Tx) checkActive() error {
	if tx.status != Active {
		return ErrTxNotActive
	}
	if tx.e.resetting.Load() {
		return tx.rollback(RolloverClock)
	}
	return nil
}

// finish ends the attempt after a commit or a rollback.
func (tx *Tx) finish(st Status) {
	if tx.slot != nil {
		tx.e.pool.Release(tx.slot)
		tx.slot = nil
	}
	tx.status = st
	tx.nesting = 0
	tx.active.Store(false)
}

// LogBytes saves the current content of b, volatile memory outside the persistent
// region, so that an abort restores it.
func (tx *Tx) LogBytes(b []byte) error {
	if tx.status != Active {
		return ErrTxNotActive
	}
	tx.undo.Save(b)
	return nil
}

// Protect keeps [lo, hi) from being restored by an abort of the running attempt.
func (tx *Tx) Protect(lo, hi uintptr) {
	tx.undo.Protect(lo, hi)
}

// LogValue saves *p like LogBytes.
func LogValue[T any](tx *Tx, p *T) error {
	return tx.LogBytes(undolog.Bytes(p))
}
