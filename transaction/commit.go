package transaction

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinypm/config"
	"github.com/pingcap-incubator/tinypm/nvlog"
	"github.com/pingcap-incubator/tinypm/nvwset"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
)

// Commit ends the innermost Begin. The outermost Commit validates the attempt, makes its
// writes durable and installs them. A *RestartError means the attempt was rolled back.
func (tx *Tx) Commit() error {
	if tx.status != Active {
		return ErrTxNotActive
	}
	if tx.nesting > 1 {
		tx.nesting--
		return nil
	}
	e := tx.e
	if e.resetting.Load() {
		return tx.rollback(RolloverClock)
	}
	if len(tx.ws) == 0 {
		if tx.slot != nil {
			tx.retireSlot(false)
		}
		tx.allocs.Commit()
		tx.undo.Reset()
		tx.rollovers = 0
		e.stats.onCommit(0, tx.readOnly)
		tx.finish(Committed)
		return nil
	}

	ts := e.locks.AdvanceClock()
	if ts > e.locks.MaxClock() {
		return tx.rollover()
	}
	// If no other transaction committed since the snapshot was taken, nothing can have changed.
	if tx.end != ts-1 && !tx.validate() {
		return tx.rollback(ValidateCommit)
	}
	tx.hook(pointValidated)

	merged := tx.mergeWrites()
	if len(merged) > 0 {
		if err := tx.persist(merged, ts); err != nil {
			return tx.abortFatal(err)
		}
		tx.hook(pointDurable)
		for _, m := range merged {
			e.region.StoreWord(m.Addr, m.Value)
			e.region.Flush(m.Addr, pmem.WordSize)
			tx.hook(pointInstalled)
		}
		e.region.Fence()
	}
	tx.retireSlot(len(merged) > 0)
	tx.hook(pointRetired)

	for i := range tx.ws {
		if w := &tx.ws[i]; w.next < 0 {
			e.locks.Release(w.lock, ts)
		}
	}
	tx.allocs.Commit()
	tx.undo.Reset()
	tx.rollovers = 0
	e.stats.onCommit(len(merged), false)
	tx.finish(Committed)
	return nil
}

// mergeWrites computes the final content of every written word. Bytes outside a partial
// mask come from the home location, which cannot change while the slot is owned.
func (tx *Tx) mergeWrites() []nvwset.Entry {
	merged := tx.merged[:0]
	for i := range tx.ws {
		w := &tx.ws[i]
		if w.mask == 0 {
			continue
		}
		v := w.value
		if w.mask != fullMask {
			v |= tx.e.region.LoadWord(w.addr) &^ w.mask
		}
		merged = append(merged, nvwset.Entry{Addr: w.addr, Value: v})
	}
	tx.merged = merged
	return merged
}

// persist makes the redo record of the attempt durable. Once it returns nil the commit
// survives a crash.
func (tx *Tx) persist(merged []nvwset.Entry, ts uint64) error {
	lg := tx.slot.Log
	if tx.e.valueLog {
		for _, m := range merged {
			if err := lg.AppendWrite(m.Addr, m.Value); err != nil {
				return errors.Trace(err)
			}
			tx.hook(pointLogged)
		}
		if err := lg.Append(nvlog.KindCommit, ts); err != nil {
			return errors.Trace(err)
		}
		lg.Flush()
		return nil
	}
	if err := tx.slot.Block.Commit(merged, ts); err != nil {
		return errors.Trace(err)
	}
	if err := lg.Append(nvlog.KindCommit, ts); err != nil {
		log.Warnf("descriptor %d: commit marker: %v", tx.id, err)
	}
	return nil
}

// retireSlot supersedes the redo record once the home locations are durable.
func (tx *Tx) retireSlot(finalized bool) {
	if finalized && !tx.e.valueLog {
		tx.slot.Block.Retire()
	}
	if err := tx.slot.Log.TruncateAll(); err != nil {
		log.Errorf("descriptor %d: truncate %v: %v", tx.id, tx.slot.Log, err)
	}
}

func (tx *Tx) hook(p commitPoint) {
	if tx.e.commitHook != nil {
		tx.e.commitHook(p)
	}
}

// Abort rolls back the running transaction, however deeply nested. It returns the
// *RestartError with reason Explicit.
func (tx *Tx) Abort() error {
	return tx.Rollback(Explicit)
}

// Rollback rolls back the running transaction with the given reason.
func (tx *Tx) Rollback(r Reason) error {
	if tx.status != Active {
		return ErrTxNotActive
	}
	return tx.rollback(r)
}

func (tx *Tx) rollback(r Reason) error {
	tx.undoAttempt()
	tx.e.stats.onAbort(r)
	log.Debugf("descriptor %d: rolled back, %s", tx.id, r)
	switch r {
	case NotReadOnly:
		tx.upgrade = true
	case RolloverClock:
		tx.rollovers++
		if n := tx.rollovers; n > tx.e.conf.Engine.RolloverRetries {
			tx.rollovers = 0
			return errors.Annotatef(ErrClockExhausted, "descriptor %d rolled back by %d consecutive clock resets", tx.id, n)
		}
	}
	return &RestartError{Reason: r}
}

// abortFatal rolls back and reports err instead of a restart.
func (tx *Tx) abortFatal(err error) error {
	tx.undoAttempt()
	txnCounter.WithLabelValues("fatal").Inc()
	log.Errorf("descriptor %d: %v", tx.id, err)
	return err
}

func (tx *Tx) undoAttempt() {
	e := tx.e
	if tx.slot != nil {
		if err := tx.slot.Log.Append(nvlog.KindAbort, 0); err != nil {
			log.Warnf("descriptor %d: abort marker: %v", tx.id, err)
		}
		tx.slot.Block.Abandon()
		if err := tx.slot.Log.TruncateAll(); err != nil {
			log.Errorf("descriptor %d: truncate %v: %v", tx.id, tx.slot.Log, err)
		}
	}
	// Home locations were never touched, so the slots go back to their old versions.
	for i := range tx.ws {
		if w := &tx.ws[i]; w.next < 0 {
			e.locks.Release(w.lock, w.version)
		}
	}
	tx.undo.Restore()
	tx.allocs.Abort()
	tx.rs = tx.rs[:0]
	tx.ws = tx.ws[:0]
	tx.resize()
	tx.retries++
	tx.finish(Aborted)
}

// rollover handles a commit timestamp past the clock bound.
func (tx *Tx) rollover() error {
	e := tx.e
	if e.conf.Engine.RolloverPolicy == config.RolloverFatal {
		err := errors.Annotatef(ErrClockExhausted, "clock passed %d", e.locks.MaxClock())
		return tx.abortFatal(err)
	}
	if !e.resetting.CAS(false, true) {
		// Another committer is already resetting.
		return tx.rollback(RolloverClock)
	}
	err := tx.rollback(RolloverClock)
	e.waitQuiescent(tx)
	e.locks.Reset()
	e.stats.onRollover()
	e.resetting.Store(false)
	log.Infof("descriptor %d reset the global clock", tx.id)
	return err
}
