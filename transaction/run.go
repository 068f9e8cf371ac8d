package transaction

import "runtime"

// Run executes fn as one transaction on tx, beginning a new attempt for as long as an
// attempt ends with a *RestartError other than an explicit abort. Any other error stops
// it, and the attempt is rolled back first if it is still running. Run nested inside a
// running transaction executes fn once and leaves retrying to the outermost Run.
func Run(tx *Tx, fn func(tx *Tx) error, opts ...BeginOption) error {
	if tx.status == Active {
		if err := tx.Begin(); err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	}
	for {
		err := tx.Begin(opts...)
		if err == nil {
			if err = fn(tx); err == nil {
				err = tx.Commit()
			}
		}
		if err == nil {
			return nil
		}
		if tx.status == Active {
			if abortErr := tx.Abort(); !IsRetryable(abortErr) {
				return abortErr
			}
		}
		if !IsRetryable(err) || ReasonOf(err) == Explicit {
			return err
		}
		if ReasonOf(err) == RolloverClock {
			runtime.Gosched()
		}
	}
}
