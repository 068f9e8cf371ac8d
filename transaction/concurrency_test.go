package transaction

import (
	"sync"
	"testing"

	"github.com/pingcap-incubator/tinypm/config"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func increment(addr uint64) func(tx *Tx) error {
	return func(tx *Tx) error {
		v, err := tx.Load64(addr)
		if err != nil {
			return err
		}
		return tx.Store64(addr, v+1)
	}
}

func runConcurrently(t *testing.T, e *Engine, workers, loops int, fn func(tx *Tx) error) {
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		tx := attach(t, e)
		wg.Add(1)
		go func(i int, tx *Tx) {
			defer wg.Done()
			defer tx.Detach()
			for j := 0; j < loops; j++ {
				if err := Run(tx, fn); err != nil {
					errs[i] = err
					return
				}
			}
		}(i, tx)
	}
	wg.Wait()
	for _, err := range errs {
		require.Nil(t, err)
	}
}

func TestTwoThreadCounter(t *testing.T) {
	r, e := newTestEngine(t)
	x := rootWord(t, e, 0)
	runConcurrently(t, e, 2, 1, increment(x))
	assert.Equal(t, uint64(2), r.DurableWord(x))
	assert.Equal(t, uint64(2), e.Stats().Finalized)
	assert.Equal(t, uint64(2), e.Stats().Commits)
}

func TestNoLostUpdate(t *testing.T) {
	r, e := newTestEngine(t)
	x := rootWord(t, e, 0)
	y := rootWord(t, e, 100)
	// Every transaction moves one unit from y to x, so x+y stays constant.
	runConcurrently(t, e, 4, 200, func(tx *Tx) error {
		if err := increment(x)(tx); err != nil {
			return err
		}
		v, err := tx.Load64(y)
		if err != nil {
			return err
		}
		return tx.Store64(y, v-1)
	})
	assert.Equal(t, uint64(800), r.DurableWord(x))
	assert.Equal(t, uint64(0), r.DurableWord(y)+r.DurableWord(x)-800)
	st := e.Stats()
	assert.Equal(t, uint64(800), st.Commits)
	assert.Equal(t, st.Commits, st.Finalized)
	assert.Equal(t, 0, st.BusySlots)
}

func TestConsistentSnapshots(t *testing.T) {
	_, e := newTestEngine(t)
	a, b := rootWord(t, e, 0), rootWord(t, e, 50)
	writer := attach(t, e)
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 300; i++ {
			err := Run(writer, func(tx *Tx) error {
				v, err := tx.Load64(a)
				if err != nil {
					return err
				}
				if err = tx.Store64(a, v+1); err != nil {
					return err
				}
				return tx.Store64(b, v+1)
			})
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	reader := attach(t, e)
	for i := 0; i < 300; i++ {
		var va, vb uint64
		require.Nil(t, Run(reader, func(tx *Tx) error {
			var err error
			if va, err = tx.Load64(a); err != nil {
				return err
			}
			vb, err = tx.Load64(b)
			return err
		}, ReadOnly()))
		require.Equal(t, va, vb)
	}
	require.Nil(t, <-done)
}

func TestRolloverReset(t *testing.T) {
	r, e := newTestEngine(t, func(c *config.Config) { c.Engine.MaxClock = 4 })
	x := rootWord(t, e, 0)
	tx := attach(t, e)
	for i := 0; i < 10; i++ {
		require.Nil(t, Run(tx, increment(x)))
	}
	assert.Equal(t, uint64(10), r.DurableWord(x))
	st := e.Stats()
	assert.Equal(t, uint64(2), st.Rollovers)
	assert.True(t, st.Clock <= 4)
}

func TestRolloverWithConcurrentWriters(t *testing.T) {
	r, e := newTestEngine(t, func(c *config.Config) {
		c.Engine.MaxClock = 16
		c.Engine.RolloverRetries = 1 << 20
	})
	x := rootWord(t, e, 0)
	runConcurrently(t, e, 3, 100, increment(x))
	assert.Equal(t, uint64(300), r.DurableWord(x))
	assert.True(t, e.Stats().Rollovers > 0)
}

func TestRolloverFatal(t *testing.T) {
	_, e := newTestEngine(t, func(c *config.Config) {
		c.Engine.MaxClock = 2
		c.Engine.RolloverPolicy = config.RolloverFatal
	})
	x := rootWord(t, e, 0)
	tx := attach(t, e)
	require.Nil(t, Run(tx, increment(x)))
	require.Nil(t, Run(tx, increment(x)))
	err := Run(tx, increment(x))
	assert.Equal(t, ErrClockExhausted, errors.Cause(err))
	assert.Equal(t, uint64(2), e.region.LoadWord(x))
	assert.False(t, e.locks.Load(e.locks.Index(x)).Owned())
}

func TestRolloverRetryBudget(t *testing.T) {
	_, e := newTestEngine(t, func(c *config.Config) { c.Engine.RolloverRetries = 1 })
	tx := attach(t, e)
	x := rootWord(t, e, 0)
	require.Nil(t, tx.Begin())
	require.Nil(t, tx.Store64(x, 1))

	e.resetting.Store(true)
	assertRestart(t, tx.Commit(), RolloverClock)
	assertRestart(t, tx.Begin(), RolloverClock)
	e.resetting.Store(false)

	require.Nil(t, tx.Begin())
	e.resetting.Store(true)
	_, err := tx.Load64(x)
	e.resetting.Store(false)
	assert.Equal(t, ErrClockExhausted, errors.Cause(err))
}
