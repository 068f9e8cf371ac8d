package transaction

import (
	"testing"

	"github.com/pingcap-incubator/tinypm/config"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCrash = errors.New("simulated power failure")

// crashAt runs a transaction writing va to a and vb to b and cuts it off at the n-th
// time the commit protocol reaches point p.
func crashAt(t *testing.T, e *Engine, p commitPoint, n int, a, va, b, vb uint64) {
	seen := 0
	e.commitHook = func(q commitPoint) {
		if q == p {
			seen++
			if seen == n {
				panic(errCrash)
			}
		}
	}
	defer func() {
		e.commitHook = nil
		r := recover()
		require.Equal(t, errCrash, r)
	}()
	tx := attach(t, e)
	require.Nil(t, tx.Begin())
	require.Nil(t, tx.Store64(a, va))
	require.Nil(t, tx.Store64(b, vb))
	tx.Commit()
}

func TestCrashAfterFinalRedoes(t *testing.T) {
	for _, mode := range []string{config.DurabilityWriteSet, config.DurabilityValueLog} {
		conf := newTestConfig(func(c *config.Config) { c.Engine.Durability = mode })
		l, err := LayoutFor(conf)
		require.Nil(t, err)
		r := pmem.NewSim(l.Size)
		e := openTestEngine(t, conf, r)
		a, b := rootWord(t, e, 0), rootWord(t, e, 8)

		// A reaches its home and is flushed, B does not.
		crashAt(t, e, pointInstalled, 1, a, 11, b, 22)
		r2 := r.Crash()
		assert.Equal(t, uint64(11), r2.LoadWord(a), mode)
		assert.Equal(t, uint64(0), r2.LoadWord(b), mode)

		e2, err := Open(conf, r2)
		require.Nil(t, err)
		rep, err := e2.Recover()
		require.Nil(t, err)
		if mode == config.DurabilityWriteSet {
			assert.Equal(t, 1, rep.Blocks)
		} else {
			assert.Equal(t, 1, rep.LogGroups)
		}
		assert.Equal(t, 2, rep.Words)
		assert.Equal(t, uint64(1), rep.MaxTS)
		assert.Equal(t, uint64(11), r2.DurableWord(a), mode)
		assert.Equal(t, uint64(22), r2.DurableWord(b), mode)

		// Nothing is left to redo, and the engine runs transactions again.
		rep, err = e2.Recover()
		require.Nil(t, err)
		assert.Equal(t, 0, rep.Blocks+rep.LogGroups)
		mustStore(t, e2, b, 23)
	}
}

func TestCrashBeforeFinalDiscards(t *testing.T) {
	for _, mode := range []string{config.DurabilityWriteSet, config.DurabilityValueLog} {
		conf := newTestConfig(func(c *config.Config) { c.Engine.Durability = mode })
		l, err := LayoutFor(conf)
		require.Nil(t, err)
		r := pmem.NewSim(l.Size)
		e := openTestEngine(t, conf, r)
		a, b := rootWord(t, e, 0), rootWord(t, e, 8)
		mustStore(t, e, a, 1)

		crashAt(t, e, pointValidated, 1, a, 11, b, 22)
		// Whatever the cache evicts on its own, nothing was made durable yet.
		r2 := r.Crash(r.DirtyLines()...)
		e2, err := Open(conf, r2)
		require.Nil(t, err)
		rep, err := e2.Recover()
		require.Nil(t, err)
		assert.Equal(t, 0, rep.Words, mode)
		assert.Equal(t, uint64(1), r2.DurableWord(a), mode)
		assert.Equal(t, uint64(0), r2.DurableWord(b), mode)
	}
}

func TestCrashInsideValueLogPersistDiscards(t *testing.T) {
	conf := newTestConfig(func(c *config.Config) { c.Engine.Durability = config.DurabilityValueLog })
	l, err := LayoutFor(conf)
	require.Nil(t, err)
	for _, records := range []int{1, 2} {
		r := pmem.NewSim(l.Size)
		e := openTestEngine(t, conf, r)
		a, b := rootWord(t, e, 0), rootWord(t, e, 8)
		mustStore(t, e, a, 1)

		// Write records appended but never flushed, every dirty line written back anyway.
		crashAt(t, e, pointLogged, records, a, 11, b, 22)
		r2 := r.Crash(r.DirtyLines()...)
		e2, err := Open(conf, r2)
		require.Nil(t, err)
		rep, err := e2.Recover()
		require.Nil(t, err, "records %d", records)
		assert.Equal(t, 0, rep.LogGroups)
		assert.Equal(t, 0, rep.Words)
		assert.Equal(t, uint64(1), r2.DurableWord(a))
		assert.Equal(t, uint64(0), r2.DurableWord(b))
		mustStore(t, e2, b, 2)
	}
}

func TestValueLogRecordCutByEvictionRecovers(t *testing.T) {
	conf := newTestConfig(func(c *config.Config) {
		c.Engine.Durability = config.DurabilityValueLog
		c.Pool.Blocks = 1
	})
	l, err := LayoutFor(conf)
	require.Nil(t, err)
	r := pmem.NewSim(l.Size)
	e := openTestEngine(t, conf, r)
	a, b := rootWord(t, e, 0), rootWord(t, e, 8)
	mustStore(t, e, a, 1)

	// The next attempt puts its begin marker at head and the first address slot right
	// after it. Only the line of that address slot reaches the medium.
	head := e.pool.Slot(0).Log.Head()
	n := uint64(conf.Pool.LogSlots)
	addrSlot := l.LogAddr(0) + pmem.WordSize*(1+(head+1)%n)
	require.NotEqual(t, pmem.LineOf(addrSlot), pmem.LineOf(addrSlot+pmem.WordSize),
		"address and value slots must straddle a line, head %d", head)

	crashAt(t, e, pointLogged, 2, a, 11, b, 22)
	r2 := r.Crash(addrSlot)
	e2, err := Open(conf, r2)
	require.Nil(t, err)
	rep, err := e2.Recover()
	require.Nil(t, err)
	assert.Equal(t, 0, rep.LogGroups)
	assert.Equal(t, 0, rep.Words)
	assert.Equal(t, uint64(1), r2.DurableWord(a))
	assert.Equal(t, uint64(0), r2.DurableWord(b))

	mustStore(t, e2, b, 2)
	assert.Equal(t, uint64(2), r2.DurableWord(b))
}

func TestRedoIsIdempotent(t *testing.T) {
	conf := newTestConfig()
	l, err := LayoutFor(conf)
	require.Nil(t, err)
	r := pmem.NewSim(l.Size)
	e := openTestEngine(t, conf, r)
	a, b := rootWord(t, e, 0), rootWord(t, e, 8)
	crashAt(t, e, pointDurable, 1, a, 11, b, 22)
	crashed := r.Crash()

	// Recovery that is itself cut off after redoing only A, before the pool is reset.
	partial := crashed.Crash()
	partial.StoreWord(a, 11)
	partial.Flush(a, pmem.WordSize)
	partial = partial.Crash()

	once := crashed
	twice := partial
	for _, r := range []*pmem.SimRegion{once, twice} {
		e, err := Open(conf, r)
		require.Nil(t, err)
		_, err = e.Recover()
		require.Nil(t, err)
	}
	// And a crash right after a complete recovery.
	thrice := twice.Crash()
	e3, err := Open(conf, thrice)
	require.Nil(t, err)
	rep, err := e3.Recover()
	require.Nil(t, err)
	assert.Equal(t, 0, rep.Words)

	for _, addr := range []uint64{a, b} {
		assert.Equal(t, once.DurableWord(addr), twice.DurableWord(addr))
		assert.Equal(t, once.DurableWord(addr), thrice.DurableWord(addr))
	}
	assert.Equal(t, uint64(22), once.DurableWord(b))
}

func TestRecoveryRejectsCorruptBlock(t *testing.T) {
	conf := newTestConfig()
	l, err := LayoutFor(conf)
	require.Nil(t, err)
	r := pmem.NewSim(l.Size)
	e := openTestEngine(t, conf, r)
	a, b := rootWord(t, e, 0), rootWord(t, e, 8)
	crashAt(t, e, pointDurable, 1, a, 11, b, 22)
	r2 := r.Crash()

	corrupted := false
	for i := 0; i < l.Blocks; i++ {
		base := l.BlockAddr(i)
		if r2.LoadWord(base) == 2 {
			r2.StoreWord(base+pmem.CacheLine+pmem.WordSize, 99)
			corrupted = true
		}
	}
	require.True(t, corrupted)

	e2, err := Open(conf, r2)
	require.Nil(t, err)
	_, err = e2.Recover()
	assert.Equal(t, ErrCorruptBlock, errors.Cause(err))
	assert.Equal(t, uint64(0), r2.LoadWord(a))
	assert.Equal(t, uint64(0), r2.LoadWord(b))
	tx := attach(t, e2)
	assert.Equal(t, ErrNotRecovered, tx.Begin())
}

func TestLayoutMismatch(t *testing.T) {
	conf := newTestConfig()
	l, err := LayoutFor(conf)
	require.Nil(t, err)
	r := pmem.NewSim(l.Size)
	openTestEngine(t, conf, r)

	other := newTestConfig(func(c *config.Config) { c.Arenas[0].Size = "8KiB" })
	_, err = Open(other, r)
	assert.Equal(t, pmem.ErrBadLayout, errors.Cause(err))
}

func TestReincarnationCallbacks(t *testing.T) {
	conf := newTestConfig()
	l, err := LayoutFor(conf)
	require.Nil(t, err)
	e, err := Open(conf, pmem.NewSim(l.Size))
	require.Nil(t, err)

	var order []int
	e.RegisterReincarnationCallback(func(e *Engine) error {
		order = append(order, 1)
		// Callbacks run once the engine accepts transactions.
		tx := attach(t, e)
		defer tx.Detach()
		return Run(tx, func(tx *Tx) error { return tx.Store64(rootWord(t, e, 0), 5) })
	})
	e.RegisterReincarnationCallback(func(*Engine) error {
		order = append(order, 2)
		return nil
	})
	_, err = e.Recover()
	require.Nil(t, err)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, uint64(5), e.region.LoadWord(rootWord(t, e, 0)))

	boom := errors.New("boom")
	e.RegisterReincarnationCallback(func(*Engine) error { return boom })
	_, err = e.Recover()
	assert.Equal(t, boom, errors.Cause(err))
	assert.Equal(t, ErrNotRecovered, attach(t, e).Begin())
}
