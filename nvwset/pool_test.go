package nvwset

import (
	"testing"

	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, blocks int) (*pmem.SimRegion, *pmem.Layout, *Pool) {
	l, err := pmem.NewLayout(pmem.Geometry{Blocks: blocks, BlockEntries: 8, LogSlots: 16, DataSize: 1024}, nil)
	require.Nil(t, err)
	r := pmem.NewSim(l.Size)
	p, err := Format(r, l)
	require.Nil(t, err)
	return r, l, p
}

func TestAcquireRoundRobinAndExhaustion(t *testing.T) {
	_, _, p := newTestPool(t, 3)

	var held []*Slot
	for i := 0; i < 3; i++ {
		s, err := p.Acquire()
		require.Nil(t, err)
		assert.Equal(t, i, s.ID)
		assert.Equal(t, InUse, s.Block.State())
		held = append(held, s)
	}
	_, err := p.Acquire()
	assert.Equal(t, ErrPoolExhausted, err)
	assert.Equal(t, 3, p.Busy())

	p.Release(held[1])
	assert.Equal(t, Idle, held[1].Block.State())
	s, err := p.Acquire()
	require.Nil(t, err)
	assert.Equal(t, 1, s.ID)

	p.Release(held[0])
	p.Release(held[2])
	s, err = p.Acquire()
	require.Nil(t, err)
	assert.Equal(t, 2, s.ID)
}

func TestFinalBlockSurvivesCrash(t *testing.T) {
	r, l, p := newTestPool(t, 2)
	s, err := p.Acquire()
	require.Nil(t, err)
	entries := []Entry{{Addr: l.DataBase, Value: 7}, {Addr: l.DataBase + 64, Value: 9}}
	require.Nil(t, s.Block.Commit(entries, 5))
	assert.Equal(t, uint64(1), p.Finalized())

	p2, err := Open(r.Crash(), l)
	require.Nil(t, err)
	redos, err := p2.Scan()
	require.Nil(t, err)
	require.Len(t, redos, 1)
	assert.Equal(t, uint64(5), redos[0].TS)
	assert.Equal(t, s.ID, redos[0].Block)
	assert.Equal(t, entries, redos[0].Entries)

	p2.Reset()
	redos, err = p2.Scan()
	require.Nil(t, err)
	assert.Len(t, redos, 0)
}

func TestUnfinishedAndRetiredBlocksAreIgnored(t *testing.T) {
	r, l, p := newTestPool(t, 2)
	a, err := p.Acquire()
	require.Nil(t, err)
	b, err := p.Acquire()
	require.Nil(t, err)
	require.Nil(t, b.Block.Commit([]Entry{{Addr: l.DataBase, Value: 1}}, 3))
	b.Block.Retire()

	p2, err := Open(r.Crash(a.Block.base), l)
	require.Nil(t, err)
	redos, err := p2.Scan()
	require.Nil(t, err)
	assert.Len(t, redos, 0)
}

func TestScanOrdersByTimestamp(t *testing.T) {
	_, l, p := newTestPool(t, 3)
	for _, ts := range []uint64{9, 4, 6} {
		s, err := p.Acquire()
		require.Nil(t, err)
		require.Nil(t, s.Block.Commit([]Entry{{Addr: l.DataBase, Value: ts}}, ts))
	}
	redos, err := p.Scan()
	require.Nil(t, err)
	require.Len(t, redos, 3)
	assert.Equal(t, []uint64{4, 6, 9}, []uint64{redos[0].TS, redos[1].TS, redos[2].TS})
}

func TestCorruptBlockDetected(t *testing.T) {
	r, l, p := newTestPool(t, 2)
	s, err := p.Acquire()
	require.Nil(t, err)
	require.Nil(t, s.Block.Commit([]Entry{{Addr: l.DataBase, Value: 1}}, 2))

	r.StoreWord(s.Block.entryAddr(0)+pmem.WordSize, 2)
	_, err = p.Scan()
	assert.Equal(t, ErrCorruptBlock, errors.Cause(err))

	r.StoreWord(s.Block.base+hdrCount, 100)
	_, err = p.Scan()
	assert.Equal(t, ErrCorruptBlock, errors.Cause(err))
}

func TestCommitRejectsOversizedWriteSet(t *testing.T) {
	_, _, p := newTestPool(t, 1)
	s, err := p.Acquire()
	require.Nil(t, err)
	err = s.Block.Commit(make([]Entry, s.Block.Capacity()+1), 1)
	assert.Equal(t, ErrBlockFull, errors.Cause(err))
	assert.Equal(t, InUse, s.Block.State())
}
