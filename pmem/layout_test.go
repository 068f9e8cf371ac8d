package pmem

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry() Geometry {
	return Geometry{Blocks: 4, BlockEntries: 8, LogSlots: 32, DataSize: 4096}
}

func TestLayoutPlacement(t *testing.T) {
	l, err := NewLayout(testGeometry(), []ArenaSpec{{"root", 100}, {"counters", 64}})
	require.Nil(t, err)

	assert.Equal(t, uint64(headerSize), l.BlockBase)
	assert.Equal(t, uint64(CacheLine+8*16), l.BlockSize)
	assert.Equal(t, l.BlockBase+4*l.BlockSize, l.LogBase)
	assert.Equal(t, uint64(320), l.LogSize)
	assert.Equal(t, l.LogBase+4*l.LogSize, l.DataBase)

	root, ok := l.Arena("root")
	require.True(t, ok)
	assert.Equal(t, l.DataBase, root.Base)
	counters, ok := l.Arena("counters")
	require.True(t, ok)
	assert.Equal(t, l.DataBase+128, counters.Base)
	assert.Equal(t, counters.Base+64, l.Heap().Base)
	assert.Equal(t, l.Size, l.Heap().Base+l.Heap().Size)

	addr, err := counters.Addr(8)
	require.Nil(t, err)
	assert.Equal(t, counters.Base+8, addr)
	_, err = counters.Addr(64)
	assert.NotNil(t, err)
	_, ok = l.Arena("missing")
	assert.False(t, ok)
}

func TestLayoutOverflow(t *testing.T) {
	_, err := NewLayout(testGeometry(), []ArenaSpec{{"big", 8192}})
	assert.NotNil(t, err)
}

func TestFormatAndCheck(t *testing.T) {
	l, err := NewLayout(testGeometry(), []ArenaSpec{{"root", 100}})
	require.Nil(t, err)
	r := NewSim(l.Size)
	assert.Equal(t, ErrNotFormatted, l.Check(r))

	inited := false
	require.Nil(t, l.Format(r, func() error {
		inited = true
		return nil
	}))
	assert.True(t, inited)

	// Survives a crash because Format flushes everything it writes.
	r = r.Crash()
	require.Nil(t, l.Check(r))
	g, err := ReadGeometry(r)
	require.Nil(t, err)
	assert.Equal(t, testGeometry(), g)

	// Same geometry, different arenas.
	other, err := NewLayout(testGeometry(), []ArenaSpec{{"root", 200}})
	require.Nil(t, err)
	assert.Equal(t, ErrBadLayout, errors.Cause(other.Check(r)))
}

func TestFormatInterruptedLeavesNoMagic(t *testing.T) {
	l, err := NewLayout(testGeometry(), nil)
	require.Nil(t, err)
	r := NewSim(l.Size)
	require.Nil(t, l.Format(r, nil))
	r = r.Crash()

	// A second format whose init fails must not leave a valid header behind.
	err = l.Format(r, func() error { return errors.New("boom") })
	assert.NotNil(t, err)
	assert.Equal(t, ErrNotFormatted, l.Check(r.Crash()))
}
