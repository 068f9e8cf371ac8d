package undolog

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestRestoreOldestImageWins(t *testing.T) {
	l := New(16)
	x := uint64(1)
	l.Save(Bytes(&x))
	x = 2
	l.Save(Bytes(&x))
	x = 3
	assert.Equal(t, 2, l.Len())

	assert.Equal(t, 0, l.Restore())
	assert.Equal(t, uint64(1), x)
	assert.Equal(t, 0, l.Len())
}

func TestRestoreSlicesAndStructs(t *testing.T) {
	type pair struct {
		a, b int32
	}
	l := New(0)
	buf := []byte("hello")
	p := pair{a: 1, b: 2}
	l.Save(buf[1:3])
	l.Save(Bytes(&p))
	copy(buf, "HELLO")
	p.a, p.b = 10, 20

	l.Restore()
	assert.Equal(t, "HelLO", string(buf))
	assert.Equal(t, pair{a: 1, b: 2}, p)
}

func TestProtectedRangesAreSkipped(t *testing.T) {
	l := New(16)
	var frame [4]uint64
	other := uint64(5)
	l.Save(Bytes(&frame))
	l.Save(Bytes(&other))
	frame[0], other = 9, 9

	lo := uintptr(unsafe.Pointer(&frame[1]))
	l.Protect(lo, lo+8)
	assert.Equal(t, 1, l.Restore())
	assert.Equal(t, uint64(9), frame[0])
	assert.Equal(t, uint64(5), other)

	// Protection does not outlive the restore.
	l.Save(Bytes(&frame))
	frame[0] = 1
	l.Restore()
	assert.Equal(t, uint64(9), frame[0])
}

func TestResetDiscards(t *testing.T) {
	l := New(8)
	x := 1
	l.Save(Bytes(&x))
	x = 2
	l.Reset()
	l.Restore()
	assert.Equal(t, 2, x)
	l.Save(nil)
	assert.Equal(t, 0, l.Len())
}
