// Package pmem models byte-addressable persistent memory: a Region is a word-addressed span
// whose stores become durable only after the cachelines holding them are flushed.
package pmem

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/pingcap/errors"
)

const (
	// WordSize is the unit of atomic access.
	WordSize = 8
	// CacheLine is the unit of write-back.
	CacheLine = 64

	wordsPerLine = CacheLine / WordSize
)

var (
	ErrOutOfRange = errors.New("pmem: address out of range")
	ErrUnaligned  = errors.New("pmem: address is not word aligned")
)

// Region is a span of persistent memory addressed by byte offset.
// LoadWord and StoreWord are atomic and require word-aligned addresses.
type Region interface {
	Size() uint64
	LoadWord(addr uint64) uint64
	StoreWord(addr uint64, val uint64)
	// Flush writes back every cacheline covering [addr, addr+n).
	Flush(addr, n uint64)
	// Fence orders preceding flushes before any later store.
	Fence()
	Close() error
}

// CheckRange verifies that [addr, addr+n) lies inside r.
func CheckRange(r Region, addr, n uint64) error {
	if addr+n < addr || addr+n > r.Size() {
		return errors.Annotatef(ErrOutOfRange, "[%d, %d) of %d", addr, addr+n, r.Size())
	}
	return nil
}

// CheckWord verifies that addr names a whole word inside r.
func CheckWord(r Region, addr uint64) error {
	if addr%WordSize != 0 {
		return errors.Annotatef(ErrUnaligned, "addr %d", addr)
	}
	return CheckRange(r, addr, WordSize)
}

// LineOf returns the address of the cacheline holding addr.
func LineOf(addr uint64) uint64 {
	return addr &^ (CacheLine - 1)
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// ReadAt copies len(buf) bytes starting at addr out of r, bypassing any transaction.
func ReadAt(r Region, addr uint64, buf []byte) error {
	if err := CheckRange(r, addr, uint64(len(buf))); err != nil {
		return err
	}
	var tmp [WordSize]byte
	for done := 0; done < len(buf); {
		a := addr + uint64(done)
		base := a &^ (WordSize - 1)
		binary.LittleEndian.PutUint64(tmp[:], r.LoadWord(base))
		done += copy(buf[done:], tmp[a-base:])
	}
	return nil
}

// WriteAt copies buf into r at addr and flushes it, bypassing any transaction.
func WriteAt(r Region, addr uint64, buf []byte) error {
	if err := CheckRange(r, addr, uint64(len(buf))); err != nil {
		return err
	}
	var tmp [WordSize]byte
	for done := 0; done < len(buf); {
		a := addr + uint64(done)
		base := a &^ (WordSize - 1)
		binary.LittleEndian.PutUint64(tmp[:], r.LoadWord(base))
		done += copy(tmp[a-base:], buf[done:])
		r.StoreWord(base, binary.LittleEndian.Uint64(tmp[:]))
	}
	r.Flush(addr, uint64(len(buf)))
	r.Fence()
	return nil
}

// wordView reinterprets a word-aligned byte slice as words.
type wordView []uint64

func newWordView(b []byte) wordView {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/WordSize)
}

func (w wordView) load(addr uint64) uint64 {
	return atomic.LoadUint64(&w[addr/WordSize])
}

func (w wordView) store(addr, val uint64) {
	atomic.StoreUint64(&w[addr/WordSize], val)
}
