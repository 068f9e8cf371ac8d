package lockstore

import (
	"sync/atomic"

	"github.com/ngaut/log"
	uatomic "go.uber.org/atomic"
)

// Table is the versioned lock table and global clock shared by all transactions of one
// engine. Every slot covers the addresses that hash to it; aliasing only produces false
// conflicts, never false successes.
//
// A slot word is either free, holding the commit timestamp of its last writer, or owned,
// holding a reference to the head write-set entry of the transaction that owns it.
// Bit 0 tells the two apart.
//
//	free:  | version (63 bits)                          | 0 |
//	owned: | entry index (47 bits) | descriptor (16 bits) | 1 |
type Table struct {
	locks []uint64
	mask  uint64
	shift uint

	clock    uatomic.Uint64
	maxClock uint64
}

const (
	ownedBit = 1

	descBits = 16
	descMask = 1<<descBits - 1

	// MaxDescriptors bounds the number of attached descriptors.
	MaxDescriptors = descMask
	// MaxEntries bounds the write-set index stored in an owned slot.
	MaxEntries = 1<<(63-descBits) - 1
)

// Word is a snapshot of one slot.
type Word uint64

// Owner identifies a write-set entry of a descriptor.
type Owner uint64

func MakeOwner(desc uint16, entry int) Owner {
	return Owner(uint64(entry)<<descBits | uint64(desc))
}

func (o Owner) Desc() uint16 {
	return uint16(o & descMask)
}

func (o Owner) Entry() int {
	return int(o >> descBits)
}

// FreeWord is the word of a free slot at version.
func FreeWord(version uint64) Word {
	return Word(version << 1)
}

// OwnedWord is the word of a slot owned by o.
func OwnedWord(o Owner) Word {
	return Word(uint64(o)<<1 | ownedBit)
}

func (w Word) Owned() bool {
	return w&ownedBit != 0
}

// Version is meaningful only for free words.
func (w Word) Version() uint64 {
	return uint64(w) >> 1
}

// Owner is meaningful only for owned words.
func (w Word) Owner() Owner {
	return Owner(uint64(w) >> 1)
}

// NewTable creates a table of 1<<bits slots, each covering 1<<shift bytes.
// Versions and the clock never exceed maxClock.
func NewTable(bits, shift uint, maxClock uint64) *Table {
	return &Table{
		locks:    make([]uint64, 1<<bits),
		mask:     1<<bits - 1,
		shift:    shift,
		maxClock: maxClock,
	}
}

// Index maps an address to its slot.
func (t *Table) Index(addr uint64) uint64 {
	return (addr >> t.shift) & t.mask
}

func (t *Table) Len() int {
	return len(t.locks)
}

func (t *Table) Load(idx uint64) Word {
	return Word(atomic.LoadUint64(&t.locks[idx]))
}

// Acquire moves a slot from the free word old to owned by o with one compare-and-swap.
// It never waits: false means somebody else changed the slot first.
func (t *Table) Acquire(idx uint64, old Word, o Owner) bool {
	if old.Owned() {
		return false
	}
	return atomic.CompareAndSwapUint64(&t.locks[idx], uint64(old), uint64(OwnedWord(o)))
}

// Repoint changes the owner reference of a slot the caller already owns.
func (t *Table) Repoint(idx uint64, o Owner) {
	atomic.StoreUint64(&t.locks[idx], uint64(OwnedWord(o)))
}

// Release frees an owned slot, publishing version.
func (t *Table) Release(idx uint64, version uint64) {
	atomic.StoreUint64(&t.locks[idx], uint64(FreeWord(version)))
}

// Clock reads the global clock.
func (t *Table) Clock() uint64 {
	return t.clock.Load()
}

// AdvanceClock draws a commit timestamp. The result may exceed MaxClock, in which case the
// caller must not publish it and has to roll the clock over.
func (t *Table) AdvanceClock() uint64 {
	return t.clock.Inc()
}

func (t *Table) MaxClock() uint64 {
	return t.maxClock
}

// Reset returns the clock and every slot to version 0. The caller guarantees that no
// transaction is running.
func (t *Table) Reset() {
	for i := range t.locks {
		if Word(atomic.LoadUint64(&t.locks[i])).Owned() {
			log.Errorf("lock slot %d still owned during clock reset", i)
		}
		atomic.StoreUint64(&t.locks[i], 0)
	}
	t.clock.Store(0)
}
