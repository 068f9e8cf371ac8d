// Package alloctrack records the persistent allocations and frees of one transaction.
// Allocations are undone if the transaction aborts; frees are deferred until it commits.
package alloctrack

import (
	"fmt"

	"github.com/google/btree"
)

// ReleaseFunc gives a range back to its allocator.
type ReleaseFunc func(addr, size uint64)

type entry struct {
	addr      uint64
	size      uint64
	release   ReleaseFunc
	allocated bool
	freed     bool
}

func (e *entry) Less(than btree.Item) bool {
	return e.addr < than.(*entry).addr
}

func (e *entry) String() string {
	return fmt.Sprintf("{addr: %#x, size: %d, allocated: %v, freed: %v}", e.addr, e.size, e.allocated, e.freed)
}

// Tracker is an address-ordered set of intents.
type Tracker struct {
	tree *btree.BTree
}

func New() *Tracker {
	return &Tracker{tree: btree.New(8)}
}

func (t *Tracker) get(addr uint64) *entry {
	if it := t.tree.Get(&entry{addr: addr}); it != nil {
		return it.(*entry)
	}
	e := &entry{addr: addr}
	t.tree.ReplaceOrInsert(e)
	return e
}

// Allocated records that [addr, addr+size) was allocated by the transaction.
func (t *Tracker) Allocated(addr, size uint64, release ReleaseFunc) {
	e := t.get(addr)
	e.size, e.release = size, release
	e.allocated, e.freed = true, false
}

// Freed records that the transaction freed [addr, addr+size). An address allocated earlier
// in the same transaction stays marked as allocated.
func (t *Tracker) Freed(addr, size uint64, release ReleaseFunc) {
	e := t.get(addr)
	e.size, e.release = size, release
	e.freed = true
}

// Commit releases every freed range and forgets all intents.
func (t *Tracker) Commit() int {
	n := t.apply(func(e *entry) bool { return e.freed })
	t.Reset()
	return n
}

// Abort releases every range allocated by the transaction, whether or not it was freed
// again, and forgets all intents. Frees of memory allocated before the transaction are
// simply dropped.
func (t *Tracker) Abort() int {
	n := t.apply(func(e *entry) bool { return e.allocated })
	t.Reset()
	return n
}

func (t *Tracker) apply(pred func(*entry) bool) int {
	n := 0
	t.tree.Ascend(func(it btree.Item) bool {
		e := it.(*entry)
		if pred(e) && e.release != nil {
			e.release(e.addr, e.size)
			n++
		}
		return true
	})
	return n
}

func (t *Tracker) Reset() {
	t.tree.Clear(true)
}

// Len is the number of tracked addresses.
func (t *Tracker) Len() int {
	return t.tree.Len()
}
