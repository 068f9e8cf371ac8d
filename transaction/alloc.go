package transaction

import (
	"sync"

	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
)

// Allocator hands out ranges of the data section. Tx.Malloc and Tx.Free make its effects
// follow the outcome of the transaction.
type Allocator interface {
	Alloc(size uint64) (uint64, error)
	Free(addr, size uint64)
}

// Malloc allocates size bytes. The allocation is released again if the attempt rolls back.
func (tx *Tx) Malloc(size uint64) (uint64, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}
	a := tx.e.alloc
	if a == nil {
		return 0, ErrNoAllocator
	}
	addr, err := a.Alloc(size)
	if err != nil {
		return 0, errors.Trace(err)
	}
	tx.allocs.Allocated(addr, size, a.Free)
	return addr, nil
}

// Free releases [addr, addr+size) when the transaction commits. Every lock slot covering
// the range is acquired, so concurrent transactions still reading the memory conflict.
func (tx *Tx) Free(addr, size uint64) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	a := tx.e.alloc
	if a == nil {
		return ErrNoAllocator
	}
	if err := tx.checkAddr(addr, size); err != nil {
		return err
	}
	gran := uint64(1) << tx.e.conf.Engine.LockShift
	first := addr &^ (pmem.WordSize - 1)
	for g := addr &^ (gran - 1); g < addr+size; g += gran {
		w := g
		if w < first {
			w = first
		}
		if err := tx.store(w, 0, 0); err != nil {
			return err
		}
	}
	tx.allocs.Freed(addr, size, a.Free)
	return nil
}

// ArenaAllocator is a simple volatile allocator over one arena: a bump pointer plus exact
// size free lists. Its state does not survive a restart, so it suits tests and
// benchmarks that rebuild their data after recovery.
type ArenaAllocator struct {
	arena pmem.Arena

	mu   sync.Mutex
	next uint64
	free map[uint64][]uint64
}

func NewArenaAllocator(a pmem.Arena) *ArenaAllocator {
	return &ArenaAllocator{arena: a, next: a.Base, free: make(map[uint64][]uint64)}
}

func (a *ArenaAllocator) Alloc(size uint64) (uint64, error) {
	size = pmem.AlignUp(size, pmem.WordSize)
	a.mu.Lock()
	defer a.mu.Unlock()
	if l := a.free[size]; len(l) > 0 {
		addr := l[len(l)-1]
		a.free[size] = l[:len(l)-1]
		return addr, nil
	}
	if a.next+size > a.arena.Base+a.arena.Size {
		return 0, errors.Annotatef(pmem.ErrOutOfRange, "arena %v exhausted", a.arena)
	}
	addr := a.next
	a.next += size
	return addr, nil
}

func (a *ArenaAllocator) Free(addr, size uint64) {
	size = pmem.AlignUp(size, pmem.WordSize)
	a.mu.Lock()
	a.free[size] = append(a.free[size], addr)
	a.mu.Unlock()
}

// Allocated reports whether addr is currently handed out.
func (a *ArenaAllocator) Allocated(addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr < a.arena.Base || addr >= a.next {
		return false
	}
	for _, l := range a.free {
		for _, f := range l {
			if f == addr {
				return false
			}
		}
	}
	return true
}

// Reset forgets every allocation.
func (a *ArenaAllocator) Reset() {
	a.mu.Lock()
	a.next = a.arena.Base
	a.free = make(map[uint64][]uint64)
	a.mu.Unlock()
}
