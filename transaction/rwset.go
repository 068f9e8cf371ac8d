package transaction

import "github.com/pingcap-incubator/tinypm/nvwset"

type readEntry struct {
	lock    uint64
	version uint64
}

// writeEntry buffers the new content of one word. Entries whose addresses share a lock
// slot form a chain starting at the entry the slot points to; only the chain tail
// releases the slot.
type writeEntry struct {
	addr    uint64
	value   uint64 // only the bytes selected by mask are meaningful
	mask    uint64
	version uint64 // version of the slot before it was acquired
	lock    uint64
	next    int // next entry on the same slot, -1 at the tail
}

const fullMask = ^uint64(0)

const minSetSize = 16

// addRead records a read. It returns false when the read-set is full; the next attempt
// then starts with twice the capacity.
func (tx *Tx) addRead(lock, version uint64) bool {
	if len(tx.rs) == cap(tx.rs) {
		tx.growRS = true
		return false
	}
	tx.rs = append(tx.rs, readEntry{lock: lock, version: version})
	return true
}

func (tx *Tx) hasRead(lock uint64) bool {
	for i := range tx.rs {
		if tx.rs[i].lock == lock {
			return true
		}
	}
	return false
}

// findWrite walks the chain starting at head for addr.
func (tx *Tx) findWrite(head int, addr uint64) *writeEntry {
	for i := head; i >= 0; i = tx.ws[i].next {
		if tx.ws[i].addr == addr {
			return &tx.ws[i]
		}
	}
	return nil
}

// chainTail returns the last entry of the chain starting at head.
func (tx *Tx) chainTail(head int) int {
	i := head
	for tx.ws[i].next >= 0 {
		i = tx.ws[i].next
	}
	return i
}

// resize applies the capacity growth requested by the attempt that just rolled back.
func (tx *Tx) resize() {
	if tx.growRS {
		tx.rs = make([]readEntry, 0, grow(cap(tx.rs)))
		tx.growRS = false
	}
	if tx.growWS {
		n := grow(cap(tx.ws))
		tx.ws = make([]writeEntry, 0, n)
		tx.merged = make([]nvwset.Entry, 0, n)
		tx.growWS = false
	}
}

func grow(n int) int {
	if n < minSetSize/2 {
		return minSetSize
	}
	return 2 * n
}
