package transaction

import (
	"encoding/binary"

	"github.com/pingcap-incubator/tinypm/lockstore"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
)

func (tx *Tx) checkAddr(addr, n uint64) error {
	if !tx.e.data.Contains(addr, n) {
		return errors.Annotatef(pmem.ErrOutOfRange, "[%#x, +%d) outside %v", addr, n, tx.e.data)
	}
	return nil
}

func (tx *Tx) checkWord(addr uint64) error {
	if addr%pmem.WordSize != 0 {
		return errors.Annotatef(pmem.ErrUnaligned, "addr %#x", addr)
	}
	return tx.checkAddr(addr, pmem.WordSize)
}

// LoadWord reads the word at addr, which must be aligned.
func (tx *Tx) LoadWord(addr uint64) (uint64, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}
	if err := tx.checkWord(addr); err != nil {
		return 0, err
	}
	return tx.load(addr)
}

// StoreWord buffers a write of the bytes of value selected by mask to the word at addr.
// A zero mask writes nothing but still takes ownership of the word's lock slot.
func (tx *Tx) StoreWord(addr, value, mask uint64) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if err := tx.checkWord(addr); err != nil {
		return err
	}
	return tx.store(addr, value, mask)
}

func (tx *Tx) Load64(addr uint64) (uint64, error) {
	return tx.LoadWord(addr)
}

func (tx *Tx) Store64(addr, value uint64) error {
	return tx.StoreWord(addr, value, fullMask)
}

// Load reads n bytes at addr, which need not be aligned.
func (tx *Tx) Load(addr uint64, n int) ([]byte, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if err := tx.checkAddr(addr, uint64(n)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	var tmp [pmem.WordSize]byte
	for done := 0; done < n; {
		a := addr + uint64(done)
		base := a &^ (pmem.WordSize - 1)
		v, err := tx.load(base)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(tmp[:], v)
		done += copy(buf[done:], tmp[a-base:])
	}
	return buf, nil
}

// Store writes b at addr, which need not be aligned. Bytes of partially covered words
// keep their content.
func (tx *Tx) Store(addr uint64, b []byte) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if err := tx.checkAddr(addr, uint64(len(b))); err != nil {
		return err
	}
	for done := 0; done < len(b); {
		a := addr + uint64(done)
		base := a &^ (pmem.WordSize - 1)
		var tmp [pmem.WordSize]byte
		n := copy(tmp[a-base:], b[done:])
		if err := tx.store(base, binary.LittleEndian.Uint64(tmp[:]), byteMask(a-base, uint64(n))); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// byteMask selects n bytes starting at byte off of a little-endian word.
func byteMask(off, n uint64) uint64 {
	if n >= pmem.WordSize {
		return fullMask
	}
	return (uint64(1)<<(8*n) - 1) << (8 * off)
}

func (tx *Tx) load(addr uint64) (uint64, error) {
	e := tx.e
	idx := e.locks.Index(addr)
	l := e.locks.Load(idx)
	for {
		if l.Owned() {
			o := l.Owner()
			if o.Desc() != tx.id {
				return 0, tx.rollback(LockedRead)
			}
			// Nobody else can write a word whose slot this descriptor owns.
			if w := tx.findWrite(o.Entry(), addr); w != nil {
				if w.mask == fullMask {
					return w.value, nil
				}
				return e.region.LoadWord(addr)&^w.mask | w.value, nil
			}
			return e.region.LoadWord(addr), nil
		}
		value := e.region.LoadWord(addr)
		if l2 := e.locks.Load(idx); l2 != l {
			l = l2
			continue
		}
		version := l.Version()
		if version > tx.end {
			if tx.readOnly || !tx.extend() {
				return 0, tx.rollback(ValidateRead)
			}
			// The slot is not in the read-set yet, so the extension did not cover it.
			if e.locks.Load(idx) != l {
				return 0, tx.rollback(ValidateRead)
			}
		}
		if !tx.readOnly && !tx.addRead(idx, version) {
			return 0, tx.rollback(Reallocate)
		}
		return value, nil
	}
}

func (tx *Tx) store(addr, value, mask uint64) error {
	if tx.readOnly {
		return tx.rollback(NotReadOnly)
	}
	e := tx.e
	idx := e.locks.Index(addr)
	for {
		l := e.locks.Load(idx)
		if l.Owned() {
			o := l.Owner()
			if o.Desc() != tx.id {
				return tx.rollback(LockedWrite)
			}
			head := o.Entry()
			if w := tx.findWrite(head, addr); w != nil {
				w.value = w.value&^mask | value&mask
				w.mask |= mask
				return nil
			}
			if err := tx.reserveWrite(); err != nil {
				return err
			}
			tail := tx.chainTail(head)
			tx.ws = append(tx.ws, writeEntry{
				addr:    addr,
				value:   value & mask,
				mask:    mask,
				version: tx.ws[head].version,
				lock:    idx,
				next:    -1,
			})
			tx.ws[tail].next = len(tx.ws) - 1
			return nil
		}
		version := l.Version()
		if version > tx.end && tx.hasRead(idx) {
			// This attempt read an older version of the slot.
			return tx.rollback(ValidateWrite)
		}
		if err := tx.reserveWrite(); err != nil {
			return err
		}
		if !e.locks.Acquire(idx, l, lockstore.MakeOwner(tx.id, len(tx.ws))) {
			continue
		}
		tx.ws = append(tx.ws, writeEntry{
			addr:    addr,
			value:   value & mask,
			mask:    mask,
			version: version,
			lock:    idx,
			next:    -1,
		})
		return nil
	}
}

// reserveWrite makes sure one more write-set entry fits.
func (tx *Tx) reserveWrite() error {
	if len(tx.ws) >= tx.e.maxWrites {
		err := ErrWriteSetFull
		if tx.e.valueLog {
			err = ErrLogFull
		}
		return tx.abortFatal(errors.Annotatef(err, "descriptor %d writes more than %d words", tx.id, tx.e.maxWrites))
	}
	if len(tx.ws) == cap(tx.ws) {
		tx.growWS = true
		return tx.rollback(Reallocate)
	}
	return nil
}
