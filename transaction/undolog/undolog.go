// Package undolog keeps the before-images of volatile memory a transaction modifies outside
// the persistent region, so that an abort can put that memory back the way it was.
//
// The log is a linear byte buffer: images are appended as they are saved and read backward
// on restore, so the oldest image of a location is the one left in place.
package undolog

import (
	"unsafe"
)

type entry struct {
	dst []byte
	off int
}

// Log is owned by one transaction descriptor.
type Log struct {
	buf       []byte
	entries   []entry
	protected [][2]uintptr
}

// New returns a log whose buffer is preallocated for size bytes of images.
func New(size int) *Log {
	return &Log{buf: make([]byte, 0, size)}
}

// Save records the current content of b.
func (l *Log) Save(b []byte) {
	if len(b) == 0 {
		return
	}
	l.entries = append(l.entries, entry{dst: b, off: len(l.buf)})
	l.buf = append(l.buf, b...)
}

// Protect excludes [lo, hi) from restoring. Memory that belongs to the frame which is
// unwinding the abort must not be overwritten with images saved deeper in the call.
func (l *Log) Protect(lo, hi uintptr) {
	if lo < hi {
		l.protected = append(l.protected, [2]uintptr{lo, hi})
	}
}

func (l *Log) isProtected(b []byte) bool {
	lo := uintptr(unsafe.Pointer(&b[0]))
	hi := lo + uintptr(len(b))
	for _, p := range l.protected {
		if lo < p[1] && p[0] < hi {
			return true
		}
	}
	return false
}

// Restore writes every saved image back, newest first, then resets the log. It returns
// the number of images skipped because they overlap a protected range.
func (l *Log) Restore() int {
	skipped := 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if l.isProtected(e.dst) {
			skipped++
			continue
		}
		copy(e.dst, l.buf[e.off:e.off+len(e.dst)])
	}
	l.Reset()
	return skipped
}

// Reset discards every image and protected range, keeping the buffers.
func (l *Log) Reset() {
	for i := range l.entries {
		l.entries[i].dst = nil
	}
	l.buf = l.buf[:0]
	l.entries = l.entries[:0]
	l.protected = l.protected[:0]
}

// Len is the number of saved images.
func (l *Log) Len() int {
	return len(l.entries)
}

// Bytes returns b's memory as a byte slice suitable for Save.
func Bytes[T any](p *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), unsafe.Sizeof(*p))
}
