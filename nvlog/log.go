// Package nvlog implements the torn-bit physical log: a circular array of word slots in
// persistent memory whose durable prefix can be found after a crash without checksums.
//
// Every slot reserves its top bit as the torn bit. Slots written during one pass over the
// buffer carry the same torn bit and the next pass flips it, so a slot that was never
// written in the current pass always disagrees with the value expected for it. A single
// metadata word ahead of the slots packs the head index and the torn bit that is valid at
// the head; advancing it is the only durability-critical metadata update.
//
//	meta:  | torn | head index (63 bits) |
//	slot:  | torn | kind (7 bits) | payload (56 bits) |
package nvlog

import (
	"fmt"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
)

const (
	tornBit     = uint64(1) << 63
	kindShift   = 56
	kindMask    = 0x7f
	payloadMask = uint64(1)<<kindShift - 1

	// MaxPayload is the largest payload a slot can carry.
	MaxPayload = payloadMask
)

var (
	// ErrLogFull means the log must be truncated before more slots can be appended.
	ErrLogFull = errors.New("nvlog: log is full")
	// ErrNoBoundary means every slot looked valid, which a healthy log never allows.
	ErrNoBoundary = errors.New("nvlog: no consistent boundary found")
	// ErrCorruptRecord means the durable prefix does not decode into records.
	ErrCorruptRecord = errors.New("nvlog: corrupt record")
)

// Kind tags a slot.
type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindAddr
	KindValueHi
	KindValueLo
	KindCommit
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindAddr:
		return "addr"
	case KindValueHi:
		return "value-hi"
	case KindValueLo:
		return "value-lo"
	case KindCommit:
		return "commit"
	case KindAbort:
		return "abort"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Log is one torn-bit log. It has a single writer.
type Log struct {
	r     pmem.Region
	meta  uint64 // address of the metadata word
	first uint64 // address of slot 0
	n     uint64 // number of slots

	// Logical positions grow without bound; slot index is pos % n and the pass is pos / n.
	head    uint64
	tail    uint64
	flushed uint64
}

// Size is the number of bytes a log of slots slots occupies.
func Size(slots int) uint64 {
	return uint64(slots+1) * pmem.WordSize
}

// Format initializes an empty log at base and makes it durable.
func Format(r pmem.Region, base uint64, slots int) (*Log, error) {
	if err := pmem.CheckRange(r, base, Size(slots)); err != nil {
		return nil, errors.Trace(err)
	}
	l, err := newLog(r, base, slots)
	if err != nil {
		return nil, err
	}
	l.Reset()
	return l, nil
}

func newLog(r pmem.Region, base uint64, slots int) (*Log, error) {
	if slots < 2 {
		return nil, errors.Errorf("nvlog: need at least 2 slots, got %d", slots)
	}
	return &Log{
		r:     r,
		meta:  base,
		first: base + pmem.WordSize,
		n:     uint64(slots),
	}, nil
}

// Open attaches to a formatted log. The log appears empty until CheckConsistency has found
// the durable tail.
func Open(r pmem.Region, base uint64, slots int) (*Log, error) {
	if err := pmem.CheckRange(r, base, Size(slots)); err != nil {
		return nil, errors.Trace(err)
	}
	l, err := newLog(r, base, slots)
	if err != nil {
		return nil, err
	}
	m := r.LoadWord(base)
	idx := m &^ tornBit
	if idx >= l.n {
		return nil, errors.Annotatef(ErrCorruptRecord, "head index %d of %d slots", idx, l.n)
	}
	l.head = idx
	if m&tornBit == 0 {
		// The head is in an odd pass.
		l.head += l.n
	}
	l.tail, l.flushed = l.head, l.head
	return l, nil
}

// validBit is the torn bit carried by a slot written at pos.
func (l *Log) validBit(pos uint64) uint64 {
	if (pos/l.n)&1 == 0 {
		return tornBit
	}
	return 0
}

func (l *Log) slotAddr(pos uint64) uint64 {
	return l.first + (pos%l.n)*pmem.WordSize
}

// Len is the number of live slots.
func (l *Log) Len() int {
	return int(l.tail - l.head)
}

// Head and Tail are logical positions.
func (l *Log) Head() uint64 { return l.head }
func (l *Log) Tail() uint64 { return l.tail }

// Free is the number of slots that can still be appended.
func (l *Log) Free() int {
	// One slot always stays unused so that a full scan finds a boundary.
	return int(l.n - 1 - (l.tail - l.head))
}

// Append writes one slot. Nothing is durable until Flush.
func (l *Log) Append(kind Kind, payload uint64) error {
	if payload > MaxPayload {
		return errors.Errorf("nvlog: payload %#x does not fit a slot", payload)
	}
	if l.Free() <= 0 {
		return ErrLogFull
	}
	w := l.validBit(l.tail) | uint64(kind)<<kindShift | payload
	l.r.StoreWord(l.slotAddr(l.tail), w)
	l.tail++
	return nil
}

// Flush makes every appended slot durable.
func (l *Log) Flush() {
	if l.flushed == l.tail {
		return
	}
	from, to := l.flushed%l.n, l.tail%l.n
	if l.tail-l.flushed >= l.n || to <= from {
		// The range wraps around the end of the buffer.
		l.r.Flush(l.first+from*pmem.WordSize, (l.n-from)*pmem.WordSize)
		l.r.Flush(l.first, to*pmem.WordSize)
	} else {
		l.r.Flush(l.first+from*pmem.WordSize, (to-from)*pmem.WordSize)
	}
	l.r.Fence()
	l.flushed = l.tail
}

// CheckConsistency scans from the head and returns the logical position of the first slot
// whose torn bit disagrees with its pass. Everything before it is durable log content,
// everything from it on is garbage. The log's tail is moved there.
func (l *Log) CheckConsistency() (uint64, error) {
	for pos := l.head; pos < l.head+l.n; pos++ {
		if l.r.LoadWord(l.slotAddr(pos))&tornBit != l.validBit(pos) {
			l.tail, l.flushed = pos, pos
			return pos, nil
		}
	}
	return 0, errors.Annotatef(ErrNoBoundary, "log at %#x", l.meta)
}

// AppendWrite appends the three slots describing one redo write. Either all three fit or
// none is appended.
func (l *Log) AppendWrite(addr, value uint64) error {
	if addr > MaxPayload {
		return errors.Errorf("nvlog: address %#x does not fit a slot", addr)
	}
	if l.Free() < 3 {
		return ErrLogFull
	}
	l.mustAppend(KindAddr, addr)
	l.mustAppend(KindValueHi, value>>32)
	l.mustAppend(KindValueLo, value&0xffffffff)
	return nil
}

func (l *Log) mustAppend(kind Kind, payload uint64) {
	if err := l.Append(kind, payload); err != nil {
		log.Fatalf("append %v to %v: %v", kind, l, err)
	}
}

// Truncate discards every slot before upTo by persisting a new head.
func (l *Log) Truncate(upTo uint64) error {
	if upTo < l.head || upTo > l.tail {
		return errors.Errorf("nvlog: truncate to %d outside [%d, %d]", upTo, l.head, l.tail)
	}
	if upTo == l.head {
		return nil
	}
	l.head = upTo
	l.r.StoreWord(l.meta, l.validBit(upTo)|upTo%l.n)
	l.r.Flush(l.meta, pmem.WordSize)
	l.r.Fence()
	return nil
}

// TruncateAll discards every appended slot.
func (l *Log) TruncateAll() error {
	return l.Truncate(l.tail)
}

// Slot is one decoded slot.
type Slot struct {
	Pos     uint64
	Kind    Kind
	Payload uint64
}

// Slots decodes the live slots.
func (l *Log) Slots() []Slot {
	out := make([]Slot, 0, l.tail-l.head)
	for pos := l.head; pos < l.tail; pos++ {
		w := l.r.LoadWord(l.slotAddr(pos))
		out = append(out, Slot{Pos: pos, Kind: Kind((w >> kindShift) & kindMask), Payload: w & payloadMask})
	}
	return out
}

func (l *Log) String() string {
	return fmt.Sprintf("nvlog{meta: %#x, slots: %d, head: %d, tail: %d}", l.meta, l.n, l.head, l.tail)
}

// Reset formats the log: every slot is cleared, the head returns to slot 0 and the torn bit
// of the first pass is set. Nothing may run against the log concurrently.
func (l *Log) Reset() {
	for i := uint64(0); i < l.n; i++ {
		l.r.StoreWord(l.first+i*pmem.WordSize, 0)
	}
	l.r.StoreWord(l.meta, tornBit)
	l.r.Flush(l.meta, Size(int(l.n)))
	l.r.Fence()
	l.head, l.tail, l.flushed = 0, 0, 0
}

// Write is one redo record: the word at Addr becomes Value.
type Write struct {
	Addr  uint64
	Value uint64
}

// Group is the redo content of one committed transaction.
type Group struct {
	Begin  uint64 // log position of the begin marker
	TS     uint64 // commit timestamp
	Writes []Write
}

// Records decodes the live slots into committed groups, in log order. Groups closed by
// an abort marker and a trailing group without a commit marker are skipped, including one
// whose last record was cut by the stable tail.
func (l *Log) Records() ([]Group, error) {
	var (
		groups []Group
		cur    *Group
	)
	slots := l.Slots()
	for i := 0; i < len(slots); i++ {
		s := slots[i]
		switch s.Kind {
		case KindBegin:
			if cur != nil {
				log.Warnf("%v: group at %d has no end marker, dropped", l, cur.Begin)
			}
			cur = &Group{Begin: s.Pos}
		case KindAddr:
			if cur == nil {
				return nil, errors.Annotatef(ErrCorruptRecord, "%v: address outside a group at %d", l, s.Pos)
			}
			if rest := len(slots) - i - 1; rest < 2 && (rest == 0 || slots[i+1].Kind == KindValueHi) {
				// The stable tail cuts the record: its group never reached a commit marker.
				log.Warnf("%v: group at %d ends inside the record at %d, dropped", l, cur.Begin, s.Pos)
				return groups, nil
			}
			if slots[i+1].Kind != KindValueHi || slots[i+2].Kind != KindValueLo {
				return nil, errors.Annotatef(ErrCorruptRecord, "%v: dangling address at %d", l, s.Pos)
			}
			v := slots[i+1].Payload<<32 | slots[i+2].Payload
			cur.Writes = append(cur.Writes, Write{Addr: s.Payload, Value: v})
			i += 2
		case KindCommit:
			if cur == nil {
				return nil, errors.Annotatef(ErrCorruptRecord, "%v: commit without begin at %d", l, s.Pos)
			}
			cur.TS = s.Payload
			groups = append(groups, *cur)
			cur = nil
		case KindAbort:
			cur = nil
		default:
			return nil, errors.Annotatef(ErrCorruptRecord, "%v: %v at %d", l, s.Kind, s.Pos)
		}
	}
	return groups, nil
}
