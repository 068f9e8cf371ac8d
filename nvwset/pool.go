// Package nvwset manages the fixed pool of non-volatile write-set blocks. A committing
// transaction copies its merged write-set into a block and marks it final before touching
// any home location, so that a crash between the two can be repaired by redoing the block.
//
// Each pool slot pairs a block with its own torn-bit log, and a slot has at most one
// running transaction at a time.
package nvwset

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinypm/nvlog"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
	uatomic "go.uber.org/atomic"
)

var (
	// ErrPoolExhausted means every block is held by a running transaction.
	ErrPoolExhausted = errors.New("nvwset: no idle write-set block")
	// ErrCorruptBlock means a final block failed validation.
	ErrCorruptBlock = errors.New("nvwset: corrupt write-set block")
	// ErrBlockFull means a write-set does not fit in one block.
	ErrBlockFull = errors.New("nvwset: write-set exceeds block capacity")
)

// header word offsets
const (
	hdrState = iota * pmem.WordSize
	hdrCount
	hdrChecksum
	hdrTS

	headSize  = pmem.CacheLine
	entrySize = 2 * pmem.WordSize
)

const (
	flagIdle  = 1
	flagFinal = 2
)

// State of a block.
type State int

const (
	InUse State = iota
	Idle
	Final
)

func (s State) String() string {
	switch s {
	case InUse:
		return "in-use"
	case Idle:
		return "idle"
	case Final:
		return "final"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Entry is one merged write: the word at Addr becomes Value.
type Entry struct {
	Addr  uint64
	Value uint64
}

// Block is one non-volatile write-set block.
type Block struct {
	r        pmem.Region
	id       int
	base     uint64
	capacity int

	finalized *uatomic.Uint64
}

func (b *Block) ID() int       { return b.id }
func (b *Block) Capacity() int { return b.capacity }

func (b *Block) State() State {
	f := b.r.LoadWord(b.base + hdrState)
	switch {
	case f&flagFinal != 0:
		return Final
	case f&flagIdle != 0:
		return Idle
	}
	return InUse
}

// Header returns the recorded entry count and commit timestamp. They are meaningful only
// for a final block.
func (b *Block) Header() (count int, ts uint64) {
	return int(b.r.LoadWord(b.base + hdrCount)), b.r.LoadWord(b.base + hdrTS)
}

func (b *Block) setState(flags uint64, durable bool) {
	b.r.StoreWord(b.base+hdrState, flags)
	if durable {
		b.r.Flush(b.base+hdrState, pmem.WordSize)
		b.r.Fence()
	}
}

func (b *Block) entryAddr(i int) uint64 {
	return b.base + headSize + uint64(i)*entrySize
}

// Commit makes entries durable in the block and then marks it final at ts. When Commit
// returns the transaction is durable.
func (b *Block) Commit(entries []Entry, ts uint64) error {
	if len(entries) > b.capacity {
		return errors.Annotatef(ErrBlockFull, "%d entries, block %d holds %d", len(entries), b.id, b.capacity)
	}
	for i, e := range entries {
		a := b.entryAddr(i)
		b.r.StoreWord(a, e.Addr)
		b.r.StoreWord(a+pmem.WordSize, e.Value)
	}
	b.r.StoreWord(b.base+hdrCount, uint64(len(entries)))
	b.r.StoreWord(b.base+hdrTS, ts)
	b.r.StoreWord(b.base+hdrChecksum, checksum(ts, entries))
	b.r.Flush(b.base, headSize+uint64(len(entries))*entrySize)
	b.r.Fence()
	b.setState(flagFinal, true)
	b.finalized.Inc()
	return nil
}

// Retire returns a final block to idle once its writes are durable at their homes.
func (b *Block) Retire() {
	b.setState(flagIdle, true)
}

// Abandon returns a block whose transaction rolled back to idle. The block never became
// final, so its durable state needs no repair.
func (b *Block) Abandon() {
	if b.State() == Final {
		log.Fatalf("abandoning final write-set block %d", b.id)
	}
	b.setState(flagIdle, false)
}

func (b *Block) begin() {
	b.setState(0, false)
}

// read decodes and validates a final block.
func (b *Block) read() (Redo, error) {
	n := b.r.LoadWord(b.base + hdrCount)
	if n > uint64(b.capacity) {
		return Redo{}, errors.Annotatef(ErrCorruptBlock, "block %d count %d exceeds capacity %d", b.id, n, b.capacity)
	}
	rd := Redo{Block: b.id, TS: b.r.LoadWord(b.base + hdrTS), Entries: make([]Entry, n)}
	for i := range rd.Entries {
		a := b.entryAddr(i)
		rd.Entries[i] = Entry{Addr: b.r.LoadWord(a), Value: b.r.LoadWord(a + pmem.WordSize)}
	}
	if sum := b.r.LoadWord(b.base + hdrChecksum); sum != checksum(rd.TS, rd.Entries) {
		return Redo{}, errors.Annotatef(ErrCorruptBlock, "block %d checksum %#x mismatch", b.id, sum)
	}
	return rd, nil
}

func checksum(ts uint64, entries []Entry) uint64 {
	buf := make([]byte, 2*pmem.WordSize+len(entries)*entrySize)
	binary.LittleEndian.PutUint64(buf, ts)
	binary.LittleEndian.PutUint64(buf[pmem.WordSize:], uint64(len(entries)))
	off := 2 * pmem.WordSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], e.Addr)
		binary.LittleEndian.PutUint64(buf[off+pmem.WordSize:], e.Value)
		off += entrySize
	}
	return farm.Fingerprint64(buf)
}

// Redo is the validated content of a final block.
type Redo struct {
	Block   int
	TS      uint64
	Entries []Entry
}

// Slot is the unit a transaction holds while it runs.
type Slot struct {
	ID    int
	Block *Block
	Log   *nvlog.Log
}

// Pool is the fixed set of slots laid out in a region.
type Pool struct {
	slots []*Slot

	mu   sync.Mutex
	busy []bool
	next int

	finalized uatomic.Uint64
}

// Format initializes every block to idle and every log to empty.
func Format(r pmem.Region, l *pmem.Layout) (*Pool, error) {
	p, err := newPool(r, l, true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Open attaches to the pool of a formatted region. Logs must be checked with
// CheckConsistency before their content is trusted.
func Open(r pmem.Region, l *pmem.Layout) (*Pool, error) {
	p, err := newPool(r, l, false)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

func newPool(r pmem.Region, l *pmem.Layout, format bool) (*Pool, error) {
	p := &Pool{
		slots: make([]*Slot, l.Blocks),
		busy:  make([]bool, l.Blocks),
	}
	for i := range p.slots {
		b := &Block{r: r, id: i, base: l.BlockAddr(i), capacity: l.BlockEntries, finalized: &p.finalized}
		var (
			lg  *nvlog.Log
			err error
		)
		if format {
			b.setState(flagIdle, false)
			r.Flush(b.base, headSize)
			lg, err = nvlog.Format(r, l.LogAddr(i), l.LogSlots)
		} else {
			lg, err = nvlog.Open(r, l.LogAddr(i), l.LogSlots)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "slot %d", i)
		}
		p.slots[i] = &Slot{ID: i, Block: b, Log: lg}
	}
	if format {
		r.Fence()
	}
	return p, nil
}

// Acquire hands out an idle slot, scanning round-robin from where the last scan stopped.
// It never waits for a slot to become idle.
func (p *Pool) Acquire() (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(p.slots); i++ {
		idx := (p.next + i) % len(p.slots)
		if p.busy[idx] {
			continue
		}
		p.busy[idx] = true
		p.next = (idx + 1) % len(p.slots)
		s := p.slots[idx]
		s.Block.begin()
		return s, nil
	}
	return nil, ErrPoolExhausted
}

// Release returns a slot to the pool. Its block must be idle again.
func (p *Pool) Release(s *Slot) {
	if st := s.Block.State(); st != Idle {
		if st == Final {
			log.Fatalf("releasing slot %d with a final block", s.ID)
		}
		s.Block.Abandon()
	}
	p.mu.Lock()
	p.busy[s.ID] = false
	p.mu.Unlock()
}

// Len is the number of slots.
func (p *Pool) Len() int {
	return len(p.slots)
}

// Slot returns slot i for inspection.
func (p *Pool) Slot(i int) *Slot {
	return p.slots[i]
}

// Busy is the number of slots currently held.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.busy {
		if b {
			n++
		}
	}
	return n
}

// Finalized is the number of blocks marked final since the pool was opened.
func (p *Pool) Finalized() uint64 {
	return p.finalized.Load()
}

// Scan collects every final block, ordered by commit timestamp. Any block that fails
// validation makes the whole scan fail, so nothing corrupt is ever redone.
func (p *Pool) Scan() ([]Redo, error) {
	var redos []Redo
	for _, s := range p.slots {
		if s.Block.State() != Final {
			continue
		}
		rd, err := s.Block.read()
		if err != nil {
			log.Errorf("scan write-set pool: %v", err)
			return nil, err
		}
		redos = append(redos, rd)
	}
	sort.Slice(redos, func(i, j int) bool { return redos[i].TS < redos[j].TS })
	return redos, nil
}

// Reset returns every block to idle and empties every log. Nothing may hold a slot.
func (p *Pool) Reset() {
	for _, s := range p.slots {
		if s.Block.State() != Idle {
			s.Block.setState(flagIdle, true)
		}
		s.Log.Reset()
	}
}
