package pmem

import (
	"encoding/binary"
	"fmt"
	"sort"

	farm "github.com/dgryski/go-farm"
	"github.com/pingcap/errors"
)

const (
	// Magic marks a formatted region ("tinypm01").
	Magic uint64 = 0x74696e79706d3031
	// FormatVersion changes whenever the persisted layout does.
	FormatVersion uint64 = 1

	headerSize     = 2 * CacheLine
	blockHeadSize  = CacheLine
	blockEntrySize = 2 * WordSize
)

var (
	// ErrNotFormatted means the region carries no header at all.
	ErrNotFormatted = errors.New("pmem: region is not formatted")
	// ErrBadLayout means the header disagrees with the configured layout.
	ErrBadLayout = errors.New("pmem: region layout mismatch")
)

// Geometry fixes the size of every persisted structure.
type Geometry struct {
	Blocks       int    // non-volatile write-set blocks, one torn-bit log each
	BlockEntries int    // address/value pairs per block
	LogSlots     int    // slots per torn-bit log
	DataSize     uint64 // bytes available to arenas and the heap
}

// ArenaSpec declares a named persistent arena.
type ArenaSpec struct {
	Name string
	Size uint64
}

// Arena is a named, fixed range of the data section. Its offset is decided when the
// layout is built and never moves across restarts.
type Arena struct {
	Name string
	Base uint64
	Size uint64
}

// Addr returns the region address of byte off inside the arena.
func (a Arena) Addr(off uint64) (uint64, error) {
	if off >= a.Size {
		return 0, errors.Annotatef(ErrOutOfRange, "offset %d in arena %q of %d bytes", off, a.Name, a.Size)
	}
	return a.Base + off, nil
}

// Contains reports whether [addr, addr+n) lies inside the arena.
func (a Arena) Contains(addr, n uint64) bool {
	return addr >= a.Base && addr+n >= addr && addr+n <= a.Base+a.Size
}

func (a Arena) String() string {
	return fmt.Sprintf("%s[%#x,+%d)", a.Name, a.Base, a.Size)
}

// Layout places the header, the write-set pool, the torn-bit logs and the data section.
//
//  | header | block 0 .. block N-1 | log 0 .. log N-1 | arenas ... | heap |
type Layout struct {
	Geometry

	BlockBase uint64
	BlockSize uint64
	LogBase   uint64
	LogSize   uint64
	DataBase  uint64
	Size      uint64

	arenas      []Arena
	byName      map[string]int
	heap        Arena
	fingerprint uint64
}

// NewLayout computes a layout. Arenas are placed in declaration order, cacheline aligned.
func NewLayout(g Geometry, specs []ArenaSpec) (*Layout, error) {
	if g.Blocks <= 0 || g.BlockEntries <= 0 || g.LogSlots <= 0 {
		return nil, errors.Errorf("pmem: bad geometry %+v", g)
	}
	l := &Layout{Geometry: g, byName: make(map[string]int, len(specs))}
	l.BlockBase = headerSize
	l.BlockSize = AlignUp(blockHeadSize+uint64(g.BlockEntries)*blockEntrySize, CacheLine)
	l.LogBase = l.BlockBase + uint64(g.Blocks)*l.BlockSize
	l.LogSize = AlignUp(uint64(g.LogSlots+1)*WordSize, CacheLine)
	l.DataBase = l.LogBase + uint64(g.Blocks)*l.LogSize
	l.Size = l.DataBase + AlignUp(g.DataSize, CacheLine)

	next := l.DataBase
	for _, s := range specs {
		if _, ok := l.byName[s.Name]; ok {
			return nil, errors.Errorf("pmem: arena %q declared twice", s.Name)
		}
		a := Arena{Name: s.Name, Base: next, Size: s.Size}
		next = AlignUp(next+s.Size, CacheLine)
		if next > l.Size {
			return nil, errors.Errorf("pmem: arenas overflow the %d byte data section at %q", g.DataSize, s.Name)
		}
		l.byName[s.Name] = len(l.arenas)
		l.arenas = append(l.arenas, a)
	}
	l.heap = Arena{Name: "heap", Base: next, Size: l.Size - next}
	l.fingerprint = l.computeFingerprint()
	return l, nil
}

func (l *Layout) computeFingerprint() uint64 {
	buf := make([]byte, 0, 64+32*len(l.arenas))
	var w [8]byte
	for _, v := range []uint64{uint64(l.Blocks), uint64(l.BlockEntries), uint64(l.LogSlots), l.DataSize} {
		binary.LittleEndian.PutUint64(w[:], v)
		buf = append(buf, w[:]...)
	}
	for _, a := range l.arenas {
		buf = append(buf, a.Name...)
		binary.LittleEndian.PutUint64(w[:], a.Size)
		buf = append(buf, w[:]...)
	}
	return farm.Fingerprint64(buf)
}

// Arena looks up a declared arena.
func (l *Layout) Arena(name string) (Arena, bool) {
	i, ok := l.byName[name]
	if !ok {
		return Arena{}, false
	}
	return l.arenas[i], true
}

// Arenas lists the declared arenas sorted by name.
func (l *Layout) Arenas() []Arena {
	out := append([]Arena(nil), l.arenas...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Heap is the part of the data section not claimed by any arena.
func (l *Layout) Heap() Arena {
	return l.heap
}

// Data is the whole data section; transactional accesses must stay inside it.
func (l *Layout) Data() Arena {
	return Arena{Name: "data", Base: l.DataBase, Size: l.Size - l.DataBase}
}

// BlockAddr returns the base address of write-set block i.
func (l *Layout) BlockAddr(i int) uint64 {
	return l.BlockBase + uint64(i)*l.BlockSize
}

// LogAddr returns the base address of torn-bit log i.
func (l *Layout) LogAddr(i int) uint64 {
	return l.LogBase + uint64(i)*l.LogSize
}

// header word offsets
const (
	hdrMagic = iota * WordSize
	hdrVersion
	hdrBlocks
	hdrBlockEntries
	hdrLogSlots
	hdrDataSize
	hdrFingerprint
	hdrChecksum
)

func (l *Layout) headerWords() []uint64 {
	return []uint64{FormatVersion, uint64(l.Blocks), uint64(l.BlockEntries), uint64(l.LogSlots), l.DataSize, l.fingerprint}
}

func headerChecksum(words []uint64) uint64 {
	buf := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*WordSize:], w)
	}
	return farm.Fingerprint64(buf)
}

// Format writes a fresh header. The pool and logs must be formatted by their owners
// before the magic becomes durable, so callers pass them in as init.
func (l *Layout) Format(r Region, init func() error) error {
	if r.Size() < l.Size {
		return errors.Annotatef(ErrOutOfRange, "region has %d bytes, layout needs %d", r.Size(), l.Size)
	}
	r.StoreWord(hdrMagic, 0)
	r.Flush(hdrMagic, WordSize)
	r.Fence()
	words := l.headerWords()
	for i, w := range words {
		r.StoreWord(hdrVersion+uint64(i)*WordSize, w)
	}
	r.StoreWord(hdrChecksum, headerChecksum(words))
	r.Flush(0, headerSize)
	r.Fence()
	if init != nil {
		if err := init(); err != nil {
			return errors.Trace(err)
		}
	}
	r.StoreWord(hdrMagic, Magic)
	r.Flush(hdrMagic, WordSize)
	r.Fence()
	return nil
}

// Check verifies that r was formatted with exactly this layout.
func (l *Layout) Check(r Region) error {
	if r.Size() < l.Size {
		return errors.Annotatef(ErrBadLayout, "region has %d bytes, layout needs %d", r.Size(), l.Size)
	}
	if r.LoadWord(hdrMagic) != Magic {
		return ErrNotFormatted
	}
	want := l.headerWords()
	got := make([]uint64, len(want))
	for i := range got {
		got[i] = r.LoadWord(hdrVersion + uint64(i)*WordSize)
	}
	if r.LoadWord(hdrChecksum) != headerChecksum(got) {
		return errors.Annotate(ErrBadLayout, "header checksum mismatch")
	}
	for i := range want {
		if got[i] != want[i] {
			return errors.Annotatef(ErrBadLayout, "header word %d is %d, expected %d", i+1, got[i], want[i])
		}
	}
	return nil
}

// ReadGeometry recovers the geometry recorded in a formatted region's header, so tools can
// inspect a region without its config. Arenas are not recorded, only their fingerprint.
func ReadGeometry(r Region) (Geometry, error) {
	if r.Size() < headerSize {
		return Geometry{}, ErrNotFormatted
	}
	if r.LoadWord(hdrMagic) != Magic {
		return Geometry{}, ErrNotFormatted
	}
	if v := r.LoadWord(hdrVersion); v != FormatVersion {
		return Geometry{}, errors.Annotatef(ErrBadLayout, "format version %d", v)
	}
	return Geometry{
		Blocks:       int(r.LoadWord(hdrBlocks)),
		BlockEntries: int(r.LoadWord(hdrBlockEntries)),
		LogSlots:     int(r.LoadWord(hdrLogSlots)),
		DataSize:     r.LoadWord(hdrDataSize),
	}, nil
}
