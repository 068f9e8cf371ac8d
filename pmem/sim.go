package pmem

import (
	"sync"
	"sync/atomic"

	uatomic "go.uber.org/atomic"
)

// SimRegion simulates persistent memory on top of ordinary memory. Stores land in a
// volatile image; Flush copies whole cachelines into a durable image; Crash throws the
// volatile image away. It is what the tests use to cut power at arbitrary points.
type SimRegion struct {
	volatile []uint64

	mu      sync.Mutex
	durable []uint64

	flushes uatomic.Uint64
	fences  uatomic.Uint64
	closed  uatomic.Bool
}

var _ Region = (*SimRegion)(nil)

// NewSim returns a zeroed simulated region of at least size bytes.
func NewSim(size uint64) *SimRegion {
	n := AlignUp(size, CacheLine) / WordSize
	return &SimRegion{
		volatile: make([]uint64, n),
		durable:  make([]uint64, n),
	}
}

func (s *SimRegion) Size() uint64 {
	return uint64(len(s.volatile)) * WordSize
}

func (s *SimRegion) LoadWord(addr uint64) uint64 {
	return atomic.LoadUint64(&s.volatile[addr/WordSize])
}

func (s *SimRegion) StoreWord(addr uint64, val uint64) {
	atomic.StoreUint64(&s.volatile[addr/WordSize], val)
}

func (s *SimRegion) Flush(addr, n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	for line := LineOf(addr); line < addr+n; line += CacheLine {
		s.persistLine(line)
	}
	s.mu.Unlock()
	s.flushes.Inc()
}

func (s *SimRegion) persistLine(line uint64) {
	first := line / WordSize
	for i := first; i < first+wordsPerLine && i < uint64(len(s.volatile)); i++ {
		s.durable[i] = atomic.LoadUint64(&s.volatile[i])
	}
}

func (s *SimRegion) Fence() {
	s.fences.Inc()
}

func (s *SimRegion) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (s *SimRegion) Closed() bool {
	return s.closed.Load()
}

// Flushes reports how many Flush calls reached the region.
func (s *SimRegion) Flushes() uint64 {
	return s.flushes.Load()
}

// Fences reports how many Fence calls reached the region.
func (s *SimRegion) Fences() uint64 {
	return s.fences.Load()
}

// DirtyLines lists the cachelines whose volatile content differs from the durable image.
func (s *SimRegion) DirtyLines() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []uint64
	for i := 0; i < len(s.volatile); i += wordsPerLine {
		for j := i; j < i+wordsPerLine; j++ {
			if atomic.LoadUint64(&s.volatile[j]) != s.durable[j] {
				lines = append(lines, uint64(i)*WordSize)
				break
			}
		}
	}
	return lines
}

// DurableWord reads the durable image, i.e. what a crash would leave behind.
func (s *SimRegion) DurableWord(addr uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable[addr/WordSize]
}

// Crash simulates a power failure. The cachelines holding the evicted addresses are
// written back first, modelling lines the cache happened to evict on its own. The
// returned region holds only durable content and shares no memory with s.
func (s *SimRegion) Crash(evicted ...uint64) *SimRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range evicted {
		s.persistLine(LineOf(addr))
	}
	n := &SimRegion{
		volatile: make([]uint64, len(s.durable)),
		durable:  make([]uint64, len(s.durable)),
	}
	copy(n.volatile, s.durable)
	copy(n.durable, s.durable)
	return n
}
