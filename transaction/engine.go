// Package transaction is the persistent transaction engine. Goroutines attach a Tx to an
// Engine and run optimistic transactions over the data section of a persistent region:
// versioned locks are acquired when a word is first written, new values are buffered until
// commit, and a commit is made durable in a non-volatile write-set block (or a value log)
// before any home location changes, so that recovery can redo it after a crash.
//
// A typical caller:
//
//	tx, _ := engine.Attach()
//	defer tx.Detach()
//	err := transaction.Run(tx, func(tx *transaction.Tx) error {
//		v, err := tx.Load64(addr)
//		if err != nil {
//			return err
//		}
//		return tx.Store64(addr, v+1)
//	})
package transaction

import (
	"runtime"
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinypm/config"
	"github.com/pingcap-incubator/tinypm/lockstore"
	"github.com/pingcap-incubator/tinypm/nvwset"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
	uatomic "go.uber.org/atomic"
)

// Engine owns the lock table, the clock and the write-set pool of one region.
type Engine struct {
	conf   *config.Config
	region pmem.Region
	layout *pmem.Layout
	data   pmem.Arena
	locks  *lockstore.Table
	pool   *nvwset.Pool
	alloc  Allocator

	valueLog  bool
	maxWrites int

	mu        sync.Mutex
	txs       map[uint16]*Tx
	nextID    uint16
	callbacks []func(*Engine) error

	recovered uatomic.Bool
	resetting uatomic.Bool
	closed    uatomic.Bool

	stats engineStats

	// commitHook observes the commit protocol. Tests use it to cut power between steps.
	commitHook func(commitPoint)
}

type commitPoint int

const (
	pointValidated commitPoint = iota
	pointLogged // one value-log write record appended, not yet flushed
	pointDurable
	pointInstalled
	pointRetired
)

// LayoutFor computes the region layout described by conf.
func LayoutFor(conf *config.Config) (*pmem.Layout, error) {
	dataSize, err := conf.DataBytes()
	if err != nil {
		return nil, errors.Trace(err)
	}
	specs := make([]pmem.ArenaSpec, 0, len(conf.Arenas))
	for i, a := range conf.Arenas {
		size, err := conf.ArenaBytes(i)
		if err != nil {
			return nil, errors.Trace(err)
		}
		specs = append(specs, pmem.ArenaSpec{Name: a.Name, Size: size})
	}
	return pmem.NewLayout(pmem.Geometry{
		Blocks:       conf.Pool.Blocks,
		BlockEntries: conf.Pool.BlockEntries,
		LogSlots:     conf.Pool.LogSlots,
		DataSize:     dataSize,
	}, specs)
}

// Format writes an empty layout into r, discarding whatever it held.
func Format(conf *config.Config, r pmem.Region) error {
	if err := conf.Validate(); err != nil {
		return errors.Trace(err)
	}
	layout, err := LayoutFor(conf)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(format(layout, r))
}

func format(layout *pmem.Layout, r pmem.Region) error {
	log.Infof("format region: %d blocks of %d entries, %d log slots, %d data bytes",
		layout.Blocks, layout.BlockEntries, layout.LogSlots, layout.DataSize)
	return layout.Format(r, func() error {
		_, err := nvwset.Format(r, layout)
		return err
	})
}

// Open attaches an engine to r, formatting it first if it carries no layout. The engine
// refuses transactions until Recover has run.
func Open(conf *config.Config, r pmem.Region) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	layout, err := LayoutFor(conf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = layout.Check(r); err != nil {
		if errors.Cause(err) != pmem.ErrNotFormatted {
			return nil, errors.Trace(err)
		}
		if err = format(layout, r); err != nil {
			return nil, errors.Trace(err)
		}
	}
	pool, err := nvwset.Open(r, layout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	e := &Engine{
		conf:     conf,
		region:   r,
		layout:   layout,
		data:     layout.Data(),
		locks:    lockstore.NewTable(conf.Engine.LockTableBits, conf.Engine.LockShift, conf.Engine.MaxClock),
		pool:     pool,
		valueLog: conf.Engine.Durability == config.DurabilityValueLog,
		txs:      make(map[uint16]*Tx),
	}
	e.maxWrites = conf.Pool.BlockEntries
	if e.valueLog {
		// Begin and Commit markers, three slots per word and the gap slot.
		e.maxWrites = (conf.Pool.LogSlots - 3) / 3
	}
	return e, nil
}

// SetAllocator installs the allocator behind Tx.Malloc and Tx.Free.
func (e *Engine) SetAllocator(a Allocator) {
	e.alloc = a
}

func (e *Engine) Config() *config.Config {
	return e.conf
}

func (e *Engine) Layout() *pmem.Layout {
	return e.layout
}

func (e *Engine) Region() pmem.Region {
	return e.region
}

// MaxWrites is the number of distinct words one transaction may write.
func (e *Engine) MaxWrites() int {
	return e.maxWrites
}

// Arena looks up a persistent arena declared in the config.
func (e *Engine) Arena(name string) (pmem.Arena, error) {
	a, ok := e.layout.Arena(name)
	if !ok {
		return pmem.Arena{}, errors.Errorf("transaction: no arena named %q", name)
	}
	return a, nil
}

// Attach creates a transaction descriptor. Each goroutine uses its own.
func (e *Engine) Attach() (*Tx, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.txs) >= lockstore.MaxDescriptors {
		return nil, ErrTooManyTxs
	}
	for {
		e.nextID++
		if e.nextID == 0 {
			continue
		}
		if _, ok := e.txs[e.nextID]; !ok {
			break
		}
	}
	tx := newTx(e, e.nextID)
	e.txs[tx.id] = tx
	return tx, nil
}

func (e *Engine) detach(tx *Tx) {
	e.mu.Lock()
	delete(e.txs, tx.id)
	e.mu.Unlock()
}

// waitQuiescent waits until no descriptor other than self is inside a transaction.
func (e *Engine) waitQuiescent(self *Tx) {
	for {
		busy := false
		e.mu.Lock()
		for _, tx := range e.txs {
			if tx != self && tx.active.Load() {
				busy = true
				break
			}
		}
		e.mu.Unlock()
		if !busy {
			return
		}
		runtime.Gosched()
	}
}

// Close detaches the engine from its region and closes the region. Every descriptor must
// be outside a transaction.
func (e *Engine) Close() error {
	e.mu.Lock()
	for _, tx := range e.txs {
		if tx.active.Load() {
			e.mu.Unlock()
			return errors.Annotatef(ErrTxActive, "descriptor %d", tx.id)
		}
	}
	e.mu.Unlock()
	if !e.closed.CAS(false, true) {
		return nil
	}
	return errors.Trace(e.region.Close())
}
