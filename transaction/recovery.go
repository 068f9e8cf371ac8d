package transaction

import (
	"fmt"
	"sort"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinypm/nvwset"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
)

// RecoveryReport describes what Recover redid.
type RecoveryReport struct {
	Blocks    int           `json:"blocks"`
	LogGroups int           `json:"log_groups"`
	Words     int           `json:"words"`
	MaxTS     uint64        `json:"max_ts"`
	Duration  time.Duration `json:"duration"`
}

func (r RecoveryReport) String() string {
	return fmt.Sprintf("redid %d blocks and %d log groups, %d words up to ts %d in %v",
		r.Blocks, r.LogGroups, r.Words, r.MaxTS, r.Duration)
}

type redoGroup struct {
	ts      uint64
	source  string
	entries []nvwset.Entry
}

// RegisterReincarnationCallback adds fn to the callbacks Recover runs, in registration
// order, once the region is consistent.
func (e *Engine) RegisterReincarnationCallback(fn func(*Engine) error) {
	e.mu.Lock()
	e.callbacks = append(e.callbacks, fn)
	e.mu.Unlock()
}

// Recover redoes every commit whose redo record is durable but may not have reached its
// home locations: final write-set blocks and committed value-log groups, in commit
// timestamp order. It then empties the pool, runs the reincarnation callbacks and opens
// the engine for transactions. Recover is idempotent; running it again after a crash
// during recovery gives the same result. Corrupt records fail it without applying
// anything.
func (e *Engine) Recover() (RecoveryReport, error) {
	var rep RecoveryReport
	start := time.Now()
	e.mu.Lock()
	for _, tx := range e.txs {
		if tx.active.Load() {
			e.mu.Unlock()
			return rep, errors.Annotatef(ErrTxActive, "recover with descriptor %d", tx.id)
		}
	}
	callbacks := append([]func(*Engine) error(nil), e.callbacks...)
	e.mu.Unlock()
	e.recovered.Store(false)

	if err := e.layout.Check(e.region); err != nil {
		return rep, errors.Trace(err)
	}
	groups, err := e.collectRedo(&rep)
	if err != nil {
		return rep, errors.Trace(err)
	}
	for _, g := range groups {
		for _, en := range g.entries {
			if en.Addr%pmem.WordSize != 0 || !e.data.Contains(en.Addr, pmem.WordSize) {
				return rep, errors.Annotatef(ErrCorruptBlock, "%s redoes %#x outside %v", g.source, en.Addr, e.data)
			}
		}
	}
	for _, g := range groups {
		for _, en := range g.entries {
			e.region.StoreWord(en.Addr, en.Value)
			e.region.Flush(en.Addr, pmem.WordSize)
		}
		rep.Words += len(g.entries)
		if g.ts > rep.MaxTS {
			rep.MaxTS = g.ts
		}
	}
	e.region.Fence()
	e.pool.Reset()
	e.locks.Reset()

	recoveryCounter.WithLabelValues("block").Add(float64(rep.Blocks))
	recoveryCounter.WithLabelValues("log").Add(float64(rep.LogGroups))
	recoveryCounter.WithLabelValues("word").Add(float64(rep.Words))
	rep.Duration = time.Since(start)
	log.Infof("recovery %v", rep)

	e.recovered.Store(true)
	for i, fn := range callbacks {
		if err := fn(e); err != nil {
			e.recovered.Store(false)
			return rep, errors.Annotatef(err, "reincarnation callback %d", i)
		}
	}
	return rep, nil
}

func (e *Engine) collectRedo(rep *RecoveryReport) ([]redoGroup, error) {
	redos, err := e.pool.Scan()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var groups []redoGroup
	for _, rd := range redos {
		groups = append(groups, redoGroup{ts: rd.TS, source: fmt.Sprintf("block %d", rd.Block), entries: rd.Entries})
	}
	rep.Blocks = len(redos)
	for i := 0; i < e.pool.Len(); i++ {
		lg := e.pool.Slot(i).Log
		if _, err := lg.CheckConsistency(); err != nil {
			log.Errorf("recover log of slot %d: %v", i, err)
			return nil, errors.Trace(err)
		}
		recs, err := lg.Records()
		if err != nil {
			log.Errorf("recover log of slot %d: %v", i, err)
			return nil, errors.Trace(err)
		}
		for _, r := range recs {
			g := redoGroup{ts: r.TS, source: fmt.Sprintf("log %d at %d", i, r.Begin)}
			for _, w := range r.Writes {
				g.entries = append(g.entries, nvwset.Entry{Addr: w.Addr, Value: w.Value})
			}
			groups = append(groups, g)
			rep.LogGroups++
		}
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].ts < groups[j].ts })
	return groups, nil
}
