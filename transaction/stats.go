package transaction

import (
	uatomic "go.uber.org/atomic"
)

// Stats is a snapshot of engine counters since Open.
type Stats struct {
	Commits         uint64            `json:"commits"`
	ReadOnlyCommits uint64            `json:"read_only_commits"`
	Aborts          uint64            `json:"aborts"`
	AbortsByReason  map[string]uint64 `json:"aborts_by_reason"`
	Finalized       uint64            `json:"finalized_blocks"`
	Rollovers       uint64            `json:"rollovers"`
	Clock           uint64            `json:"clock"`
	Attached        int               `json:"attached"`
	BusySlots       int               `json:"busy_slots"`
}

type engineStats struct {
	commits         uatomic.Uint64
	readOnlyCommits uatomic.Uint64
	aborts          [numReasons]uatomic.Uint64
	rollovers       uatomic.Uint64
}

func (s *engineStats) onCommit(words int, readOnly bool) {
	s.commits.Inc()
	if readOnly {
		s.readOnlyCommits.Inc()
		txnCounter.WithLabelValues("read-only").Inc()
		return
	}
	txnCounter.WithLabelValues("commit").Inc()
	writeSetSizeHistogram.Observe(float64(words))
}

func (s *engineStats) onAbort(r Reason) {
	if r > 0 && r < numReasons {
		s.aborts[r].Inc()
	}
	txnCounter.WithLabelValues("abort").Inc()
	abortCounter.WithLabelValues(r.String()).Inc()
}

func (s *engineStats) onRollover() {
	s.rollovers.Inc()
	rolloverCounter.Inc()
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	st := Stats{
		Commits:         e.stats.commits.Load(),
		ReadOnlyCommits: e.stats.readOnlyCommits.Load(),
		AbortsByReason:  make(map[string]uint64),
		Finalized:       e.pool.Finalized(),
		Rollovers:       e.stats.rollovers.Load(),
		Clock:           e.locks.Clock(),
		BusySlots:       e.pool.Busy(),
	}
	for r := Reason(1); r < numReasons; r++ {
		if n := e.stats.aborts[r].Load(); n > 0 {
			st.AbortsByReason[r.String()] = n
			st.Aborts += n
		}
	}
	e.mu.Lock()
	st.Attached = len(e.txs)
	e.mu.Unlock()
	return st
}
