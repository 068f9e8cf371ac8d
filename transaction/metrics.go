package transaction

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinypm",
			Subsystem: "txn",
			Name:      "attempts_total",
			Help:      "Counter of finished transaction attempts.",
		}, []string{"result"})

	abortCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinypm",
			Subsystem: "txn",
			Name:      "aborts_total",
			Help:      "Counter of rolled back attempts by reason.",
		}, []string{"reason"})

	writeSetSizeHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinypm",
			Subsystem: "txn",
			Name:      "write_set_size",
			Help:      "Bucketed histogram of words written by committed transactions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		})

	rolloverCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinypm",
			Subsystem: "clock",
			Name:      "rollovers_total",
			Help:      "Counter of global clock resets.",
		})

	recoveryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinypm",
			Subsystem: "recovery",
			Name:      "redo_total",
			Help:      "Counter of redone groups and words.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(abortCounter)
	prometheus.MustRegister(writeSetSizeHistogram)
	prometheus.MustRegister(rolloverCounter)
	prometheus.MustRegister(recoveryCounter)
}
