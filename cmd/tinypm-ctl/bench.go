package main

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap-incubator/tinypm/transaction"
	"github.com/pingcap/errors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const initialBalance = 1000

type benchOptions struct {
	workers     int
	ops         int
	rate        float64
	accounts    int
	readRatio   float64
	metricsAddr string
	output      string
}

type benchResult struct {
	Workers     int               `json:"workers"`
	Ops         int               `json:"ops"`
	Elapsed     time.Duration     `json:"elapsed"`
	Throughput  float64           `json:"ops_per_sec"`
	MeanLatency time.Duration     `json:"mean_latency"`
	P99Latency  time.Duration     `json:"p99_latency"`
	Engine      transaction.Stats `json:"engine"`
}

func newBenchCommand() *cobra.Command {
	opt := &benchOptions{}
	m := &cobra.Command{
		Use:   "bench",
		Short: "Run a bank-transfer workload against the region and check that money is conserved",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(runBench(opt))
		},
	}
	m.Flags().IntVarP(&opt.workers, "workers", "w", 0, "concurrent transactions, 0 means one per logical CPU")
	m.Flags().IntVarP(&opt.ops, "ops", "n", 10000, "transactions per worker")
	m.Flags().Float64Var(&opt.rate, "rate", 0, "overall transactions per second, 0 means unlimited")
	m.Flags().IntVar(&opt.accounts, "accounts", 64, "number of accounts")
	m.Flags().Float64Var(&opt.readRatio, "read-ratio", 0.1, "share of read-only audits")
	m.Flags().StringVar(&opt.metricsAddr, "metrics-addr", "", "serve /metrics and /status here, overrides the config")
	m.Flags().StringVarP(&opt.output, "output", "o", "text", "output format: json, yaml or text")
	return m
}

func runBench(opt *benchOptions) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if opt.workers <= 0 {
		if opt.workers, err = cpu.Counts(true); err != nil || opt.workers <= 0 {
			opt.workers = 1
		}
	}
	if opt.workers >= conf.Pool.Blocks {
		// One descriptor is kept for setup and the final audit.
		opt.workers = conf.Pool.Blocks - 1
	}
	if opt.workers <= 0 {
		return errors.New("the pool needs at least two blocks to run the benchmark")
	}
	e, err := openEngine(conf)
	if err != nil {
		return err
	}
	defer closeEngine(e)
	if _, err = e.Recover(); err != nil {
		return errors.Trace(err)
	}
	if addr := statusAddr(conf, opt.metricsAddr); addr != "" {
		serveStatus(addr, e)
	}
	heap := e.Layout().Heap()
	if uint64(opt.accounts)*pmem.WordSize > heap.Size {
		return errors.Errorf("%d accounts do not fit in a heap of %d bytes", opt.accounts, heap.Size)
	}
	if opt.accounts < 2 {
		return errors.New("need at least two accounts")
	}
	setup, err := e.Attach()
	if err != nil {
		return errors.Trace(err)
	}
	defer setup.Detach()
	if err = initAccounts(setup, heap.Base, opt.accounts); err != nil {
		return err
	}

	limit := rate.Inf
	if opt.rate > 0 {
		limit = rate.Limit(opt.rate)
	}
	limiter := rate.NewLimiter(limit, opt.workers)
	latencies := make([][]float64, opt.workers)
	errs := make([]error, opt.workers)
	var wg sync.WaitGroup
	begin := time.Now()
	for w := 0; w < opt.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			latencies[w], errs[w] = benchWorker(e, limiter, heap.Base, opt, int64(w))
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(begin)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	var all []float64
	for _, l := range latencies {
		all = append(all, l...)
	}
	mean, err := stats.Mean(all)
	if err != nil {
		return errors.Trace(err)
	}
	p99, err := stats.Percentile(all, 99)
	if err != nil {
		return errors.Trace(err)
	}
	total, err := audit(setup, heap.Base, opt.accounts)
	if err != nil {
		return err
	}
	if want := uint64(opt.accounts) * initialBalance; total != want {
		return errors.Errorf("balance not conserved: have %d, want %d", total, want)
	}
	res := benchResult{
		Workers:     opt.workers,
		Ops:         len(all),
		Elapsed:     elapsed,
		Throughput:  float64(len(all)) / elapsed.Seconds(),
		MeanLatency: time.Duration(mean),
		P99Latency:  time.Duration(p99),
		Engine:      e.Stats(),
	}
	return printOutput(os.Stdout, opt.output, res)
}

// initAccounts gives every account the initial balance, a block's worth of accounts
// per transaction.
func initAccounts(tx *transaction.Tx, base uint64, n int) error {
	per := tx.Engine().MaxWrites()
	for lo := 0; lo < n; lo += per {
		hi := lo + per
		if hi > n {
			hi = n
		}
		err := transaction.Run(tx, func(tx *transaction.Tx) error {
			for i := lo; i < hi; i++ {
				if err := tx.Store64(base+uint64(i)*pmem.WordSize, initialBalance); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func benchWorker(e *transaction.Engine, limiter *rate.Limiter, base uint64, opt *benchOptions, seed int64) ([]float64, error) {
	tx, err := e.Attach()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer tx.Detach()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + seed))
	lat := make([]float64, 0, opt.ops)
	for i := 0; i < opt.ops; i++ {
		if err = limiter.Wait(context.Background()); err != nil {
			return nil, errors.Trace(err)
		}
		start := time.Now()
		if rnd.Float64() < opt.readRatio {
			_, err = audit(tx, base, opt.accounts)
		} else {
			from := rnd.Intn(opt.accounts)
			to := (from + 1 + rnd.Intn(opt.accounts-1)) % opt.accounts
			err = transfer(tx, base, from, to, uint64(rnd.Intn(10)+1))
		}
		if err != nil {
			return nil, err
		}
		lat = append(lat, float64(time.Since(start)))
	}
	return lat, nil
}

// transfer moves amount between two accounts, or nothing when the source cannot cover it.
func transfer(tx *transaction.Tx, base uint64, from, to int, amount uint64) error {
	src := base + uint64(from)*pmem.WordSize
	dst := base + uint64(to)*pmem.WordSize
	return errors.Trace(transaction.Run(tx, func(tx *transaction.Tx) error {
		a, err := tx.Load64(src)
		if err != nil {
			return err
		}
		if a < amount {
			return nil
		}
		b, err := tx.Load64(dst)
		if err != nil {
			return err
		}
		if err = tx.Store64(src, a-amount); err != nil {
			return err
		}
		return tx.Store64(dst, b+amount)
	}))
}

func audit(tx *transaction.Tx, base uint64, n int) (uint64, error) {
	var total uint64
	err := transaction.Run(tx, func(tx *transaction.Tx) error {
		total = 0
		for i := 0; i < n; i++ {
			v, err := tx.Load64(base + uint64(i)*pmem.WordSize)
			if err != nil {
				return err
			}
			total += v
		}
		return nil
	}, transaction.ReadOnly())
	return total, errors.Trace(err)
}
