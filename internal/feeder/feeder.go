// Package feeder generates correlated synthetic transactions and
// publishes one view per source to the stream, optionally corrupting a
// single non-primary view so the reconciliation pipeline has real
// disagreements to find. All randomness flows from one seedable source
// so a run can be replayed exactly.
package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koshbank/recon/internal/ingest"
)

// Source binds a generated view to its stream subject.
type Source struct {
	Name    string
	Subject string
}

// Config tunes the generator.
type Config struct {
	// Sources receive one view each per transaction. The first source
	// is the system of record: faults only ever land on the others.
	Sources []Source

	// Rate is transactions per second. Zero means 1.
	Rate float64

	// Count stops the run after that many transactions. Zero runs
	// until the context is cancelled.
	Count int

	// FaultRate is the fraction of transactions that carry exactly one
	// fault, in [0,1]. Negative means the 0.15 default; zero disables.
	FaultRate float64

	// Seed makes runs reproducible. Zero seeds from the clock.
	Seed int64

	// Jitter is the maximum per-view publish delay. Zero means 500ms.
	Jitter time.Duration
}

// Stats are the run counters, readable while the feeder runs.
type Stats struct {
	Transactions int64 `json:"transactions"`
	Published    int64 `json:"published"`
	Faulted      int64 `json:"faulted"`
	Failed       int64 `json:"failed"`
}

// Feeder drives synthetic load through a Stream.
type Feeder struct {
	stream ingest.Stream
	cfg    Config
	logger *slog.Logger
	rng    *rand.Rand

	transactions atomic.Int64
	published    atomic.Int64
	faulted      atomic.Int64
	failed       atomic.Int64
}

// New validates cfg and builds a feeder.
func New(stream ingest.Stream, cfg Config, logger *slog.Logger) (*Feeder, error) {
	if len(cfg.Sources) < 2 {
		return nil, fmt.Errorf("feeder needs at least 2 sources, got %d", len(cfg.Sources))
	}
	for _, src := range cfg.Sources {
		if src.Name == "" || src.Subject == "" {
			return nil, fmt.Errorf("feeder sources need both name and subject")
		}
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.FaultRate < 0 {
		cfg.FaultRate = defaultFaultRate
	}
	if cfg.FaultRate > 1 {
		cfg.FaultRate = 1
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 500 * time.Millisecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{
		stream: stream,
		cfg:    cfg,
		logger: logger.With("component", "feeder"),
		rng:    rand.New(rand.NewSource(seed)), // #nosec G404 - synthetic test data
	}, nil
}

// Stats returns a snapshot of the run counters.
func (f *Feeder) Stats() Stats {
	return Stats{
		Transactions: f.transactions.Load(),
		Published:    f.published.Load(),
		Faulted:      f.faulted.Load(),
		Failed:       f.failed.Load(),
	}
}

// Run emits transactions at the configured rate until the count is
// reached or ctx is cancelled, then waits for in-flight publishes.
func (f *Feeder) Run(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / f.cfg.Rate)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.logger.Info("feeder starting",
		"sources", len(f.cfg.Sources),
		"rate", f.cfg.Rate,
		"count", f.cfg.Count,
		"fault_rate", f.cfg.FaultRate,
	)

	var wg sync.WaitGroup
	defer wg.Wait()

	for sent := 0; f.cfg.Count == 0 || sent < f.cfg.Count; sent++ {
		if sent > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		f.emit(ctx, &wg)
	}
	f.logger.Info("feeder finished", "transactions", f.transactions.Load())
	return nil
}

// emit generates one transaction's views and schedules their publishes.
// Randomness stays on the Run goroutine; the jittered publish happens
// off it.
func (f *Feeder) emit(ctx context.Context, wg *sync.WaitGroup) {
	base := f.newBaseTxn()
	ft := f.chooseFault()
	victim := -1
	if ft != faultNone {
		// Never the first source, it is the system of record.
		victim = 1 + f.rng.Intn(len(f.cfg.Sources)-1)
		f.faulted.Add(1)
	}
	f.transactions.Add(1)

	order := f.rng.Perm(len(f.cfg.Sources))
	for _, i := range order {
		src := f.cfg.Sources[i]
		view := base.payload(src.Name)
		if i == victim {
			if ft == faultDropSource {
				f.logger.Debug("dropping view", "txn_id", base.TxnID, "source", src.Name)
				continue
			}
			f.applyFault(view, ft)
			f.logger.Debug("applied fault", "txn_id", base.TxnID, "source", src.Name, "fault", string(ft))
		}

		data, err := json.Marshal(view)
		if err != nil {
			f.failed.Add(1)
			f.logger.Error("marshal view", "txn_id", base.TxnID, "error", err)
			continue
		}
		delay := time.Duration(f.rng.Int63n(int64(f.cfg.Jitter)))

		wg.Add(1)
		go func(subject string, data []byte, delay time.Duration) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := f.stream.Publish(ctx, subject, data); err != nil {
				f.failed.Add(1)
				f.logger.Warn("publish failed", "subject", subject, "error", err)
				return
			}
			f.published.Add(1)
		}(src.Subject, data, delay)
	}
}
