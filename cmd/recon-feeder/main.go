// Command recon-feeder publishes synthetic correlated transaction
// views so a running recond has traffic to reconcile. Each tick it
// generates one transaction, renders a view per source, optionally
// corrupts one non-primary view, and publishes everything with
// per-view jitter so arrival order varies.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/koshbank/recon/internal/feeder"
	"github.com/koshbank/recon/internal/ingest"
)

// Version is stamped at build time via ldflags.
var Version = "0.4.0"

const connectMaxElapsed = 15 * time.Second

var (
	flagNATSURL   string
	flagStream    string
	flagSources   string
	flagRate      float64
	flagCount     int
	flagFaultRate float64
	flagSeed      int64
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "recon-feeder",
	Short: "Publish synthetic transaction views for reconciliation",
	Long: `recon-feeder generates correlated transaction views across the
configured sources and publishes them to the stream recond consumes.
A configurable fraction of transactions carry exactly one injected
fault (amount drift, status flip, currency swap, account typo,
timestamp skew, dropped field, dropped source) so the pipeline has
real disagreements to surface. Runs with the same --seed replay the
same transactions.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagNATSURL, "nats-url", "nats://localhost:4222", "NATS URL (also $RECON_NATS_URL)")
	f.StringVar(&flagStream, "stream", "TXNS", "JetStream stream name")
	f.StringVar(&flagSources, "sources", "core,gateway,mobile", "Comma-separated source names; views publish to txns.<name>")
	f.Float64Var(&flagRate, "rate", 5, "Transactions per second")
	f.IntVar(&flagCount, "count", 0, "Stop after this many transactions (0 runs until interrupted)")
	f.Float64Var(&flagFaultRate, "fault-rate", 0.15, "Fraction of transactions carrying one injected fault")
	f.Int64Var(&flagSeed, "seed", 0, "Random seed for reproducible runs (0 seeds from the clock)")
	f.BoolVar(&flagVerbose, "verbose", false, "Debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	url := flagNATSURL
	if !cmd.Flags().Changed("nats-url") {
		if env := os.Getenv("RECON_NATS_URL"); env != "" {
			url = env
		}
	}

	sources, subjects := parseSources(flagSources)
	if len(sources) < 2 {
		return fmt.Errorf("need at least 2 sources, got %q", flagSources)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The broker may still be booting alongside us (recond --embed-nats),
	// so retry the initial dial briefly before giving up.
	var stream *ingest.NATSStream
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	err := backoff.Retry(func() error {
		s, err := ingest.ConnectNATS(ingest.NATSOptions{
			URL:      url,
			Stream:   flagStream,
			Subjects: subjects,
			Name:     "recon-feeder",
		}, logger)
		if err != nil {
			logger.Warn("nats unreachable, retrying", "url", url, "error", err)
			return err
		}
		stream = s
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", url, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			logger.Warn("stream close failed", "error", err)
		}
	}()

	f, err := feeder.New(stream, feeder.Config{
		Sources:   sources,
		Rate:      flagRate,
		Count:     flagCount,
		FaultRate: flagFaultRate,
		Seed:      flagSeed,
	}, logger)
	if err != nil {
		return err
	}

	if err := f.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	st := f.Stats()
	logger.Info("feeder done",
		"transactions", st.Transactions,
		"published", st.Published,
		"faulted", st.Faulted,
		"failed", st.Failed,
	)
	return nil
}

func parseSources(list string) ([]feeder.Source, []string) {
	var sources []feeder.Source
	var subjects []string
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		sources = append(sources, feeder.Source{Name: name, Subject: "txns." + name})
		subjects = append(subjects, "txns."+name)
	}
	return sources, subjects
}
