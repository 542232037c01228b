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
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/koshbank/recon/internal/api"
	"github.com/koshbank/recon/internal/cache"
	"github.com/koshbank/recon/internal/config"
	"github.com/koshbank/recon/internal/ingest"
	"github.com/koshbank/recon/internal/recon"
	"github.com/koshbank/recon/internal/stats"
	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/storage/memory"
	"github.com/koshbank/recon/internal/storage/sqlite"
	"github.com/koshbank/recon/internal/telemetry"
)

// Connection retry bounds. BackOff implementations are stateful, so a
// fresh instance is built per attempt site.
const (
	storeOpenMaxElapsed     = 30 * time.Second
	redisStrictMaxElapsed   = 30 * time.Second
	redisAutoMaxElapsed     = 5 * time.Second
	streamConnectMaxElapsed = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation daemon",
	Long: `Starts the stream consumers, the reconciliation engine and the
dashboard API, and runs until interrupted. Configuration precedence is
flags > RECON_* environment > YAML file > defaults.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("config", "", "YAML config file (also $RECON_CONFIG)")
	f.String("addr", "", "HTTP listen address (e.g. :8080)")
	f.String("db", "", "SQLite database path, or :memory:")
	f.String("store", "", "Durable store backend: sqlite or memory")
	f.String("redis-url", "", "Redis URL for the coordination cache")
	f.String("cache", "", "Cache backend: redis, memory, or auto")
	f.String("nats-url", "", "NATS URL for the view stream")
	f.String("stream", "", "Stream backend: nats or memory")
	f.Bool("embed-nats", false, "Run an embedded NATS broker with JetStream")
	f.String("sources", "", "Comma-separated source names (subjects default to txns.<name>)")
	f.Int("quorum", 0, "Distinct sources required before reconciling")
	f.String("log-level", "", "Log level: debug, info, warn, error")
	f.Bool("log-json", false, "Structured JSON logs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, v, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "recond", Version); err != nil {
		logger.Warn("telemetry init failed", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	store = telemetry.WrapStore(store)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	cch, err := buildCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := cch.Close(); err != nil {
			logger.Warn("cache close failed", "error", err)
		}
	}()

	var embedded *ingest.EmbeddedServer
	if cfg.Stream.Backend == "nats" && cfg.Stream.Embed {
		storeDir, err := os.MkdirTemp("", "recond-jetstream-*")
		if err != nil {
			return fmt.Errorf("jetstream store dir: %w", err)
		}
		embedded, err = ingest.StartEmbedded(ingest.EmbedOptions{StoreDir: storeDir})
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		defer embedded.Shutdown()
		cfg.Stream.URL = embedded.ClientURL()
		logger.Info("embedded nats running", "url", cfg.Stream.URL, "store_dir", storeDir)
	}

	stream, err := buildStream(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			logger.Warn("stream close failed", "error", err)
		}
	}()

	keys := cache.NewKeys(cfg.Cache.Namespace)

	engine := recon.New(store, cch, recon.Config{
		Tolerances: recon.Tolerances{
			Amount: cfg.Engine.AmountTolerance,
			Time:   cfg.Engine.TimeTolerance.Std(),
		},
		Quorum:      cfg.Engine.Quorum,
		StageTTL:    cfg.Cache.StageTTL.Std(),
		LockTTL:     cfg.Cache.LockTTL.Std(),
		ThrottleTTL: cfg.Cache.ThrottleTTL.Std(),
		RecentSize:  cfg.Engine.RecentSize,
		Keys:        keys,
	}, logger)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close failed", "error", err)
		}
	}()

	statsSvc := stats.New(store, cch, keys, engine, &stats.Config{
		CacheTTL:     cfg.Cache.StatsTTL.Std(),
		DelayedAfter: cfg.Stats.DelayedAfter.Std(),
	}, logger)

	server := api.New(store, statsSvc, cch, keys, api.Config{
		Addr:        cfg.HTTP.Addr,
		RateLimit:   cfg.HTTP.RateLimit,
		RateWindow:  cfg.HTTP.RateWindow.Std(),
		ResponseTTL: cfg.HTTP.ResponseTTL.Std(),
	}, logger)

	for _, src := range cfg.Stream.Sources {
		consumer := ingest.NewConsumer(stream, engine, src.Name, src.Subject, cfg.Stream.Durable, logger)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := consumer.Stop(); err != nil {
				logger.Warn("consumer drain failed", "source", consumer.Stats().Source, "error", err)
			}
		}()
	}

	logger.Info("recond started",
		"version", Version,
		"addr", cfg.HTTP.Addr,
		"store", cfg.Store.Backend,
		"cache", cch.Backend(),
		"stream", cfg.Stream.Backend,
		"sources", cfg.SourceNames(),
		"quorum", cfg.Engine.Quorum,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("recond stopping")
	return nil
}

// applyFlagOverrides layers explicitly-set flags over the loaded
// config, keeping the flags > env > file > defaults precedence.
func applyFlagOverrides(cmd *cobra.Command, v *viper.Viper, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr = v.GetString("addr")
	}
	if flags.Changed("db") {
		cfg.Store.Path = v.GetString("db")
	}
	if flags.Changed("store") {
		cfg.Store.Backend = v.GetString("store")
	}
	if flags.Changed("redis-url") {
		cfg.Cache.RedisURL = v.GetString("redis-url")
	}
	if flags.Changed("cache") {
		cfg.Cache.Backend = v.GetString("cache")
	}
	if flags.Changed("nats-url") {
		cfg.Stream.URL = v.GetString("nats-url")
	}
	if flags.Changed("stream") {
		cfg.Stream.Backend = v.GetString("stream")
	}
	if flags.Changed("embed-nats") {
		cfg.Stream.Embed = v.GetBool("embed-nats")
	}
	if flags.Changed("quorum") {
		cfg.Engine.Quorum = v.GetInt("quorum")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = v.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = v.GetBool("log-json")
	}
	if flags.Changed("sources") {
		cfg.Stream.Sources = cfg.Stream.Sources[:0]
		for _, name := range strings.Split(v.GetString("sources"), ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cfg.Stream.Sources = append(cfg.Stream.Sources, config.SourceConfig{
				Name:    name,
				Subject: "txns." + name,
			})
		}
	}
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the durable store, retrying transient failures so a
// slow volume mount doesn't kill the daemon at boot.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Store.Backend == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.New(), nil
	}

	var store storage.Store
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = storeOpenMaxElapsed
	err := backoff.Retry(func() error {
		s, err := sqlite.New(ctx, cfg.Store.Path)
		if err != nil {
			logger.Warn("store open failed, retrying", "path", cfg.Store.Path, "error", err)
			return err
		}
		store = s
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	logger.Info("store open", "backend", "sqlite", "path", cfg.Store.Path)
	return store, nil
}

// buildCache connects the coordination cache. Backend auto retries
// Redis briefly and falls back to the in-process cache; backend redis
// keeps retrying and fails hard.
func buildCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Cache, error) {
	if cfg.Cache.Backend == "memory" {
		return cache.NewMemory(), nil
	}

	maxElapsed := redisStrictMaxElapsed
	if cfg.Cache.Backend == "auto" {
		maxElapsed = redisAutoMaxElapsed
	}

	var c cache.Cache
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	err := backoff.Retry(func() error {
		rc, err := cache.NewRedis(cfg.Cache.RedisURL, cache.WithOpTimeout(cfg.Cache.OpTimeout.Std()))
		if err != nil {
			logger.Warn("redis unreachable, retrying", "url", cfg.Cache.RedisURL, "error", err)
			return err
		}
		c = rc
		return nil
	}, backoff.WithContext(bo, ctx))
	if err == nil {
		logger.Info("cache connected", "backend", "redis")
		return c, nil
	}
	if cfg.Cache.Backend == "redis" {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Cache.RedisURL, err)
	}
	logger.Warn("redis unavailable, falling back to in-process cache", "error", err)
	return cache.NewMemory(), nil
}

// buildStream connects the view transport, retrying while the broker
// finishes starting (it may be the embedded one booting alongside us).
func buildStream(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ingest.Stream, error) {
	if cfg.Stream.Backend == "memory" {
		logger.Warn("using in-process stream, views are not durable")
		return ingest.NewMemory(logger), nil
	}

	subjects := make([]string, 0, len(cfg.Stream.Sources))
	for _, src := range cfg.Stream.Sources {
		subjects = append(subjects, src.Subject)
	}

	var stream ingest.Stream
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = streamConnectMaxElapsed
	err := backoff.Retry(func() error {
		s, err := ingest.ConnectNATS(ingest.NATSOptions{
			URL:      cfg.Stream.URL,
			Stream:   cfg.Stream.Name,
			Subjects: subjects,
			Name:     "recond",
		}, logger)
		if err != nil {
			logger.Warn("nats unreachable, retrying", "url", cfg.Stream.URL, "error", err)
			return err
		}
		stream = s
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.Stream.URL, err)
	}
	return stream, nil
}
