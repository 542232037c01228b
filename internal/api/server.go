// Package api serves the reconciliation dashboard HTTP surface:
// health, statistics, transaction and mismatch listings, mismatch
// triage actions, and CSV report exports. Handlers are methods on a
// Server wired over the stats service, the durable store, and the
// coordination cache; cross-cutting concerns (request logging, rate
// limiting, GET response caching) live in the middleware chain.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/koshbank/recon/internal/cache"
	"github.com/koshbank/recon/internal/stats"
	"github.com/koshbank/recon/internal/storage"
)

// Config tunes the HTTP listener and its middleware.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// RateLimit is the number of requests one client may make per
	// RateWindow. Zero disables rate limiting.
	RateLimit int

	// RateWindow is the rate-limit accounting window. Zero means one hour.
	RateWindow time.Duration

	// ResponseTTL bounds staleness of cached GET responses. Zero means
	// 30 seconds.
	ResponseTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = 30 * time.Second
	}
	return c
}

// Server hosts the dashboard API over the read models and the store.
type Server struct {
	store  storage.Store
	stats  *stats.Service
	cache  cache.Cache
	keys   cache.Keys
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	httpServer *http.Server
}

// New builds a Server. The cache powers rate limiting and the GET
// response cache; both degrade to pass-through when the cache errors.
func New(store storage.Store, statsSvc *stats.Service, c cache.Cache, keys cache.Keys, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		stats:  statsSvc,
		cache:  c,
		keys:   keys,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "api"),
		clock:  time.Now,
	}
}

// Handler assembles the route table and middleware chain. Exposed so
// tests can drive the server through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/stats/timeline", s.handleTimeline)
	mux.HandleFunc("/api/transactions", s.handleTransactions)
	mux.HandleFunc("/api/transactions/", s.handleTransactionSubroutes)
	mux.HandleFunc("/api/mismatches", s.handleMismatches)
	mux.HandleFunc("/api/mismatches/", s.handleMismatchAction)
	mux.HandleFunc("/api/export/mismatches.csv", s.handleExportMismatches)
	mux.HandleFunc("/api/export/transactions.csv", s.handleExportTransactions)

	// Innermost first: response cache sees the final handler, rate
	// limiting runs before any work, logging observes everything.
	var h http.Handler = mux
	h = s.withResponseCache(h)
	h = s.withRateLimit(h)
	h = s.withRequestLog(h)
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("api listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
