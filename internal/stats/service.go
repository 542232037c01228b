// Package stats derives the dashboard read models — overview, timeline,
// delayed and duplicate listings, service health — from the durable
// store, caching computed documents in the coordination cache so
// repeated dashboard polls don't hammer the database.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/koshbank/recon/internal/cache"
	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/types"
)

// Timeline parameter bounds. Requests outside these are rejected with
// ErrBadWindow before touching the store.
const (
	MinTimelineHours = 1
	MaxTimelineHours = 168 // one week
)

// DefaultTimelineHours and DefaultTimelineInterval apply when the
// caller passes zero values.
const (
	DefaultTimelineHours    = 24
	DefaultTimelineInterval = 60
)

// healthActivityWindow is how recently a view must have been stored
// for the service to report HEALTHY rather than IDLE.
const healthActivityWindow = 5 * time.Minute

// ErrBadWindow rejects timeline requests with out-of-range parameters.
type ErrBadWindow struct {
	Field string
	Value int
}

func (e *ErrBadWindow) Error() string {
	return fmt.Sprintf("invalid timeline %s: %d", e.Field, e.Value)
}

// Snapshotter exposes the engine's live counters to the read side.
// *recon.Engine satisfies this.
type Snapshotter interface {
	Snapshot() types.EngineStats
	Inflight() int
}

// Config tunes caching and reporting windows.
type Config struct {
	// CacheTTL bounds staleness of cached stat documents. Zero means
	// 2 minutes.
	CacheTTL time.Duration
	// DelayedAfter is the age at which a still-PENDING view counts as
	// delayed. Zero means 5 minutes.
	DelayedAfter time.Duration
	// ListLimit caps delayed/duplicate listings. Zero means 100.
	ListLimit int
}

func (c *Config) withDefaults() Config {
	out := Config{CacheTTL: 2 * time.Minute, DelayedAfter: 5 * time.Minute, ListLimit: 100}
	if c == nil {
		return out
	}
	if c.CacheTTL > 0 {
		out.CacheTTL = c.CacheTTL
	}
	if c.DelayedAfter > 0 {
		out.DelayedAfter = c.DelayedAfter
	}
	if c.ListLimit > 0 {
		out.ListLimit = c.ListLimit
	}
	return out
}

// Service computes dashboard documents. All cache interactions are
// best effort: a cache outage degrades to direct store reads, never to
// request failures.
type Service struct {
	store  storage.Store
	cache  cache.Cache
	keys   cache.Keys
	engine Snapshotter
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New builds a stats service over the given store and cache. engine
// may be nil when no live engine runs in this process (reporting-only
// deployments); engine sections then stay zeroed.
func New(store storage.Store, c cache.Cache, keys cache.Keys, engine Snapshotter, cfg *Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		cache:  c,
		keys:   keys,
		engine: engine,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "stats"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Overview assembles the headline dashboard document: store aggregates,
// the derived success rate, and the engine's live counters.
func (s *Service) Overview(ctx context.Context) (*types.Overview, error) {
	var cached types.Overview
	if s.cacheGet(ctx, s.keys.Stats("overview"), &cached) {
		return &cached, nil
	}

	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store stats: %w", err)
	}

	out := &types.Overview{
		TotalTransactions:     st.TotalTransactions,
		TotalMismatches:       st.TotalMismatches,
		TotalReconciled:       st.TotalReconciled,
		PendingReconciliation: st.PendingReconciliation,
		SuccessRate:           successRate(st.Matched, st.Mismatched),
		SourceDistribution:    st.SourceDistribution,
		StatusDistribution:    st.StatusDistribution,
		ReconBreakdown:        st.ReconBreakdown,
		MismatchTypes:         st.MismatchTypes,
		RecentActivity: types.RecentActivity{
			Transactions24h: st.Transactions24h,
			Mismatches24h:   st.Mismatches24h,
		},
		GeneratedAt: s.clock().UTC(),
	}
	if s.engine != nil {
		out.Engine = s.engine.Snapshot()
	}

	s.cacheSet(ctx, s.keys.Stats("overview"), out)
	return out, nil
}

// Timeline returns hours*60/interval contiguous buckets ending at the
// current interval. Zero hours/interval select the defaults; values
// outside the documented ranges return *ErrBadWindow.
func (s *Service) Timeline(ctx context.Context, hours, intervalMinutes int) (*types.Timeline, error) {
	if hours == 0 {
		hours = DefaultTimelineHours
	}
	if intervalMinutes == 0 {
		intervalMinutes = DefaultTimelineInterval
	}
	if hours < MinTimelineHours || hours > MaxTimelineHours {
		return nil, &ErrBadWindow{Field: "hours", Value: hours}
	}
	switch intervalMinutes {
	case 15, 30, 60:
	default:
		return nil, &ErrBadWindow{Field: "interval", Value: intervalMinutes}
	}

	key := s.keys.Stats(fmt.Sprintf("timeline:%d:%d", hours, intervalMinutes))
	var cached types.Timeline
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	buckets, err := s.store.Timeline(ctx, hours, intervalMinutes)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	out := &types.Timeline{
		Hours:           hours,
		IntervalMinutes: intervalMinutes,
		Buckets:         buckets,
		GeneratedAt:     s.clock().UTC(),
	}

	s.cacheSet(ctx, key, out)
	return out, nil
}

// Delayed lists views still PENDING past the configured age, oldest
// first.
func (s *Service) Delayed(ctx context.Context) ([]*types.PersistedView, error) {
	views, err := s.store.DelayedTransactions(ctx, s.cfg.DelayedAfter, s.cfg.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("load delayed transactions: %w", err)
	}
	return views, nil
}

// Duplicates lists (txn_id, source) pairs that re-delivered with a
// different payload, most recent first.
func (s *Service) Duplicates(ctx context.Context) ([]types.DuplicateGroup, error) {
	groups, err := s.store.DuplicateViews(ctx, s.cfg.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("load duplicates: %w", err)
	}
	return groups, nil
}

// Health probes the store and cache and classifies service liveness
// from data flow. Never cached: callers want the live answer.
func (s *Service) Health(ctx context.Context) *types.Health {
	now := s.clock().UTC()
	out := &types.Health{
		State:     types.HealthWaiting,
		CheckedAt: now,
	}
	if s.engine != nil {
		out.Inflight = s.engine.Inflight()
	}

	out.Cache.Backend = s.cache.Backend()
	if err := s.cache.Ping(ctx); err != nil {
		out.Cache.Error = err.Error()
	} else {
		out.Cache.OK = true
		if info, err := s.cache.Info(ctx); err == nil {
			out.Cache.Info = info
		}
	}

	if err := s.store.Ping(ctx); err != nil {
		out.Store.Error = err.Error()
		return out
	}
	out.Store.OK = true

	st, err := s.store.Stats(ctx)
	if err != nil {
		out.Store.OK = false
		out.Store.Error = err.Error()
		return out
	}
	out.Store.LastStoredAt = st.LastStoredAt

	switch {
	case st.TotalTransactions == 0:
		out.State = types.HealthWaiting
	case st.LastStoredAt != nil && now.Sub(*st.LastStoredAt) <= healthActivityWindow:
		out.State = types.HealthHealthy
	default:
		out.State = types.HealthIdle
	}
	return out
}

// successRate is matched/(matched+mismatched) as a percentage rounded
// to two decimals. An empty denominator reads as 100: nothing has
// disagreed yet.
func successRate(matched, mismatched int64) float64 {
	total := matched + mismatched
	if total == 0 {
		return 100.0
	}
	return math.Round(float64(matched)/float64(total)*10000) / 100
}

func (s *Service) cacheGet(ctx context.Context, key string, out any) bool {
	ok, err := s.cache.GetJSON(ctx, key, out)
	if err != nil {
		s.logger.Warn("stats cache read failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (s *Service) cacheSet(ctx context.Context, key string, v any) {
	if err := s.cache.SetJSON(ctx, key, v, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("stats cache write failed", "key", key, "error", err)
	}
}
