package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/koshbank/recon/internal/cache"
	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/telemetry"
	"github.com/koshbank/recon/internal/types"
)

// ErrClosed is returned by Submit once the engine has been closed.
var ErrClosed = errors.New("recon: engine closed")

// Config carries the reconciliation tunables. Zero values fall back to
// the documented defaults so tests can construct engines tersely.
type Config struct {
	// Tolerances bound how far two views may drift and still match.
	Tolerances Tolerances

	// Quorum is the number of distinct sources required before a
	// transaction is compared. Never below 2.
	Quorum int

	// StageTTL bounds how long an incomplete group waits for quorum
	// before its views are dropped.
	StageTTL time.Duration

	// LockTTL bounds the single-flight reconciliation lock.
	LockTTL time.Duration

	// ThrottleTTL suppresses repeat mismatch alerts for the same
	// transaction within the window.
	ThrottleTTL time.Duration

	// RecentSize caps the in-memory ring of recent verdicts.
	RecentSize int

	// Keys namespaces the coordination cache. The zero value uses the
	// default namespace.
	Keys cache.Keys
}

func (c Config) withDefaults() Config {
	if c.Tolerances.Amount == 0 && c.Tolerances.Time == 0 {
		c.Tolerances = DefaultTolerances
	}
	if c.Quorum < 2 {
		c.Quorum = 2
	}
	if c.StageTTL <= 0 {
		c.StageTTL = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.ThrottleTTL <= 0 {
		c.ThrottleTTL = 5 * time.Second
	}
	if c.RecentSize <= 0 {
		c.RecentSize = 100
	}
	if c.Keys == (cache.Keys{}) {
		c.Keys = cache.NewKeys("")
	}
	return c
}

// stagedView is the staging record mirrored to the coordination cache
// so a restarted instance can observe what its peers have collected.
type stagedView struct {
	View     *types.TransactionView `json:"view"`
	StagedAt time.Time              `json:"staged_at"`
}

// Engine groups transaction views by id and reconciles each group as
// soon as quorum distinct sources have reported. Verdicts are written
// to the durable store best-effort; the in-memory counters and recent
// ring always advance so the dashboard never stalls on a slow disk.
type Engine struct {
	store storage.Store
	cache cache.Cache
	cfg   Config
	log   *slog.Logger

	instanceID string
	now        func() time.Time

	mu     sync.Mutex
	groups map[string]map[string]*stagedView
	byType map[string]int64

	recent     []types.RecentVerdict
	recentNext int

	submitted  atomic.Int64
	reconciled atomic.Int64
	matched    atomic.Int64
	mismatched atomic.Int64

	closed atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

// Option tweaks an Engine at construction time.
type Option func(*Engine)

// WithInstanceID overrides the generated lock-owner id.
func WithInstanceID(id string) Option {
	return func(e *Engine) { e.instanceID = id }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine and starts its staging janitor. Close stops it.
func New(store storage.Store, cch cache.Cache, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      store,
		cache:      cch,
		cfg:        cfg.withDefaults(),
		log:        logger.With("component", "engine"),
		instanceID: uuid.NewString(),
		now:        func() time.Time { return time.Now().UTC() },
		groups:     make(map[string]map[string]*stagedView),
		byType:     make(map[string]int64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.recent = make([]types.RecentVerdict, 0, e.cfg.RecentSize)
	initEngineMetrics()
	go e.janitor()
	return e
}

// Submit stages one source's view of a transaction and reconciles the
// group when quorum is reached. The durable arrival write is
// best-effort: a store failure is logged and never blocks grouping.
func (e *Engine) Submit(ctx context.Context, view *types.TransactionView) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if view == nil {
		return fmt.Errorf("submit: nil view")
	}
	if err := view.Validate(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	e.submitted.Add(1)
	engineMetrics.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recon.source", view.Source)))

	pv := &types.PersistedView{
		TransactionView: *view.Clone(),
		ReconStatus:     types.ReconPending,
	}
	if err := e.store.SaveView(ctx, pv); err != nil {
		e.log.Error("persist view failed",
			"txn_id", view.TxnID, "source", view.Source, "error", err)
	}

	staged := &stagedView{View: view.Clone(), StagedAt: e.now()}

	e.mu.Lock()
	group, ok := e.groups[view.TxnID]
	if !ok {
		group = make(map[string]*stagedView)
		e.groups[view.TxnID] = group
	}
	if prev, exists := group[view.Source]; exists && prev.View.PayloadHash() != view.PayloadHash() {
		e.log.Warn("conflicting resubmission overwrites staged view",
			"txn_id", view.TxnID, "source", view.Source)
	}
	group[view.Source] = staged
	distinct := len(group)
	mirror := make(map[string]*stagedView, distinct)
	for src, sv := range group {
		mirror[src] = sv
	}
	e.mu.Unlock()

	e.mirrorStage(ctx, view.TxnID, view.Source, mirror)

	if distinct >= e.cfg.Quorum {
		e.reconcile(ctx, view.TxnID)
	}
	return nil
}

// mirrorStage copies the staged group into the coordination cache.
// Failures degrade to in-process staging only.
func (e *Engine) mirrorStage(ctx context.Context, txnID, source string, group map[string]*stagedView) {
	if err := e.cache.SetJSON(ctx, e.cfg.Keys.Stage(txnID), group, e.cfg.StageTTL); err != nil {
		e.log.Warn("stage mirror failed", "txn_id", txnID, "error", err)
		return
	}
	if err := e.cache.SAdd(ctx, e.cfg.Keys.StageSource(source), []string{txnID}, e.cfg.StageTTL); err != nil {
		e.log.Warn("stage index failed", "txn_id", txnID, "source", source, "error", err)
	}
}

// reconcile compares one transaction's staged views and records the
// verdict. The cache lock keeps concurrent instances off the same
// transaction; a cache transport failure degrades to uncoordinated
// reconciliation rather than stalling the group.
func (e *Engine) reconcile(ctx context.Context, txnID string) {
	lockKey := e.cfg.Keys.Lock(txnID)
	acquired, err := e.cache.SetNX(ctx, lockKey, e.instanceID, e.cfg.LockTTL)
	switch {
	case err != nil:
		e.log.Warn("reconcile lock unavailable, proceeding uncoordinated",
			"txn_id", txnID, "error", err)
	case !acquired:
		// Another instance owns this transaction.
		return
	default:
		defer func() {
			// Release must survive caller cancellation, otherwise the
			// lock idles out its full TTL.
			rctx := context.WithoutCancel(ctx)
			if err := e.cache.Delete(rctx, lockKey); err != nil {
				e.log.Warn("reconcile lock release failed", "txn_id", txnID, "error", err)
			}
		}()
	}

	e.mu.Lock()
	group := e.groups[txnID]
	views := make(map[string]*types.TransactionView, len(group))
	for src, sv := range group {
		views[src] = sv.View.Clone()
	}
	e.mu.Unlock()

	// The group may have been reconciled or swept between the quorum
	// check and lock acquisition.
	if len(views) < e.cfg.Quorum {
		return
	}

	sources := make([]string, 0, len(views))
	for src := range views {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	mismatches := CompareGroup(views, e.cfg.Tolerances)
	outcome := types.ReconMatched
	if len(mismatches) > 0 {
		outcome = types.ReconMismatch
	}
	at := e.now()

	// Verdict persistence is best-effort: failures leave rows PENDING
	// for operator-driven replay, never abort the attempt.
	if err := e.store.MarkReconciled(ctx, txnID, sources, outcome, at); err != nil {
		e.log.Error("persist verdict failed",
			"txn_id", txnID, "outcome", outcome, "error", err)
	}
	for i := range mismatches {
		m := &mismatches[i]
		m.State = types.MismatchOpen
		m.CreatedAt = at
		if err := e.store.InsertMismatch(ctx, m); err != nil {
			e.log.Error("persist mismatch failed",
				"txn_id", txnID, "type", m.Type, "error", err)
		}
	}

	e.record(ctx, txnID, outcome, sources, mismatches, at)
	e.evict(ctx, txnID, sources)

	if outcome == types.ReconMatched {
		e.log.Info("transaction reconciled",
			"txn_id", txnID, "outcome", outcome, "sources", sources)
		return
	}
	e.alert(ctx, txnID, sources, mismatches)
}

// record advances the in-memory counters and the recent-verdicts ring.
func (e *Engine) record(ctx context.Context, txnID string, outcome types.ReconStatus, sources []string, mismatches []types.Mismatch, at time.Time) {
	e.reconciled.Add(1)
	if outcome == types.ReconMatched {
		e.matched.Add(1)
	} else {
		e.mismatched.Add(1)
	}
	engineMetrics.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recon.outcome", string(outcome))))
	for i := range mismatches {
		engineMetrics.mismatches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("recon.mismatch.type", string(mismatches[i].Type))))
	}

	rv := types.RecentVerdict{
		TxnID:      txnID,
		Outcome:    outcome,
		Mismatches: len(mismatches),
		Sources:    sources,
		ComparedAt: at,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range mismatches {
		e.byType[string(mismatches[i].Type)]++
	}
	if len(e.recent) < e.cfg.RecentSize {
		e.recent = append(e.recent, rv)
		e.recentNext = len(e.recent) % e.cfg.RecentSize
		return
	}
	e.recent[e.recentNext] = rv
	e.recentNext = (e.recentNext + 1) % e.cfg.RecentSize
}

// evict drops the reconciled group from the local map and the cache.
func (e *Engine) evict(ctx context.Context, txnID string, sources []string) {
	e.mu.Lock()
	delete(e.groups, txnID)
	e.mu.Unlock()

	if err := e.cache.Delete(ctx, e.cfg.Keys.Stage(txnID)); err != nil {
		e.log.Warn("stage evict failed", "txn_id", txnID, "error", err)
	}
	for _, src := range sources {
		if err := e.cache.SRem(ctx, e.cfg.Keys.StageSource(src), txnID); err != nil {
			e.log.Warn("stage index evict failed", "txn_id", txnID, "source", src, "error", err)
		}
	}
}

// alert logs one mismatch warning per transaction per throttle window.
// When the throttle counter is unreachable the alert fires anyway;
// noise beats silence.
func (e *Engine) alert(ctx context.Context, txnID string, sources []string, mismatches []types.Mismatch) {
	n, err := e.cache.Incr(ctx, e.cfg.Keys.Throttle(txnID), e.cfg.ThrottleTTL)
	if err != nil {
		e.log.Warn("alert throttle unavailable", "txn_id", txnID, "error", err)
		n = 1
	}
	if n > 1 {
		return
	}
	kinds := make([]string, 0, len(mismatches))
	for i := range mismatches {
		kinds = append(kinds, string(mismatches[i].Type))
	}
	e.log.Warn("reconciliation mismatch",
		"txn_id", txnID, "sources", sources,
		"mismatches", len(mismatches), "types", kinds)
}

// Snapshot returns the live engine counters, the recent ring newest
// first.
func (e *Engine) Snapshot() types.EngineStats {
	e.mu.Lock()
	inflight := len(e.groups)
	byType := make(map[string]int64, len(e.byType))
	for k, v := range e.byType {
		byType[k] = v
	}
	recent := make([]types.RecentVerdict, 0, len(e.recent))
	for i := len(e.recent) - 1; i >= 0; i-- {
		recent = append(recent, e.recent[(e.recentNext+i)%len(e.recent)])
	}
	e.mu.Unlock()

	return types.EngineStats{
		Inflight:         inflight,
		Submitted:        e.submitted.Load(),
		Reconciled:       e.reconciled.Load(),
		Matched:          e.matched.Load(),
		Mismatched:       e.mismatched.Load(),
		MismatchesByType: byType,
		Recent:           recent,
	}
}

// Inflight reports how many transaction groups are staged below quorum.
func (e *Engine) Inflight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.groups)
}

// Close stops the janitor and rejects further submissions. Staged
// views stay in the coordination cache for the next instance; their
// TTL is the handover window.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.stop)
	<-e.done
	return nil
}

// janitor drops staged views that outlived StageTTL without reaching
// quorum, matching the cache mirror's expiry.
func (e *Engine) janitor() {
	defer close(e.done)
	interval := e.cfg.StageTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweepStaged()
		}
	}
}

func (e *Engine) sweepStaged() {
	cutoff := e.now().Add(-e.cfg.StageTTL)
	var dropped int
	e.mu.Lock()
	for txnID, group := range e.groups {
		for src, sv := range group {
			if sv.StagedAt.Before(cutoff) {
				delete(group, src)
				dropped++
			}
		}
		if len(group) == 0 {
			delete(e.groups, txnID)
		}
	}
	e.mu.Unlock()
	if dropped > 0 {
		e.log.Debug("staged views expired below quorum", "dropped", dropped)
	}
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     struct {
		submitted  metric.Int64Counter
		verdicts   metric.Int64Counter
		mismatches metric.Int64Counter
	}
)

func initEngineMetrics() {
	engineMetricsOnce.Do(func() {
		meter := telemetry.Meter("github.com/koshbank/recon/engine")
		engineMetrics.submitted, _ = meter.Int64Counter("recon.engine.submitted",
			metric.WithDescription("Transaction views accepted for staging"))
		engineMetrics.verdicts, _ = meter.Int64Counter("recon.engine.verdicts",
			metric.WithDescription("Reconciliation attempts completed"))
		engineMetrics.mismatches, _ = meter.Int64Counter("recon.engine.mismatches",
			metric.WithDescription("Mismatches found across all attempts"))
	})
}
