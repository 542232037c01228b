// Package memory implements the storage interface on in-process maps.
// It backs tests and the `--store memory` mode; views do not survive a
// restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/types"
)

type viewKey struct {
	txnID  string
	source string
}

// row pairs a persisted view with the bookkeeping the SQLite backend
// keeps in columns: the payload hash driving seen_count and an
// insertion sequence used as the ordering tiebreak.
type row struct {
	view *types.PersistedView
	hash string
	seq  int64
}

// Store implements storage.Store entirely in memory.
type Store struct {
	mu         sync.RWMutex
	views      map[viewKey]*row
	mismatches []*types.Mismatch
	nextMID    int64
	nextSeq    int64
	closed     bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{views: make(map[viewKey]*row)}
}

// now matches the second precision the SQLite backend gets from its
// text time columns, so the two backends order and bucket identically.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func cloneView(v *types.PersistedView) *types.PersistedView {
	out := *v
	out.TransactionView = *v.TransactionView.Clone()
	if v.ReconciledWith != nil {
		out.ReconciledWith = append([]string(nil), v.ReconciledWith...)
	}
	if v.ReconciledAt != nil {
		at := *v.ReconciledAt
		out.ReconciledAt = &at
	}
	return &out
}

func cloneMismatch(m *types.Mismatch) *types.Mismatch {
	out := *m
	if m.Sources != nil {
		out.Sources = append([]string(nil), m.Sources...)
	}
	if m.DiffAmount != nil {
		d := *m.DiffAmount
		out.DiffAmount = &d
	}
	if m.ResolvedAt != nil {
		at := *m.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}

// SaveView upserts a view on (txn_id, source). A payload that hashes
// differently from the stored one bumps seen_count; the reconciliation
// fields are left to MarkReconciled.
func (s *Store) SaveView(_ context.Context, view *types.PersistedView) error {
	if view == nil {
		return fmt.Errorf("view cannot be nil")
	}
	if err := view.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	ts := now()
	hash := view.PayloadHash()
	key := viewKey{view.TxnID, view.Source}

	if existing, ok := s.views[key]; ok {
		kept := existing.view
		kept.Amount = nil
		if view.Amount != nil {
			amt := *view.Amount
			kept.Amount = &amt
		}
		kept.Status = view.Status
		kept.Currency = view.Currency
		kept.AccountID = view.AccountID
		kept.Timestamp = nil
		if view.Timestamp != nil {
			t := view.Timestamp.UTC().Truncate(time.Second)
			kept.Timestamp = &t
		}
		kept.Raw = nil
		if len(view.Raw) > 0 {
			kept.Raw = make(map[string]any, len(view.Raw))
			for k, val := range view.Raw {
				kept.Raw[k] = val
			}
		}
		if existing.hash != hash {
			kept.SeenCount++
		}
		existing.hash = hash
		kept.UpdatedAt = ts
		return nil
	}

	stored := cloneView(view)
	if stored.Timestamp != nil {
		t := stored.Timestamp.UTC().Truncate(time.Second)
		stored.Timestamp = &t
	}
	stored.ReconStatus = types.ReconPending
	stored.ReconciledAt = nil
	stored.ReconciledWith = nil
	stored.SeenCount = 1
	if stored.StoredAt.IsZero() {
		stored.StoredAt = ts
	} else {
		stored.StoredAt = stored.StoredAt.UTC().Truncate(time.Second)
	}
	stored.UpdatedAt = ts

	s.nextSeq++
	s.views[key] = &row{view: stored, hash: hash, seq: s.nextSeq}
	return nil
}

// GetView fetches one (txn_id, source) row.
func (s *Store) GetView(_ context.Context, txnID, source string) (*types.PersistedView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	r, ok := s.views[viewKey{txnID, source}]
	if !ok {
		return nil, fmt.Errorf("view %s/%s: %w", txnID, source, storage.ErrNotFound)
	}
	return cloneView(r.view), nil
}

// ListViewsByTxn returns every source's view of one transaction.
func (s *Store) ListViewsByTxn(_ context.Context, txnID string) ([]*types.PersistedView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	var views []*types.PersistedView
	for key, r := range s.views {
		if key.txnID == txnID {
			views = append(views, cloneView(r.view))
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Source < views[j].Source })
	return views, nil
}

// ListTransactions returns persisted views newest first.
func (s *Store) ListTransactions(_ context.Context, filter storage.TxnFilter) ([]*types.PersistedView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	type ordered struct {
		view *types.PersistedView
		seq  int64
	}
	var matched []ordered
	for _, r := range s.views {
		v := r.view
		if filter.TxnID != "" && v.TxnID != filter.TxnID {
			continue
		}
		if filter.Source != "" && v.Source != filter.Source {
			continue
		}
		if filter.Status != "" && v.Status != strings.ToUpper(filter.Status) {
			continue
		}
		if filter.ReconStatus != "" && v.ReconStatus != filter.ReconStatus {
			continue
		}
		if filter.Since != nil && v.StoredAt.Before(filter.Since.UTC().Truncate(time.Second)) {
			continue
		}
		if filter.Until != nil && v.StoredAt.After(filter.Until.UTC().Truncate(time.Second)) {
			continue
		}
		matched = append(matched, ordered{view: v, seq: r.seq})
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].view.StoredAt.Equal(matched[j].view.StoredAt) {
			return matched[i].view.StoredAt.After(matched[j].view.StoredAt)
		}
		return matched[i].seq > matched[j].seq
	})

	matched = window(matched, filter.Limit, filter.Offset)
	out := make([]*types.PersistedView, 0, len(matched))
	for _, m := range matched {
		out = append(out, cloneView(m.view))
	}
	return out, nil
}

// window applies limit/offset the way the SQL backends do: zero limit
// means unbounded, offset past the end returns empty.
func window[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// MarkReconciled records a verdict across the attempt's rows.
func (s *Store) MarkReconciled(_ context.Context, txnID string, sources []string, outcome types.ReconStatus, at time.Time) error {
	if !outcome.Terminal() {
		return fmt.Errorf("mark reconciled %s: %s is not a verdict", txnID, outcome)
	}
	if len(sources) == 0 {
		return fmt.Errorf("mark reconciled %s: no sources", txnID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	reconciledAt := at.UTC().Truncate(time.Second)
	updatedAt := now()
	for _, src := range sources {
		r, ok := s.views[viewKey{txnID, src}]
		if !ok {
			continue
		}
		others := make([]string, 0, len(sources)-1)
		for _, o := range sources {
			if o != src {
				others = append(others, o)
			}
		}
		r.view.ReconStatus = outcome
		r.view.ReconciledAt = &reconciledAt
		r.view.ReconciledWith = others
		r.view.UpdatedAt = updatedAt
	}
	return nil
}

// InsertMismatch appends one mismatch row and assigns its ID.
func (s *Store) InsertMismatch(_ context.Context, m *types.Mismatch) error {
	if m == nil {
		return fmt.Errorf("mismatch cannot be nil")
	}
	if m.TxnID == "" {
		return fmt.Errorf("mismatch missing txn_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	if m.State == "" {
		m.State = types.MismatchOpen
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	} else {
		m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Second)
	}
	s.nextMID++
	m.ID = s.nextMID
	s.mismatches = append(s.mismatches, cloneMismatch(m))
	return nil
}

// ListMismatches returns mismatch history newest first.
func (s *Store) ListMismatches(_ context.Context, filter storage.MismatchFilter) ([]*types.Mismatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	var matched []*types.Mismatch
	for _, m := range s.mismatches {
		if filter.TxnID != "" && m.TxnID != filter.TxnID {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && m.Severity != filter.Severity {
			continue
		}
		if filter.State != "" && m.State != filter.State {
			continue
		}
		if filter.Since != nil && m.CreatedAt.Before(filter.Since.UTC().Truncate(time.Second)) {
			continue
		}
		if filter.Until != nil && m.CreatedAt.After(filter.Until.UTC().Truncate(time.Second)) {
			continue
		}
		matched = append(matched, m)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	matched = window(matched, filter.Limit, filter.Offset)
	out := make([]*types.Mismatch, 0, len(matched))
	for _, m := range matched {
		out = append(out, cloneMismatch(m))
	}
	return out, nil
}

func (s *Store) findMismatch(id int64) *types.Mismatch {
	for _, m := range s.mismatches {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ResolveMismatch moves a mismatch to RESOLVED with an audit trail.
func (s *Store) ResolveMismatch(_ context.Context, id int64, by, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	m := s.findMismatch(id)
	if m == nil {
		return fmt.Errorf("mismatch %d: %w", id, storage.ErrNotFound)
	}
	if m.State.Terminal() {
		return fmt.Errorf("mismatch %d: %w", id, storage.ErrAlreadyResolved)
	}

	at := now()
	m.State = types.MismatchResolved
	m.ResolvedAt = &at
	m.ResolvedBy = by
	m.ResolutionNotes = notes
	return nil
}

// SetMismatchState moves a mismatch to INVESTIGATING or IGNORED.
func (s *Store) SetMismatchState(_ context.Context, id int64, state types.MismatchState) error {
	if state != types.MismatchInvestigating && state != types.MismatchIgnored {
		return fmt.Errorf("mismatch %d: state %q not settable", id, state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	m := s.findMismatch(id)
	if m == nil {
		return fmt.Errorf("mismatch %d: %w", id, storage.ErrNotFound)
	}
	switch {
	case m.State == state:
		return nil
	case m.State.Terminal():
		return fmt.Errorf("mismatch %d: %w", id, storage.ErrAlreadyResolved)
	}
	m.State = state
	return nil
}

// Stats computes the aggregate counters.
func (s *Store) Stats(_ context.Context) (*types.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	stats := &types.StoreStats{
		SourceDistribution: make(map[string]int64),
		StatusDistribution: make(map[string]int64),
		ReconBreakdown:     make(map[string]int64),
		MismatchTypes:      make(map[string]int64),
	}

	dayAgo := now().Add(-24 * time.Hour)
	for _, r := range s.views {
		v := r.view
		stats.TotalTransactions++
		stats.ReconBreakdown[string(v.ReconStatus)]++
		stats.SourceDistribution[v.Source]++
		if v.Status != "" {
			stats.StatusDistribution[v.Status]++
		}
		switch v.ReconStatus {
		case types.ReconMatched:
			stats.Matched++
		case types.ReconMismatch:
			stats.Mismatched++
		case types.ReconPending:
			stats.PendingReconciliation++
		}
		if !v.StoredAt.Before(dayAgo) {
			stats.Transactions24h++
		}
		if stats.LastStoredAt == nil || v.StoredAt.After(*stats.LastStoredAt) {
			last := v.StoredAt
			stats.LastStoredAt = &last
		}
	}
	stats.TotalReconciled = stats.Matched + stats.Mismatched

	for _, m := range s.mismatches {
		stats.TotalMismatches++
		stats.MismatchTypes[string(m.Type)]++
		if !m.CreatedAt.Before(dayAgo) {
			stats.Mismatches24h++
		}
	}
	return stats, nil
}

// Timeline buckets stored views into contiguous intervals ending now.
func (s *Store) Timeline(_ context.Context, hours, intervalMinutes int) ([]types.TimelineBucket, error) {
	if hours <= 0 || intervalMinutes <= 0 {
		return nil, fmt.Errorf("timeline: hours and interval must be positive")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	interval := time.Duration(intervalMinutes) * time.Minute
	count := hours * 60 / intervalMinutes
	if count < 1 {
		count = 1
	}
	intervalSec := int64(interval / time.Second)

	end := time.Now().UTC().Truncate(interval)
	start := end.Add(-time.Duration(count-1) * interval)

	type bucketCounts struct{ total, matched, mismatched int64 }
	counts := make(map[int64]bucketCounts, count)
	for _, r := range s.views {
		v := r.view
		if v.StoredAt.Before(start) {
			continue
		}
		bucket := v.StoredAt.Unix() / intervalSec
		bc := counts[bucket]
		bc.total++
		switch v.ReconStatus {
		case types.ReconMatched:
			bc.matched++
		case types.ReconMismatch:
			bc.mismatched++
		}
		counts[bucket] = bc
	}

	buckets := make([]types.TimelineBucket, 0, count)
	for b := start; !b.After(end); b = b.Add(interval) {
		bc := counts[b.Unix()/intervalSec]
		buckets = append(buckets, types.TimelineBucket{
			BucketStart:  b,
			Label:        b.Format("15:04"),
			Transactions: bc.total,
			Matched:      bc.matched,
			Mismatched:   bc.mismatched,
		})
	}
	return buckets, nil
}

// DelayedTransactions returns views still PENDING after olderThan.
func (s *Store) DelayedTransactions(_ context.Context, olderThan time.Duration, limit int) ([]*types.PersistedView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	cutoff := now().Add(-olderThan)
	var delayed []*types.PersistedView
	for _, r := range s.views {
		v := r.view
		if v.ReconStatus == types.ReconPending && !v.StoredAt.After(cutoff) {
			delayed = append(delayed, v)
		}
	}
	sort.Slice(delayed, func(i, j int) bool { return delayed[i].StoredAt.Before(delayed[j].StoredAt) })

	delayed = window(delayed, limit, 0)
	out := make([]*types.PersistedView, 0, len(delayed))
	for _, v := range delayed {
		out = append(out, cloneView(v))
	}
	return out, nil
}

// DuplicateViews returns rows whose payload changed across deliveries.
func (s *Store) DuplicateViews(_ context.Context, limit int) ([]types.DuplicateGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	var groups []types.DuplicateGroup
	for _, r := range s.views {
		v := r.view
		if v.SeenCount > 1 {
			groups = append(groups, types.DuplicateGroup{
				TxnID:     v.TxnID,
				Source:    v.Source,
				SeenCount: v.SeenCount,
				LastSeen:  v.UpdatedAt,
			})
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].LastSeen.After(groups[j].LastSeen) })
	return window(groups, limit, 0), nil
}

// Ping reports whether the store is usable.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close drops the store's contents. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.views = nil
	s.mismatches = nil
	return nil
}
