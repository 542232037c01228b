// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/types"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching so the embedded
// SQLite engine skips JIT compilation on every process start. Falls
// back to an in-memory cache when the cache dir cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "recon", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New opens (and if needed creates) the database at path and applies
// the schema. ":memory:" opens a shared in-memory database pinned to a
// single connection, since SQLite isolates in-memory databases per
// connection by default.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	switch {
	case path == ":memory:":
		// WAL does not work with shared in-memory databases; DELETE mode.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus concurrent readers; cap the pool
		// so write contention doesn't pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, dbPath: path}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\nSQL: %s", err, stmt)
		}
	}

	return tx.Commit()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.dbPath }

// formatTime formats a time.Time as a SQLite-compatible string.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// parseTime parses a SQLite timestamp string into time.Time.
func parseTime(str string) time.Time {
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, str); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseNullTime parses a nullable time string.
func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

const viewColumns = `txn_id, source, amount, status, currency, account_id, txn_time, raw,
	recon_status, reconciled_at, reconciled_with, stored_at, updated_at, seen_count`

// scanView scans one persisted view. The query must have selected
// viewColumns in order.
func scanView(sc interface{ Scan(dest ...any) error }) (*types.PersistedView, error) {
	var v types.PersistedView
	var amount sql.NullFloat64
	var txnTime, reconciledAt, reconciledWith sql.NullString
	var raw, storedAt, updatedAt string

	err := sc.Scan(
		&v.TxnID, &v.Source, &amount, &v.Status, &v.Currency, &v.AccountID,
		&txnTime, &raw, &v.ReconStatus, &reconciledAt, &reconciledWith,
		&storedAt, &updatedAt, &v.SeenCount,
	)
	if err != nil {
		return nil, err
	}

	if amount.Valid {
		v.Amount = &amount.Float64
	}
	v.Timestamp = parseNullTime(txnTime)
	v.ReconciledAt = parseNullTime(reconciledAt)
	if reconciledWith.Valid && reconciledWith.String != "" {
		if err := json.Unmarshal([]byte(reconciledWith.String), &v.ReconciledWith); err != nil {
			return nil, fmt.Errorf("unmarshal reconciled_with: %w", err)
		}
	}
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &v.Raw); err != nil {
			return nil, fmt.Errorf("unmarshal raw: %w", err)
		}
	}
	v.StoredAt = parseTime(storedAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

// SaveView upserts a view on (txn_id, source). A payload that hashes
// differently from the stored one bumps seen_count; the reconciliation
// columns are left to MarkReconciled.
func (s *Store) SaveView(ctx context.Context, view *types.PersistedView) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if view == nil {
		return fmt.Errorf("view cannot be nil")
	}
	if err := view.Validate(); err != nil {
		return err
	}

	raw := "{}"
	if len(view.Raw) > 0 {
		data, err := json.Marshal(view.Raw)
		if err != nil {
			return fmt.Errorf("marshal raw: %w", err)
		}
		raw = string(data)
	}

	var amount any
	if view.Amount != nil {
		amount = *view.Amount
	}
	var txnTime any
	if view.Timestamp != nil {
		txnTime = formatTime(*view.Timestamp)
	}

	now := time.Now()
	storedAt := view.StoredAt
	if storedAt.IsZero() {
		storedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			txn_id, source, amount, status, currency, account_id,
			txn_time, raw, payload_hash, recon_status, stored_at, updated_at, seen_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?, ?, 1)
		ON CONFLICT(txn_id, source) DO UPDATE SET
			amount = excluded.amount,
			status = excluded.status,
			currency = excluded.currency,
			account_id = excluded.account_id,
			txn_time = excluded.txn_time,
			raw = excluded.raw,
			seen_count = seen_count + (CASE WHEN payload_hash <> excluded.payload_hash THEN 1 ELSE 0 END),
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at`,
		view.TxnID, view.Source, amount, view.Status, view.Currency, view.AccountID,
		txnTime, raw, view.PayloadHash(), formatTime(storedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save view %s/%s: %w", view.TxnID, view.Source, err)
	}
	return nil
}

// GetView fetches one (txn_id, source) row.
func (s *Store) GetView(ctx context.Context, txnID, source string) (*types.PersistedView, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+viewColumns+` FROM transactions WHERE txn_id = ? AND source = ?`,
		txnID, source,
	)
	v, err := scanView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("view %s/%s: %w", txnID, source, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get view %s/%s: %w", txnID, source, err)
	}
	return v, nil
}

// ListViewsByTxn returns every source's view of one transaction.
func (s *Store) ListViewsByTxn(ctx context.Context, txnID string) ([]*types.PersistedView, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+viewColumns+` FROM transactions WHERE txn_id = ? ORDER BY source`,
		txnID,
	)
	if err != nil {
		return nil, fmt.Errorf("list views for %s: %w", txnID, err)
	}
	defer rows.Close()

	return collectViews(rows)
}

func collectViews(rows *sql.Rows) ([]*types.PersistedView, error) {
	var views []*types.PersistedView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan view: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// ListTransactions returns persisted views newest first.
func (s *Store) ListTransactions(ctx context.Context, filter storage.TxnFilter) ([]*types.PersistedView, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	query := `SELECT ` + viewColumns + ` FROM transactions`
	var conds []string
	var args []any

	if filter.TxnID != "" {
		conds = append(conds, "txn_id = ?")
		args = append(args, filter.TxnID)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, strings.ToUpper(filter.Status))
	}
	if filter.ReconStatus != "" {
		conds = append(conds, "recon_status = ?")
		args = append(args, string(filter.ReconStatus))
	}
	if filter.Since != nil {
		conds = append(conds, "stored_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "stored_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY stored_at DESC, id DESC"
	query, args = applyLimit(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	return collectViews(rows)
}

// applyLimit appends LIMIT/OFFSET. SQLite needs a LIMIT clause to use
// OFFSET, so an unbounded offset query gets LIMIT -1.
func applyLimit(query string, args []any, limit, offset int) (string, []any) {
	switch {
	case limit > 0:
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	case offset > 0:
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}

// MarkReconciled records a verdict across the attempt's rows. Each row
// stores the other sources of the attempt, so two-source verdicts read
// naturally from either side.
func (s *Store) MarkReconciled(ctx context.Context, txnID string, sources []string, outcome types.ReconStatus, at time.Time) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if !outcome.Terminal() {
		return fmt.Errorf("mark reconciled %s: %s is not a verdict", txnID, outcome)
	}
	if len(sources) == 0 {
		return fmt.Errorf("mark reconciled %s: no sources", txnID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark reconciled: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	reconciledAt := formatTime(at)
	updatedAt := formatTime(time.Now())

	for _, src := range sources {
		others := make([]string, 0, len(sources)-1)
		for _, o := range sources {
			if o != src {
				others = append(others, o)
			}
		}
		withJSON, err := json.Marshal(others)
		if err != nil {
			return fmt.Errorf("marshal reconciled_with: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET recon_status = ?, reconciled_at = ?, reconciled_with = ?, updated_at = ?
			WHERE txn_id = ? AND source = ?`,
			string(outcome), reconciledAt, string(withJSON), updatedAt, txnID, src,
		); err != nil {
			return fmt.Errorf("mark reconciled %s/%s: %w", txnID, src, err)
		}
	}

	return tx.Commit()
}

// InsertMismatch appends one mismatch row and assigns its ID.
func (s *Store) InsertMismatch(ctx context.Context, m *types.Mismatch) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if m == nil {
		return fmt.Errorf("mismatch cannot be nil")
	}
	if m.TxnID == "" {
		return fmt.Errorf("mismatch missing txn_id")
	}

	if m.State == "" {
		m.State = types.MismatchOpen
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	sourcesJSON, err := json.Marshal(m.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	var diff any
	if m.DiffAmount != nil {
		diff = *m.DiffAmount
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mismatches (
			txn_id, mismatch_type, severity, detail, sources,
			expected, actual, difference_amount, state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.TxnID, string(m.Type), string(m.Severity), m.Detail, string(sourcesJSON),
		m.Expected, m.Actual, diff, string(m.State), formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert mismatch for %s: %w", m.TxnID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("mismatch id: %w", err)
	}
	m.ID = id
	return nil
}

const mismatchColumns = `id, txn_id, mismatch_type, severity, detail, sources,
	expected, actual, difference_amount, state, resolved_at, resolved_by, resolution_notes, created_at`

func scanMismatch(sc interface{ Scan(dest ...any) error }) (*types.Mismatch, error) {
	var m types.Mismatch
	var sources, createdAt string
	var resolvedAt sql.NullString
	var diff sql.NullFloat64

	err := sc.Scan(
		&m.ID, &m.TxnID, &m.Type, &m.Severity, &m.Detail, &sources,
		&m.Expected, &m.Actual, &diff, &m.State, &resolvedAt,
		&m.ResolvedBy, &m.ResolutionNotes, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
			return nil, fmt.Errorf("unmarshal sources: %w", err)
		}
	}
	if diff.Valid {
		m.DiffAmount = &diff.Float64
	}
	m.ResolvedAt = parseNullTime(resolvedAt)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// ListMismatches returns mismatch history newest first.
func (s *Store) ListMismatches(ctx context.Context, filter storage.MismatchFilter) ([]*types.Mismatch, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	query := `SELECT ` + mismatchColumns + ` FROM mismatches`
	var conds []string
	var args []any

	if filter.TxnID != "" {
		conds = append(conds, "txn_id = ?")
		args = append(args, filter.TxnID)
	}
	if filter.Type != "" {
		conds = append(conds, "mismatch_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = applyLimit(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mismatches: %w", err)
	}
	defer rows.Close()

	var out []*types.Mismatch
	for rows.Next() {
		m, err := scanMismatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ResolveMismatch moves a mismatch to RESOLVED with an audit trail.
func (s *Store) ResolveMismatch(ctx context.Context, id int64, by, notes string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM mismatches WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mismatch %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolve mismatch %d: %w", id, err)
	}
	if types.MismatchState(state).Terminal() {
		return fmt.Errorf("mismatch %d: %w", id, storage.ErrAlreadyResolved)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE mismatches
		SET state = ?, resolved_at = ?, resolved_by = ?, resolution_notes = ?
		WHERE id = ?`,
		string(types.MismatchResolved), formatTime(time.Now()), by, notes, id,
	); err != nil {
		return fmt.Errorf("resolve mismatch %d: %w", id, err)
	}

	return tx.Commit()
}

// SetMismatchState moves a mismatch to INVESTIGATING or IGNORED.
func (s *Store) SetMismatchState(ctx context.Context, id int64, state types.MismatchState) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if state != types.MismatchInvestigating && state != types.MismatchIgnored {
		return fmt.Errorf("mismatch %d: state %q not settable", id, state)
	}

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM mismatches WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mismatch %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set mismatch %d state: %w", id, err)
	}

	switch {
	case types.MismatchState(current) == state:
		return nil
	case types.MismatchState(current).Terminal():
		return fmt.Errorf("mismatch %d: %w", id, storage.ErrAlreadyResolved)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE mismatches SET state = ? WHERE id = ?`,
		string(state), id,
	); err != nil {
		return fmt.Errorf("set mismatch %d state: %w", id, err)
	}
	return nil
}

// Stats computes the aggregate counters.
func (s *Store) Stats(ctx context.Context) (*types.StoreStats, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	stats := &types.StoreStats{
		SourceDistribution: make(map[string]int64),
		StatusDistribution: make(map[string]int64),
		ReconBreakdown:     make(map[string]int64),
		MismatchTypes:      make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT recon_status, COUNT(*) FROM transactions GROUP BY recon_status`)
	if err != nil {
		return nil, fmt.Errorf("recon breakdown: %w", err)
	}
	if err := fillDistribution(rows, stats.ReconBreakdown); err != nil {
		return nil, err
	}
	for status, n := range stats.ReconBreakdown {
		stats.TotalTransactions += n
		switch types.ReconStatus(status) {
		case types.ReconMatched:
			stats.Matched += n
		case types.ReconMismatch:
			stats.Mismatched += n
		case types.ReconPending:
			stats.PendingReconciliation += n
		}
	}
	stats.TotalReconciled = stats.Matched + stats.Mismatched

	rows, err = s.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM transactions GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("source distribution: %w", err)
	}
	if err := fillDistribution(rows, stats.SourceDistribution); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM transactions WHERE status <> '' GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status distribution: %w", err)
	}
	if err := fillDistribution(rows, stats.StatusDistribution); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT mismatch_type, COUNT(*) FROM mismatches GROUP BY mismatch_type`)
	if err != nil {
		return nil, fmt.Errorf("mismatch types: %w", err)
	}
	if err := fillDistribution(rows, stats.MismatchTypes); err != nil {
		return nil, err
	}
	for _, n := range stats.MismatchTypes {
		stats.TotalMismatches += n
	}

	dayAgo := formatTime(time.Now().Add(-24 * time.Hour))
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE stored_at >= ?`, dayAgo,
	).Scan(&stats.Transactions24h); err != nil {
		return nil, fmt.Errorf("24h transactions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mismatches WHERE created_at >= ?`, dayAgo,
	).Scan(&stats.Mismatches24h); err != nil {
		return nil, fmt.Errorf("24h mismatches: %w", err)
	}

	var lastStored sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(stored_at) FROM transactions`,
	).Scan(&lastStored); err != nil {
		return nil, fmt.Errorf("last stored: %w", err)
	}
	stats.LastStoredAt = parseNullTime(lastStored)

	return stats, nil
}

func fillDistribution(rows *sql.Rows, dest map[string]int64) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan distribution: %w", err)
		}
		dest[key] = n
	}
	return rows.Err()
}

// Timeline buckets stored views into contiguous intervals ending now.
// Buckets align on epoch multiples of the interval, so repeated calls
// within one interval return stable bucket starts.
func (s *Store) Timeline(ctx context.Context, hours, intervalMinutes int) ([]types.TimelineBucket, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if hours <= 0 || intervalMinutes <= 0 {
		return nil, fmt.Errorf("timeline: hours and interval must be positive")
	}

	interval := time.Duration(intervalMinutes) * time.Minute
	count := hours * 60 / intervalMinutes
	if count < 1 {
		count = 1
	}
	intervalSec := int64(interval / time.Second)

	end := time.Now().UTC().Truncate(interval)
	start := end.Add(-time.Duration(count-1) * interval)

	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST(strftime('%s', stored_at) AS INTEGER) / ? AS bucket,
		       COUNT(*),
		       SUM(CASE WHEN recon_status = 'MATCHED' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN recon_status = 'MISMATCH' THEN 1 ELSE 0 END)
		FROM transactions
		WHERE stored_at >= ?
		GROUP BY bucket`,
		intervalSec, formatTime(start),
	)
	if err != nil {
		return nil, fmt.Errorf("timeline query: %w", err)
	}
	defer rows.Close()

	type bucketCounts struct{ total, matched, mismatched int64 }
	counts := make(map[int64]bucketCounts, count)
	for rows.Next() {
		var bucket int64
		var bc bucketCounts
		if err := rows.Scan(&bucket, &bc.total, &bc.matched, &bc.mismatched); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		counts[bucket] = bc
	}
	if err := rows.Err(); err != nil {
		return nil, err
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
func (s *Store) DelayedTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]*types.PersistedView, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	query := `SELECT ` + viewColumns + ` FROM transactions
		WHERE recon_status = 'PENDING' AND stored_at <= ?
		ORDER BY stored_at ASC`
	args := []any{formatTime(time.Now().Add(-olderThan))}
	query, args = applyLimit(query, args, limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delayed transactions: %w", err)
	}
	defer rows.Close()

	return collectViews(rows)
}

// DuplicateViews returns rows whose payload changed across deliveries.
func (s *Store) DuplicateViews(ctx context.Context, limit int) ([]types.DuplicateGroup, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	query := `SELECT txn_id, source, seen_count, updated_at FROM transactions
		WHERE seen_count > 1
		ORDER BY updated_at DESC`
	var args []any
	query, args = applyLimit(query, args, limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duplicate views: %w", err)
	}
	defer rows.Close()

	var groups []types.DuplicateGroup
	for rows.Next() {
		var g types.DuplicateGroup
		var lastSeen string
		if err := rows.Scan(&g.TxnID, &g.Source, &g.SeenCount, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan duplicate: %w", err)
		}
		g.LastSeen = parseTime(lastSeen)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
