// Package storage defines the durable store for persisted transaction
// views and the append-only mismatch history.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/koshbank/recon/internal/types"
)

// ErrNotFound is returned when a requested record doesn't exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyResolved is returned when resolving a mismatch that has
// already been resolved.
var ErrAlreadyResolved = errors.New("mismatch already resolved")

// ErrClosed is returned by operations after Close.
var ErrClosed = errors.New("store is closed")

// TxnFilter narrows ListTransactions. Zero values mean "any".
type TxnFilter struct {
	TxnID       string
	Source      string
	Status      string
	ReconStatus types.ReconStatus
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// MismatchFilter narrows ListMismatches. Zero values mean "any".
type MismatchFilter struct {
	TxnID    string
	Type     types.MismatchType
	Severity types.Severity
	State    types.MismatchState
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// Store is the durable persistence surface. Implementations must be
// safe for concurrent use.
//
// SaveView is an idempotent upsert keyed on (txn_id, source):
// re-delivery refreshes the payload but never downgrades a terminal
// reconciliation status back to PENDING. A re-save carrying a payload
// that hashes differently from the stored one bumps the row's seen
// count, which is what DuplicateViews reports on.
type Store interface {
	SaveView(ctx context.Context, view *types.PersistedView) error

	// GetView returns ErrNotFound when the (txn_id, source) row is absent.
	GetView(ctx context.Context, txnID, source string) (*types.PersistedView, error)

	// ListViewsByTxn returns every source's view of one transaction,
	// ordered by source.
	ListViewsByTxn(ctx context.Context, txnID string) ([]*types.PersistedView, error)

	// ListTransactions returns persisted views newest first.
	ListTransactions(ctx context.Context, filter TxnFilter) ([]*types.PersistedView, error)

	// MarkReconciled records a verdict on every (txnID, source) row in
	// the attempt. Each row's reconciled-with list holds the other
	// sources of the attempt. A later attempt overwrites the outcome.
	MarkReconciled(ctx context.Context, txnID string, sources []string, outcome types.ReconStatus, at time.Time) error

	// InsertMismatch appends one mismatch row and assigns its ID.
	InsertMismatch(ctx context.Context, m *types.Mismatch) error

	// ListMismatches returns mismatch history newest first.
	ListMismatches(ctx context.Context, filter MismatchFilter) ([]*types.Mismatch, error)

	// ResolveMismatch moves a mismatch to RESOLVED. Returns ErrNotFound
	// for an unknown id and ErrAlreadyResolved when a terminal state was
	// already recorded.
	ResolveMismatch(ctx context.Context, id int64, by, notes string) error

	// SetMismatchState moves a mismatch to INVESTIGATING or IGNORED.
	// Setting the current state again is a no-op; a terminal mismatch
	// rejects further transitions with ErrAlreadyResolved.
	SetMismatchState(ctx context.Context, id int64, state types.MismatchState) error

	// Stats computes the aggregate counters in one pass.
	Stats(ctx context.Context) (*types.StoreStats, error)

	// Timeline buckets activity into contiguous intervals covering the
	// trailing window. Empty buckets come back as zero rows, so the
	// series is always exactly hours*60/intervalMinutes entries.
	Timeline(ctx context.Context, hours, intervalMinutes int) ([]types.TimelineBucket, error)

	// DelayedTransactions returns views still PENDING after olderThan,
	// oldest first.
	DelayedTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]*types.PersistedView, error)

	// DuplicateViews returns (txn_id, source) pairs that arrived more
	// than once with differing payloads, most recently seen first.
	DuplicateViews(ctx context.Context, limit int) ([]types.DuplicateGroup, error)

	Ping(ctx context.Context) error
	Close() error
}
