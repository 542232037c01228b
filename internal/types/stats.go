package types

import "time"

// StoreStats are the aggregate counters computed by the durable store
// in a single pass. Counts are row-level: one persisted view per row.
type StoreStats struct {
	TotalTransactions     int64            `json:"total_transactions"`
	TotalMismatches       int64            `json:"total_mismatches"`
	TotalReconciled       int64            `json:"total_reconciled"`
	PendingReconciliation int64            `json:"pending_reconciliation"`
	Matched               int64            `json:"matched"`
	Mismatched            int64            `json:"mismatched"`
	SourceDistribution    map[string]int64 `json:"source_distribution"`
	StatusDistribution    map[string]int64 `json:"status_distribution"`
	ReconBreakdown        map[string]int64 `json:"reconciliation_breakdown"`
	MismatchTypes         map[string]int64 `json:"mismatch_types"`
	Transactions24h       int64            `json:"transactions_24h"`
	Mismatches24h         int64            `json:"mismatches_24h"`
	LastStoredAt          *time.Time       `json:"last_stored_at,omitempty"`
}

// RecentActivity is the rolling-window slice of the overview.
type RecentActivity struct {
	Transactions24h int64 `json:"transactions_24h"`
	Mismatches24h   int64 `json:"mismatches_24h"`
}

// Overview is the dashboard document served by the stats API.
// SuccessRate is the percentage of reconciled views that MATCHED,
// 100.0 when nothing has been reconciled yet.
type Overview struct {
	TotalTransactions     int64            `json:"total_transactions"`
	TotalMismatches       int64            `json:"total_mismatches"`
	TotalReconciled       int64            `json:"total_reconciled"`
	PendingReconciliation int64            `json:"pending_reconciliation"`
	SuccessRate           float64          `json:"success_rate"`
	SourceDistribution    map[string]int64 `json:"source_distribution"`
	StatusDistribution    map[string]int64 `json:"status_distribution"`
	ReconBreakdown        map[string]int64 `json:"reconciliation_breakdown"`
	MismatchTypes         map[string]int64 `json:"mismatch_types"`
	RecentActivity        RecentActivity   `json:"recent_activity"`
	Engine                EngineStats      `json:"engine"`
	GeneratedAt           time.Time        `json:"generated_at"`
}

// EngineStats are the live in-process counters of the reconcile engine.
type EngineStats struct {
	Inflight         int              `json:"inflight"`
	Submitted        int64            `json:"submitted"`
	Reconciled       int64            `json:"reconciled"`
	Matched          int64            `json:"matched"`
	Mismatched       int64            `json:"mismatched"`
	MismatchesByType map[string]int64 `json:"mismatches_by_type,omitempty"`
	Recent           []RecentVerdict  `json:"recent,omitempty"`
}

// RecentVerdict is one entry of the engine's recent-outcomes ring,
// newest first.
type RecentVerdict struct {
	TxnID      string      `json:"txn_id"`
	Outcome    ReconStatus `json:"outcome"`
	Mismatches int         `json:"mismatches"`
	Sources    []string    `json:"sources"`
	ComparedAt time.Time   `json:"compared_at"`
}

// TimelineBucket is one interval of activity. Label renders the bucket
// start as HH:MM local to UTC for dashboard axes.
type TimelineBucket struct {
	BucketStart  time.Time `json:"bucket_start"`
	Label        string    `json:"label"`
	Transactions int64     `json:"transactions"`
	Matched      int64     `json:"matched"`
	Mismatched   int64     `json:"mismatched"`
}

// Timeline is a contiguous, zero-filled series of buckets ending now.
type Timeline struct {
	Hours           int              `json:"hours"`
	IntervalMinutes int              `json:"interval_minutes"`
	Buckets         []TimelineBucket `json:"buckets"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// HealthState classifies overall service liveness from data flow.
type HealthState string

const (
	// HealthHealthy means views arrived within the activity window.
	HealthHealthy HealthState = "HEALTHY"
	// HealthIdle means the store has data but nothing recent.
	HealthIdle HealthState = "IDLE"
	// HealthWaiting means the store is empty; nothing ingested yet.
	HealthWaiting HealthState = "WAITING"
)

// StoreHealth reports durable-store reachability.
type StoreHealth struct {
	OK           bool       `json:"ok"`
	Error        string     `json:"error,omitempty"`
	LastStoredAt *time.Time `json:"last_stored_at,omitempty"`
}

// CacheHealth reports coordination-cache reachability plus a backend
// info excerpt (connected_clients, used_memory_human and friends when
// the backend is Redis).
type CacheHealth struct {
	OK      bool              `json:"ok"`
	Backend string            `json:"backend"`
	Error   string            `json:"error,omitempty"`
	Info    map[string]string `json:"info,omitempty"`
}

// Health is the /api/health document.
type Health struct {
	State     HealthState `json:"state"`
	Store     StoreHealth `json:"store"`
	Cache     CacheHealth `json:"cache"`
	Inflight  int         `json:"inflight"`
	CheckedAt time.Time   `json:"checked_at"`
}

// DuplicateGroup flags a (txn_id, source) pair that arrived more than
// once with differing payloads.
type DuplicateGroup struct {
	TxnID     string    `json:"txn_id"`
	Source    string    `json:"source"`
	SeenCount int       `json:"seen_count"`
	LastSeen  time.Time `json:"last_seen"`
}
