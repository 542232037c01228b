package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(func() { s.Close() })
	return s
}

func view(txnID, source string, amount float64, status string) *types.PersistedView {
	return &types.PersistedView{
		TransactionView: types.TransactionView{
			TxnID:    txnID,
			Source:   source,
			Amount:   &amount,
			Status:   status,
			Currency: "INR",
		},
	}
}

func TestSaveAndGetView(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("save view: %v", err)
	}

	got, err := s.GetView(ctx, "TXN-1", "core")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if got.ReconStatus != types.ReconPending {
		t.Errorf("ReconStatus = %s, want PENDING", got.ReconStatus)
	}
	if got.SeenCount != 1 {
		t.Errorf("SeenCount = %d, want 1", got.SeenCount)
	}
	if got.StoredAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("StoredAt/UpdatedAt not set")
	}

	_, err = s.GetView(ctx, "TXN-1", "gateway")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetView(unknown) = %v, want ErrNotFound", err)
	}
}

func TestSaveViewRedelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Identical payload: idempotent, seen_count stays 1.
	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got, _ := s.GetView(ctx, "TXN-1", "core")
	if got.SeenCount != 1 {
		t.Errorf("SeenCount after identical re-save = %d, want 1", got.SeenCount)
	}

	// Changed payload: counted as a duplicate delivery.
	if err := s.SaveView(ctx, view("TXN-1", "core", 250, "SUCCESS")); err != nil {
		t.Fatalf("changed re-save: %v", err)
	}
	got, _ = s.GetView(ctx, "TXN-1", "core")
	if got.SeenCount != 2 {
		t.Errorf("SeenCount after changed re-save = %d, want 2", got.SeenCount)
	}
	if got.Amount == nil || *got.Amount != 250 {
		t.Errorf("Amount = %v, want refreshed to 250", got.Amount)
	}

	dups, err := s.DuplicateViews(ctx, 10)
	if err != nil {
		t.Fatalf("duplicates: %v", err)
	}
	if len(dups) != 1 || dups[0].TxnID != "TXN-1" || dups[0].SeenCount != 2 {
		t.Errorf("DuplicateViews = %+v, want one TXN-1 group with count 2", dups)
	}
}

func TestSaveViewNeverDowngradesVerdict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.MarkReconciled(ctx, "TXN-1", []string{"core", "gateway"}, types.ReconMatched, time.Now()); err != nil {
		t.Fatalf("mark reconciled: %v", err)
	}
	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("re-save after verdict: %v", err)
	}

	got, _ := s.GetView(ctx, "TXN-1", "core")
	if got.ReconStatus != types.ReconMatched {
		t.Errorf("ReconStatus after re-save = %s, want MATCHED kept", got.ReconStatus)
	}
}

func TestGetViewReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := s.GetView(ctx, "TXN-1", "core")
	*got.Amount = 999
	got.Status = "FAILED"

	again, _ := s.GetView(ctx, "TXN-1", "core")
	if *again.Amount != 100 || again.Status != "SUCCESS" {
		t.Error("mutating a returned view leaked into the store")
	}
}

func TestListViewsByTxn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, src := range []string{"mobile", "core", "gateway"} {
		if err := s.SaveView(ctx, view("TXN-1", src, 100, "SUCCESS")); err != nil {
			t.Fatalf("save %s: %v", src, err)
		}
	}
	if err := s.SaveView(ctx, view("TXN-2", "core", 50, "SUCCESS")); err != nil {
		t.Fatalf("save other txn: %v", err)
	}

	views, err := s.ListViewsByTxn(ctx, "TXN-1")
	if err != nil {
		t.Fatalf("list views: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("len = %d, want 3", len(views))
	}
	for i, want := range []string{"core", "gateway", "mobile"} {
		if views[i].Source != want {
			t.Errorf("views[%d].Source = %s, want %s (lexicographic)", i, views[i].Source, want)
		}
	}
}

func TestListTransactionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveView(ctx, view("TXN-1", "gateway", 100, "FAILED")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveView(ctx, view("TXN-2", "core", 70, "SUCCESS")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.MarkReconciled(ctx, "TXN-1", []string{"core", "gateway"}, types.ReconMismatch, time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}

	bySource, err := s.ListTransactions(ctx, storage.TxnFilter{Source: "core"})
	if err != nil {
		t.Fatalf("list by source: %v", err)
	}
	if len(bySource) != 2 {
		t.Errorf("source=core len = %d, want 2", len(bySource))
	}

	byStatus, err := s.ListTransactions(ctx, storage.TxnFilter{Status: "failed"})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].Source != "gateway" {
		t.Errorf("status=failed = %+v, want the gateway view (case folded)", byStatus)
	}

	byRecon, err := s.ListTransactions(ctx, storage.TxnFilter{ReconStatus: types.ReconPending})
	if err != nil {
		t.Fatalf("list by recon: %v", err)
	}
	if len(byRecon) != 1 || byRecon[0].TxnID != "TXN-2" {
		t.Errorf("recon=PENDING = %+v, want only TXN-2", byRecon)
	}

	limited, err := s.ListTransactions(ctx, storage.TxnFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit=2 len = %d", len(limited))
	}

	offset, err := s.ListTransactions(ctx, storage.TxnFilter{Offset: 10})
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(offset) != 0 {
		t.Errorf("offset past end len = %d, want 0", len(offset))
	}
}

func TestMarkReconciledStoresOtherSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, src := range []string{"core", "gateway", "mobile"} {
		if err := s.SaveView(ctx, view("TXN-1", src, 100, "SUCCESS")); err != nil {
			t.Fatalf("save %s: %v", src, err)
		}
	}
	at := time.Now()
	if err := s.MarkReconciled(ctx, "TXN-1", []string{"core", "gateway", "mobile"}, types.ReconMatched, at); err != nil {
		t.Fatalf("mark reconciled: %v", err)
	}

	got, _ := s.GetView(ctx, "TXN-1", "gateway")
	if got.ReconStatus != types.ReconMatched {
		t.Errorf("ReconStatus = %s, want MATCHED", got.ReconStatus)
	}
	if got.ReconciledAt == nil {
		t.Fatal("ReconciledAt not set")
	}
	if len(got.ReconciledWith) != 2 || got.ReconciledWith[0] != "core" || got.ReconciledWith[1] != "mobile" {
		t.Errorf("ReconciledWith = %v, want [core mobile]", got.ReconciledWith)
	}
}

func TestMarkReconciledRejectsPending(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkReconciled(context.Background(), "TXN-1", []string{"core"}, types.ReconPending, time.Now()); err == nil {
		t.Error("MarkReconciled(PENDING) should fail")
	}
}

func TestMismatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &types.Mismatch{
		TxnID:    "TXN-1",
		Type:     types.MismatchAmount,
		Severity: types.SeverityHigh,
		Detail:   "Amount differs: core=100.00, gateway=250.00",
		Sources:  []string{"core", "gateway"},
	}
	if err := s.InsertMismatch(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("ID not assigned")
	}
	if m.State != types.MismatchOpen {
		t.Errorf("State = %s, want OPEN default", m.State)
	}

	if err := s.SetMismatchState(ctx, m.ID, types.MismatchInvestigating); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	// Same state again is a no-op.
	if err := s.SetMismatchState(ctx, m.ID, types.MismatchInvestigating); err != nil {
		t.Errorf("repeat investigate: %v", err)
	}

	if err := s.ResolveMismatch(ctx, m.ID, "ops@kosh", "gateway feed was stale"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.ListMismatches(ctx, storage.MismatchFilter{TxnID: "TXN-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].State != types.MismatchResolved || got[0].ResolvedBy != "ops@kosh" || got[0].ResolvedAt == nil {
		t.Errorf("resolved mismatch = %+v", got[0])
	}

	if err := s.ResolveMismatch(ctx, m.ID, "x", "y"); !errors.Is(err, storage.ErrAlreadyResolved) {
		t.Errorf("second resolve = %v, want ErrAlreadyResolved", err)
	}
	if err := s.SetMismatchState(ctx, m.ID, types.MismatchIgnored); !errors.Is(err, storage.ErrAlreadyResolved) {
		t.Errorf("ignore after resolve = %v, want ErrAlreadyResolved", err)
	}
	if err := s.ResolveMismatch(ctx, 9999, "x", "y"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("resolve unknown = %v, want ErrNotFound", err)
	}
}

func TestIgnoreIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &types.Mismatch{TxnID: "TXN-1", Type: types.MismatchStatus, Severity: types.SeverityHigh, Detail: "d", Sources: []string{"a", "b"}}
	if err := s.InsertMismatch(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetMismatchState(ctx, m.ID, types.MismatchIgnored); err != nil {
		t.Fatalf("ignore: %v", err)
	}
	if err := s.SetMismatchState(ctx, m.ID, types.MismatchInvestigating); !errors.Is(err, storage.ErrAlreadyResolved) {
		t.Errorf("investigate after ignore = %v, want ErrAlreadyResolved", err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveView(ctx, view("TXN-1", "gateway", 100, "SUCCESS")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveView(ctx, view("TXN-2", "core", 70, "FAILED")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.MarkReconciled(ctx, "TXN-1", []string{"core", "gateway"}, types.ReconMatched, time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.InsertMismatch(ctx, &types.Mismatch{TxnID: "TXN-3", Type: types.MismatchAmount, Severity: types.SeverityHigh, Detail: "d", Sources: []string{"a", "b"}}); err != nil {
		t.Fatalf("insert mismatch: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTransactions != 3 {
		t.Errorf("TotalTransactions = %d, want 3", stats.TotalTransactions)
	}
	if stats.Matched != 2 || stats.PendingReconciliation != 1 {
		t.Errorf("Matched = %d Pending = %d, want 2/1", stats.Matched, stats.PendingReconciliation)
	}
	if stats.TotalReconciled != 2 {
		t.Errorf("TotalReconciled = %d, want 2", stats.TotalReconciled)
	}
	if stats.TotalMismatches != 1 || stats.MismatchTypes["AMOUNT"] != 1 {
		t.Errorf("mismatch counters = %d %v", stats.TotalMismatches, stats.MismatchTypes)
	}
	if stats.SourceDistribution["core"] != 2 || stats.SourceDistribution["gateway"] != 1 {
		t.Errorf("SourceDistribution = %v", stats.SourceDistribution)
	}
	if stats.Transactions24h != 3 || stats.Mismatches24h != 1 {
		t.Errorf("24h activity = %d/%d", stats.Transactions24h, stats.Mismatches24h)
	}
	if stats.LastStoredAt == nil {
		t.Error("LastStoredAt not set")
	}
}

func TestTimelineZeroFilled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveView(ctx, view("TXN-1", "core", 100, "SUCCESS")); err != nil {
		t.Fatalf("save: %v", err)
	}

	buckets, err := s.Timeline(ctx, 1, 15)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(buckets) != 4 {
		t.Fatalf("len = %d, want 4 buckets for 1h/15m", len(buckets))
	}
	var total int64
	for i := 1; i < len(buckets); i++ {
		if !buckets[i].BucketStart.After(buckets[i-1].BucketStart) {
			t.Error("buckets not ascending")
		}
	}
	for _, b := range buckets {
		total += b.Transactions
	}
	if total != 1 {
		t.Errorf("total across buckets = %d, want 1", total)
	}

	if _, err := s.Timeline(ctx, 0, 15); err == nil {
		t.Error("Timeline(0 hours) should fail")
	}
}

func TestDelayedTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := view("TXN-OLD", "core", 10, "SUCCESS")
	old.StoredAt = time.Now().Add(-10 * time.Minute)
	if err := s.SaveView(ctx, old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := s.SaveView(ctx, view("TXN-NEW", "core", 10, "SUCCESS")); err != nil {
		t.Fatalf("save new: %v", err)
	}

	matched := view("TXN-DONE", "core", 10, "SUCCESS")
	matched.StoredAt = time.Now().Add(-20 * time.Minute)
	if err := s.SaveView(ctx, matched); err != nil {
		t.Fatalf("save done: %v", err)
	}
	if err := s.MarkReconciled(ctx, "TXN-DONE", []string{"core", "gateway"}, types.ReconMatched, time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}

	delayed, err := s.DelayedTransactions(ctx, 5*time.Minute, 0)
	if err != nil {
		t.Fatalf("delayed: %v", err)
	}
	if len(delayed) != 1 || delayed[0].TxnID != "TXN-OLD" {
		t.Errorf("delayed = %+v, want only TXN-OLD", delayed)
	}
}

func TestClosedStore(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}

	ctx := context.Background()
	if err := s.SaveView(ctx, view("TXN-1", "core", 1, "SUCCESS")); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("SaveView after close = %v, want ErrClosed", err)
	}
	if _, err := s.GetView(ctx, "TXN-1", "core"); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("GetView after close = %v, want ErrClosed", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Ping after close = %v, want ErrClosed", err)
	}
}
