package recon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koshbank/recon/internal/cache"
	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/storage/memory"
	"github.com/koshbank/recon/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, storage.Store, cache.Cache) {
	t.Helper()
	st := memory.New()
	cch := cache.NewMemory()
	eng := New(st, cch, cfg, discardLogger(), WithInstanceID("test-instance"))
	t.Cleanup(func() {
		_ = eng.Close()
		_ = cch.Close()
		_ = st.Close()
	})
	return eng, st, cch
}

func TestEngineReconcilesOnQuorum(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t, Config{})

	if err := eng.Submit(ctx, testView("T1", "core", 100, "SUCCESS", "INR", "A1")); err != nil {
		t.Fatalf("submit core: %v", err)
	}
	if got := eng.Inflight(); got != 1 {
		t.Fatalf("inflight after one source = %d, want 1", got)
	}
	pv, err := st.GetView(ctx, "T1", "core")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if pv.ReconStatus != types.ReconPending {
		t.Fatalf("single view recon status = %s, want PENDING", pv.ReconStatus)
	}

	if err := eng.Submit(ctx, testView("T1", "gateway", 100, "SUCCESS", "INR", "A1")); err != nil {
		t.Fatalf("submit gateway: %v", err)
	}

	for _, src := range []string{"core", "gateway"} {
		pv, err := st.GetView(ctx, "T1", src)
		if err != nil {
			t.Fatalf("get %s view: %v", src, err)
		}
		if pv.ReconStatus != types.ReconMatched {
			t.Errorf("%s recon status = %s, want MATCHED", src, pv.ReconStatus)
		}
	}

	snap := eng.Snapshot()
	if snap.Submitted != 2 || snap.Reconciled != 1 || snap.Matched != 1 || snap.Mismatched != 0 {
		t.Errorf("counters = %+v, want submitted 2, reconciled 1, matched 1", snap)
	}
	if snap.Inflight != 0 {
		t.Errorf("inflight after verdict = %d, want 0", snap.Inflight)
	}
	if len(snap.Recent) != 1 || snap.Recent[0].TxnID != "T1" || snap.Recent[0].Outcome != types.ReconMatched {
		t.Errorf("recent = %+v, want one MATCHED entry for T1", snap.Recent)
	}
}

func TestEngineMismatchPersisted(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t, Config{})

	if err := eng.Submit(ctx, testView("T2", "core", 100.00, "SUCCESS", "INR", "A1")); err != nil {
		t.Fatalf("submit core: %v", err)
	}
	if err := eng.Submit(ctx, testView("T2", "gateway", 150.00, "SUCCESS", "INR", "A1")); err != nil {
		t.Fatalf("submit gateway: %v", err)
	}

	ms, err := st.ListMismatches(ctx, storage.MismatchFilter{TxnID: "T2"})
	if err != nil {
		t.Fatalf("list mismatches: %v", err)
	}
	if len(ms) != 1 {
		t.Fatalf("got %d mismatches, want 1", len(ms))
	}
	if ms[0].Type != types.MismatchAmount {
		t.Errorf("mismatch type = %s, want AMOUNT", ms[0].Type)
	}
	if ms[0].State != types.MismatchOpen {
		t.Errorf("mismatch state = %s, want OPEN", ms[0].State)
	}

	pv, err := st.GetView(ctx, "T2", "core")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if pv.ReconStatus != types.ReconMismatch {
		t.Errorf("recon status = %s, want MISMATCH", pv.ReconStatus)
	}

	snap := eng.Snapshot()
	if snap.Mismatched != 1 {
		t.Errorf("mismatched counter = %d, want 1", snap.Mismatched)
	}
	if snap.MismatchesByType["AMOUNT"] != 1 {
		t.Errorf("by-type counter = %v, want AMOUNT 1", snap.MismatchesByType)
	}
	if len(snap.Recent) != 1 || snap.Recent[0].Mismatches != 1 {
		t.Errorf("recent = %+v, want one entry with 1 mismatch", snap.Recent)
	}
}

func TestEngineQuorumThreeWaits(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, Config{Quorum: 3})

	_ = eng.Submit(ctx, testView("T3", "core", 100, "SUCCESS", "INR", "A1"))
	_ = eng.Submit(ctx, testView("T3", "gateway", 100, "SUCCESS", "INR", "A1"))
	if got := eng.Snapshot().Reconciled; got != 0 {
		t.Fatalf("reconciled with 2 of 3 sources = %d, want 0", got)
	}

	_ = eng.Submit(ctx, testView("T3", "mobile", 100, "SUCCESS", "INR", "A1"))
	snap := eng.Snapshot()
	if snap.Reconciled != 1 || snap.Matched != 1 {
		t.Fatalf("counters after third source = %+v, want reconciled 1 matched 1", snap)
	}
	if len(snap.Recent) != 1 || len(snap.Recent[0].Sources) != 3 {
		t.Fatalf("recent sources = %+v, want all three", snap.Recent)
	}
}

func TestEngineIdenticalRedelivery(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t, Config{})

	v := testView("T4", "core", 100, "SUCCESS", "INR", "A1")
	_ = eng.Submit(ctx, v)
	_ = eng.Submit(ctx, v.Clone())

	// Same source twice is one distinct source; no verdict yet.
	if got := eng.Snapshot().Reconciled; got != 0 {
		t.Fatalf("reconciled after redelivery = %d, want 0", got)
	}
	pv, err := st.GetView(ctx, "T4", "core")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if pv.SeenCount != 1 {
		t.Errorf("identical redelivery bumped seen count to %d", pv.SeenCount)
	}

	_ = eng.Submit(ctx, testView("T4", "gateway", 100, "SUCCESS", "INR", "A1"))
	if got := eng.Snapshot().Reconciled; got != 1 {
		t.Fatalf("reconciled = %d, want 1", got)
	}
}

func TestEngineConflictingResubmissionLatestWins(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t, Config{})

	_ = eng.Submit(ctx, testView("T5", "core", 100.00, "SUCCESS", "INR", "A1"))
	_ = eng.Submit(ctx, testView("T5", "core", 250.00, "SUCCESS", "INR", "A1"))
	_ = eng.Submit(ctx, testView("T5", "gateway", 250.00, "SUCCESS", "INR", "A1"))

	snap := eng.Snapshot()
	if snap.Matched != 1 || snap.Mismatched != 0 {
		t.Fatalf("counters = %+v, want the replacement amount to match", snap)
	}

	// The conflicting resubmission itself produces no mismatch row.
	ms, err := st.ListMismatches(ctx, storage.MismatchFilter{TxnID: "T5"})
	if err != nil {
		t.Fatalf("list mismatches: %v", err)
	}
	if len(ms) != 0 {
		t.Fatalf("got %d mismatch rows, want 0", len(ms))
	}

	pv, err := st.GetView(ctx, "T5", "core")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if pv.SeenCount != 2 {
		t.Errorf("seen count = %d, want 2 after differing payload", pv.SeenCount)
	}
}

func TestEngineLateArrivalStartsNewAttempt(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t, Config{})

	_ = eng.Submit(ctx, testView("T6", "core", 100, "SUCCESS", "INR", "A1"))
	_ = eng.Submit(ctx, testView("T6", "gateway", 100, "SUCCESS", "INR", "A1"))
	if got := eng.Snapshot().Matched; got != 1 {
		t.Fatalf("matched = %d, want 1", got)
	}

	// The group was evicted; a late view stages alone below quorum.
	_ = eng.Submit(ctx, testView("T6", "mobile", 175, "SUCCESS", "INR", "A1"))
	if got := eng.Snapshot().Reconciled; got != 1 {
		t.Fatalf("late lone view triggered a verdict, reconciled = %d", got)
	}
	if got := eng.Inflight(); got != 1 {
		t.Fatalf("inflight = %d, want the late view staged", got)
	}

	// A redelivered peer completes the new attempt with the current set.
	_ = eng.Submit(ctx, testView("T6", "core", 100, "SUCCESS", "INR", "A1"))
	snap := eng.Snapshot()
	if snap.Reconciled != 2 || snap.Mismatched != 1 {
		t.Fatalf("counters = %+v, want a second attempt ending MISMATCH", snap)
	}

	pv, err := st.GetView(ctx, "T6", "core")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if pv.ReconStatus != types.ReconMismatch {
		t.Errorf("second attempt did not overwrite outcome, got %s", pv.ReconStatus)
	}
	if len(pv.ReconciledWith) != 1 || pv.ReconciledWith[0] != "mobile" {
		t.Errorf("reconciled with = %v, want [mobile]", pv.ReconciledWith)
	}
}

func TestEngineLockBlocksSecondWorker(t *testing.T) {
	ctx := context.Background()
	eng, st, cch := newTestEngine(t, Config{})
	keys := cache.NewKeys("")

	held, err := cch.SetNX(ctx, keys.Lock("T7"), "someone-else", time.Minute)
	if err != nil || !held {
		t.Fatalf("pre-acquire lock: held=%v err=%v", held, err)
	}

	_ = eng.Submit(ctx, testView("T7", "core", 100, "SUCCESS", "INR", "A1"))
	_ = eng.Submit(ctx, testView("T7", "gateway", 100, "SUCCESS", "INR", "A1"))

	// Quorum was reached but another holder owns the transaction: the
	// attempt is abandoned and the group stays staged.
	if got := eng.Snapshot().Reconciled; got != 0 {
		t.Fatalf("reconciled under foreign lock = %d, want 0", got)
	}
	if got := eng.Inflight(); got != 1 {
		t.Fatalf("inflight = %d, want group retained", got)
	}
	pv, err := st.GetView(ctx, "T7", "core")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if pv.ReconStatus != types.ReconPending {
		t.Fatalf("recon status = %s, want PENDING while locked", pv.ReconStatus)
	}

	// Lock released: the next delivery completes the attempt.
	if err := cch.Delete(ctx, keys.Lock("T7")); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	_ = eng.Submit(ctx, testView("T7", "gateway", 100, "SUCCESS", "INR", "A1"))
	if got := eng.Snapshot().Reconciled; got != 1 {
		t.Fatalf("reconciled after release = %d, want 1", got)
	}
}

func TestEngineReleasesLockAfterVerdict(t *testing.T) {
	ctx := context.Background()
	eng, _, cch := newTestEngine(t, Config{})
	keys := cache.NewKeys("")

	_ = eng.Submit(ctx, testView("T8", "core", 100, "SUCCESS", "INR", "A1"))
	_ = eng.Submit(ctx, testView("T8", "gateway", 100, "SUCCESS", "INR", "A1"))

	won, err := cch.SetNX(ctx, keys.Lock("T8"), "probe", time.Second)
	if err != nil {
		t.Fatalf("probe lock: %v", err)
	}
	if !won {
		t.Fatal("lock still held after reconcile returned")
	}
}

func TestEngineStageMirroredToCache(t *testing.T) {
	ctx := context.Background()
	eng, _, cch := newTestEngine(t, Config{})
	keys := cache.NewKeys("")

	_ = eng.Submit(ctx, testView("T9", "core", 100, "SUCCESS", "INR", "A1"))

	var staged map[string]*stagedView
	found, err := cch.GetJSON(ctx, keys.Stage("T9"), &staged)
	if err != nil || !found {
		t.Fatalf("stage mirror missing: found=%v err=%v", found, err)
	}
	if _, ok := staged["core"]; !ok {
		t.Fatalf("mirror contents = %v, want core staged", staged)
	}
	ids, err := cch.SMembers(ctx, keys.StageSource("core"))
	if err != nil || len(ids) != 1 || ids[0] != "T9" {
		t.Fatalf("stage index = %v (%v), want [T9]", ids, err)
	}

	_ = eng.Submit(ctx, testView("T9", "gateway", 100, "SUCCESS", "INR", "A1"))

	found, err = cch.GetJSON(ctx, keys.Stage("T9"), &staged)
	if err != nil {
		t.Fatalf("stage lookup after verdict: %v", err)
	}
	if found {
		t.Error("stage mirror survived eviction")
	}
	ids, err = cch.SMembers(ctx, keys.StageSource("core"))
	if err != nil {
		t.Fatalf("stage index after verdict: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("stage index after eviction = %v, want empty", ids)
	}
}

func TestEngineCacheOutageDegrades(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	eng := New(st, downCache{}, Config{}, discardLogger())
	t.Cleanup(func() {
		_ = eng.Close()
		_ = st.Close()
	})

	if err := eng.Submit(ctx, testView("T10", "core", 100, "SUCCESS", "INR", "A1")); err != nil {
		t.Fatalf("submit with cache down: %v", err)
	}
	if err := eng.Submit(ctx, testView("T10", "gateway", 200, "SUCCESS", "INR", "A1")); err != nil {
		t.Fatalf("submit with cache down: %v", err)
	}

	// No lock, no mirror, no throttle, yet the verdict still lands.
	snap := eng.Snapshot()
	if snap.Reconciled != 1 || snap.Mismatched != 1 {
		t.Fatalf("counters with cache down = %+v, want one MISMATCH verdict", snap)
	}
	pv, err := st.GetView(ctx, "T10", "core")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if pv.ReconStatus != types.ReconMismatch {
		t.Errorf("recon status = %s, want MISMATCH", pv.ReconStatus)
	}
}

func TestEngineStoreOutageStillCounts(t *testing.T) {
	ctx := context.Background()
	cch := cache.NewMemory()
	eng := New(&downStore{}, cch, Config{}, discardLogger())
	t.Cleanup(func() {
		_ = eng.Close()
		_ = cch.Close()
	})

	if err := eng.Submit(ctx, testView("T11", "core", 100, "SUCCESS", "INR", "A1")); err != nil {
		t.Fatalf("submit with store down: %v", err)
	}
	if err := eng.Submit(ctx, testView("T11", "gateway", 200, "SUCCESS", "INR", "A1")); err != nil {
		t.Fatalf("submit with store down: %v", err)
	}

	snap := eng.Snapshot()
	if snap.Submitted != 2 || snap.Reconciled != 1 || snap.Mismatched != 1 {
		t.Fatalf("counters with store down = %+v, want verdict recorded in memory", snap)
	}
	if len(snap.Recent) != 1 || snap.Recent[0].TxnID != "T11" {
		t.Fatalf("recent = %+v, want T11 verdict", snap.Recent)
	}
}

func TestEngineRecentRingCapped(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, Config{RecentSize: 3})

	for _, id := range []string{"R1", "R2", "R3", "R4", "R5"} {
		_ = eng.Submit(ctx, testView(id, "core", 100, "SUCCESS", "INR", "A1"))
		_ = eng.Submit(ctx, testView(id, "gateway", 100, "SUCCESS", "INR", "A1"))
	}

	snap := eng.Snapshot()
	if snap.Reconciled != 5 {
		t.Fatalf("reconciled = %d, want 5", snap.Reconciled)
	}
	if len(snap.Recent) != 3 {
		t.Fatalf("recent length = %d, want 3", len(snap.Recent))
	}
	want := []string{"R5", "R4", "R3"}
	for i, w := range want {
		if snap.Recent[i].TxnID != w {
			t.Errorf("recent[%d] = %s, want %s", i, snap.Recent[i].TxnID, w)
		}
	}
}

func TestEngineRejectsAfterClose(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	cch := cache.NewMemory()
	eng := New(st, cch, Config{}, discardLogger())
	t.Cleanup(func() {
		_ = cch.Close()
		_ = st.Close()
	})

	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := eng.Submit(ctx, testView("T12", "core", 100, "SUCCESS", "INR", "A1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close = %v, want ErrClosed", err)
	}
}

func TestEngineRejectsInvalidView(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, Config{})

	if err := eng.Submit(ctx, nil); err == nil {
		t.Error("nil view accepted")
	}
	if err := eng.Submit(ctx, &types.TransactionView{Source: "core"}); err == nil {
		t.Error("view without txn_id accepted")
	}
	if err := eng.Submit(ctx, &types.TransactionView{TxnID: "T13"}); err == nil {
		t.Error("view without source accepted")
	}
	if got := eng.Snapshot().Inflight; got != 0 {
		t.Errorf("invalid views staged, inflight = %d", got)
	}
}

func TestEngineSweepDropsStaleGroups(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	var clock atomic.Pointer[time.Time]
	clock.Store(&now)
	st := memory.New()
	cch := cache.NewMemory()
	eng := New(st, cch, Config{StageTTL: time.Minute}, discardLogger(),
		WithClock(func() time.Time { return *clock.Load() }))
	t.Cleanup(func() {
		_ = eng.Close()
		_ = cch.Close()
		_ = st.Close()
	})

	_ = eng.Submit(ctx, testView("T14", "core", 100, "SUCCESS", "INR", "A1"))
	if got := eng.Inflight(); got != 1 {
		t.Fatalf("inflight = %d, want 1", got)
	}

	later := now.Add(2 * time.Minute)
	clock.Store(&later)
	eng.sweepStaged()

	if got := eng.Inflight(); got != 0 {
		t.Fatalf("inflight after sweep = %d, want 0", got)
	}
	// The durable row is untouched; only staging expires.
	if _, err := st.GetView(ctx, "T14", "core"); err != nil {
		t.Fatalf("durable view gone after sweep: %v", err)
	}
}

var errCacheDown = errors.New("cache down")

// downCache fails every operation, standing in for an unreachable Redis.
type downCache struct{}

func (downCache) SetJSON(context.Context, string, any, time.Duration) error { return errCacheDown }
func (downCache) GetJSON(context.Context, string, any) (bool, error)       { return false, errCacheDown }
func (downCache) Delete(context.Context, ...string) error                  { return errCacheDown }
func (downCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errCacheDown
}
func (downCache) Incr(context.Context, string, time.Duration) (int64, error)  { return 0, errCacheDown }
func (downCache) SAdd(context.Context, string, []string, time.Duration) error { return errCacheDown }
func (downCache) SMembers(context.Context, string) ([]string, error)          { return nil, errCacheDown }
func (downCache) SRem(context.Context, string, ...string) error               { return errCacheDown }
func (downCache) Ping(context.Context) error                                  { return errCacheDown }
func (downCache) Info(context.Context) (map[string]string, error)             { return nil, errCacheDown }
func (downCache) Backend() string                                             { return "down" }
func (downCache) Close() error                                                { return nil }

var errStoreDown = errors.New("store down")

// downStore fails the writes the engine issues. The engine never calls
// the embedded interface's other methods.
type downStore struct {
	storage.Store
}

func (*downStore) SaveView(context.Context, *types.PersistedView) error { return errStoreDown }
func (*downStore) MarkReconciled(context.Context, string, []string, types.ReconStatus, time.Time) error {
	return errStoreDown
}
func (*downStore) InsertMismatch(context.Context, *types.Mismatch) error { return errStoreDown }
