package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/koshbank/recon/internal/recon"
	"github.com/koshbank/recon/internal/types"
)

type captureEngine struct {
	mu    sync.Mutex
	views []*types.TransactionView
	err   error
}

func (c *captureEngine) Submit(_ context.Context, view *types.TransactionView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.views = append(c.views, view)
	return nil
}

func (c *captureEngine) submitted() []*types.TransactionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.TransactionView, len(c.views))
	copy(out, c.views)
	return out
}

func rawView(t *testing.T, txnID, source string, amount float64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"txn_id":    txnID,
		"source":    source,
		"amount":    amount,
		"status":    "SUCCESS",
		"currency":  "INR",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("marshal view: %v", err)
	}
	return data
}

func TestConsumerSubmitsDecodedViews(t *testing.T) {
	eng := &captureEngine{}
	c := NewConsumer(nil, eng, "core", "txns.core", "recond", nil)

	if err := c.handle(context.Background(), rawView(t, "TXN-1", "core", 150.25)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	views := eng.submitted()
	if len(views) != 1 {
		t.Fatalf("submitted %d views, want 1", len(views))
	}
	if views[0].TxnID != "TXN-1" || views[0].Source != "core" {
		t.Errorf("view = %s/%s, want TXN-1/core", views[0].TxnID, views[0].Source)
	}
	if st := c.Stats(); st.Received != 1 || st.Submitted != 1 || st.Malformed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestConsumerOverridesClaimedSource(t *testing.T) {
	eng := &captureEngine{}
	c := NewConsumer(nil, eng, "core", "txns.core", "recond", nil)

	if err := c.handle(context.Background(), rawView(t, "TXN-1", "gateway", 10)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	views := eng.submitted()
	if len(views) != 1 {
		t.Fatalf("submitted %d views, want 1", len(views))
	}
	if views[0].Source != "core" {
		t.Errorf("source = %q, want %q (subject binding wins)", views[0].Source, "core")
	}
}

func TestConsumerSkipsMalformed(t *testing.T) {
	eng := &captureEngine{}
	c := NewConsumer(nil, eng, "core", "txns.core", "recond", nil)
	ctx := context.Background()

	cases := [][]byte{
		[]byte("{not json"),
		[]byte(`{"source":"core","amount":5}`),       // missing txn_id
		[]byte(`{"txn_id":"TXN-9","amount":"five"}`), // unparseable amount
	}
	for _, data := range cases {
		if err := c.handle(ctx, data); err != nil {
			t.Errorf("handle(%q) = %v, want nil (skip)", data, err)
		}
	}

	if got := len(eng.submitted()); got != 0 {
		t.Errorf("engine received %d views, want 0", got)
	}
	if st := c.Stats(); st.Malformed != 3 {
		t.Errorf("Malformed = %d, want 3", st.Malformed)
	}
}

func TestConsumerLeavesMessageOnEngineClosed(t *testing.T) {
	eng := &captureEngine{err: recon.ErrClosed}
	c := NewConsumer(nil, eng, "core", "txns.core", "recond", nil)

	err := c.handle(context.Background(), rawView(t, "TXN-1", "core", 10))
	if err == nil {
		t.Fatal("handle = nil, want error so the message stays unacked")
	}
	if st := c.Stats(); st.Malformed != 0 {
		t.Errorf("Malformed = %d, want 0 (shutdown is not a bad message)", st.Malformed)
	}
}

func TestConsumerEndToEndOverMemoryStream(t *testing.T) {
	s := NewMemory(nil)
	t.Cleanup(func() { s.Close() })
	eng := &captureEngine{}
	c := NewConsumer(s, eng, "core", "txns.core", "recond", nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	if err := s.Publish(ctx, "txns.core", rawView(t, "TXN-77", "core", 99.5)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(eng.submitted()) == 0 {
		select {
		case <-deadline:
			t.Fatal("view never reached the engine")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if views := eng.submitted(); views[0].TxnID != "TXN-77" {
		t.Errorf("TxnID = %q, want TXN-77", views[0].TxnID)
	}
}

func TestSanitizeDurable(t *testing.T) {
	if got := sanitizeDurable("recond-txns.core"); got != "recond-txns-core" {
		t.Errorf("sanitizeDurable = %q, want recond-txns-core", got)
	}
}
