// Package types defines the domain model for the reconciliation service.
package types

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Transaction statuses as reported by sources. Comparison is
// case-insensitive; unknown statuses are carried through untouched.
const (
	StatusSuccess = "SUCCESS"
	StatusPending = "PENDING"
	StatusFailed  = "FAILED"
)

// TransactionView is one source's claim about a single transaction.
// Fields beyond the compared set are preserved in Raw but never
// participate in reconciliation.
type TransactionView struct {
	TxnID     string         `json:"txn_id"`
	Source    string         `json:"source"`
	Amount    *float64       `json:"amount,omitempty"`
	Status    string         `json:"status,omitempty"`
	Currency  string         `json:"currency,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// knownViewFields are hoisted into struct fields by DecodeView;
// everything else lands in Raw.
var knownViewFields = map[string]struct{}{
	"txn_id": {}, "source": {}, "amount": {}, "status": {},
	"currency": {}, "account_id": {}, "timestamp": {},
}

// DecodeView parses a wire payload into a TransactionView. It is strict
// about txn_id and source, accepts amounts as JSON numbers or numeric
// strings, accepts timestamps as RFC3339 (with or without zone) or epoch
// seconds, and keeps every unrecognized field in Raw.
func DecodeView(data []byte) (*TransactionView, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode view: %w", err)
	}

	v := &TransactionView{}
	for k, val := range fields {
		if _, known := knownViewFields[k]; !known {
			if v.Raw == nil {
				v.Raw = make(map[string]any)
			}
			v.Raw[k] = val
			continue
		}
		switch k {
		case "txn_id":
			s, _ := val.(string)
			v.TxnID = strings.TrimSpace(s)
		case "source":
			s, _ := val.(string)
			v.Source = strings.TrimSpace(s)
		case "amount":
			amt, err := parseAmount(val)
			if err != nil {
				return nil, fmt.Errorf("decode view: %w", err)
			}
			v.Amount = amt
		case "status":
			s, _ := val.(string)
			v.Status = strings.ToUpper(strings.TrimSpace(s))
		case "currency":
			s, _ := val.(string)
			v.Currency = strings.TrimSpace(s)
		case "account_id":
			s, _ := val.(string)
			v.AccountID = strings.TrimSpace(s)
		case "timestamp":
			ts, err := parseTimestamp(val)
			if err != nil {
				return nil, fmt.Errorf("decode view: %w", err)
			}
			v.Timestamp = ts
		}
	}

	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func parseAmount(val any) (*float64, error) {
	switch n := val.(type) {
	case float64:
		return &n, nil
	case string:
		if strings.TrimSpace(n) == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("bad amount %q", n)
		}
		return &f, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("bad amount type %T", val)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(val any) (*time.Time, error) {
	switch ts := val.(type) {
	case string:
		if strings.TrimSpace(ts) == "" {
			return nil, nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, fmt.Errorf("bad timestamp %q", ts)
	case float64:
		sec, frac := math.Modf(ts)
		t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		return &t, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("bad timestamp type %T", val)
	}
}

// Validate checks the fields every view must carry.
func (v *TransactionView) Validate() error {
	if strings.TrimSpace(v.TxnID) == "" {
		return errors.New("view missing txn_id")
	}
	if strings.TrimSpace(v.Source) == "" {
		return errors.New("view missing source")
	}
	return nil
}

// Clone returns an independent copy. Pointer fields are duplicated and
// Raw is shallow-copied, so callers may stage the copy while the
// original keeps flowing.
func (v *TransactionView) Clone() *TransactionView {
	out := *v
	if v.Amount != nil {
		amt := *v.Amount
		out.Amount = &amt
	}
	if v.Timestamp != nil {
		ts := *v.Timestamp
		out.Timestamp = &ts
	}
	if v.Raw != nil {
		out.Raw = make(map[string]any, len(v.Raw))
		for k, val := range v.Raw {
			out.Raw[k] = val
		}
	}
	return &out
}

// PayloadHash creates a deterministic hash of the view's compared
// content. Identical claims hash identically regardless of arrival
// order or extra fields, which is what duplicate detection keys on.
func (v *TransactionView) PayloadHash() string {
	h := sha256.New()
	h.Write([]byte(v.TxnID))
	h.Write([]byte{0})
	h.Write([]byte(v.Source))
	h.Write([]byte{0})
	if v.Amount != nil {
		fmt.Fprintf(h, "%.4f", *v.Amount)
	}
	h.Write([]byte{0})
	h.Write([]byte(v.Status))
	h.Write([]byte{0})
	h.Write([]byte(v.Currency))
	h.Write([]byte{0})
	h.Write([]byte(v.AccountID))
	h.Write([]byte{0})
	if v.Timestamp != nil {
		h.Write([]byte(v.Timestamp.UTC().Format(time.RFC3339)))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ReconStatus is the reconciliation outcome recorded on a persisted view.
type ReconStatus string

const (
	ReconPending  ReconStatus = "PENDING"
	ReconMatched  ReconStatus = "MATCHED"
	ReconMismatch ReconStatus = "MISMATCH"
)

// IsValid checks if the reconciliation status value is valid.
func (s ReconStatus) IsValid() bool {
	switch s {
	case ReconPending, ReconMatched, ReconMismatch:
		return true
	}
	return false
}

// Terminal reports whether the status is a verdict rather than a
// waiting state. Upserts never downgrade a terminal status to PENDING.
func (s ReconStatus) Terminal() bool {
	return s == ReconMatched || s == ReconMismatch
}

// PersistedView is a TransactionView as stored, with its reconciliation
// outcome. ReconciledWith lists the other sources in the attempt that
// produced the outcome, lexicographically sorted.
type PersistedView struct {
	TransactionView

	ReconStatus    ReconStatus `json:"reconciliation_status"`
	ReconciledAt   *time.Time  `json:"reconciled_at,omitempty"`
	ReconciledWith []string    `json:"reconciled_with_sources,omitempty"`
	StoredAt       time.Time   `json:"stored_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	SeenCount      int         `json:"seen_count,omitempty"`
}

// Verdict is the outcome of one reconciliation attempt over a group of
// views sharing a txn_id. Outcome is MATCHED or MISMATCH, never PENDING.
type Verdict struct {
	TxnID      string      `json:"txn_id"`
	Outcome    ReconStatus `json:"outcome"`
	Sources    []string    `json:"sources"`
	Mismatches []Mismatch  `json:"mismatches,omitempty"`
	ComparedAt time.Time   `json:"compared_at"`
}
