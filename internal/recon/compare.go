package recon

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/koshbank/recon/internal/types"
)

// Tolerances are the absolute thresholds below which a pairwise
// difference is not a mismatch.
type Tolerances struct {
	Amount float64
	Time   time.Duration
}

// DefaultTolerances match the operational defaults: one paisa on
// amounts, five minutes on timestamps.
var DefaultTolerances = Tolerances{
	Amount: 0.01,
	Time:   300 * time.Second,
}

// CompareViews applies every pairwise rule in fixed order and returns
// all mismatches found; rules never short-circuit. The pair is
// normalized so the lexicographically smaller source supplies Expected
// and the larger supplies Actual, making output independent of argument
// order. A rule whose field is absent on either side contributes
// nothing; absence is reported at group level by CompareGroup.
func CompareViews(a, b *types.TransactionView, tol Tolerances) []types.Mismatch {
	if a == nil || b == nil {
		return nil
	}
	if a.Source > b.Source {
		a, b = b, a
	}
	sources := []string{a.Source, b.Source}

	var out []types.Mismatch

	if a.Amount != nil && b.Amount != nil {
		diff := math.Abs(*a.Amount - *b.Amount)
		if diff > tol.Amount {
			rounded := math.Round(diff*100) / 100
			out = append(out, types.Mismatch{
				TxnID:    a.TxnID,
				Type:     types.MismatchAmount,
				Severity: types.SeverityHigh,
				Detail: fmt.Sprintf("Amount differs: %s=%.2f, %s=%.2f",
					a.Source, *a.Amount, b.Source, *b.Amount),
				Sources:    sources,
				Expected:   fmt.Sprintf("%.2f", *a.Amount),
				Actual:     fmt.Sprintf("%.2f", *b.Amount),
				DiffAmount: &rounded,
			})
		}
	}

	if a.Status != "" && b.Status != "" && !strings.EqualFold(a.Status, b.Status) {
		out = append(out, types.Mismatch{
			TxnID:    a.TxnID,
			Type:     types.MismatchStatus,
			Severity: types.SeverityMedium,
			Detail: fmt.Sprintf("Status differs: %s=%s, %s=%s",
				a.Source, a.Status, b.Source, b.Status),
			Sources:  sources,
			Expected: a.Status,
			Actual:   b.Status,
		})
	}

	// Currency compares exactly; INR and inr are different claims.
	if a.Currency != "" && b.Currency != "" && a.Currency != b.Currency {
		out = append(out, types.Mismatch{
			TxnID:    a.TxnID,
			Type:     types.MismatchCurrency,
			Severity: types.SeverityHigh,
			Detail: fmt.Sprintf("Currency differs: %s=%s, %s=%s",
				a.Source, a.Currency, b.Source, b.Currency),
			Sources:  sources,
			Expected: a.Currency,
			Actual:   b.Currency,
		})
	}

	if a.AccountID != "" && b.AccountID != "" && a.AccountID != b.AccountID {
		out = append(out, types.Mismatch{
			TxnID:    a.TxnID,
			Type:     types.MismatchAccount,
			Severity: types.SeverityHigh,
			Detail: fmt.Sprintf("Account differs: %s=%s, %s=%s",
				a.Source, a.AccountID, b.Source, b.AccountID),
			Sources:  sources,
			Expected: a.AccountID,
			Actual:   b.AccountID,
		})
	}

	if a.Timestamp != nil && b.Timestamp != nil {
		delta := a.Timestamp.Sub(*b.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > tol.Time {
			tsA := a.Timestamp.UTC().Format(time.RFC3339)
			tsB := b.Timestamp.UTC().Format(time.RFC3339)
			out = append(out, types.Mismatch{
				TxnID:    a.TxnID,
				Type:     types.MismatchTimestamp,
				Severity: types.SeverityLow,
				Detail: fmt.Sprintf("Timestamp differs by %ds: %s=%s, %s=%s",
					int64(delta/time.Second), a.Source, tsA, b.Source, tsB),
				Sources:  sources,
				Expected: tsA,
				Actual:   tsB,
			})
		}
	}

	return out
}

// missingFieldChecks are the group-level absence rules, in emission
// order. Only these three fields participate; currency and timestamp
// absence is tolerated.
var missingFieldChecks = []struct {
	name    string
	present func(*types.TransactionView) bool
}{
	{"amount", func(v *types.TransactionView) bool { return v.Amount != nil }},
	{"status", func(v *types.TransactionView) bool { return v.Status != "" }},
	{"account_id", func(v *types.TransactionView) bool { return v.AccountID != "" }},
}

// CompareGroup compares every pair of views in the group and then runs
// the group-level missing-field scan. Sources iterate lexicographically,
// so the same group produces byte-identical output regardless of map
// iteration order. The group is MATCHED iff the result is empty.
func CompareGroup(views map[string]*types.TransactionView, tol Tolerances) []types.Mismatch {
	sources := make([]string, 0, len(views))
	for src := range views {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	var out []types.Mismatch
	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			out = append(out, CompareViews(views[sources[i]], views[sources[j]], tol)...)
		}
	}

	var txnID string
	for _, src := range sources {
		if views[src] != nil {
			txnID = views[src].TxnID
			break
		}
	}

	for _, check := range missingFieldChecks {
		var lacking []string
		anyPresent := false
		for _, src := range sources {
			v := views[src]
			if v == nil {
				continue
			}
			if check.present(v) {
				anyPresent = true
			} else {
				lacking = append(lacking, src)
			}
		}
		if anyPresent && len(lacking) > 0 {
			out = append(out, types.Mismatch{
				TxnID:    txnID,
				Type:     types.MismatchMissingField,
				Severity: types.SeverityMedium,
				Detail:   fmt.Sprintf("Field %s missing from: %s", check.name, strings.Join(lacking, ", ")),
				Sources:  lacking,
				Expected: check.name,
				Actual:   strings.Join(lacking, ", "),
			})
		}
	}

	return out
}
