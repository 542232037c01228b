package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koshbank/recon/internal/types"
)

// exportTimestampLayout names report files like
// mismatches_report_20240131_150405.csv.
const exportTimestampLayout = "20060102_150405"

var mismatchCSVHeader = []string{
	"id", "txn_id", "type", "severity", "state", "detail", "sources",
	"expected", "actual", "difference_amount",
	"resolved_by", "resolved_at", "resolution_notes", "created_at",
}

// handleExportMismatches streams the mismatch history as CSV, honoring
// the same filters as the list route.
func (s *Server) handleExportMismatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	filter, err := mismatchFilterFromQuery(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	mismatches, err := s.store.ListMismatches(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err, "list mismatches")
		return
	}

	filename := fmt.Sprintf("mismatches_report_%s.csv", s.clock().UTC().Format(exportTimestampLayout))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	cw := csv.NewWriter(w)
	if err := cw.Write(mismatchCSVHeader); err != nil {
		return
	}
	for _, m := range mismatches {
		if err := cw.Write(mismatchCSVRow(m)); err != nil {
			return
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Warn("csv export aborted", "error", err)
	}
}

func mismatchCSVRow(m *types.Mismatch) []string {
	diff := ""
	if m.DiffAmount != nil {
		diff = strconv.FormatFloat(*m.DiffAmount, 'f', 2, 64)
	}
	resolvedAt := ""
	if m.ResolvedAt != nil {
		resolvedAt = m.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		strconv.FormatInt(m.ID, 10),
		m.TxnID,
		string(m.Type),
		string(m.Severity),
		string(m.State),
		m.Detail,
		strings.Join(m.Sources, "|"),
		m.Expected,
		m.Actual,
		diff,
		m.ResolvedBy,
		resolvedAt,
		m.ResolutionNotes,
		m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

var transactionCSVHeader = []string{
	"txn_id", "source", "amount", "status", "currency", "account_id",
	"timestamp", "reconciliation_status", "reconciled_at",
	"reconciled_with", "stored_at",
}

// handleExportTransactions streams persisted views as CSV with the
// list route's filters.
func (s *Server) handleExportTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	filter, err := txnFilterFromQuery(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	views, err := s.store.ListTransactions(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err, "list transactions")
		return
	}

	filename := fmt.Sprintf("transactions_report_%s.csv", s.clock().UTC().Format(exportTimestampLayout))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	cw := csv.NewWriter(w)
	if err := cw.Write(transactionCSVHeader); err != nil {
		return
	}
	for _, v := range views {
		if err := cw.Write(transactionCSVRow(v)); err != nil {
			return
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Warn("csv export aborted", "error", err)
	}
}

func transactionCSVRow(v *types.PersistedView) []string {
	amount := ""
	if v.Amount != nil {
		amount = strconv.FormatFloat(*v.Amount, 'f', 2, 64)
	}
	ts := ""
	if v.Timestamp != nil {
		ts = v.Timestamp.UTC().Format(time.RFC3339)
	}
	reconciledAt := ""
	if v.ReconciledAt != nil {
		reconciledAt = v.ReconciledAt.UTC().Format(time.RFC3339)
	}
	return []string{
		v.TxnID,
		v.Source,
		amount,
		v.Status,
		v.Currency,
		v.AccountID,
		ts,
		string(v.ReconStatus),
		reconciledAt,
		strings.Join(v.ReconciledWith, "|"),
		v.StoredAt.UTC().Format(time.RFC3339),
	}
}
