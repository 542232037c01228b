package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/koshbank/recon/internal/stats"
	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Health(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	overview, err := s.stats.Overview(r.Context())
	if err != nil {
		writeStoreError(w, err, "load overview")
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	hours, err := intParam(q, "hours", 0)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	interval, err := intParam(q, "interval", 0)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	timeline, err := s.stats.Timeline(r.Context(), hours, interval)
	if err != nil {
		var bad *stats.ErrBadWindow
		if errors.As(err, &bad) {
			writeJSONError(w, http.StatusBadRequest, bad.Error(), "")
			return
		}
		writeStoreError(w, err, "load timeline")
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

// txnListResponse pages persisted views, newest first.
type txnListResponse struct {
	Transactions []*types.PersistedView `json:"transactions"`
	Count        int                    `json:"count"`
	Limit        int                    `json:"limit"`
	Offset       int                    `json:"offset"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
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
	if views == nil {
		views = []*types.PersistedView{}
	}
	writeJSON(w, http.StatusOK, txnListResponse{
		Transactions: views,
		Count:        len(views),
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	})
}

// handleTransactionSubroutes dispatches /api/transactions/{tail}:
// the reserved tails "delayed" and "duplicates", else a txn_id.
func (s *Server) handleTransactionSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	tail := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
	switch {
	case tail == "delayed":
		s.handleDelayed(w, r)
	case tail == "duplicates":
		s.handleDuplicates(w, r)
	case tail == "" || strings.Contains(tail, "/"):
		writeJSONError(w, http.StatusNotFound, "not found", "")
	default:
		s.handleTransactionDetail(w, r, tail)
	}
}

// txnDetailResponse is every source's view of one transaction plus
// its verdict state and mismatch history.
type txnDetailResponse struct {
	TxnID          string                 `json:"txn_id"`
	Views          []*types.PersistedView `json:"views"`
	ReconStatus    types.ReconStatus      `json:"reconciliation_status"`
	ReconciledAt   *time.Time             `json:"reconciled_at,omitempty"`
	ReconciledWith []string               `json:"reconciled_with_sources,omitempty"`
	Mismatches     []*types.Mismatch      `json:"mismatches"`
	ViewsCount     int                    `json:"views_count"`
	MismatchCount  int                    `json:"mismatches_count"`
	OpenMismatches int                    `json:"open_mismatches"`
}

func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request, txnID string) {
	views, err := s.store.ListViewsByTxn(r.Context(), txnID)
	if err != nil {
		writeStoreError(w, err, "load transaction")
		return
	}
	if len(views) == 0 {
		writeJSONError(w, http.StatusNotFound, "transaction not found", txnID)
		return
	}

	mismatches, err := s.store.ListMismatches(r.Context(), storage.MismatchFilter{TxnID: txnID})
	if err != nil {
		writeStoreError(w, err, "load mismatches")
		return
	}
	if mismatches == nil {
		mismatches = []*types.Mismatch{}
	}

	out := txnDetailResponse{
		TxnID:         txnID,
		Views:         views,
		ReconStatus:   types.ReconPending,
		Mismatches:    mismatches,
		ViewsCount:    len(views),
		MismatchCount: len(mismatches),
	}
	// The most recent verdict wins; rows untouched by the latest
	// attempt may still carry an older one.
	for _, v := range views {
		if !v.ReconStatus.Terminal() || v.ReconciledAt == nil {
			continue
		}
		if out.ReconciledAt == nil || v.ReconciledAt.After(*out.ReconciledAt) {
			out.ReconStatus = v.ReconStatus
			out.ReconciledAt = v.ReconciledAt
			out.ReconciledWith = v.ReconciledWith
		}
	}
	for _, m := range mismatches {
		if !m.State.Terminal() {
			out.OpenMismatches++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type delayedResponse struct {
	Delayed []*types.PersistedView `json:"delayed"`
	Count   int                    `json:"count"`
}

func (s *Server) handleDelayed(w http.ResponseWriter, r *http.Request) {
	views, err := s.stats.Delayed(r.Context())
	if err != nil {
		writeStoreError(w, err, "list delayed transactions")
		return
	}
	if views == nil {
		views = []*types.PersistedView{}
	}
	writeJSON(w, http.StatusOK, delayedResponse{Delayed: views, Count: len(views)})
}

type duplicatesResponse struct {
	Duplicates []types.DuplicateGroup `json:"duplicates"`
	Count      int                    `json:"count"`
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := s.stats.Duplicates(r.Context())
	if err != nil {
		writeStoreError(w, err, "list duplicate views")
		return
	}
	if groups == nil {
		groups = []types.DuplicateGroup{}
	}
	writeJSON(w, http.StatusOK, duplicatesResponse{Duplicates: groups, Count: len(groups)})
}

// mismatchSummary tallies the returned page by severity and state.
type mismatchSummary struct {
	HighSeverity   int `json:"high_severity"`
	MediumSeverity int `json:"medium_severity"`
	LowSeverity    int `json:"low_severity"`
	Open           int `json:"open"`
	Investigating  int `json:"investigating"`
	Resolved       int `json:"resolved"`
	Ignored        int `json:"ignored"`
}

type mismatchListResponse struct {
	Mismatches []*types.Mismatch `json:"mismatches"`
	Count      int               `json:"count"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
	Summary    mismatchSummary   `json:"summary"`
}

func (s *Server) handleMismatches(w http.ResponseWriter, r *http.Request) {
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
	if mismatches == nil {
		mismatches = []*types.Mismatch{}
	}

	out := mismatchListResponse{
		Mismatches: mismatches,
		Count:      len(mismatches),
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	}
	for _, m := range mismatches {
		switch m.Severity {
		case types.SeverityHigh:
			out.Summary.HighSeverity++
		case types.SeverityMedium:
			out.Summary.MediumSeverity++
		case types.SeverityLow:
			out.Summary.LowSeverity++
		}
		switch m.State {
		case types.MismatchOpen:
			out.Summary.Open++
		case types.MismatchInvestigating:
			out.Summary.Investigating++
		case types.MismatchResolved:
			out.Summary.Resolved++
		case types.MismatchIgnored:
			out.Summary.Ignored++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// resolveRequest is the POST body for /api/mismatches/{id}/resolve.
// Both fields are optional; an absent resolver records as "system".
type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

type actionResponse struct {
	ID    int64               `json:"id"`
	State types.MismatchState `json:"state"`
}

// handleMismatchAction routes POST /api/mismatches/{id}/{action} where
// action is resolve, investigate or ignore.
func (s *Server) handleMismatchAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	tail := strings.TrimPrefix(r.URL.Path, "/api/mismatches/")
	parts := strings.Split(tail, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeJSONError(w, http.StatusNotFound, "not found", "")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid mismatch id %q", parts[0]), "")
		return
	}

	switch parts[1] {
	case "resolve":
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		if strings.TrimSpace(req.ResolvedBy) == "" {
			req.ResolvedBy = "system"
		}
		if err := s.store.ResolveMismatch(r.Context(), id, req.ResolvedBy, req.Notes); err != nil {
			writeStoreError(w, err, "resolve mismatch")
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{ID: id, State: types.MismatchResolved})
	case "investigate":
		if err := s.store.SetMismatchState(r.Context(), id, types.MismatchInvestigating); err != nil {
			writeStoreError(w, err, "update mismatch state")
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{ID: id, State: types.MismatchInvestigating})
	case "ignore":
		if err := s.store.SetMismatchState(r.Context(), id, types.MismatchIgnored); err != nil {
			writeStoreError(w, err, "update mismatch state")
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{ID: id, State: types.MismatchIgnored})
	default:
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", parts[1]), "")
	}
}

func txnFilterFromQuery(q url.Values) (storage.TxnFilter, error) {
	filter := storage.TxnFilter{
		TxnID:  strings.TrimSpace(q.Get("txn_id")),
		Source: strings.TrimSpace(q.Get("source")),
		Status: strings.ToUpper(strings.TrimSpace(q.Get("status"))),
	}
	if v := strings.ToUpper(strings.TrimSpace(q.Get("recon_status"))); v != "" {
		rs := types.ReconStatus(v)
		if !rs.IsValid() {
			return filter, fmt.Errorf("invalid recon_status %q", v)
		}
		filter.ReconStatus = rs
	}
	var err error
	if filter.Since, err = timeParam(q, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = timeParam(q, "until"); err != nil {
		return filter, err
	}
	if filter.Limit, filter.Offset, err = pageParams(q); err != nil {
		return filter, err
	}
	return filter, nil
}

func mismatchFilterFromQuery(q url.Values) (storage.MismatchFilter, error) {
	filter := storage.MismatchFilter{
		TxnID: strings.TrimSpace(q.Get("txn_id")),
	}
	if v := strings.ToUpper(strings.TrimSpace(q.Get("type"))); v != "" {
		mt := types.MismatchType(v)
		if !mt.IsValid() {
			return filter, fmt.Errorf("invalid mismatch type %q", v)
		}
		filter.Type = mt
	}
	if v := strings.ToUpper(strings.TrimSpace(q.Get("severity"))); v != "" {
		sev := types.Severity(v)
		if !sev.IsValid() {
			return filter, fmt.Errorf("invalid severity %q", v)
		}
		filter.Severity = sev
	}
	if v := strings.ToUpper(strings.TrimSpace(q.Get("state"))); v != "" {
		st := types.MismatchState(v)
		if !st.IsValid() {
			return filter, fmt.Errorf("invalid state %q", v)
		}
		filter.State = st
	}
	var err error
	if filter.Since, err = timeParam(q, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = timeParam(q, "until"); err != nil {
		return filter, err
	}
	if filter.Limit, filter.Offset, err = pageParams(q); err != nil {
		return filter, err
	}
	return filter, nil
}

func pageParams(q url.Values) (limit, offset int, err error) {
	limit, err = intParam(q, "limit", defaultListLimit)
	if err != nil {
		return 0, 0, err
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset, err = intParam(q, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

var queryTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func timeParam(q url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range queryTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s %q: want RFC3339 or YYYY-MM-DD", name, raw)
}
