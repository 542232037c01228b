package types

import "time"

// MismatchType identifies which comparison rule fired.
type MismatchType string

const (
	MismatchAmount       MismatchType = "AMOUNT"
	MismatchStatus       MismatchType = "STATUS"
	MismatchCurrency     MismatchType = "CURRENCY"
	MismatchAccount      MismatchType = "ACCOUNT"
	MismatchTimestamp    MismatchType = "TIMESTAMP"
	MismatchMissingField MismatchType = "MISSING_FIELD"
)

// IsValid checks if the mismatch type value is valid.
func (t MismatchType) IsValid() bool {
	switch t {
	case MismatchAmount, MismatchStatus, MismatchCurrency,
		MismatchAccount, MismatchTimestamp, MismatchMissingField:
		return true
	}
	return false
}

// Severity ranks how urgently a mismatch needs human attention.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// IsValid checks if the severity value is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// MismatchState tracks the triage lifecycle of a recorded mismatch.
// History is append-only: superseded attempts never delete rows.
type MismatchState string

const (
	MismatchOpen          MismatchState = "OPEN"
	MismatchInvestigating MismatchState = "INVESTIGATING"
	MismatchResolved      MismatchState = "RESOLVED"
	MismatchIgnored       MismatchState = "IGNORED"
)

// IsValid checks if the mismatch state value is valid.
func (s MismatchState) IsValid() bool {
	switch s {
	case MismatchOpen, MismatchInvestigating, MismatchResolved, MismatchIgnored:
		return true
	}
	return false
}

// Terminal reports whether the state ends triage. Terminal mismatches
// reject further state changes.
func (s MismatchState) Terminal() bool {
	return s == MismatchResolved || s == MismatchIgnored
}

// Mismatch is one discrepancy found between source views of a
// transaction. Expected holds the lexicographically lower source's
// value and Actual the higher one's, so the pair reads the same no
// matter which order the views arrived in. For MISSING_FIELD,
// Expected names the field and Actual names the sources lacking it.
type Mismatch struct {
	ID         int64        `json:"id,omitempty"`
	TxnID      string       `json:"txn_id"`
	Type       MismatchType `json:"type"`
	Severity   Severity     `json:"severity"`
	Detail     string       `json:"detail"`
	Sources    []string     `json:"sources"`
	Expected   string       `json:"expected,omitempty"`
	Actual     string       `json:"actual,omitempty"`
	DiffAmount *float64     `json:"difference_amount,omitempty"`

	State           MismatchState `json:"state"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy      string        `json:"resolved_by,omitempty"`
	ResolutionNotes string        `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}
