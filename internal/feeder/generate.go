package feeder

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const defaultFaultRate = 0.15

// fault is one way a source's view can disagree with the others.
type fault string

const (
	faultNone          fault = "none"
	faultAmountDrift   fault = "amount_drift"
	faultStatusFlip    fault = "status_flip"
	faultCurrencySwap  fault = "currency_swap"
	faultAccountTypo   fault = "account_typo"
	faultTimestampSkew fault = "timestamp_skew"
	faultDropField     fault = "drop_field"
	faultDropSource    fault = "drop_source"
)

var allFaults = []fault{
	faultAmountDrift,
	faultStatusFlip,
	faultCurrencySwap,
	faultAccountTypo,
	faultTimestampSkew,
	faultDropField,
	faultDropSource,
}

// transaction channels and bank codes modelled on Indian retail banking.
var (
	channels  = []string{"ATM", "ONLINE", "MOBILE", "BRANCH", "POS", "UPI"}
	bankCodes = []string{"HDFC", "ICICI", "SBI", "AXIS", "KOTAK", "PNB", "BOI", "CANARA"}
	txnTypes  = []string{"TRANSFER", "DEPOSIT", "WITHDRAWAL", "PAYMENT", "REFUND", "FEE", "INTEREST", "LOAN_PAYMENT"}
)

// baseTxn is the agreed truth all sources report, before faults.
type baseTxn struct {
	TxnID     string
	Amount    float64
	Status    string
	Currency  string
	AccountID string
	Timestamp time.Time
	Extras    map[string]any
}

func (f *Feeder) newBaseTxn() baseTxn {
	id := uuid.Must(uuid.NewRandomFromReader(f.rng))
	channel := channels[f.rng.Intn(len(channels))]
	extras := map[string]any{
		"transaction_type": txnTypes[f.rng.Intn(len(txnTypes))],
		"channel":          channel,
		"bank_code":        bankCodes[f.rng.Intn(len(bankCodes))],
		"reference_number": fmt.Sprintf("REF%09d", f.rng.Intn(1_000_000_000)),
		"batch_id":         fmt.Sprintf("BATCH%s%04d", time.Now().UTC().Format("20060102"), f.rng.Intn(10_000)),
		"description":      "Transaction via " + channel,
	}
	// Merchants only show up on a minority of retail transactions.
	if f.rng.Float64() < 0.3 {
		extras["merchant_id"] = fmt.Sprintf("MER%05d", f.rng.Intn(100_000))
	}
	return baseTxn{
		TxnID:     "TXN-" + id.String(),
		Amount:    round2(100 + f.rng.Float64()*(50_000-100)),
		Status:    f.chooseStatus(),
		Currency:  "INR",
		AccountID: fmt.Sprintf("ACC%09d", f.rng.Intn(1_000_000_000)),
		Timestamp: time.Now().UTC(),
		Extras:    extras,
	}
}

// chooseStatus weights outcomes the way a live payment feed does:
// mostly settled, a slice pending, a few failed.
func (f *Feeder) chooseStatus() string {
	switch n := f.rng.Intn(100); {
	case n < 80:
		return "SUCCESS"
	case n < 95:
		return "PENDING"
	default:
		return "FAILED"
	}
}

func (f *Feeder) chooseFault() fault {
	if f.rng.Float64() >= f.cfg.FaultRate {
		return faultNone
	}
	return allFaults[f.rng.Intn(len(allFaults))]
}

// payload renders the wire form of this transaction as seen by source.
func (t baseTxn) payload(source string) map[string]any {
	view := map[string]any{
		"txn_id":     t.TxnID,
		"source":     source,
		"amount":     t.Amount,
		"status":     t.Status,
		"currency":   t.Currency,
		"account_id": t.AccountID,
		"timestamp":  t.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range t.Extras {
		view[k] = v
	}
	return view
}

// applyFault corrupts one view in place. Each fault is calibrated to
// actually trip its comparison rule: drifts exceed the one-paisa
// tolerance, skews exceed the five-minute window.
func (f *Feeder) applyFault(view map[string]any, ft fault) {
	switch ft {
	case faultAmountDrift:
		amount, _ := view["amount"].(float64)
		var drift float64
		switch f.rng.Intn(3) {
		case 0:
			drift = 0.02 + f.rng.Float64()*4.98 // rounding noise
		case 1:
			drift = 10 + f.rng.Float64()*90 // fee applied by one leg
		default:
			drift = round2(amount * 0.02) // percentage processing delta
		}
		if f.rng.Intn(2) == 0 {
			drift = -drift
		}
		view["amount"] = round2(amount + drift)
	case faultStatusFlip:
		status, _ := view["status"].(string)
		switch status {
		case "PENDING":
			view["status"] = []string{"SUCCESS", "FAILED"}[f.rng.Intn(2)]
		case "SUCCESS":
			view["status"] = "PENDING"
		default:
			view["status"] = "PENDING"
		}
	case faultCurrencySwap:
		view["currency"] = []string{"Rs", "₹", "USD"}[f.rng.Intn(3)]
	case faultAccountTypo:
		account, _ := view["account_id"].(string)
		if account == "" {
			account = "ACC000000000"
		}
		view["account_id"] = typo(account, f.rng.Intn(len(account)))
	case faultTimestampSkew:
		skew := time.Duration(400+f.rng.Intn(6800)) * time.Second
		if f.rng.Intn(2) == 0 {
			skew = -skew
		}
		view["timestamp"] = time.Now().UTC().Add(skew).Format(time.RFC3339Nano)
	case faultDropField:
		fields := []string{"amount", "status", "account_id"}
		delete(view, fields[f.rng.Intn(len(fields))])
	}
}

// typo rewrites the byte at pos, wrapping digits so the result always
// differs.
func typo(s string, pos int) string {
	b := []byte(s)
	if b[pos] >= '0' && b[pos] <= '9' {
		b[pos] = '0' + (b[pos]-'0'+1)%10
	} else {
		b[pos] = 'X'
	}
	return string(b)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
