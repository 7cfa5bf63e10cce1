package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes usage debits from credits.
type TransactionKind string

const (
	KindUsage  TransactionKind = "usage"
	KindCredit TransactionKind = "credit"
)

// StatusPosted is the only status a ledger record can carry.
const StatusPosted = "posted"

// Transaction is one append-only ledger record.
type Transaction struct {
	ID          string
	AccountID   string
	Amount      decimal.Decimal
	EnergyDelta float64
	Kind        TransactionKind
	Status      string
	Reference   string
	CreatedAt   time.Time
	// SampleAt and MeterEnergy identify the meter reading a usage record billed up to.
	SampleAt    time.Time
	MeterEnergy float64
}

// UsageCharge is a metered debit stamped with the reading it covers.
type UsageCharge struct {
	EnergyDelta float64
	Amount      decimal.Decimal
	SampleAt    time.Time
	MeterEnergy float64
}

// TransactionFilter narrows ledger history queries.
type TransactionFilter struct {
	From  time.Time
	To    time.Time
	Page  int
	Limit int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 500
)

// Normalize applies paging defaults.
func (f TransactionFilter) Normalize() TransactionFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return f
}

// Offset returns the row offset for the page.
func (f TransactionFilter) Offset() int {
	f = f.Normalize()
	return (f.Page - 1) * f.Limit
}

// Includes reports whether a timestamp falls inside the filter window.
func (f TransactionFilter) Includes(at time.Time) bool {
	if !f.From.IsZero() && at.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && at.After(f.To) {
		return false
	}
	return true
}

// RoundAmount rounds a currency amount to two decimal places.
func RoundAmount(value decimal.Decimal) decimal.Decimal {
	return value.Round(2)
}

// UsageAmount prices an energy delta at a rate.
func UsageAmount(delta float64, rate decimal.Decimal) decimal.Decimal {
	return RoundAmount(decimal.NewFromFloat(delta).Mul(rate))
}
