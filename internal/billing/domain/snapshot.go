package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultRate is the price per kWh used when nothing else is configured.
var DefaultRate = decimal.NewFromInt(100)

// DefaultMaxLoadLimit is the overload threshold in watts.
const DefaultMaxLoadLimit = 5000.0

// SamplingMode selects how billable energy is derived from samples.
type SamplingMode string

const (
	SamplingPoint     SamplingMode = "point"
	SamplingTrapezoid SamplingMode = "trapezoid"
)

// Snapshot is the configuration a reconciliation pass runs against.
// It is read once at the start of a pass.
type Snapshot struct {
	Rate                decimal.Decimal
	BillingEnabled      bool
	AutoReconnect       bool
	NotifyRestore       bool
	MaxLoadLimit        float64
	LowBalanceThreshold decimal.Decimal
	Sampling            SamplingMode
}

// DefaultSnapshot returns the system-wide defaults.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Rate:           DefaultRate,
		BillingEnabled: true,
		MaxLoadLimit:   DefaultMaxLoadLimit,
		Sampling:       SamplingPoint,
	}
}

// Normalize fills zero values with defaults and rejects negative numbers.
func (s Snapshot) Normalize() (Snapshot, error) {
	if s.Rate.IsNegative() {
		return s, ErrNegativeRate
	}
	if s.Rate.IsZero() {
		s.Rate = DefaultRate
	}
	if s.MaxLoadLimit < 0 {
		return s, fmt.Errorf("%w: negative max load limit", ErrInvalidSnapshot)
	}
	if s.MaxLoadLimit == 0 {
		s.MaxLoadLimit = DefaultMaxLoadLimit
	}
	if s.LowBalanceThreshold.IsNegative() {
		return s, fmt.Errorf("%w: negative low balance threshold", ErrInvalidSnapshot)
	}
	switch s.Sampling {
	case SamplingPoint, SamplingTrapezoid:
	case "":
		s.Sampling = SamplingPoint
	default:
		return s, fmt.Errorf("%w: unknown sampling mode %q", ErrInvalidSnapshot, s.Sampling)
	}
	return s, nil
}
