package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

// FixedPriceProvider returns one rate for every account.
type FixedPriceProvider struct {
	rate decimal.Decimal
}

// NewFixedPriceProvider constructs a provider; zero falls back to the snapshot rate.
func NewFixedPriceProvider(rate decimal.Decimal) (*FixedPriceProvider, error) {
	if rate.IsNegative() {
		return nil, billing.ErrNegativeRate
	}
	return &FixedPriceProvider{rate: rate}, nil
}

// RateFor returns the fixed rate.
func (p *FixedPriceProvider) RateFor(ctx context.Context, accountID string, snapshot billing.Snapshot) (decimal.Decimal, error) {
	_ = ctx
	if accountID == "" {
		return decimal.Zero, billing.ErrEmptyAccountID
	}
	if p != nil && p.rate.IsPositive() {
		return p.rate, nil
	}
	return snapshotRate(snapshot)
}
