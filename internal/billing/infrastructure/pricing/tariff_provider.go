package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

const (
	defaultOverridesTable = "tariff_overrides"
	defaultCacheTTL       = time.Minute
)

// noOverride marks a cached miss so absent overrides are not re-queried.
type noOverride struct{}

// TariffProvider resolves the rate per kWh: per-account override, then the
// snapshot rate, then billing.DefaultRate.
type TariffProvider struct {
	db             *sql.DB
	overridesTable string
	cache          *cache.Cache
}

// TariffOption configures the provider.
type TariffOption func(*TariffProvider)

// WithOverridesTable overrides the overrides table name.
func WithOverridesTable(table string) TariffOption {
	return func(p *TariffProvider) {
		if table != "" {
			p.overridesTable = table
		}
	}
}

// WithCacheTTL sets how long an override lookup is cached.
func WithCacheTTL(ttl time.Duration) TariffOption {
	return func(p *TariffProvider) {
		if ttl > 0 {
			p.cache = cache.New(ttl, 2*ttl)
		}
	}
}

// NewTariffProvider constructs a provider. A nil db serves snapshot rates only.
func NewTariffProvider(db *sql.DB, opts ...TariffOption) *TariffProvider {
	p := &TariffProvider{
		db:             db,
		overridesTable: defaultOverridesTable,
		cache:          cache.New(defaultCacheTTL, 2*defaultCacheTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RateFor returns the rate for an account. Zero resolves to the next level.
func (p *TariffProvider) RateFor(ctx context.Context, accountID string, snapshot billing.Snapshot) (decimal.Decimal, error) {
	if accountID == "" {
		return decimal.Zero, billing.ErrEmptyAccountID
	}
	if p != nil && p.db != nil {
		override, found, err := p.override(ctx, accountID)
		if err != nil {
			return decimal.Zero, err
		}
		if found {
			if override.IsNegative() {
				return decimal.Zero, fmt.Errorf("account %s: %w", accountID, billing.ErrNegativeRate)
			}
			if override.IsPositive() {
				return override, nil
			}
		}
	}
	return snapshotRate(snapshot)
}

// Invalidate drops the cached override of an account.
func (p *TariffProvider) Invalidate(accountID string) {
	if p != nil && p.cache != nil {
		p.cache.Delete(accountID)
	}
}

func (p *TariffProvider) override(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	if cached, ok := p.cache.Get(accountID); ok {
		switch value := cached.(type) {
		case decimal.Decimal:
			return value, true, nil
		case noOverride:
			return decimal.Zero, false, nil
		}
	}

	query := fmt.Sprintf(`
SELECT rate_per_kwh
FROM %s
WHERE account_id = $1
LIMIT 1`, p.overridesTable)

	var rate decimal.Decimal
	if err := p.db.QueryRowContext(ctx, query, accountID).Scan(&rate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			p.cache.SetDefault(accountID, noOverride{})
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	p.cache.SetDefault(accountID, rate)
	return rate, true, nil
}

func snapshotRate(snapshot billing.Snapshot) (decimal.Decimal, error) {
	if snapshot.Rate.IsNegative() {
		return decimal.Zero, billing.ErrNegativeRate
	}
	if snapshot.Rate.IsPositive() {
		return snapshot.Rate, nil
	}
	return billing.DefaultRate, nil
}
