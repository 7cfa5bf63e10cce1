package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

const defaultConfigTable = "billing_config"

// SnapshotStore overlays the billing_config row on a base snapshot.
type SnapshotStore struct {
	db    *sql.DB
	table string
	base  billing.Snapshot
}

// NewSnapshotStore constructs a store. base supplies values when no row exists.
func NewSnapshotStore(db *sql.DB, base billing.Snapshot) *SnapshotStore {
	return &SnapshotStore{db: db, table: defaultConfigTable, base: base}
}

// Load reads the runtime configuration once and normalizes it.
func (s *SnapshotStore) Load(ctx context.Context) (billing.Snapshot, error) {
	if s == nil || s.db == nil {
		return billing.Snapshot{}, errors.New("snapshot store: nil db")
	}
	query := fmt.Sprintf(`
SELECT rate_per_kwh, billing_enabled, auto_reconnect, notify_restore,
	max_load_limit, low_balance_threshold, sampling
FROM %s
WHERE id = 1
LIMIT 1`, s.table)

	var (
		rate          decimal.NullDecimal
		enabled       sql.NullBool
		autoReconnect sql.NullBool
		notifyRestore sql.NullBool
		maxLoad       sql.NullFloat64
		lowBalance    decimal.NullDecimal
		sampling      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query).Scan(&rate, &enabled, &autoReconnect, &notifyRestore, &maxLoad, &lowBalance, &sampling)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.base.Normalize()
		}
		return billing.Snapshot{}, err
	}

	snapshot := s.base
	if rate.Valid {
		snapshot.Rate = rate.Decimal
	}
	if enabled.Valid {
		snapshot.BillingEnabled = enabled.Bool
	}
	if autoReconnect.Valid {
		snapshot.AutoReconnect = autoReconnect.Bool
	}
	if notifyRestore.Valid {
		snapshot.NotifyRestore = notifyRestore.Bool
	}
	if maxLoad.Valid {
		snapshot.MaxLoadLimit = maxLoad.Float64
	}
	if lowBalance.Valid {
		snapshot.LowBalanceThreshold = lowBalance.Decimal
	}
	if sampling.Valid && sampling.String != "" {
		snapshot.Sampling = billing.SamplingMode(sampling.String)
	}
	return snapshot.Normalize()
}
