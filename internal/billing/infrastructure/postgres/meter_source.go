package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

const defaultSamplesTable = "meter_samples"

// MeterReadingSource reads cumulative meter samples from Postgres.
type MeterReadingSource struct {
	db    *sql.DB
	table string
}

// NewMeterReadingSource constructs a source.
func NewMeterReadingSource(db *sql.DB) *MeterReadingSource {
	return &MeterReadingSource{db: db, table: defaultSamplesTable}
}

// LatestSample returns the newest sample of an outlet.
func (s *MeterReadingSource) LatestSample(ctx context.Context, outlet billing.OutletRef) (billing.MeterSample, bool, error) {
	if s == nil || s.db == nil {
		return billing.MeterSample{}, false, errors.New("meter source: nil db")
	}
	query := fmt.Sprintf(`
SELECT ts, energy_kwh, power_w
FROM %s
WHERE board_id = $1 AND outlet_index = $2
ORDER BY ts DESC
LIMIT 1`, s.table)

	sample, err := scanSample(s.db.QueryRowContext(ctx, query, outlet.BoardID, outlet.Index), outlet)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return billing.MeterSample{}, false, nil
		}
		return billing.MeterSample{}, false, err
	}
	return sample, true, nil
}

// SamplesBetween returns samples with from <= ts <= to, oldest first.
func (s *MeterReadingSource) SamplesBetween(ctx context.Context, outlet billing.OutletRef, from, to time.Time) ([]billing.MeterSample, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("meter source: nil db")
	}
	query := fmt.Sprintf(`
SELECT ts, energy_kwh, power_w
FROM %s
WHERE board_id = $1 AND outlet_index = $2 AND ts >= $3 AND ts <= $4
ORDER BY ts ASC`, s.table)

	rows, err := s.db.QueryContext(ctx, query, outlet.BoardID, outlet.Index, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.MeterSample
	for rows.Next() {
		sample, err := scanSample(rows, outlet)
		if err != nil {
			return nil, err
		}
		result = append(result, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Record stores a sample; duplicates of (outlet, ts) are ignored.
func (s *MeterReadingSource) Record(ctx context.Context, sample billing.MeterSample) error {
	if s == nil || s.db == nil {
		return errors.New("meter source: nil db")
	}
	if err := sample.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (board_id, outlet_index, ts, energy_kwh, power_w)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (board_id, outlet_index, ts) DO NOTHING`, s.table)

	var power sql.NullFloat64
	if sample.HasPower {
		power = sql.NullFloat64{Float64: sample.Power, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query, sample.Outlet.BoardID, sample.Outlet.Index, sample.Timestamp.UTC(), sample.CumulativeEnergy, power)
	return err
}

func scanSample(row rowScanner, outlet billing.OutletRef) (billing.MeterSample, error) {
	var (
		sample = billing.MeterSample{Outlet: outlet}
		power  sql.NullFloat64
	)
	if err := row.Scan(&sample.Timestamp, &sample.CumulativeEnergy, &power); err != nil {
		return billing.MeterSample{}, err
	}
	sample.Timestamp = sample.Timestamp.UTC()
	if power.Valid {
		sample.Power = power.Float64
		sample.HasPower = true
	}
	return sample, nil
}
