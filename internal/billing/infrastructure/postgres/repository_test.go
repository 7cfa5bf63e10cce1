package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

func TestAccountRepositoryListMetered(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM accounts\s+WHERE metered = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "board_id", "outlet_index", "recipient", "balance"}).
			AddRow("acc-1", "tenant-1", "board-1", 1, "a@example.com", "20.00").
			AddRow("acc-2", nil, "board-1", 2, nil, "-3.50"))

	accounts, err := NewAccountRepository(db).ListMetered(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, billing.OutletRef{BoardID: "board-1", Index: 2}, accounts[1].Outlet)
	assert.True(t, accounts[1].Balance.Equal(decimal.RequireFromString("-3.5")))
	assert.Empty(t, accounts[1].Recipient)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepositoryGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`WHERE id = \$1`).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	account, err := NewAccountRepository(db).Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, account)
}

func TestCheckpointRepositoryRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewCheckpointRepository(db)

	checkpoint, err := billing.NewCheckpoint("acc-1")
	require.NoError(t, err)
	sampleAt := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	_, err = checkpoint.Observe(billing.MeterSample{Timestamp: sampleAt, CumulativeEnergy: 5000}, sampleAt)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO billing_checkpoints`).
		WithArgs("acc-1", 5000.0, true, sampleAt, "tracking", sampleAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Save(context.Background(), checkpoint))

	mock.ExpectQuery(`FROM billing_checkpoints`).WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"energy", "initialized", "sample_at", "state", "updated_at"}).
			AddRow(5000.0, true, sampleAt, "regressed", sampleAt))
	loaded, err := repo.Find(context.Background(), "acc-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 5000.0, loaded.Energy())
	assert.Equal(t, billing.StateRegressed, loaded.State())
	assert.Equal(t, sampleAt, loaded.SampleAt())
	assert.False(t, loaded.IsNew())

	mock.ExpectQuery(`FROM billing_checkpoints`).WithArgs("acc-2").WillReturnError(sql.ErrNoRows)
	missing, err := repo.Find(context.Background(), "acc-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterReadingSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	source := NewMeterReadingSource(db)
	outlet := billing.OutletRef{BoardID: "board-1", Index: 3}
	ts := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`ORDER BY ts DESC\s+LIMIT 1`).WithArgs("board-1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"ts", "energy_kwh", "power_w"}).AddRow(ts, 12.5, nil))
	sample, found, err := source.LatestSample(context.Background(), outlet)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 12.5, sample.CumulativeEnergy)
	assert.False(t, sample.HasPower)

	mock.ExpectQuery(`ORDER BY ts DESC`).WithArgs("board-1", 3).WillReturnError(sql.ErrNoRows)
	_, found, err = source.LatestSample(context.Background(), outlet)
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectQuery(`ts >= \$3 AND ts <= \$4`).WithArgs("board-1", 3, ts, ts.Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"ts", "energy_kwh", "power_w"}).
			AddRow(ts, 12.5, 900.0).
			AddRow(ts.Add(time.Hour), 13.4, 900.0))
	window, err := source.SamplesBetween(context.Background(), outlet, ts, ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.True(t, window[1].HasPower)

	mock.ExpectExec(`INSERT INTO meter_samples`).
		WithArgs("board-1", 3, ts, 14.0, sql.NullFloat64{Float64: 1200, Valid: true}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, source.Record(context.Background(), billing.MeterSample{Outlet: outlet, Timestamp: ts, CumulativeEnergy: 14, Power: 1200, HasPower: true}))

	assert.ErrorIs(t, source.Record(context.Background(), billing.MeterSample{Outlet: outlet, CumulativeEnergy: -1}), billing.ErrInvalidSample)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreOverlaysConfigRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSnapshotStore(db, billing.DefaultSnapshot())

	columns := []string{"rate_per_kwh", "billing_enabled", "auto_reconnect", "notify_restore", "max_load_limit", "low_balance_threshold", "sampling"}
	mock.ExpectQuery(`FROM billing_config`).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("120", false, nil, true, nil, "25", nil))
	snapshot, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snapshot.Rate.Equal(decimal.NewFromInt(120)))
	assert.False(t, snapshot.BillingEnabled)
	assert.True(t, snapshot.NotifyRestore)
	assert.Equal(t, billing.DefaultMaxLoadLimit, snapshot.MaxLoadLimit)
	assert.Equal(t, billing.SamplingPoint, snapshot.Sampling)

	mock.ExpectQuery(`FROM billing_config`).WillReturnError(sql.ErrNoRows)
	snapshot, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snapshot.BillingEnabled)
	assert.True(t, snapshot.Rate.Equal(billing.DefaultRate))

	mock.ExpectQuery(`FROM billing_config`).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("-1", true, false, false, 0.0, "0", "point"))
	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, billing.ErrNegativeRate)
	require.NoError(t, mock.ExpectationsWereMet())
}
