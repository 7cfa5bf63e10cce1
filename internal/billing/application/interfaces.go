package application

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
)

// MeterReadingSource returns the most recent sample for an outlet.
// found is false when the outlet has never reported.
type MeterReadingSource interface {
	LatestSample(ctx context.Context, outlet billing.OutletRef) (billing.MeterSample, bool, error)
}

// SampleWindowSource serves all samples of an outlet inside [from, to].
type SampleWindowSource interface {
	SamplesBetween(ctx context.Context, outlet billing.OutletRef, from, to time.Time) ([]billing.MeterSample, error)
}

// TariffProvider resolves the price per kWh for an account.
type TariffProvider interface {
	RateFor(ctx context.Context, accountID string, snapshot billing.Snapshot) (decimal.Decimal, error)
}

// AccountLedger owns balances and the append-only transaction log.
// PostUsage is ApplyUsageCharge with the billed reading stamped on the record;
// LastUsage returns the newest stamped usage record or nil.
type AccountLedger interface {
	ApplyUsageCharge(ctx context.Context, accountID string, energyDelta float64, amount decimal.Decimal) (*billing.Transaction, error)
	PostUsage(ctx context.Context, accountID string, charge billing.UsageCharge) (*billing.Transaction, error)
	LastUsage(ctx context.Context, accountID string) (*billing.Transaction, error)
	ApplyCredit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*billing.Transaction, error)
	CurrentBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	HasCreditSince(ctx context.Context, accountID string, since time.Time) (bool, error)
	ListTransactions(ctx context.Context, accountID string, filter billing.TransactionFilter) ([]billing.Transaction, int, error)
}

// PowerController reconciles outlet hardware against a desired state.
type PowerController interface {
	Current(ctx context.Context, outlet billing.OutletRef) (*power.CommandState, error)
	SetDesired(ctx context.Context, outlet billing.OutletRef, state power.State) (power.Transition, error)
}

// AlertDispatcher is fire-and-forget: it never reports delivery failures.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert Alert)
}

// SnapshotSource loads the configuration a pass runs against.
type SnapshotSource interface {
	Load(ctx context.Context) (billing.Snapshot, error)
}

// Locker serializes work per key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// StaticSnapshot always returns the same configuration.
type StaticSnapshot struct {
	Snapshot billing.Snapshot
}

// Load returns the normalized snapshot.
func (s StaticSnapshot) Load(ctx context.Context) (billing.Snapshot, error) {
	_ = ctx
	return s.Snapshot.Normalize()
}
