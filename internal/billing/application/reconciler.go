package application

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	"github.com/corybantes/smart-distribution-board/internal/observability/metrics"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
)

// Reconciler settles one account against its latest meter sample and
// normalises the outlet power state from the resulting balance.
type Reconciler struct {
	meters      MeterReadingSource
	checkpoints billing.CheckpointRepository
	tariffs     TariffProvider
	ledger      AccountLedger
	power       PowerController
	alerts      AlertDispatcher
	strategies  map[billing.SamplingMode]SamplingStrategy
	clock       Clock
	logger      *zap.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the clock.
func WithReconcilerClock(clock Clock) ReconcilerOption {
	return func(r *Reconciler) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAlertDispatcher sets the alert dispatcher.
func WithAlertDispatcher(alerts AlertDispatcher) ReconcilerOption {
	return func(r *Reconciler) {
		if alerts != nil {
			r.alerts = alerts
		}
	}
}

// WithSamplingStrategy registers the strategy used for a sampling mode.
func WithSamplingStrategy(mode billing.SamplingMode, strategy SamplingStrategy) ReconcilerOption {
	return func(r *Reconciler) {
		if strategy != nil {
			r.strategies[mode] = strategy
		}
	}
}

// NewReconciler constructs a reconciler.
func NewReconciler(
	meters MeterReadingSource,
	checkpoints billing.CheckpointRepository,
	tariffs TariffProvider,
	ledger AccountLedger,
	controller PowerController,
	opts ...ReconcilerOption,
) (*Reconciler, error) {
	if meters == nil {
		return nil, errors.New("billing reconciler: nil meter source")
	}
	if checkpoints == nil {
		return nil, errors.New("billing reconciler: nil checkpoint repo")
	}
	if tariffs == nil {
		return nil, errors.New("billing reconciler: nil tariff provider")
	}
	if ledger == nil {
		return nil, errors.New("billing reconciler: nil ledger")
	}
	if controller == nil {
		return nil, errors.New("billing reconciler: nil power controller")
	}
	r := &Reconciler{
		meters:      meters,
		checkpoints: checkpoints,
		tariffs:     tariffs,
		ledger:      ledger,
		power:       controller,
		alerts:      nopDispatcher{},
		strategies: map[billing.SamplingMode]SamplingStrategy{
			billing.SamplingPoint: PointSampling{},
		},
		clock:  SystemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, ok := r.strategies[billing.SamplingTrapezoid]; !ok {
		if window, ok := meters.(SampleWindowSource); ok {
			r.strategies[billing.SamplingTrapezoid] = &TrapezoidSampling{window: window}
		}
	}
	return r, nil
}

// checkpointWriteTimeout bounds the checkpoint save, which runs detached from
// the account deadline once a charge is committed.
const checkpointWriteTimeout = 10 * time.Second

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, Alert) {}

// Reconcile runs the billing algorithm for one account. Errors are reported
// in the result and never returned.
func (r *Reconciler) Reconcile(ctx context.Context, account billing.Account, snapshot billing.Snapshot) AccountResult {
	start := r.clock.Now()
	result := AccountResult{
		AccountID: account.ID,
		Outlet:    account.Outlet.String(),
		Amount:    decimal.Zero,
		Balance:   account.Balance,
	}
	r.reconcile(ctx, account, snapshot, &result)
	result.Duration = r.clock.Now().Sub(start)
	return result
}

func (r *Reconciler) reconcile(ctx context.Context, account billing.Account, snapshot billing.Snapshot, result *AccountResult) {
	logger := r.logger.With(zap.String("account_id", account.ID), zap.String("outlet", account.Outlet.String()))

	if !snapshot.BillingEnabled {
		skip(result, ReasonBillingDisabled)
		return
	}

	sample, found, err := r.meters.LatestSample(ctx, account.Outlet)
	if err != nil {
		fail(result, ReasonSampleRead, err)
		logger.Warn("meter sample read failed", zap.Error(err))
		return
	}
	if !found {
		skip(result, ReasonNoSample)
		return
	}
	if err := sample.Validate(); err != nil {
		skip(result, ReasonInvalidSample)
		logger.Warn("invalid meter sample", zap.Float64("energy", sample.CumulativeEnergy), zap.Error(err))
		return
	}

	checkpoint, err := r.checkpoints.Find(ctx, account.ID)
	if err != nil {
		fail(result, ReasonCheckpointRead, err)
		logger.Warn("checkpoint read failed", zap.Error(err))
		return
	}
	if checkpoint == nil {
		checkpoint, err = billing.NewCheckpoint(account.ID)
		if err != nil {
			fail(result, ReasonCheckpointRead, err)
			return
		}
	}

	now := r.clock.Now().UTC()
	last, err := r.ledger.LastUsage(ctx, account.ID)
	if err != nil {
		fail(result, ReasonLedgerRead, err)
		logger.Warn("last usage read failed", zap.Error(err))
		return
	}
	if last != nil {
		before := checkpoint.Energy()
		if checkpoint.CatchUp(*last, now) {
			logger.Warn("checkpoint behind ledger, catching up",
				zap.Float64("checkpoint_energy", before),
				zap.Float64("billed_energy", last.MeterEnergy),
				zap.String("transaction_id", last.ID),
			)
		}
	}

	obs, err := checkpoint.Observe(sample, now)
	if err != nil {
		skip(result, ReasonInvalidSample)
		return
	}

	var (
		tx        *billing.Transaction
		amount    = decimal.Zero
		chargeErr error
		persist   = true
	)
	switch obs.Kind {
	case billing.ObservationBaseline:
		result.Reason = ReasonBaseline
	case billing.ObservationReset:
		result.Reason = ReasonMeterReset
		logger.Info("meter reset detected", zap.Float64("previous", obs.Previous), zap.Float64("current", obs.Current))
	case billing.ObservationStale:
		result.Reason = ReasonStaleSample
		persist = false
	case billing.ObservationUnchanged:
		result.Reason = ReasonNoUsage
	}

	if obs.Billable() {
		delta := r.energyDelta(ctx, account, snapshot, obs, sample, logger)
		rate, err := r.tariffs.RateFor(ctx, account.ID, snapshot)
		if err != nil {
			if errors.Is(err, billing.ErrNegativeRate) {
				skip(result, ReasonInvalidRate)
				result.Error = err.Error()
			} else {
				fail(result, ReasonTariffRead, err)
			}
			logger.Warn("tariff resolution failed", zap.Error(err))
			return
		}
		amount = billing.UsageAmount(delta, rate)
		result.EnergyDelta = delta
		if amount.IsZero() {
			// Sub-cent usage stays on the meter until it prices above zero,
			// so the checkpoint is not advanced (TestSubCentUsageCarriesForward).
			result.Reason = ReasonNoUsage
			persist = false
		} else {
			tx, chargeErr = r.ledger.PostUsage(ctx, account.ID, billing.UsageCharge{
				EnergyDelta: delta,
				Amount:      amount,
				SampleAt:    sample.Timestamp,
				MeterEnergy: sample.CumulativeEnergy,
			})
			if chargeErr == nil && tx != nil {
				result.Amount = amount
				amountF, _ := amount.Float64()
				metrics.AddCharge(amountF, delta)
			}
		}
	}

	if chargeErr != nil {
		fail(result, ReasonLedgerWrite, chargeErr)
		logger.Error("usage charge failed",
			zap.Float64("energy_delta", result.EnergyDelta),
			zap.String("amount", amount.StringFixed(2)),
			zap.Error(chargeErr),
		)
	}
	if persist {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointWriteTimeout)
		err := r.checkpoints.Save(saveCtx, checkpoint)
		cancel()
		if err != nil {
			fail(result, ReasonCheckpointWrite, err)
			fields := []zap.Field{zap.Float64("energy", checkpoint.Energy()), zap.Error(err)}
			if tx != nil {
				fields = append(fields, zap.String("transaction_id", tx.ID))
			}
			logger.Error("checkpoint write failed", fields...)
		} else {
			checkpoint.MarkPersisted()
		}
	}

	balance, err := r.ledger.CurrentBalance(ctx, account.ID)
	if err != nil {
		fail(result, ReasonBalanceRead, err)
		logger.Warn("balance read failed", zap.Error(err))
		return
	}
	result.Balance = balance

	desired, held, err := r.desiredState(ctx, account, snapshot, balance)
	if err != nil {
		fail(result, ReasonPowerRead, err)
		logger.Warn("power state read failed", zap.Error(err))
		return
	}
	result.PowerState = string(desired)

	transition, err := r.power.SetDesired(ctx, account.Outlet, desired)
	if err != nil {
		fail(result, ReasonPowerDelivery, err)
		logger.Warn("power command failed", zap.String("state", string(desired)), zap.Error(err))
	}

	r.raiseAlerts(ctx, account, snapshot, sample, obs, transition, tx, amount, balance, now)

	switch {
	case result.Status == StatusFailed:
	case held:
		result.Reason = ReasonAwaitingTopUp
		if tx != nil {
			result.Status = StatusBilled
		} else {
			result.Status = StatusSkipped
		}
	case tx != nil:
		result.Status = StatusBilled
		result.Reason = ""
	default:
		if result.Reason == "" {
			result.Reason = ReasonNoUsage
		}
		result.Status = StatusSkipped
	}
}

func (r *Reconciler) energyDelta(ctx context.Context, account billing.Account, snapshot billing.Snapshot, obs billing.Observation, sample billing.MeterSample, logger *zap.Logger) float64 {
	strategy, ok := r.strategies[snapshot.Sampling]
	if !ok {
		return obs.Delta
	}
	delta, err := strategy.Delta(ctx, account.Outlet, obs, sample)
	if err != nil {
		logger.Warn("sampling strategy failed, using counter delta", zap.String("sampling", string(snapshot.Sampling)), zap.Error(err))
		return obs.Delta
	}
	return delta
}

// desiredState maps the balance to ON/OFF. A cut outlet stays OFF until a
// credit lands after the cutoff unless auto reconnect is enabled.
func (r *Reconciler) desiredState(ctx context.Context, account billing.Account, snapshot billing.Snapshot, balance decimal.Decimal) (power.State, bool, error) {
	if !balance.IsPositive() {
		return power.StateOff, false, nil
	}
	if snapshot.AutoReconnect {
		return power.StateOn, false, nil
	}
	previous, err := r.power.Current(ctx, account.Outlet)
	if err != nil {
		return "", false, err
	}
	if previous == nil || previous.Desired != power.StateOff {
		return power.StateOn, false, nil
	}
	credited, err := r.ledger.HasCreditSince(ctx, account.ID, previous.LastAppliedAt)
	if err != nil {
		return "", false, err
	}
	if !credited {
		return power.StateOff, true, nil
	}
	return power.StateOn, false, nil
}

func (r *Reconciler) raiseAlerts(
	ctx context.Context,
	account billing.Account,
	snapshot billing.Snapshot,
	sample billing.MeterSample,
	obs billing.Observation,
	transition power.Transition,
	tx *billing.Transaction,
	amount decimal.Decimal,
	balance decimal.Decimal,
	now time.Time,
) {
	if transition.Changed && transition.Current == power.StateOff {
		r.alerts.Dispatch(ctx, cutoffAlert(account, balance, now))
	}
	if transition.Changed && transition.Current == power.StateOn && transition.Previous == power.StateOff && snapshot.NotifyRestore {
		r.alerts.Dispatch(ctx, activeAlert(account, balance, now))
	}
	fresh := obs.Kind != billing.ObservationStale &&
		(obs.PreviousSampleAt.IsZero() || sample.Timestamp.After(obs.PreviousSampleAt))
	if fresh && sample.HasPower && snapshot.MaxLoadLimit > 0 && sample.Power > snapshot.MaxLoadLimit {
		r.alerts.Dispatch(ctx, overloadAlert(account, sample, snapshot.MaxLoadLimit, now))
	}
	if tx != nil && snapshot.LowBalanceThreshold.IsPositive() {
		before := balance.Add(amount)
		if before.GreaterThan(snapshot.LowBalanceThreshold) && balance.IsPositive() && balance.LessThanOrEqual(snapshot.LowBalanceThreshold) {
			r.alerts.Dispatch(ctx, lowBalanceAlert(account, balance, now))
		}
	}
}

func skip(result *AccountResult, reason string) {
	result.Status = StatusSkipped
	result.Reason = reason
}

// fail keeps the first failure reason.
func fail(result *AccountResult, reason string, err error) {
	if result.Status == StatusFailed {
		return
	}
	result.Status = StatusFailed
	result.Reason = reason
	if err != nil {
		result.Error = err.Error()
	}
}
