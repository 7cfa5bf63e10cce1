package application

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	"github.com/corybantes/smart-distribution-board/internal/billing/infrastructure/memory"
	powerapp "github.com/corybantes/smart-distribution-board/internal/power/application"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
	powermemory "github.com/corybantes/smart-distribution-board/internal/power/infrastructure/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingAlerts) Dispatch(_ context.Context, alert Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
}

func (r *recordingAlerts) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.alerts))
	for _, alert := range r.alerts {
		out = append(out, alert.EventType)
	}
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	fail  error
	calls []power.State
}

func (s *recordingSink) SetOutlet(_ context.Context, _ billing.OutletRef, state power.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.calls = append(s.calls, state)
	return nil
}

func (s *recordingSink) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *recordingSink) Calls() []power.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]power.State(nil), s.calls...)
}

type snapshotTariff struct {
	err error
}

func (t snapshotTariff) RateFor(_ context.Context, _ string, snapshot billing.Snapshot) (decimal.Decimal, error) {
	if t.err != nil {
		return decimal.Zero, t.err
	}
	return snapshot.Rate, nil
}

type fixture struct {
	clock       *testClock
	accounts    *memory.AccountRepository
	checkpoints *memory.CheckpointRepository
	meters      *memory.MeterSource
	ledger      *memory.Ledger
	states      *powermemory.StateRepository
	sink        *recordingSink
	alerts      *recordingAlerts
	reconciler  *Reconciler
}

var (
	outletA = billing.OutletRef{BoardID: "board-1", Index: 1}
	outletB = billing.OutletRef{BoardID: "board-1", Index: 2}
)

func newFixture(t *testing.T, tariff TariffProvider) *fixture {
	t.Helper()
	clock := newTestClock()
	f := &fixture{
		clock:       clock,
		accounts:    memory.NewAccountRepository(),
		checkpoints: memory.NewCheckpointRepository(),
		meters:      memory.NewMeterSource(),
		ledger:      memory.NewLedger().WithNow(clock.Now),
		states:      powermemory.NewStateRepository(),
		sink:        &recordingSink{},
		alerts:      &recordingAlerts{},
	}
	controller, err := powerapp.NewController(f.states, f.sink, powerapp.WithClock(clock))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if tariff == nil {
		tariff = snapshotTariff{}
	}
	f.reconciler, err = NewReconciler(f.meters, f.checkpoints, tariff, f.ledger, controller,
		WithReconcilerClock(clock),
		WithAlertDispatcher(f.alerts),
	)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return f
}

func (f *fixture) open(t *testing.T, id string, outlet billing.OutletRef, balance int64) billing.Account {
	t.Helper()
	account := billing.Account{ID: id, TenantID: "tenant-1", Outlet: outlet, Recipient: id + "@example.com"}
	if err := f.accounts.Put(account); err != nil {
		t.Fatalf("put account: %v", err)
	}
	f.ledger.Open(id, decimal.NewFromInt(balance))
	return account
}

func (f *fixture) record(outlet billing.OutletRef, energy float64) {
	f.meters.Record(billing.MeterSample{Outlet: outlet, Timestamp: f.clock.Now(), CumulativeEnergy: energy})
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	balance, err := f.ledger.CurrentBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func (f *fixture) checkpointEnergy(t *testing.T, id string) float64 {
	t.Helper()
	checkpoint, err := f.checkpoints.Find(context.Background(), id)
	if err != nil || checkpoint == nil {
		t.Fatalf("checkpoint %s: %v", id, err)
	}
	return checkpoint.Energy()
}

func snapshotWithRate(rate int64) billing.Snapshot {
	snapshot := billing.DefaultSnapshot()
	snapshot.Rate = decimal.NewFromInt(rate)
	return snapshot
}

// baseline establishes a checkpoint at energy and advances the clock.
func (f *fixture) baseline(t *testing.T, account billing.Account, energy float64, snapshot billing.Snapshot) {
	t.Helper()
	f.record(account.Outlet, energy)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonBaseline {
		t.Fatalf("expected baseline, got %+v", res)
	}
	f.clock.Advance(5 * time.Minute)
}

func assertDecimal(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: expected %s, got %s", label, want, got.String())
	}
}

func TestFirstRunTakesBaselineWithoutCharge(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 100)
	f.record(outletA, 5000)

	res := f.reconciler.Reconcile(context.Background(), account, snapshotWithRate(100))
	if res.Status != StatusSkipped || res.Reason != ReasonBaseline {
		t.Fatalf("expected skipped baseline, got %+v", res)
	}
	assertDecimal(t, "amount", res.Amount, "0")
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "100")
	if got := f.checkpointEnergy(t, "acc-1"); got != 5000 {
		t.Fatalf("expected checkpoint 5000, got %v", got)
	}
	if res.PowerState != string(power.StateOn) {
		t.Fatalf("expected ON, got %s", res.PowerState)
	}
	if len(f.ledger.Transactions("acc-1")) != 1 {
		t.Fatalf("baseline must not post usage records")
	}
}

func TestChargeCutsPowerWhenBalanceGoesNegative(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 50)
	snapshot := snapshotWithRate(40)
	f.baseline(t, account, 10, snapshot)

	f.record(outletA, 12)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusBilled {
		t.Fatalf("expected billed, got %+v", res)
	}
	assertDecimal(t, "amount", res.Amount, "80")
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "-30")
	if res.PowerState != string(power.StateOff) {
		t.Fatalf("expected OFF, got %s", res.PowerState)
	}
	if got := f.alerts.Events(); len(got) != 1 || got[0] != EventCutoff {
		t.Fatalf("expected one cutoff alert, got %v", got)
	}
	txs := f.ledger.Transactions("acc-1")
	last := txs[len(txs)-1]
	if last.Kind != billing.KindUsage || last.EnergyDelta != 2 || last.Status != billing.StatusPosted {
		t.Fatalf("unexpected usage record %+v", last)
	}
	assertDecimal(t, "record amount", last.Amount, "-80")

	f.clock.Advance(5 * time.Minute)
	res = f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonNoUsage {
		t.Fatalf("expected idle rerun, got %+v", res)
	}
	if got := f.alerts.Events(); len(got) != 1 {
		t.Fatalf("cutoff must fire once, got %v", got)
	}
	if got := f.sink.Calls(); len(got) != 2 || got[1] != power.StateOff {
		t.Fatalf("expected ON then OFF, got %v", got)
	}
}

func TestMeterResetBecomesNewBaseline(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 100)
	snapshot := snapshotWithRate(100)
	f.baseline(t, account, 1000, snapshot)

	f.record(outletA, 10)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonMeterReset {
		t.Fatalf("expected meter reset, got %+v", res)
	}
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "100")
	if got := f.checkpointEnergy(t, "acc-1"); got != 10 {
		t.Fatalf("expected checkpoint 10, got %v", got)
	}
	checkpoint, _ := f.checkpoints.Find(context.Background(), "acc-1")
	if checkpoint.State() != billing.StateRegressed {
		t.Fatalf("expected regressed state, got %s", checkpoint.State())
	}
}

func TestMissingRateFallsBackToDefault(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 500)
	snapshot, err := StaticSnapshot{Snapshot: billing.Snapshot{BillingEnabled: true}}.Load(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	f.baseline(t, account, 20, snapshot)

	f.record(outletA, 21)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	assertDecimal(t, "amount", res.Amount, "100")
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "400")
}

func TestChargeToExactlyZeroCutsPower(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 200)
	snapshot := snapshotWithRate(50)
	f.baseline(t, account, 100.0, snapshot)

	f.record(outletA, 104.0)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	assertDecimal(t, "amount", res.Amount, "200")
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "0")
	if res.PowerState != string(power.StateOff) {
		t.Fatalf("zero balance must cut power, got %s", res.PowerState)
	}
}

func TestRepeatedSampleIsBilledOnce(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 1000)
	snapshot := snapshotWithRate(10)
	f.baseline(t, account, 0, snapshot)

	f.record(outletA, 3)
	for i := 0; i < 3; i++ {
		f.reconciler.Reconcile(context.Background(), account, snapshot)
		f.clock.Advance(time.Minute)
	}
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "970")

	sum := decimal.Zero
	for _, tx := range f.ledger.Transactions("acc-1") {
		sum = sum.Add(tx.Amount)
	}
	assertDecimal(t, "ledger sum", sum, f.balance(t, "acc-1").String())
}

func TestCheckpointAdvancesWhenLedgerFails(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 100)
	snapshot := snapshotWithRate(10)
	f.baseline(t, account, 5, snapshot)

	f.record(outletA, 7)
	f.ledger.FailNext(errors.New("ledger unavailable"))
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusFailed || res.Reason != ReasonLedgerWrite {
		t.Fatalf("expected ledger failure, got %+v", res)
	}
	if got := f.checkpointEnergy(t, "acc-1"); got != 7 {
		t.Fatalf("checkpoint must advance past a failed charge, got %v", got)
	}
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "100")
	if res.PowerState != string(power.StateOn) {
		t.Fatalf("power still normalised, got %q", res.PowerState)
	}
}

func TestInvalidRateLeavesCheckpoint(t *testing.T) {
	f := newFixture(t, snapshotTariff{err: billing.ErrNegativeRate})
	account := f.open(t, "acc-1", outletA, 100)
	snapshot := snapshotWithRate(10)
	f.baseline(t, account, 5, snapshot)

	f.record(outletA, 9)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonInvalidRate {
		t.Fatalf("expected invalid rate skip, got %+v", res)
	}
	if got := f.checkpointEnergy(t, "acc-1"); got != 5 {
		t.Fatalf("checkpoint must stay at 5, got %v", got)
	}
}

func TestSkipsWithoutUsableSample(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 100)
	snapshot := snapshotWithRate(10)

	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonNoSample {
		t.Fatalf("expected no_sample, got %+v", res)
	}

	f.meters.Record(billing.MeterSample{Outlet: outletA, Timestamp: f.clock.Now(), CumulativeEnergy: math.NaN()})
	res = f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonInvalidSample {
		t.Fatalf("expected invalid_sample, got %+v", res)
	}
	if checkpoint, _ := f.checkpoints.Find(context.Background(), "acc-1"); checkpoint != nil {
		t.Fatalf("no checkpoint expected, got %+v", checkpoint)
	}
	if len(f.sink.Calls()) != 0 {
		t.Fatalf("skipped accounts must not command power")
	}
}

func TestBillingDisabledTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 100)
	f.record(outletA, 50)
	snapshot := snapshotWithRate(10)
	snapshot.BillingEnabled = false

	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonBillingDisabled {
		t.Fatalf("expected billing_disabled, got %+v", res)
	}
	if checkpoint, _ := f.checkpoints.Find(context.Background(), "acc-1"); checkpoint != nil {
		t.Fatalf("checkpoint must not be written")
	}
}

func TestStaleSampleIsNotBilled(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 100)
	snapshot := snapshotWithRate(10)
	f.baseline(t, account, 5, snapshot)

	stale := memory.NewMeterSource()
	stale.Record(billing.MeterSample{Outlet: outletA, Timestamp: f.clock.Now().Add(-time.Hour), CumulativeEnergy: 9})
	reconciler, err := NewReconciler(stale, f.checkpoints, snapshotTariff{}, f.ledger, mustController(t, f), WithReconcilerClock(f.clock))
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	res := reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonStaleSample {
		t.Fatalf("expected stale sample, got %+v", res)
	}
	if got := f.checkpointEnergy(t, "acc-1"); got != 5 {
		t.Fatalf("checkpoint must stay at 5, got %v", got)
	}
	if res.PowerState != string(power.StateOn) {
		t.Fatalf("power still normalised, got %q", res.PowerState)
	}
}

func mustController(t *testing.T, f *fixture) *powerapp.Controller {
	t.Helper()
	controller, err := powerapp.NewController(f.states, f.sink, powerapp.WithClock(f.clock))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return controller
}

func TestCutOutletWaitsForTopUp(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 100)
	snapshot := snapshotWithRate(10)
	snapshot.NotifyRestore = true

	// outlet was cut after the opening credit
	cutAt := f.clock.Advance(time.Minute)
	if err := f.states.Save(context.Background(), &power.CommandState{
		Outlet: outletA, Desired: power.StateOff, Delivered: true, LastAppliedAt: cutAt, UpdatedAt: cutAt,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	f.clock.Advance(time.Minute)
	f.record(outletA, 3)

	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.PowerState != string(power.StateOff) || res.Reason != ReasonAwaitingTopUp {
		t.Fatalf("expected held OFF, got %+v", res)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.ledger.ApplyCredit(context.Background(), "acc-1", decimal.NewFromInt(20), "mpesa-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	f.clock.Advance(time.Minute)
	res = f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.PowerState != string(power.StateOn) {
		t.Fatalf("expected restore after top up, got %+v", res)
	}
	if got := f.alerts.Events(); len(got) != 1 || got[0] != EventActive {
		t.Fatalf("expected active alert, got %v", got)
	}
}

func TestTopUpAfterCutoffRestoresPower(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 50)
	snapshot := snapshotWithRate(40)
	f.baseline(t, account, 10, snapshot)
	f.record(outletA, 12)
	f.reconciler.Reconcile(context.Background(), account, snapshot)

	f.clock.Advance(time.Minute)
	service, err := NewAccountService(f.accounts, f.ledger, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	result, err := service.TopUp(context.Background(), TopUpRequest{AccountID: "acc-1", Amount: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	assertDecimal(t, "balance after top up", result.Balance, "70")
	if result.Transaction.Reference != "wallet" || result.Transaction.Kind != billing.KindCredit {
		t.Fatalf("unexpected credit %+v", result.Transaction)
	}

	f.clock.Advance(time.Minute)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.PowerState != string(power.StateOn) {
		t.Fatalf("expected ON after top up, got %+v", res)
	}
}

func TestAutoReconnectRestoresWithoutTopUp(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 100)
	snapshot := snapshotWithRate(10)
	snapshot.AutoReconnect = true

	cutAt := f.clock.Advance(time.Minute)
	_ = f.states.Save(context.Background(), &power.CommandState{
		Outlet: outletA, Desired: power.StateOff, Delivered: true, LastAppliedAt: cutAt, UpdatedAt: cutAt,
	})
	f.clock.Advance(time.Minute)
	f.record(outletA, 3)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.PowerState != string(power.StateOn) {
		t.Fatalf("expected ON with auto reconnect, got %+v", res)
	}
}

func TestOverloadAndLowBalanceAlerts(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 50)
	snapshot := snapshotWithRate(20)
	snapshot.LowBalanceThreshold = decimal.NewFromInt(20)
	f.baseline(t, account, 1, snapshot)

	f.meters.Record(billing.MeterSample{Outlet: outletA, Timestamp: f.clock.Now(), CumulativeEnergy: 3, Power: 6200, HasPower: true})
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	assertDecimal(t, "balance", res.Balance, "10")

	events := f.alerts.Events()
	if len(events) != 2 || events[0] != EventOverload || events[1] != EventLowBalance {
		t.Fatalf("expected overload and low_balance, got %v", events)
	}

	f.clock.Advance(time.Minute)
	f.reconciler.Reconcile(context.Background(), account, snapshot)
	if got := len(f.alerts.Events()); got != 2 {
		t.Fatalf("an already-seen sample must not re-alert, got %d alerts", got)
	}
}

func TestPowerDeliveryFailureKeepsCharge(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 10)
	snapshot := snapshotWithRate(10)
	f.baseline(t, account, 0, snapshot)

	f.sink.setFail(errors.New("device offline"))
	f.record(outletA, 2)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusFailed || res.Reason != ReasonPowerDelivery {
		t.Fatalf("expected power delivery failure, got %+v", res)
	}
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "-10")
	if got := f.alerts.Events(); len(got) != 1 || got[0] != EventCutoff {
		t.Fatalf("cutoff alert follows the recorded transition, got %v", got)
	}

	f.sink.setFail(nil)
	f.clock.Advance(time.Minute)
	res = f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped {
		t.Fatalf("expected retry to succeed, got %+v", res)
	}
	if got := f.sink.Calls(); got[len(got)-1] != power.StateOff {
		t.Fatalf("expected OFF delivered on retry, got %v", got)
	}
	if got := f.alerts.Events(); len(got) != 1 {
		t.Fatalf("retry must not re-alert, got %v", got)
	}
}

func TestSubCentUsageCarriesForward(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 10)
	snapshot := snapshotWithRate(1)
	f.baseline(t, account, 100, snapshot)

	f.record(outletA, 100.004)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusSkipped || res.Reason != ReasonNoUsage {
		t.Fatalf("expected no_usage, got %+v", res)
	}
	if got := f.checkpointEnergy(t, "acc-1"); got != 100 {
		t.Fatalf("sub-cent delta must not move the checkpoint, got %v", got)
	}
}

func TestTrapezoidSamplingIntegratesPower(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 1000)
	snapshot := snapshotWithRate(100)
	snapshot.Sampling = billing.SamplingTrapezoid

	start := f.clock.Now()
	f.meters.Record(billing.MeterSample{Outlet: outletA, Timestamp: start, CumulativeEnergy: 10, Power: 1000, HasPower: true})
	if res := f.reconciler.Reconcile(context.Background(), account, snapshot); res.Reason != ReasonBaseline {
		t.Fatalf("expected baseline, got %+v", res)
	}

	f.meters.Record(billing.MeterSample{Outlet: outletA, Timestamp: start.Add(30 * time.Minute), CumulativeEnergy: 11, Power: 1000, HasPower: true})
	f.meters.Record(billing.MeterSample{Outlet: outletA, Timestamp: start.Add(time.Hour), CumulativeEnergy: 12, Power: 1000, HasPower: true})
	f.clock.Advance(time.Hour)

	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.EnergyDelta != 1 {
		t.Fatalf("expected 1 kWh integrated, got %v", res.EnergyDelta)
	}
	assertDecimal(t, "amount", res.Amount, "100")
	if got := f.checkpointEnergy(t, "acc-1"); got != 12 {
		t.Fatalf("checkpoint follows the counter, got %v", got)
	}
}

func TestTrapezoidSamplingIsCappedByCounter(t *testing.T) {
	source := memory.NewMeterSource()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	source.Record(billing.MeterSample{Outlet: outletA, Timestamp: start, CumulativeEnergy: 0, Power: 4000, HasPower: true})
	latest := billing.MeterSample{Outlet: outletA, Timestamp: start.Add(time.Hour), CumulativeEnergy: 1, Power: 4000, HasPower: true}
	source.Record(latest)

	strategy, err := NewTrapezoidSampling(source)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	obs := billing.Observation{Kind: billing.ObservationAdvance, Delta: 1, PreviousSampleAt: start}
	delta, err := strategy.Delta(context.Background(), outletA, obs, latest)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if delta != 1 {
		t.Fatalf("expected cap at counter delta 1, got %v", delta)
	}

	obs.PreviousSampleAt = time.Time{}
	if delta, _ = strategy.Delta(context.Background(), outletA, obs, latest); delta != 1 {
		t.Fatalf("expected fallback to counter delta, got %v", delta)
	}
}

type flakyCheckpoints struct {
	billing.CheckpointRepository
	mu       sync.Mutex
	failures int
}

func (c *flakyCheckpoints) Save(ctx context.Context, checkpoint *billing.Checkpoint) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return errors.New("checkpoint store unavailable")
	}
	c.mu.Unlock()
	return c.CheckpointRepository.Save(ctx, checkpoint)
}

// deadlineCheckpoints refuses writes on a finished context.
type deadlineCheckpoints struct {
	billing.CheckpointRepository
}

func (c deadlineCheckpoints) Save(ctx context.Context, checkpoint *billing.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.CheckpointRepository.Save(ctx, checkpoint)
}

// cancellingLedger ends the account context right after a charge commits.
type cancellingLedger struct {
	*memory.Ledger
	cancel context.CancelFunc
}

func (l cancellingLedger) PostUsage(ctx context.Context, accountID string, charge billing.UsageCharge) (*billing.Transaction, error) {
	tx, err := l.Ledger.PostUsage(ctx, accountID, charge)
	l.cancel()
	return tx, err
}

func (f *fixture) reconcilerWith(t *testing.T, checkpoints billing.CheckpointRepository, ledger AccountLedger) *Reconciler {
	t.Helper()
	controller, err := powerapp.NewController(f.states, f.sink, powerapp.WithClock(f.clock))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	reconciler, err := NewReconciler(f.meters, checkpoints, snapshotTariff{}, ledger, controller,
		WithReconcilerClock(f.clock),
		WithAlertDispatcher(f.alerts),
	)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

func usageCount(txs []billing.Transaction) int {
	count := 0
	for _, tx := range txs {
		if tx.Kind == billing.KindUsage {
			count++
		}
	}
	return count
}

func TestCommittedChargeIsNotRebilledAfterCheckpointWriteFails(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 1000)
	snapshot := snapshotWithRate(10)
	f.baseline(t, account, 100, snapshot)

	flaky := &flakyCheckpoints{CheckpointRepository: f.checkpoints, failures: 1}
	reconciler := f.reconcilerWith(t, flaky, f.ledger)

	f.record(outletA, 105)
	first := reconciler.Reconcile(context.Background(), account, snapshot)
	if first.Status != StatusFailed || first.Reason != ReasonCheckpointWrite {
		t.Fatalf("expected checkpoint write failure, got %+v", first)
	}
	assertDecimal(t, "charged amount", first.Amount, "50")
	if got := f.checkpointEnergy(t, "acc-1"); got != 100 {
		t.Fatalf("stored checkpoint should still lag, got %v", got)
	}

	f.clock.Advance(5 * time.Minute)
	second := reconciler.Reconcile(context.Background(), account, snapshot)
	if second.Status != StatusSkipped || second.Reason != ReasonNoUsage {
		t.Fatalf("same reading must not be billed again, got %+v", second)
	}
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "950")
	if got := f.checkpointEnergy(t, "acc-1"); got != 105 {
		t.Fatalf("checkpoint should catch up to the billed reading, got %v", got)
	}
	if got := usageCount(f.ledger.Transactions("acc-1")); got != 1 {
		t.Fatalf("expected one usage record, got %d", got)
	}

	f.record(outletA, 108)
	third := reconciler.Reconcile(context.Background(), account, snapshot)
	if third.Status != StatusBilled {
		t.Fatalf("expected billed, got %+v", third)
	}
	assertDecimal(t, "next charge", third.Amount, "30")
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "920")
}

func TestCheckpointSaveSurvivesAccountDeadline(t *testing.T) {
	f := newFixture(t, nil)
	account := f.open(t, "acc-1", outletA, 1000)
	snapshot := snapshotWithRate(10)
	f.baseline(t, account, 100, snapshot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reconciler := f.reconcilerWith(t,
		deadlineCheckpoints{CheckpointRepository: f.checkpoints},
		cancellingLedger{Ledger: f.ledger, cancel: cancel},
	)

	f.record(outletA, 104)
	res := reconciler.Reconcile(ctx, account, snapshot)
	if res.Status != StatusBilled {
		t.Fatalf("expected billed, got %+v", res)
	}
	if got := f.checkpointEnergy(t, "acc-1"); got != 104 {
		t.Fatalf("checkpoint must be saved after the charge commits, got %v", got)
	}
}

func TestTariffOutageFailsAccount(t *testing.T) {
	f := newFixture(t, snapshotTariff{err: errors.New("tariff store unavailable")})
	account := f.open(t, "acc-1", outletA, 100)
	snapshot := snapshotWithRate(10)
	f.baseline(t, account, 5, snapshot)

	f.record(outletA, 8)
	res := f.reconciler.Reconcile(context.Background(), account, snapshot)
	if res.Status != StatusFailed || res.Reason != ReasonTariffRead {
		t.Fatalf("expected tariff_read failure, got %+v", res)
	}
	if got := f.checkpointEnergy(t, "acc-1"); got != 5 {
		t.Fatalf("checkpoint must not move without a rate, got %v", got)
	}
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "100")
}
