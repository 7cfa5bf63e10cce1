package application

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

func newAccountService(t *testing.T, f *fixture) *AccountService {
	t.Helper()
	service, err := NewAccountService(f.accounts, f.ledger, zap.NewNop())
	if err != nil {
		t.Fatalf("new account service: %v", err)
	}
	return service
}

func TestTopUpCreditsWallet(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "acc-1", outletA, 10)
	service := newAccountService(t, f)

	result, err := service.TopUp(context.Background(), TopUpRequest{AccountID: "acc-1", Amount: decimal.RequireFromString("25.555")})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	assertDecimal(t, "credit", result.Transaction.Amount, "25.56")
	assertDecimal(t, "balance", result.Balance, "35.56")
	if result.Transaction.Kind != billing.KindCredit || result.Transaction.Reference != "wallet" {
		t.Fatalf("unexpected transaction %+v", result.Transaction)
	}
}

func TestTopUpRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "acc-1", outletA, 10)
	service := newAccountService(t, f)
	ctx := context.Background()

	if _, err := service.TopUp(ctx, TopUpRequest{AccountID: "acc-1", Amount: decimal.Zero}); !errors.Is(err, billing.ErrNonPositiveAmount) {
		t.Fatalf("expected non-positive error, got %v", err)
	}
	if _, err := service.TopUp(ctx, TopUpRequest{AccountID: "acc-1", Amount: decimal.RequireFromString("0.004")}); !errors.Is(err, billing.ErrNonPositiveAmount) {
		t.Fatalf("expected sub-cent amount to be rejected, got %v", err)
	}
	if _, err := service.TopUp(ctx, TopUpRequest{AccountID: "missing", Amount: decimal.NewFromInt(5)}); !errors.Is(err, billing.ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.TopUp(ctx, TopUpRequest{AccountID: " ", Amount: decimal.NewFromInt(5)}); !errors.Is(err, billing.ErrEmptyAccountID) {
		t.Fatalf("expected empty id, got %v", err)
	}
	assertDecimal(t, "balance", f.balance(t, "acc-1"), "10")
}

func TestStatementAggregatesMonthByDay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.clock.now = time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	f.open(t, "acc-1", outletA, 100)
	service := newAccountService(t, f)

	f.clock.now = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	if _, err := f.ledger.ApplyUsageCharge(ctx, "acc-1", 2, decimal.NewFromInt(20)); err != nil {
		t.Fatalf("charge: %v", err)
	}
	f.clock.now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	if _, err := f.ledger.ApplyUsageCharge(ctx, "acc-1", 1.5, decimal.NewFromInt(15)); err != nil {
		t.Fatalf("charge: %v", err)
	}
	f.clock.now = time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC)
	if _, err := f.ledger.ApplyCredit(ctx, "acc-1", decimal.NewFromInt(50), "wallet"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	f.clock.now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if _, err := f.ledger.ApplyUsageCharge(ctx, "acc-1", 1, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("charge: %v", err)
	}

	statement, err := service.Statement(ctx, "acc-1", time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	if statement.Month != "2026-04" || statement.Outlet != "O1" {
		t.Fatalf("unexpected header %+v", statement)
	}
	if len(statement.Lines) != 2 {
		t.Fatalf("expected 2 days, got %d", len(statement.Lines))
	}
	if statement.Lines[0].Day.Day() != 1 || statement.Lines[0].Records != 2 || statement.Lines[0].EnergyKWh != 3.5 {
		t.Fatalf("unexpected first line %+v", statement.Lines[0])
	}
	assertDecimal(t, "day charges", statement.Lines[0].Charges, "35")
	assertDecimal(t, "total charges", statement.TotalCharges, "35")
	assertDecimal(t, "total credits", statement.TotalCredits, "50")
	assertDecimal(t, "balance", statement.Balance, "105")
	if statement.TotalEnergy != 3.5 {
		t.Fatalf("expected 3.5 kWh, got %v", statement.TotalEnergy)
	}
}

func TestStatementForecastsNextMonth(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.clock.now = time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	f.open(t, "acc-1", outletA, 500)
	service := newAccountService(t, f)

	for i, amount := range []int64{10, 20, 30} {
		f.clock.now = time.Date(2026, time.Month(2+i), 10, 0, 0, 0, 0, time.UTC)
		if _, err := f.ledger.ApplyUsageCharge(ctx, "acc-1", 1, decimal.NewFromInt(amount)); err != nil {
			t.Fatalf("charge: %v", err)
		}
	}

	statement, err := service.Statement(ctx, "acc-1", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	forecast := statement.Forecast
	if forecast == nil {
		t.Fatal("expected forecast")
	}
	if forecast.NextMonth != "2026-05" || len(forecast.History) != 4 || forecast.History[0].Month != "2026-01" {
		t.Fatalf("unexpected forecast %+v", forecast)
	}
	// 0, 10, 20, 30 extends to 40.
	assertDecimal(t, "predicted", forecast.Predicted, "40")
	assertDecimal(t, "month charges", statement.TotalCharges, "30")
}

func TestPredictNext(t *testing.T) {
	cases := []struct {
		name   string
		series []float64
		want   float64
	}{
		{name: "empty", want: 0},
		{name: "single", series: []float64{12}, want: 12},
		{name: "flat", series: []float64{5, 5, 5}, want: 5},
		{name: "rising", series: []float64{10, 20, 30}, want: 40},
		{name: "falling floors at zero", series: []float64{30, 10}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PredictNext(tc.series); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
