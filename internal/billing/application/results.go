package application

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// AccountStatus is the outcome of reconciling one account.
type AccountStatus string

const (
	StatusBilled  AccountStatus = "billed"
	StatusSkipped AccountStatus = "skipped"
	StatusFailed  AccountStatus = "failed"
)

// Reasons attached to skipped and failed results.
const (
	ReasonBillingDisabled = "billing_disabled"
	ReasonNoSample        = "no_sample"
	ReasonInvalidSample   = "invalid_sample"
	ReasonBaseline        = "baseline"
	ReasonMeterReset      = "meter_reset"
	ReasonStaleSample     = "stale_sample"
	ReasonNoUsage         = "no_usage"
	ReasonInvalidRate     = "invalid_rate"
	ReasonInvalidConfig   = "invalid_config"
	ReasonAwaitingTopUp   = "awaiting_topup"

	ReasonSampleRead      = "sample_read"
	ReasonCheckpointRead  = "checkpoint_read"
	ReasonCheckpointWrite = "checkpoint_write"
	ReasonLedgerWrite     = "ledger_write"
	ReasonLedgerRead      = "ledger_read"
	ReasonConfigRead      = "config_read"
	ReasonTariffRead      = "tariff_read"
	ReasonBalanceRead     = "balance_read"
	ReasonPowerRead       = "power_read"
	ReasonPowerDelivery   = "power_delivery"
	ReasonLocked          = "locked"
	ReasonPassTimeout     = "pass_timeout"
	ReasonPanic           = "panic"
)

// AccountResult is the per-account line of a pass report.
type AccountResult struct {
	AccountID   string          `json:"account_id"`
	Outlet      string          `json:"outlet"`
	Status      AccountStatus   `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	EnergyDelta float64         `json:"energy_delta,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Balance     decimal.Decimal `json:"balance"`
	PowerState  string          `json:"power_state,omitempty"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration_ns"`
}

// PassReport summarises one reconciliation pass.
type PassReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Accounts   []AccountResult `json:"accounts"`
	Billed     int             `json:"billed"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
}

func (r *PassReport) summarise() {
	counts := lo.CountValuesBy(r.Accounts, func(item AccountResult) AccountStatus {
		return item.Status
	})
	r.Billed = counts[StatusBilled]
	r.Skipped = counts[StatusSkipped]
	r.Failed = counts[StatusFailed]
}

// Result returns the overall pass outcome for metrics.
func (r *PassReport) Result() string {
	if r == nil {
		return "error"
	}
	if r.Failed > 0 {
		return "partial"
	}
	return "success"
}

// Find returns the result line for an account.
func (r *PassReport) Find(accountID string) (AccountResult, bool) {
	if r == nil {
		return AccountResult{}, false
	}
	return lo.Find(r.Accounts, func(item AccountResult) bool {
		return item.AccountID == accountID
	})
}
