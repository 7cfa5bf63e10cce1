package application

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

// Alert event types.
const (
	EventCutoff     = "cutoff"
	EventActive     = "active"
	EventOverload   = "overload"
	EventLowBalance = "low_balance"
)

// Alert is a notification about an account's power or wallet state.
type Alert struct {
	Recipient  string
	EventType  string
	Title      string
	Message    string
	AccountID  string
	Outlet     billing.OutletRef
	Balance    decimal.Decimal
	Power      float64
	OccurredAt time.Time
}

func cutoffAlert(account billing.Account, balance decimal.Decimal, at time.Time) Alert {
	return Alert{
		Recipient:  account.Recipient,
		EventType:  EventCutoff,
		Title:      "Power Cutoff",
		Message:    "Your allocated energy units have been exhausted. Power has been cut.",
		AccountID:  account.ID,
		Outlet:     account.Outlet,
		Balance:    balance,
		OccurredAt: at,
	}
}

func activeAlert(account billing.Account, balance decimal.Decimal, at time.Time) Alert {
	return Alert{
		Recipient:  account.Recipient,
		EventType:  EventActive,
		Title:      "Power Restored",
		Message:    "Your wallet has been topped up. Power has been restored.",
		AccountID:  account.ID,
		Outlet:     account.Outlet,
		Balance:    balance,
		OccurredAt: at,
	}
}

func overloadAlert(account billing.Account, sample billing.MeterSample, limit float64, at time.Time) Alert {
	return Alert{
		Recipient:  account.Recipient,
		EventType:  EventOverload,
		Title:      "System Overload",
		Message:    fmt.Sprintf("A critical overload was detected (%.0f W, limit %.0f W). Please disconnect heavy appliances immediately.", sample.Power, limit),
		AccountID:  account.ID,
		Outlet:     account.Outlet,
		Power:      sample.Power,
		OccurredAt: at,
	}
}

func lowBalanceAlert(account billing.Account, balance decimal.Decimal, at time.Time) Alert {
	return Alert{
		Recipient:  account.Recipient,
		EventType:  EventLowBalance,
		Title:      "Low Balance",
		Message:    fmt.Sprintf("Your wallet balance is low (%s). Top up to avoid a power cutoff.", balance.StringFixed(2)),
		AccountID:  account.ID,
		Outlet:     account.Outlet,
		Balance:    balance,
		OccurredAt: at,
	}
}
