package application

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

const (
	// statementPageSize is the ledger page size used while collecting a month.
	statementPageSize = 500
	monthKeyLayout    = "2006-01"
)

// StatementLine aggregates one calendar day of an account's ledger.
type StatementLine struct {
	Day       time.Time       `json:"day"`
	EnergyKWh float64         `json:"energy_kwh"`
	Charges   decimal.Decimal `json:"charges"`
	Credits   decimal.Decimal `json:"credits"`
	Records   int             `json:"records"`
}

// Statement is the monthly ledger summary of one account.
type Statement struct {
	AccountID    string          `json:"account_id"`
	Outlet       string          `json:"outlet"`
	Month        string          `json:"month"`
	PeriodStart  time.Time       `json:"period_start"`
	PeriodEnd    time.Time       `json:"period_end"`
	TotalEnergy  float64         `json:"total_energy_kwh"`
	TotalCharges decimal.Decimal `json:"total_charges"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	Balance      decimal.Decimal `json:"balance"`
	Lines        []StatementLine `json:"lines"`
	Forecast     *Forecast       `json:"forecast,omitempty"`
}

// MonthStart truncates a time to the first instant of its UTC month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Statement builds the statement of the UTC month containing month.
func (s *AccountService) Statement(ctx context.Context, accountID string, month time.Time) (*Statement, error) {
	account, err := s.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	start := MonthStart(month)
	end := start.AddDate(0, 1, 0)
	historyStart := start.AddDate(0, -(forecastMonths - 1), 0)

	history, err := s.collect(ctx, accountID, historyStart, end)
	if err != nil {
		return nil, err
	}
	records := lo.Filter(history, func(tx billing.Transaction, _ int) bool {
		return !tx.CreatedAt.Before(start)
	})

	balance, err := s.ledger.CurrentBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	statement := &Statement{
		AccountID:    account.ID,
		Outlet:       account.Outlet.Label(),
		Month:        start.Format(monthKeyLayout),
		PeriodStart:  start,
		PeriodEnd:    end,
		TotalCharges: decimal.Zero,
		TotalCredits: decimal.Zero,
		Balance:      balance,
		Forecast:     buildForecast(history, historyStart, start),
	}

	byDay := lo.GroupBy(records, func(tx billing.Transaction) time.Time {
		at := tx.CreatedAt.UTC()
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	})
	for day, items := range byDay {
		line := StatementLine{Day: day, Charges: decimal.Zero, Credits: decimal.Zero, Records: len(items)}
		for _, tx := range items {
			switch tx.Kind {
			case billing.KindUsage:
				line.EnergyKWh += tx.EnergyDelta
				line.Charges = line.Charges.Add(tx.Amount.Abs())
			case billing.KindCredit:
				line.Credits = line.Credits.Add(tx.Amount)
			}
		}
		statement.TotalEnergy += line.EnergyKWh
		statement.TotalCharges = statement.TotalCharges.Add(line.Charges)
		statement.TotalCredits = statement.TotalCredits.Add(line.Credits)
		statement.Lines = append(statement.Lines, line)
	}
	sort.Slice(statement.Lines, func(i, j int) bool {
		return statement.Lines[i].Day.Before(statement.Lines[j].Day)
	})
	return statement, nil
}

// collect pages through the ledger for [from, to).
func (s *AccountService) collect(ctx context.Context, accountID string, from, to time.Time) ([]billing.Transaction, error) {
	filter := billing.TransactionFilter{From: from, To: to.Add(-time.Nanosecond), Limit: statementPageSize}
	var records []billing.Transaction
	for page := 1; ; page++ {
		filter.Page = page
		items, total, err := s.ledger.ListTransactions(ctx, accountID, filter)
		if err != nil {
			return nil, err
		}
		records = append(records, items...)
		if len(items) == 0 || len(records) >= total {
			return records, nil
		}
	}
}
