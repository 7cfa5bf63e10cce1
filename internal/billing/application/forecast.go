package application

import (
	"math"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

// forecastMonths is how many months, the statement month included, feed the forecast.
const forecastMonths = 6

// MonthlyCharge is the usage billed in one UTC month.
type MonthlyCharge struct {
	Month   string          `json:"month"`
	Charges decimal.Decimal `json:"charges"`
}

// Forecast projects next month's usage charges from recent months.
type Forecast struct {
	History   []MonthlyCharge `json:"history"`
	NextMonth string          `json:"next_month"`
	Predicted decimal.Decimal `json:"predicted_charges"`
}

// PredictNext fits a least-squares line through the series and returns its
// value one step past the end, floored at zero. A single point is returned as is.
func PredictNext(series []float64) float64 {
	n := len(series)
	switch n {
	case 0:
		return 0
	case 1:
		return math.Max(0, series[0])
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	count := float64(n)
	slope := (count*sumXY - sumX*sumY) / (count*sumXX - sumX*sumX)
	intercept := (sumY - slope*sumX) / count
	return math.Max(0, slope*count+intercept)
}

// buildForecast groups usage records by month over [from, statementMonth]
// starting at the first month with ledger activity.
func buildForecast(records []billing.Transaction, from, statementMonth time.Time) *Forecast {
	if len(records) == 0 {
		return nil
	}
	first := lo.MinBy(records, func(a, b billing.Transaction) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if start := MonthStart(first.CreatedAt); start.After(from) {
		from = start
	}

	charges := make(map[string]decimal.Decimal)
	for _, tx := range records {
		if tx.Kind != billing.KindUsage {
			continue
		}
		key := MonthStart(tx.CreatedAt).Format(monthKeyLayout)
		charges[key] = charges[key].Add(tx.Amount.Abs())
	}

	forecast := &Forecast{NextMonth: statementMonth.AddDate(0, 1, 0).Format(monthKeyLayout)}
	series := make([]float64, 0, forecastMonths)
	for month := from; !month.After(statementMonth); month = month.AddDate(0, 1, 0) {
		key := month.Format(monthKeyLayout)
		amount := charges[key]
		forecast.History = append(forecast.History, MonthlyCharge{Month: key, Charges: amount})
		value, _ := amount.Float64()
		series = append(series, value)
	}
	forecast.Predicted = billing.RoundAmount(decimal.NewFromFloat(PredictNext(series)))
	return forecast
}
