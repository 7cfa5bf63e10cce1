package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	metricPrefix = "smartdb_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	passTotal   *prometheus.CounterVec
	passLatency *prometheus.HistogramVec

	accountResults *prometheus.CounterVec
	accountLatency *prometheus.HistogramVec
	chargedAmount  prometheus.Counter
	chargedEnergy  prometheus.Counter

	powerCommands *prometheus.CounterVec

	alertsTotal *prometheus.CounterVec

	topUpTotal  *prometheus.CounterVec
	topUpAmount prometheus.Counter

	statementExportTotal   *prometheus.CounterVec
	statementExportLatency *prometheus.HistogramVec
)

// Init registers billing metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		passTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "billing_pass_total",
				Help: "Total reconciliation passes by result",
			},
			[]string{"result"},
		)
		passLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "billing_pass_latency_seconds",
				Help:    "Reconciliation pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		accountResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "billing_account_results_total",
				Help: "Per-account reconciliation results by status and reason",
			},
			[]string{"status", "reason"},
		)
		accountLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "billing_account_latency_seconds",
				Help:    "Per-account reconciliation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		)
		chargedAmount = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "billing_charged_amount_total",
			Help: "Total amount debited by usage charges",
		})
		chargedEnergy = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "billing_charged_energy_kwh_total",
			Help: "Total energy billed in kWh",
		})

		powerCommands = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "power_commands_total",
				Help: "Outlet power commands by state and result",
			},
			[]string{"state", "result"},
		)

		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Alerts by event type and result",
			},
			[]string{"event", "result"},
		)

		topUpTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "wallet_topups_total",
				Help: "Wallet top-ups by result",
			},
			[]string{"result"},
		)
		topUpAmount = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "wallet_topup_amount_total",
			Help: "Total amount credited by top-ups",
		})

		statementExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statement_export_total",
				Help: "Total statement export operations by format and result",
			},
			[]string{"format", "result"},
		)
		statementExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "statement_export_latency_seconds",
				Help:    "Statement export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			passTotal,
			passLatency,
			accountResults,
			accountLatency,
			chargedAmount,
			chargedEnergy,
			powerCommands,
			alertsTotal,
			topUpTotal,
			topUpAmount,
			statementExportTotal,
			statementExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(collectors.NewDBStatsCollector(db, "billing"))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "accounts_non_positive_balance",
			Help: "Accounts whose balance is at or below zero",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM accounts WHERE balance <= 0")
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "power_commands_undelivered",
			Help: "Outlets whose desired state has not been delivered",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM power_command_states WHERE delivered = FALSE")
		},
	))
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

// ObservePass records pass duration and result.
func ObservePass(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if passTotal != nil {
		passTotal.WithLabelValues(result).Inc()
	}
	if passLatency != nil {
		passLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveAccount records one account outcome.
func ObserveAccount(status, reason string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if accountResults != nil {
		accountResults.WithLabelValues(status, reason).Inc()
	}
	if accountLatency != nil {
		accountLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// AddCharge accumulates a posted usage charge.
func AddCharge(amount, energyKWh float64) {
	if amount > 0 && chargedAmount != nil {
		chargedAmount.Add(amount)
	}
	if energyKWh > 0 && chargedEnergy != nil {
		chargedEnergy.Add(energyKWh)
	}
}

// IncPowerCommand increments the outlet command counter.
func IncPowerCommand(state, result string) {
	if state == "" {
		state = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if powerCommands != nil {
		powerCommands.WithLabelValues(state, result).Inc()
	}
}

// IncAlert increments the alert counter.
func IncAlert(event, result string) {
	if event == "" {
		event = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if alertsTotal != nil {
		alertsTotal.WithLabelValues(event, result).Inc()
	}
}

// ObserveTopUp records a wallet top-up.
func ObserveTopUp(result string, amount float64) {
	if result == "" {
		result = resultSuccess
	}
	if topUpTotal != nil {
		topUpTotal.WithLabelValues(result).Inc()
	}
	if result == resultSuccess && amount > 0 && topUpAmount != nil {
		topUpAmount.Add(amount)
	}
}

// ObserveStatementExport records export latency and result.
func ObserveStatementExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if statementExportTotal != nil {
		statementExportTotal.WithLabelValues(format, result).Inc()
	}
	if statementExportLatency != nil {
		statementExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
