package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	"github.com/corybantes/smart-distribution-board/internal/observability/metrics"
)

const (
	defaultWorkers        = 8
	defaultAccountTimeout = 30 * time.Second
	defaultPassTimeout    = 4 * time.Minute
)

// RunnerConfig bounds a reconciliation pass.
type RunnerConfig struct {
	Workers        int
	AccountTimeout time.Duration
	PassTimeout    time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.AccountTimeout <= 0 {
		c.AccountTimeout = defaultAccountTimeout
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = defaultPassTimeout
	}
	return c
}

// Runner executes reconciliation passes over every metered account.
type Runner struct {
	accounts   billing.AccountRepository
	snapshots  SnapshotSource
	reconciler *Reconciler
	locker     Locker
	cfg        RunnerConfig
	clock      Clock
	logger     *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLocker overrides the per-account lock.
func WithLocker(locker Locker) RunnerOption {
	return func(r *Runner) {
		if locker != nil {
			r.locker = locker
		}
	}
}

// WithRunnerConfig sets pool size and timeouts.
func WithRunnerConfig(cfg RunnerConfig) RunnerOption {
	return func(r *Runner) {
		r.cfg = cfg.withDefaults()
	}
}

// WithRunnerClock overrides the clock.
func WithRunnerClock(clock Clock) RunnerOption {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner constructs a Runner.
func NewRunner(accounts billing.AccountRepository, snapshots SnapshotSource, reconciler *Reconciler, opts ...RunnerOption) (*Runner, error) {
	if accounts == nil {
		return nil, errors.New("billing runner: nil account repo")
	}
	if snapshots == nil {
		return nil, errors.New("billing runner: nil snapshot source")
	}
	if reconciler == nil {
		return nil, errors.New("billing runner: nil reconciler")
	}
	r := &Runner{
		accounts:   accounts,
		snapshots:  snapshots,
		reconciler: reconciler,
		locker:     NewKeyedLocker(),
		cfg:        RunnerConfig{}.withDefaults(),
		clock:      SystemClock{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunPass reconciles every metered account once. Per-account failures are
// reported in the result list; only a failure to list accounts fails the pass.
// A snapshot that cannot be loaded is reported against every account.
func (r *Runner) RunPass(ctx context.Context) (*PassReport, error) {
	started := r.clock.Now().UTC()
	report := &PassReport{StartedAt: started}

	accounts, err := r.accounts.ListMetered(ctx)
	if err != nil {
		metrics.ObservePass("error", r.clock.Now().Sub(started))
		return nil, fmt.Errorf("billing runner: list accounts: %w", err)
	}
	snapshot, err := r.snapshots.Load(ctx)
	if err != nil {
		return r.rejectPass(report, accounts, err), nil
	}
	accounts = lo.UniqBy(accounts, func(item billing.Account) string {
		return item.ID
	})

	passCtx, cancel := context.WithTimeout(ctx, r.cfg.PassTimeout)
	defer cancel()

	results := make([]AccountResult, len(accounts))
	group := new(errgroup.Group)
	group.SetLimit(r.cfg.Workers)
	for i, account := range accounts {
		i, account := i, account
		group.Go(func() error {
			results[i] = r.runAccount(passCtx, account, snapshot)
			return nil
		})
	}
	_ = group.Wait()

	report.Accounts = results
	report.FinishedAt = r.clock.Now().UTC()
	report.summarise()
	metrics.ObservePass(report.Result(), report.FinishedAt.Sub(started))
	r.logger.Info("billing pass finished",
		zap.Int("accounts", len(results)),
		zap.Int("billed", report.Billed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.FinishedAt.Sub(started)),
	)
	return report, nil
}

// rejectPass reports every account without reconciling it. Malformed
// configuration skips the accounts; a failed read marks them failed.
func (r *Runner) rejectPass(report *PassReport, accounts []billing.Account, cause error) *PassReport {
	status, reason := StatusFailed, ReasonConfigRead
	switch {
	case errors.Is(cause, billing.ErrNegativeRate):
		status, reason = StatusSkipped, ReasonInvalidRate
	case errors.Is(cause, billing.ErrInvalidSnapshot):
		status, reason = StatusSkipped, ReasonInvalidConfig
	}
	accounts = lo.UniqBy(accounts, func(item billing.Account) string {
		return item.ID
	})
	report.Accounts = lo.Map(accounts, func(account billing.Account, _ int) AccountResult {
		metrics.ObserveAccount(string(status), reason, 0)
		return AccountResult{
			AccountID: account.ID,
			Outlet:    account.Outlet.String(),
			Status:    status,
			Reason:    reason,
			Balance:   account.Balance,
			Amount:    decimal.Zero,
			Error:     cause.Error(),
		}
	})
	report.FinishedAt = r.clock.Now().UTC()
	report.summarise()
	metrics.ObservePass(report.Result(), report.FinishedAt.Sub(report.StartedAt))
	r.logger.Error("billing snapshot rejected, pass not reconciled",
		zap.Int("accounts", len(report.Accounts)),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	return report
}

func (r *Runner) runAccount(ctx context.Context, account billing.Account, snapshot billing.Snapshot) (result AccountResult) {
	start := r.clock.Now()
	result = AccountResult{AccountID: account.ID, Outlet: account.Outlet.String(), Balance: account.Balance}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("billing account panic", zap.String("account_id", account.ID), zap.Any("panic", rec))
			result = AccountResult{
				AccountID: account.ID,
				Outlet:    account.Outlet.String(),
				Status:    StatusFailed,
				Reason:    ReasonPanic,
				Balance:   account.Balance,
				Error:     fmt.Sprint(rec),
			}
		}
		if result.Duration == 0 {
			result.Duration = r.clock.Now().Sub(start)
		}
		metrics.ObserveAccount(string(result.Status), result.Reason, result.Duration)
	}()

	if err := ctx.Err(); err != nil {
		result.Status = StatusFailed
		result.Reason = ReasonPassTimeout
		result.Error = err.Error()
		return result
	}

	accountCtx, cancel := context.WithTimeout(ctx, r.cfg.AccountTimeout)
	defer cancel()

	unlock, err := r.locker.Lock(accountCtx, AccountLockKey(account.ID))
	if err != nil {
		result.Status = StatusFailed
		result.Reason = ReasonLocked
		result.Error = err.Error()
		r.logger.Warn("billing account locked", zap.String("account_id", account.ID), zap.Error(err))
		return result
	}
	defer unlock()

	return r.reconciler.Reconcile(accountCtx, account, snapshot)
}
