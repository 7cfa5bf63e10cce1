package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

const (
	defaultAccountsTable     = "accounts"
	defaultTransactionsTable = "transactions"
)

// Ledger is a Postgres AccountLedger. Each posting locks the account row and
// writes the balance and the transaction record in one sql.Tx.
type Ledger struct {
	db                *sql.DB
	accountsTable     string
	transactionsTable string
	now               func() time.Time
}

// LedgerOption configures the ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the record timestamp source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger constructs a ledger.
func NewLedger(db *sql.DB, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:                db,
		accountsTable:     defaultAccountsTable,
		transactionsTable: defaultTransactionsTable,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplyUsageCharge debits an account. A non-positive amount writes nothing.
func (l *Ledger) ApplyUsageCharge(ctx context.Context, accountID string, energyDelta float64, amount decimal.Decimal) (*billing.Transaction, error) {
	return l.PostUsage(ctx, accountID, billing.UsageCharge{EnergyDelta: energyDelta, Amount: amount})
}

// PostUsage debits an account and stamps the record with the billed reading.
func (l *Ledger) PostUsage(ctx context.Context, accountID string, charge billing.UsageCharge) (*billing.Transaction, error) {
	if charge.EnergyDelta < 0 {
		return nil, billing.ErrNegativeEnergy
	}
	amount := billing.RoundAmount(charge.Amount)
	if !amount.IsPositive() {
		return nil, nil
	}
	return l.post(ctx, accountID, billing.Transaction{
		Amount:      amount.Neg(),
		EnergyDelta: charge.EnergyDelta,
		Kind:        billing.KindUsage,
		SampleAt:    charge.SampleAt,
		MeterEnergy: charge.MeterEnergy,
	})
}

// ApplyCredit credits an account.
func (l *Ledger) ApplyCredit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*billing.Transaction, error) {
	amount = billing.RoundAmount(amount)
	if !amount.IsPositive() {
		return nil, billing.ErrNonPositiveAmount
	}
	return l.post(ctx, accountID, billing.Transaction{
		Amount:    amount,
		Kind:      billing.KindCredit,
		Reference: reference,
	})
}

func (l *Ledger) post(ctx context.Context, accountID string, tx billing.Transaction) (*billing.Transaction, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: nil db")
	}
	if accountID == "" {
		return nil, billing.ErrEmptyAccountID
	}

	sqlTx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	var balance decimal.Decimal
	lockQuery := fmt.Sprintf(`SELECT balance FROM %s WHERE id = $1 FOR UPDATE`, l.accountsTable)
	if err := sqlTx.QueryRowContext(ctx, lockQuery, accountID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, billing.ErrAccountNotFound
		}
		return nil, err
	}

	now := l.now().UTC()
	next := billing.RoundAmount(balance.Add(tx.Amount))
	updateQuery := fmt.Sprintf(`UPDATE %s SET balance = $1, updated_at = $2 WHERE id = $3`, l.accountsTable)
	if _, err := sqlTx.ExecContext(ctx, updateQuery, next, now, accountID); err != nil {
		return nil, err
	}

	tx.ID = uuid.NewString()
	tx.AccountID = accountID
	tx.Status = billing.StatusPosted
	tx.CreatedAt = now
	var (
		sampleAt    sql.NullTime
		meterEnergy sql.NullFloat64
	)
	if !tx.SampleAt.IsZero() {
		tx.SampleAt = tx.SampleAt.UTC()
		sampleAt = sql.NullTime{Time: tx.SampleAt, Valid: true}
		meterEnergy = sql.NullFloat64{Float64: tx.MeterEnergy, Valid: true}
	}
	insertQuery := fmt.Sprintf(`
INSERT INTO %s (
	id, account_id, amount, energy_delta, kind, status, reference, created_at, sample_at, meter_energy
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, l.transactionsTable)
	if _, err := sqlTx.ExecContext(ctx, insertQuery,
		tx.ID, tx.AccountID, tx.Amount, tx.EnergyDelta, string(tx.Kind), tx.Status, tx.Reference, tx.CreatedAt, sampleAt, meterEnergy,
	); err != nil {
		return nil, err
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return &tx, nil
}

// CurrentBalance returns the balance of an account.
func (l *Ledger) CurrentBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if l == nil || l.db == nil {
		return decimal.Zero, errors.New("ledger: nil db")
	}
	query := fmt.Sprintf(`SELECT balance FROM %s WHERE id = $1`, l.accountsTable)
	var balance decimal.Decimal
	if err := l.db.QueryRowContext(ctx, query, accountID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, billing.ErrAccountNotFound
		}
		return decimal.Zero, err
	}
	return balance, nil
}

// HasCreditSince reports whether a credit was posted strictly after since.
func (l *Ledger) HasCreditSince(ctx context.Context, accountID string, since time.Time) (bool, error) {
	if l == nil || l.db == nil {
		return false, errors.New("ledger: nil db")
	}
	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s
	WHERE account_id = $1 AND kind = $2 AND created_at > $3
)`, l.transactionsTable)
	var exists bool
	if err := l.db.QueryRowContext(ctx, query, accountID, string(billing.KindCredit), since.UTC()).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// LastUsage returns the usage record with the latest billed reading, or nil.
func (l *Ledger) LastUsage(ctx context.Context, accountID string) (*billing.Transaction, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, amount, energy_delta, created_at, sample_at, meter_energy
FROM %s
WHERE account_id = $1 AND kind = $2 AND sample_at IS NOT NULL
ORDER BY sample_at DESC
LIMIT 1`, l.transactionsTable)
	tx := billing.Transaction{AccountID: accountID, Kind: billing.KindUsage, Status: billing.StatusPosted}
	var meterEnergy sql.NullFloat64
	err := l.db.QueryRowContext(ctx, query, accountID, string(billing.KindUsage)).
		Scan(&tx.ID, &tx.Amount, &tx.EnergyDelta, &tx.CreatedAt, &tx.SampleAt, &meterEnergy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.SampleAt = tx.SampleAt.UTC()
	tx.MeterEnergy = meterEnergy.Float64
	return &tx, nil
}

// ListTransactions returns newest-first history and the total match count.
func (l *Ledger) ListTransactions(ctx context.Context, accountID string, filter billing.TransactionFilter) ([]billing.Transaction, int, error) {
	if l == nil || l.db == nil {
		return nil, 0, errors.New("ledger: nil db")
	}
	filter = filter.Normalize()

	conditions := []string{"account_id = $1"}
	args := []any{accountID}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, l.transactionsTable, where)
	if err := l.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pageArgs := append(append([]any{}, args...), filter.Limit, filter.Offset())
	query := fmt.Sprintf(`
SELECT id, account_id, amount, energy_delta, kind, status, reference, created_at
FROM %s
WHERE %s
ORDER BY created_at DESC, id DESC
LIMIT $%d OFFSET $%d`, l.transactionsTable, where, len(args)+1, len(args)+2)

	rows, err := l.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := make([]billing.Transaction, 0, filter.Limit)
	for rows.Next() {
		var (
			tx        billing.Transaction
			kind      string
			reference sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &tx.EnergyDelta, &kind, &tx.Status, &reference, &tx.CreatedAt); err != nil {
			return nil, 0, err
		}
		tx.Kind = billing.TransactionKind(kind)
		tx.Reference = reference.String
		tx.CreatedAt = tx.CreatedAt.UTC()
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}
