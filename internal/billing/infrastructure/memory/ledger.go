package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

// Ledger is an in-memory AccountLedger. Every mutation runs under one mutex.
type Ledger struct {
	mu           sync.RWMutex
	balances     map[string]decimal.Decimal
	transactions map[string][]billing.Transaction
	now          func() time.Time
	failNext     error
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:     make(map[string]decimal.Decimal),
		transactions: make(map[string][]billing.Transaction),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock used for record timestamps.
func (l *Ledger) WithNow(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// Open registers an account with an opening balance. The opening balance is
// posted as a credit so the ledger sum matches the balance.
func (l *Ledger) Open(accountID string, opening decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[accountID]; ok {
		return
	}
	opening = billing.RoundAmount(opening)
	l.balances[accountID] = decimal.Zero
	if opening.IsZero() {
		return
	}
	l.postLocked(accountID, opening, 0, billing.KindCredit, "opening balance")
}

// FailNext makes the next mutation return err without changing state.
func (l *Ledger) FailNext(err error) {
	l.mu.Lock()
	l.failNext = err
	l.mu.Unlock()
}

// ApplyUsageCharge debits an account. A non-positive amount writes nothing.
func (l *Ledger) ApplyUsageCharge(ctx context.Context, accountID string, energyDelta float64, amount decimal.Decimal) (*billing.Transaction, error) {
	return l.PostUsage(ctx, accountID, billing.UsageCharge{EnergyDelta: energyDelta, Amount: amount})
}

// PostUsage debits an account and stamps the record with the billed reading.
func (l *Ledger) PostUsage(ctx context.Context, accountID string, charge billing.UsageCharge) (*billing.Transaction, error) {
	_ = ctx
	if charge.EnergyDelta < 0 {
		return nil, billing.ErrNegativeEnergy
	}
	amount := billing.RoundAmount(charge.Amount)
	if !amount.IsPositive() {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return nil, err
	}
	if _, ok := l.balances[accountID]; !ok {
		return nil, billing.ErrAccountNotFound
	}
	tx := l.postLocked(accountID, amount.Neg(), charge.EnergyDelta, billing.KindUsage, "")
	tx.SampleAt = charge.SampleAt.UTC()
	tx.MeterEnergy = charge.MeterEnergy
	records := l.transactions[accountID]
	records[len(records)-1] = tx
	return &tx, nil
}

// LastUsage returns the usage record with the latest billed reading, or nil.
func (l *Ledger) LastUsage(ctx context.Context, accountID string) (*billing.Transaction, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.balances[accountID]; !ok {
		return nil, billing.ErrAccountNotFound
	}
	var last *billing.Transaction
	for i := range l.transactions[accountID] {
		tx := l.transactions[accountID][i]
		if tx.Kind != billing.KindUsage || tx.SampleAt.IsZero() {
			continue
		}
		if last == nil || tx.SampleAt.After(last.SampleAt) {
			found := tx
			last = &found
		}
	}
	return last, nil
}

// ApplyCredit credits an account.
func (l *Ledger) ApplyCredit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*billing.Transaction, error) {
	_ = ctx
	amount = billing.RoundAmount(amount)
	if !amount.IsPositive() {
		return nil, billing.ErrNonPositiveAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return nil, err
	}
	if _, ok := l.balances[accountID]; !ok {
		return nil, billing.ErrAccountNotFound
	}
	tx := l.postLocked(accountID, amount, 0, billing.KindCredit, reference)
	return &tx, nil
}

// CurrentBalance returns the balance of an account.
func (l *Ledger) CurrentBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()
	balance, ok := l.balances[accountID]
	if !ok {
		return decimal.Zero, billing.ErrAccountNotFound
	}
	return balance, nil
}

// HasCreditSince reports whether a credit was posted strictly after since.
func (l *Ledger) HasCreditSince(ctx context.Context, accountID string, since time.Time) (bool, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.balances[accountID]; !ok {
		return false, billing.ErrAccountNotFound
	}
	for _, tx := range l.transactions[accountID] {
		if tx.Kind == billing.KindCredit && tx.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

// ListTransactions returns newest-first history inside the filter window.
func (l *Ledger) ListTransactions(ctx context.Context, accountID string, filter billing.TransactionFilter) ([]billing.Transaction, int, error) {
	_ = ctx
	filter = filter.Normalize()
	l.mu.RLock()
	if _, ok := l.balances[accountID]; !ok {
		l.mu.RUnlock()
		return nil, 0, billing.ErrAccountNotFound
	}
	matched := make([]billing.Transaction, 0, len(l.transactions[accountID]))
	for _, tx := range l.transactions[accountID] {
		if filter.Includes(tx.CreatedAt) {
			matched = append(matched, tx)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	offset := filter.Offset()
	if offset >= total {
		return []billing.Transaction{}, total, nil
	}
	end := offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Transactions returns all records of an account in posting order.
func (l *Ledger) Transactions(accountID string) []billing.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]billing.Transaction, len(l.transactions[accountID]))
	copy(out, l.transactions[accountID])
	return out
}

func (l *Ledger) postLocked(accountID string, amount decimal.Decimal, energyDelta float64, kind billing.TransactionKind, reference string) billing.Transaction {
	tx := billing.Transaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Amount:      amount,
		EnergyDelta: energyDelta,
		Kind:        kind,
		Status:      billing.StatusPosted,
		Reference:   reference,
		CreatedAt:   l.now(),
	}
	l.balances[accountID] = l.balances[accountID].Add(amount)
	l.transactions[accountID] = append(l.transactions[accountID], tx)
	return tx
}

func (l *Ledger) takeFailure() error {
	err := l.failNext
	l.failNext = nil
	return err
}
