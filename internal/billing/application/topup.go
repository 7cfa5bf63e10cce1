package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	"github.com/corybantes/smart-distribution-board/internal/observability/metrics"
)

// TopUpRequest is a manual wallet credit.
type TopUpRequest struct {
	AccountID string
	Amount    decimal.Decimal
	Reference string
}

// TopUpResult reports the posted credit.
type TopUpResult struct {
	Transaction billing.Transaction `json:"transaction"`
	Balance     decimal.Decimal     `json:"balance"`
}

// AccountService serves wallet queries and credits.
type AccountService struct {
	accounts billing.AccountRepository
	ledger   AccountLedger
	logger   *zap.Logger
}

// NewAccountService constructs an AccountService.
func NewAccountService(accounts billing.AccountRepository, ledger AccountLedger, logger *zap.Logger) (*AccountService, error) {
	if accounts == nil {
		return nil, errors.New("account service: nil account repo")
	}
	if ledger == nil {
		return nil, errors.New("account service: nil ledger")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{accounts: accounts, ledger: ledger, logger: logger}, nil
}

// Account loads an account or returns ErrAccountNotFound.
func (s *AccountService) Account(ctx context.Context, accountID string) (*billing.Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, billing.ErrEmptyAccountID
	}
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, billing.ErrAccountNotFound
	}
	return account, nil
}

// Balance returns the ledger balance of an account.
func (s *AccountService) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return s.ledger.CurrentBalance(ctx, accountID)
}

// Transactions returns one page of ledger history and the total match count.
func (s *AccountService) Transactions(ctx context.Context, accountID string, filter billing.TransactionFilter) ([]billing.Transaction, int, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, 0, err
	}
	return s.ledger.ListTransactions(ctx, accountID, filter.Normalize())
}

// TopUp credits an account. The next pass restores power once the balance is positive.
func (s *AccountService) TopUp(ctx context.Context, req TopUpRequest) (*TopUpResult, error) {
	if _, err := s.Account(ctx, req.AccountID); err != nil {
		return nil, err
	}
	amount := billing.RoundAmount(req.Amount)
	if !amount.IsPositive() {
		return nil, billing.ErrNonPositiveAmount
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "wallet"
	}

	tx, err := s.ledger.ApplyCredit(ctx, req.AccountID, amount, reference)
	if err != nil {
		metrics.ObserveTopUp(metrics.ResultError, 0)
		return nil, fmt.Errorf("top up %s: %w", req.AccountID, err)
	}
	amountF, _ := amount.Float64()
	metrics.ObserveTopUp(metrics.ResultSuccess, amountF)

	balance, err := s.ledger.CurrentBalance(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet topped up",
		zap.String("account_id", req.AccountID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance", balance.StringFixed(2)),
		zap.String("transaction_id", tx.ID),
	)
	return &TopUpResult{Transaction: *tx, Balance: balance}, nil
}
