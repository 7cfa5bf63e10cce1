package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

const defaultCheckpointsTable = "billing_checkpoints"

// AccountRepository reads billable accounts.
type AccountRepository struct {
	db    *sql.DB
	table string
}

// NewAccountRepository constructs a repository.
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db, table: defaultAccountsTable}
}

// ListMetered returns accounts with metering enabled, ordered by id.
func (r *AccountRepository) ListMetered(ctx context.Context) ([]billing.Account, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("account repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, tenant_id, board_id, outlet_index, recipient, balance
FROM %s
WHERE metered = TRUE
ORDER BY id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Get loads an account or returns nil.
func (r *AccountRepository) Get(ctx context.Context, accountID string) (*billing.Account, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("account repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, tenant_id, board_id, outlet_index, recipient, balance
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*billing.Account, error) {
	var (
		account   billing.Account
		tenantID  sql.NullString
		recipient sql.NullString
	)
	if err := row.Scan(&account.ID, &tenantID, &account.Outlet.BoardID, &account.Outlet.Index, &recipient, &account.Balance); err != nil {
		return nil, err
	}
	account.TenantID = tenantID.String
	account.Recipient = recipient.String
	return &account, nil
}

// CheckpointRepository persists billing checkpoints.
type CheckpointRepository struct {
	db    *sql.DB
	table string
}

// NewCheckpointRepository constructs a repository.
func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db, table: defaultCheckpointsTable}
}

// Find loads a checkpoint or returns nil.
func (r *CheckpointRepository) Find(ctx context.Context, accountID string) (*billing.Checkpoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("checkpoint repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT energy, initialized, sample_at, state, updated_at
FROM %s
WHERE account_id = $1
LIMIT 1`, r.table)

	var (
		energy      float64
		initialized bool
		sampleAt    sql.NullTime
		state       string
		updatedAt   sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, accountID).Scan(&energy, &initialized, &sampleAt, &state, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var at time.Time
	if sampleAt.Valid {
		at = sampleAt.Time.UTC()
	}
	return billing.RestoreCheckpoint(accountID, energy, initialized, at, billing.BillingState(state), updatedAt.Time.UTC())
}

// Save upserts a checkpoint.
func (r *CheckpointRepository) Save(ctx context.Context, checkpoint *billing.Checkpoint) error {
	if r == nil || r.db == nil {
		return errors.New("checkpoint repo: nil db")
	}
	if checkpoint == nil {
		return billing.ErrNilCheckpoint
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	account_id, energy, initialized, sample_at, state, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (account_id)
DO UPDATE SET
	energy = EXCLUDED.energy,
	initialized = EXCLUDED.initialized,
	sample_at = EXCLUDED.sample_at,
	state = EXCLUDED.state,
	updated_at = EXCLUDED.updated_at`, r.table)

	var sampleAt sql.NullTime
	if !checkpoint.SampleAt().IsZero() {
		sampleAt = sql.NullTime{Time: checkpoint.SampleAt().UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		checkpoint.AccountID(),
		checkpoint.Energy(),
		checkpoint.Initialized(),
		sampleAt,
		string(checkpoint.State()),
		checkpoint.UpdatedAt().UTC(),
	)
	return err
}
