package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
)

const (
	defaultStatesTable   = "power_command_states"
	defaultCommandsTable = "power_commands"
)

// StateRepository is a Postgres implementation for outlet command states.
type StateRepository struct {
	db    *sql.DB
	table string
}

// NewStateRepository constructs a repository.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db, table: defaultStatesTable}
}

// Find loads the recorded state for an outlet.
func (r *StateRepository) Find(ctx context.Context, outlet billing.OutletRef) (*power.CommandState, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("power state repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT desired, delivered, attempts, last_applied_at, updated_at
FROM %s
WHERE board_id = $1 AND outlet_index = $2
LIMIT 1`, r.table)

	var (
		desired   string
		state     = power.CommandState{Outlet: outlet}
		appliedAt sql.NullTime
		updatedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, outlet.BoardID, outlet.Index).
		Scan(&desired, &state.Delivered, &state.Attempts, &appliedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	parsed, err := power.ParseState(desired)
	if err != nil {
		return nil, err
	}
	state.Desired = parsed
	if appliedAt.Valid {
		state.LastAppliedAt = appliedAt.Time.UTC()
	}
	if updatedAt.Valid {
		state.UpdatedAt = updatedAt.Time.UTC()
	}
	return &state, nil
}

// Save upserts the outlet state.
func (r *StateRepository) Save(ctx context.Context, state *power.CommandState) error {
	if r == nil || r.db == nil {
		return errors.New("power state repo: nil db")
	}
	if state == nil {
		return errors.New("power state repo: nil state")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	board_id, outlet_index, desired, delivered, attempts, last_applied_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (board_id, outlet_index)
DO UPDATE SET
	desired = EXCLUDED.desired,
	delivered = EXCLUDED.delivered,
	attempts = EXCLUDED.attempts,
	last_applied_at = EXCLUDED.last_applied_at,
	updated_at = EXCLUDED.updated_at`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		state.Outlet.BoardID,
		state.Outlet.Index,
		string(state.Desired),
		state.Delivered,
		state.Attempts,
		state.LastAppliedAt.UTC(),
		state.UpdatedAt.UTC(),
	)
	return err
}

// CommandRepository is a Postgres implementation of the outlet command log.
type CommandRepository struct {
	db    *sql.DB
	table string
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db, table: defaultCommandsTable}
}

// Create inserts a command.
func (r *CommandRepository) Create(ctx context.Context, cmd *power.Command) error {
	if r == nil || r.db == nil {
		return errors.New("power command repo: nil db")
	}
	if cmd == nil {
		return errors.New("power command repo: nil command")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	command_id, board_id, outlet_index, state, source, actor, idempotency_key, status, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		cmd.CommandID, cmd.Outlet.BoardID, cmd.Outlet.Index, string(cmd.State), cmd.Source, cmd.Actor,
		cmd.IdempotencyKey, cmd.Status, cmd.CreatedAt.UTC())
	return err
}

// MarkSent marks a command as sent.
func (r *CommandRepository) MarkSent(ctx context.Context, commandID string, sentAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("power command repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, sent_at = $2
WHERE command_id = $3`, r.table)
	_, err := r.db.ExecContext(ctx, query, power.StatusSent, sentAt.UTC(), commandID)
	return err
}

// MarkFailed marks a command as failed.
func (r *CommandRepository) MarkFailed(ctx context.Context, commandID string, errMsg string) error {
	if r == nil || r.db == nil {
		return errors.New("power command repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, error = $2
WHERE command_id = $3`, r.table)
	_, err := r.db.ExecContext(ctx, query, power.StatusFailed, errMsg, commandID)
	return err
}

// ListByOutlet returns the most recent commands for an outlet.
func (r *CommandRepository) ListByOutlet(ctx context.Context, outlet billing.OutletRef, limit int) ([]power.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("power command repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT command_id, state, source, actor, idempotency_key, status, created_at, sent_at, error
FROM %s
WHERE board_id = $1 AND outlet_index = $2
ORDER BY created_at DESC
LIMIT $3`, r.table)
	rows, err := r.db.QueryContext(ctx, query, outlet.BoardID, outlet.Index, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []power.Command
	for rows.Next() {
		cmd, err := scanCommand(rows, outlet)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner, outlet billing.OutletRef) (*power.Command, error) {
	var (
		cmd    = power.Command{Outlet: outlet}
		state  string
		actor  sql.NullString
		sentAt sql.NullTime
		errMsg sql.NullString
	)
	if err := row.Scan(&cmd.CommandID, &state, &cmd.Source, &actor, &cmd.IdempotencyKey, &cmd.Status, &cmd.CreatedAt, &sentAt, &errMsg); err != nil {
		return nil, err
	}
	cmd.State = power.State(state)
	cmd.Actor = actor.String
	cmd.Error = errMsg.String
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	if sentAt.Valid {
		cmd.SentAt = sentAt.Time.UTC()
	}
	return &cmd, nil
}
