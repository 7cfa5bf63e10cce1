package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/corybantes/smart-distribution-board/internal/alerts/notify"
)

const (
	defaultNotificationsTable = "notifications"
	defaultFeedLimit          = 50
)

// NotificationRepository stores the in-app notification feed.
type NotificationRepository struct {
	db    *sql.DB
	table string
}

// NewNotificationRepository constructs a repository.
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db, table: defaultNotificationsTable}
}

// Create inserts a notification.
func (r *NotificationRepository) Create(ctx context.Context, n notify.Notification) error {
	if r == nil || r.db == nil {
		return errors.New("notification repo: nil db")
	}
	if n.ID == "" || n.AccountID == "" {
		return errors.New("notification repo: missing id")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, account_id, title, message, type, read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, r.table)
	_, err := r.db.ExecContext(ctx, query, n.ID, n.AccountID, n.Title, n.Message, n.Type, n.Read, n.CreatedAt.UTC())
	return err
}

// ListByAccount returns the newest notifications of an account.
func (r *NotificationRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]notify.Notification, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("notification repo: nil db")
	}
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	query := fmt.Sprintf(`
SELECT id, account_id, title, message, type, read, created_at
FROM %s
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT $2`, r.table)

	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []notify.Notification
	for rows.Next() {
		var n notify.Notification
		if err := rows.Scan(&n.ID, &n.AccountID, &n.Title, &n.Message, &n.Type, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt = n.CreatedAt.UTC()
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkRead flags a notification of the account as read.
func (r *NotificationRepository) MarkRead(ctx context.Context, accountID, id string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("notification repo: nil db")
	}
	query := fmt.Sprintf(`UPDATE %s SET read = TRUE WHERE id = $1 AND account_id = $2`, r.table)
	result, err := r.db.ExecContext(ctx, query, id, accountID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
