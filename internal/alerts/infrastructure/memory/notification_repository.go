package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/corybantes/smart-distribution-board/internal/alerts/notify"
)

// NotificationRepository is an in-memory notification feed.
type NotificationRepository struct {
	mu    sync.Mutex
	items []notify.Notification
}

// NewNotificationRepository constructs a repository.
func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{}
}

// Create appends a notification.
func (r *NotificationRepository) Create(ctx context.Context, n notify.Notification) error {
	_ = ctx
	if n.ID == "" || n.AccountID == "" {
		return errors.New("notification repo: missing id")
	}
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
	return nil
}

// ListByAccount returns the newest notifications of an account.
func (r *NotificationRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]notify.Notification, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []notify.Notification
	for _, item := range r.items {
		if item.AccountID == accountID {
			result = append(result, item)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkRead flags a notification of the account as read.
func (r *NotificationRepository) MarkRead(ctx context.Context, accountID, id string) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].ID == id && r.items[i].AccountID == accountID {
			r.items[i].Read = true
			return true, nil
		}
	}
	return false, nil
}
