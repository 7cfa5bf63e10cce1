package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Notification is an entry in an account's in-app notification feed.
type Notification struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationStore persists notifications.
type NotificationStore interface {
	Create(ctx context.Context, notification Notification) error
}

// StoreChannel writes alerts to the notification feed.
type StoreChannel struct {
	store NotificationStore
	now   func() time.Time
}

// NewStoreChannel constructs a store channel.
func NewStoreChannel(store NotificationStore) (*StoreChannel, error) {
	if store == nil {
		return nil, errors.New("store channel: nil store")
	}
	return &StoreChannel{store: store, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Send stores the alert as an unread notification.
func (c *StoreChannel) Send(ctx context.Context, msg Message) error {
	if c == nil || c.store == nil {
		return errors.New("store channel: nil store")
	}
	if msg.AccountID == "" {
		return nil
	}
	createdAt := msg.OccurredAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}
	return c.store.Create(ctx, Notification{
		ID:        uuid.NewString(),
		AccountID: msg.AccountID,
		Title:     msg.Title,
		Message:   msg.Message,
		Type:      msg.Severity,
		CreatedAt: createdAt.UTC(),
	})
}
