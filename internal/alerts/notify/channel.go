package notify

import (
	"context"
	"errors"
	"time"
)

// Severity levels carried by notifications.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Message is a rendered alert ready for delivery.
type Message struct {
	Recipient  string
	EventType  string
	Title      string
	Message    string
	Content    string
	AccountID  string
	Severity   string
	OccurredAt time.Time
}

// Channel delivers a message to one destination.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// MultiChannel fans a message out to several channels.
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel constructs a MultiChannel, skipping nil channels.
func NewMultiChannel(channels ...Channel) *MultiChannel {
	m := &MultiChannel{}
	for _, channel := range channels {
		if channel != nil {
			m.channels = append(m.channels, channel)
		}
	}
	return m
}

// Len returns the number of channels.
func (m *MultiChannel) Len() int {
	if m == nil {
		return 0
	}
	return len(m.channels)
}

// Send delivers to every channel and joins the failures.
func (m *MultiChannel) Send(ctx context.Context, msg Message) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, channel := range m.channels {
		if err := channel.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
