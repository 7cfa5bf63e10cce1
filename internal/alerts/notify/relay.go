package notify

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RelayChannel posts {email, type, message} to an e-mail relay.
type RelayChannel struct {
	url    string
	client *http.Client
	retry  RetryPolicy
}

type relayPayload struct {
	Email   string `json:"email"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewRelayChannel constructs a relay channel.
func NewRelayChannel(url string, retry ...RetryPolicy) (*RelayChannel, error) {
	if url == "" {
		return nil, errors.New("relay channel: empty url")
	}
	policy := DefaultRetryPolicy()
	if len(retry) > 0 {
		policy = retry[0]
	}
	return &RelayChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  policy,
	}, nil
}

// Send relays the alert. Accounts without a recipient are skipped.
func (c *RelayChannel) Send(ctx context.Context, msg Message) error {
	if c == nil || c.url == "" {
		return errors.New("relay channel: empty url")
	}
	if msg.Recipient == "" {
		return nil
	}
	payload := relayPayload{
		Email:   msg.Recipient,
		Type:    msg.Title,
		Message: msg.Message,
	}
	return postJSON(ctx, c.client, c.url, payload, c.retry)
}
