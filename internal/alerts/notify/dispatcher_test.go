package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	billingapp "github.com/corybantes/smart-distribution-board/internal/billing/application"
	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingChannel struct {
	mu       sync.Mutex
	messages []Message
	fail     error
}

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *recordingChannel) setFail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *recordingChannel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

type memoryNotifications struct {
	mu    sync.Mutex
	items []Notification
}

func (s *memoryNotifications) Create(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
	return nil
}

var testOutlet = billing.OutletRef{BoardID: "A1", Index: 2}

func cutoff(at time.Time) billingapp.Alert {
	return billingapp.Alert{
		Recipient:  "tenant@example.com",
		EventType:  billingapp.EventCutoff,
		Title:      "Power Cutoff",
		Message:    "Your allocated energy units have been exhausted. Power has been cut.",
		AccountID:  "acc-1",
		Outlet:     testOutlet,
		Balance:    decimal.RequireFromString("-30"),
		OccurredAt: at,
	}
}

func TestDispatcherRendersAndDelivers(t *testing.T) {
	channel := &recordingChannel{}
	dispatcher, err := NewDispatcher(channel, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	dispatcher.Dispatch(context.Background(), cutoff(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)))
	dispatcher.Close()

	messages := channel.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.Severity != SeverityWarning {
		t.Fatalf("expected warning severity, got %s", msg.Severity)
	}
	checks := []string{
		"[Power Cutoff]",
		"Account: acc-1",
		"Outlet: A1/O2",
		"Balance: -30.00",
		"Time: 2026-04-01T08:00:00Z",
	}
	for _, check := range checks {
		if !strings.Contains(msg.Content, check) {
			t.Fatalf("content missing %q:\n%s", check, msg.Content)
		}
	}
	if strings.Contains(msg.Content, "Load:") {
		t.Fatalf("cutoff content must not carry a load line")
	}
}

func TestDispatcherOverloadIsError(t *testing.T) {
	channel := &recordingChannel{}
	dispatcher, _ := NewDispatcher(channel, nil)
	dispatcher.Dispatch(context.Background(), billingapp.Alert{
		EventType: billingapp.EventOverload,
		Title:     "System Overload",
		AccountID: "acc-1",
		Outlet:    testOutlet,
		Power:     6200,
	})
	dispatcher.Close()

	messages := channel.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Severity != SeverityError {
		t.Fatalf("expected error severity, got %s", messages[0].Severity)
	}
	if !strings.Contains(messages[0].Content, "Load: 6200 W") {
		t.Fatalf("expected load line:\n%s", messages[0].Content)
	}
}

func TestDispatcherCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	dispatcher, _ := NewDispatcher(channel, nil, WithClock(clock), WithCooldown(10*time.Minute))

	dispatcher.Dispatch(context.Background(), cutoff(clock.Now()))
	dispatcher.Dispatch(context.Background(), cutoff(clock.Now()))
	clock.Advance(11 * time.Minute)
	dispatcher.Dispatch(context.Background(), cutoff(clock.Now()))
	dispatcher.Close()

	if got := len(channel.Messages()); got != 2 {
		t.Fatalf("expected 2 messages after cooldown, got %d", got)
	}
}

func TestDispatcherDedupeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	dispatcher, _ := NewDispatcher(channel, nil, WithClock(clock), WithDedupeWindow(time.Minute))

	at := clock.Now()
	dispatcher.Dispatch(context.Background(), cutoff(at))
	clock.Advance(10 * time.Second)
	dispatcher.Dispatch(context.Background(), cutoff(at))
	dispatcher.Dispatch(context.Background(), cutoff(at.Add(time.Second)))
	dispatcher.Close()

	if got := len(channel.Messages()); got != 2 {
		t.Fatalf("expected identical content to be deduped, got %d messages", got)
	}
}

func TestDispatcherFailedDeliveryDoesNotStartCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	channel.setFail(errors.New("relay down"))
	dispatcher, _ := NewDispatcher(channel, nil, WithClock(clock), WithCooldown(time.Hour))

	dispatcher.Dispatch(context.Background(), cutoff(clock.Now()))
	dispatcher.wg.Wait()
	channel.setFail(nil)
	dispatcher.Dispatch(context.Background(), cutoff(clock.Now()))
	dispatcher.Close()

	if got := len(channel.Messages()); got != 1 {
		t.Fatalf("expected retry after failure to deliver, got %d", got)
	}
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	channel := &recordingChannel{}
	dispatcher, _ := NewDispatcher(channel, nil)
	dispatcher.Close()
	dispatcher.Dispatch(context.Background(), cutoff(time.Now()))
	if got := len(channel.Messages()); got != 0 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
	if _, err := NewDispatcher(nil, nil); err == nil {
		t.Fatalf("expected nil channel error")
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestWebhookChannelRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, fastRetry())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := channel.Send(context.Background(), Message{Content: "[Power Cutoff]"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	payload := <-payloadCh
	if payload.MsgType != "text" || payload.Text.Content != "[Power Cutoff]" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestWebhookChannelClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	channel, _ := NewWebhookChannel(server.URL, fastRetry())
	if err := channel.Send(context.Background(), Message{Content: "x"}); err == nil {
		t.Fatalf("expected error on 400")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry on 400, got %d calls", calls.Load())
	}
}

func TestRelayChannelPayload(t *testing.T) {
	payloadCh := make(chan relayPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload relayPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		payloadCh <- payload
	}))
	defer server.Close()

	channel, _ := NewRelayChannel(server.URL, fastRetry())
	if err := channel.Send(context.Background(), Message{}); err != nil {
		t.Fatalf("no recipient should be skipped, got %v", err)
	}
	err := channel.Send(context.Background(), Message{Recipient: "a@example.com", Title: "System Overload", Message: "disconnect"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	payload := <-payloadCh
	if payload.Email != "a@example.com" || payload.Type != "System Overload" || payload.Message != "disconnect" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestStoreAndMultiChannel(t *testing.T) {
	store := &memoryNotifications{}
	storeChannel, err := NewStoreChannel(store)
	if err != nil {
		t.Fatalf("new store channel: %v", err)
	}
	failing := &recordingChannel{fail: errors.New("down")}
	multi := NewMultiChannel(storeChannel, nil, failing)
	if multi.Len() != 2 {
		t.Fatalf("expected nil channel to be skipped")
	}

	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	err = multi.Send(context.Background(), Message{AccountID: "acc-1", Title: "Low Balance", Message: "top up", Severity: SeverityWarning, OccurredAt: at})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(store.items) != 1 {
		t.Fatalf("expected store write despite other failure")
	}
	item := store.items[0]
	if item.AccountID != "acc-1" || item.Type != SeverityWarning || item.Read || !item.CreatedAt.Equal(at) || item.ID == "" {
		t.Fatalf("unexpected notification %+v", item)
	}
}
