package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	billingapp "github.com/corybantes/smart-distribution-board/internal/billing/application"
	"github.com/corybantes/smart-distribution-board/internal/observability/metrics"
)

const (
	resultSent       = "sent"
	resultFailed     = "failed"
	resultSuppressed = "suppressed"
)

// Clock provides time for cooldown bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type sendRecord struct {
	at   time.Time
	hash string
}

// Dispatcher renders billing alerts and delivers them in the background.
// Dispatch never blocks on delivery and never returns an error.
type Dispatcher struct {
	channel        Channel
	template       *Template
	clock          Clock
	logger         *zap.Logger
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration

	mu     sync.Mutex
	sent   map[string]sendRecord
	closed bool
	wg     sync.WaitGroup
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRequestTimeout bounds each background delivery.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between alerts for the same account and event.
func WithCooldown(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical alerts within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(d *Dispatcher) {
		if window > 0 {
			d.dedupeWindow = window
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(channel Channel, template *Template, opts ...Option) (*Dispatcher, error) {
	if channel == nil {
		return nil, errors.New("alert dispatcher: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	d := &Dispatcher{
		channel:        channel,
		template:       template,
		clock:          systemClock{},
		logger:         zap.NewNop(),
		requestTimeout: 5 * time.Second,
		sent:           make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch implements application.AlertDispatcher.
func (d *Dispatcher) Dispatch(_ context.Context, alert billingapp.Alert) {
	if d == nil || d.channel == nil {
		return
	}
	content, err := d.template.Render(buildTemplateData(alert))
	if err != nil {
		d.logger.Warn("alert render failed", zap.String("event", alert.EventType), zap.Error(err))
		metrics.IncAlert(alert.EventType, resultFailed)
		return
	}
	msg := Message{
		Recipient:  alert.Recipient,
		EventType:  alert.EventType,
		Title:      alert.Title,
		Message:    alert.Message,
		Content:    content,
		AccountID:  alert.AccountID,
		Severity:   severityFor(alert.EventType),
		OccurredAt: alert.OccurredAt,
	}

	key := notificationKey(alert.AccountID, alert.EventType)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	previous, hadPrevious, ok := d.reserveLocked(key, content)
	if !ok {
		d.mu.Unlock()
		metrics.IncAlert(alert.EventType, resultSuppressed)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.deliver(key, msg, previous, hadPrevious)
	}()
}

// Close waits for in-flight deliveries and rejects new ones.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(key string, msg Message, previous sendRecord, hadPrevious bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d.requestTimeout)
	defer cancel()

	if err := d.channel.Send(ctx, msg); err != nil {
		d.release(key, previous, hadPrevious)
		metrics.IncAlert(msg.EventType, resultFailed)
		d.logger.Warn("alert delivery failed",
			zap.String("account_id", msg.AccountID),
			zap.String("event", msg.EventType),
			zap.Error(err),
		)
		return
	}
	metrics.IncAlert(msg.EventType, resultSent)
	d.logger.Info("alert delivered",
		zap.String("account_id", msg.AccountID),
		zap.String("event", msg.EventType),
	)
}

// reserveLocked records the send up front so concurrent dispatches of the
// same alert are suppressed while the first delivery is in flight.
func (d *Dispatcher) reserveLocked(key, content string) (sendRecord, bool, bool) {
	now := d.clock.Now().UTC()
	hash := hashContent(content)
	record, exists := d.sent[key]
	if exists {
		if d.cooldown > 0 && now.Sub(record.at) < d.cooldown {
			return sendRecord{}, false, false
		}
		if d.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < d.dedupeWindow {
			return sendRecord{}, false, false
		}
	}
	d.sent[key] = sendRecord{at: now, hash: hash}
	return record, exists, true
}

func (d *Dispatcher) release(key string, previous sendRecord, hadPrevious bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hadPrevious {
		d.sent[key] = previous
		return
	}
	delete(d.sent, key)
}

func buildTemplateData(alert billingapp.Alert) TemplateData {
	data := TemplateData{
		Event:      alert.EventType,
		Title:      alert.Title,
		Message:    alert.Message,
		AccountID:  alert.AccountID,
		Outlet:     alert.Outlet.String(),
		OccurredAt: alert.OccurredAt.UTC().Format(time.RFC3339),
	}
	if alert.EventType == billingapp.EventOverload {
		data.Power = fmt.Sprintf("%.0f", alert.Power)
	} else {
		data.Balance = alert.Balance.StringFixed(2)
	}
	return data
}

func severityFor(event string) string {
	if event == billingapp.EventOverload {
		return SeverityError
	}
	return SeverityWarning
}

func notificationKey(accountID, eventType string) string {
	return accountID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}
