package devicecloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetryMax = 3
)

// Client is a minimal realtime-database REST client for distribution boards.
// It reads meter history and writes outlet control registers.
type Client struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
	logger  *zap.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client.HTTPClient = hc
		}
	}
}

// WithRetry sets retry count and wait bounds.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		if max >= 0 {
			c.client.RetryMax = max
		}
		if waitMin > 0 {
			c.client.RetryWaitMin = waitMin
		}
		if waitMax > 0 {
			c.client.RetryWaitMax = waitMax
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a client. token is sent as the auth query parameter.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("devicecloud: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("devicecloud: invalid base url: %w", err)
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.HTTPClient.Timeout = defaultTimeout

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  rc,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client.Logger = leveledLogger{logger: c.logger.Sugar()}
	return c, nil
}

// SetOutlet writes 1 (ON) or 0 (OFF) to Devices/ESP_{board}/Control/O{n}.
// The board acknowledges asynchronously.
func (c *Client) SetOutlet(ctx context.Context, outlet billing.OutletRef, state power.State) error {
	if outlet.BoardID == "" || outlet.Index <= 0 {
		return billing.ErrInvalidOutlet
	}
	if state != power.StateOn && state != power.StateOff {
		return power.ErrInvalidState
	}
	path := fmt.Sprintf("Devices/ESP_%s/Control/%s", outlet.BoardID, outlet.Label())
	return c.doJSON(ctx, http.MethodPut, path, nil, state.Value(), nil)
}

// LatestSample returns the newest history record for the outlet.
func (c *Client) LatestSample(ctx context.Context, outlet billing.OutletRef) (billing.MeterSample, bool, error) {
	query := url.Values{}
	query.Set("orderBy", `"timestamp"`)
	query.Set("limitToLast", "1")

	samples, err := c.history(ctx, outlet, query)
	if err != nil {
		return billing.MeterSample{}, false, err
	}
	latest, ok := billing.Latest(samples)
	return latest, ok, nil
}

// SamplesBetween returns history records with from <= timestamp <= to, oldest first.
func (c *Client) SamplesBetween(ctx context.Context, outlet billing.OutletRef, from, to time.Time) ([]billing.MeterSample, error) {
	query := url.Values{}
	query.Set("orderBy", `"timestamp"`)
	query.Set("startAt", strconv.FormatInt(from.Unix(), 10))
	query.Set("endAt", strconv.FormatInt(to.Unix(), 10))
	return c.history(ctx, outlet, query)
}

func (c *Client) history(ctx context.Context, outlet billing.OutletRef, query url.Values) ([]billing.MeterSample, error) {
	if outlet.BoardID == "" || outlet.Index <= 0 {
		return nil, billing.ErrInvalidOutlet
	}
	path := fmt.Sprintf("Devices/ESP_%s/History", outlet.BoardID)

	var records map[string]historyRecord
	if err := c.doJSON(ctx, http.MethodGet, path, query, nil, &records); err != nil {
		return nil, err
	}
	samples := make([]billing.MeterSample, 0, len(records))
	for key, record := range records {
		sample, ok := record.sample(outlet)
		if !ok {
			c.logger.Debug("history record skipped",
				zap.String("board_id", outlet.BoardID),
				zap.String("key", key),
			)
			continue
		}
		samples = append(samples, sample)
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	return samples, nil
}

type historyRecord struct {
	Timestamp json.Number
	Outlets   map[string]outletReading
}

type outletReading struct {
	E *float64 `json:"E"`
	P *float64 `json:"P"`
}

func (r *historyRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Outlets = make(map[string]outletReading)
	for key, value := range raw {
		if key == "timestamp" {
			if err := json.Unmarshal(value, &r.Timestamp); err != nil {
				return err
			}
			continue
		}
		if !strings.HasPrefix(key, "O") {
			continue
		}
		var reading outletReading
		if err := json.Unmarshal(value, &reading); err != nil {
			continue
		}
		r.Outlets[key] = reading
	}
	return nil
}

// sample converts a record; a record without the outlet or its energy is not a reading.
func (r historyRecord) sample(outlet billing.OutletRef) (billing.MeterSample, bool) {
	reading, ok := r.Outlets[outlet.Label()]
	if !ok || reading.E == nil {
		return billing.MeterSample{}, false
	}
	ts, err := r.Timestamp.Float64()
	if err != nil || ts <= 0 {
		return billing.MeterSample{}, false
	}
	sec, frac := math.Modf(ts)
	sample := billing.MeterSample{
		Outlet:           outlet,
		Timestamp:        time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		CumulativeEnergy: *reading.E,
	}
	if reading.P != nil {
		sample.Power = *reading.P
		sample.HasPower = true
	}
	return sample, true
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if c == nil || c.client == nil {
		return errors.New("devicecloud: nil client")
	}
	if query == nil {
		query = url.Values{}
	}
	if c.token != "" {
		query.Set("auth", c.token)
	}
	endpoint := c.baseURL + "/" + path + ".json"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("devicecloud: %s %s status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}
