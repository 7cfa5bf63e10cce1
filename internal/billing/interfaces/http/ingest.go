package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

const (
	maxIngestBatch = 1000
	maxIngestBody  = 1 << 20
)

// SampleRecorder persists pushed meter readings.
type SampleRecorder interface {
	Record(ctx context.Context, sample billing.MeterSample) error
}

// SampleRecorderFunc adapts a function to SampleRecorder.
type SampleRecorderFunc func(ctx context.Context, sample billing.MeterSample) error

// Record calls f.
func (f SampleRecorderFunc) Record(ctx context.Context, sample billing.MeterSample) error {
	return f(ctx, sample)
}

// IngestHandler accepts meter readings pushed by distribution boards.
type IngestHandler struct {
	recorder SampleRecorder
	logger   *zap.Logger
}

// NewIngestHandler constructs a handler.
func NewIngestHandler(recorder SampleRecorder, logger *zap.Logger) (*IngestHandler, error) {
	if recorder == nil {
		return nil, errors.New("ingest handler: nil recorder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{recorder: recorder, logger: logger}, nil
}

type sampleRequest struct {
	BoardID   string   `json:"board_id"`
	Outlet    int      `json:"outlet"`
	Timestamp int64    `json:"ts"`
	EnergyKWh *float64 `json:"energy_kwh"`
	PowerW    *float64 `json:"power_w"`
}

type rejectedSample struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResponse struct {
	Accepted int              `json:"accepted"`
	Rejected []rejectedSample `json:"rejected"`
}

func (s sampleRequest) toDomain() (billing.MeterSample, error) {
	if s.EnergyKWh == nil {
		return billing.MeterSample{}, errors.New("energy_kwh is required")
	}
	if s.Timestamp <= 0 {
		return billing.MeterSample{}, errors.New("ts must be a positive unix timestamp")
	}
	outlet, err := billing.NewOutletRef(s.BoardID, s.Outlet)
	if err != nil {
		return billing.MeterSample{}, err
	}
	sample := billing.MeterSample{
		Outlet:           outlet,
		Timestamp:        time.Unix(s.Timestamp, 0).UTC(),
		CumulativeEnergy: *s.EnergyKWh,
	}
	if s.PowerW != nil {
		sample.Power = *s.PowerW
		sample.HasPower = true
	}
	if err := sample.Validate(); err != nil {
		return billing.MeterSample{}, err
	}
	return sample, nil
}

// ServeHTTP handles POST /api/v1/meter-samples.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var batch []sampleRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(batch) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}
	if len(batch) > maxIngestBatch {
		http.Error(w, "batch too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp := ingestResponse{Rejected: []rejectedSample{}}
	for i, item := range batch {
		sample, err := item.toDomain()
		if err == nil {
			err = h.recorder.Record(r.Context(), sample)
		}
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedSample{Index: i, Error: err.Error()})
			continue
		}
		resp.Accepted++
	}
	if len(resp.Rejected) > 0 {
		h.logger.Warn("meter samples rejected",
			zap.Int("accepted", resp.Accepted),
			zap.Int("rejected", len(resp.Rejected)),
		)
	}
	writeJSON(w, http.StatusAccepted, resp)
}
