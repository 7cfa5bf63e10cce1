package application

import (
	"context"
	"errors"
	"sort"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

// SamplingStrategy turns an advancing observation into billable energy.
type SamplingStrategy interface {
	Delta(ctx context.Context, outlet billing.OutletRef, obs billing.Observation, latest billing.MeterSample) (float64, error)
}

// PointSampling bills the counter difference of the latest sample.
type PointSampling struct{}

// Delta returns the observed counter delta.
func (PointSampling) Delta(_ context.Context, _ billing.OutletRef, obs billing.Observation, _ billing.MeterSample) (float64, error) {
	return obs.Delta, nil
}

const wattSecondsPerKWh = 3.6e6

// TrapezoidSampling integrates the power series between two billed samples.
type TrapezoidSampling struct {
	window SampleWindowSource
}

// NewTrapezoidSampling constructs a strategy backed by a window source.
func NewTrapezoidSampling(window SampleWindowSource) (*TrapezoidSampling, error) {
	if window == nil {
		return nil, errors.New("trapezoid sampling: nil window source")
	}
	return &TrapezoidSampling{window: window}, nil
}

// Delta integrates powered samples in [previous, latest] and never exceeds the counter delta.
// It falls back to the counter delta when the window cannot be integrated.
func (s *TrapezoidSampling) Delta(ctx context.Context, outlet billing.OutletRef, obs billing.Observation, latest billing.MeterSample) (float64, error) {
	if obs.PreviousSampleAt.IsZero() || latest.Timestamp.IsZero() {
		return obs.Delta, nil
	}
	samples, err := s.window.SamplesBetween(ctx, outlet, obs.PreviousSampleAt, latest.Timestamp)
	if err != nil {
		return 0, err
	}
	powered := make([]billing.MeterSample, 0, len(samples))
	for _, sample := range samples {
		if sample.HasPower && sample.Validate() == nil && sample.Power >= 0 {
			powered = append(powered, sample)
		}
	}
	if len(powered) < 2 {
		return obs.Delta, nil
	}
	sort.Slice(powered, func(i, j int) bool {
		return powered[i].Timestamp.Before(powered[j].Timestamp)
	})

	energy := 0.0
	for i := 1; i < len(powered); i++ {
		dt := powered[i].Timestamp.Sub(powered[i-1].Timestamp).Seconds()
		energy += (powered[i].Power + powered[i-1].Power) / 2 * dt / wattSecondsPerKWh
	}
	if energy <= 0 {
		return obs.Delta, nil
	}
	if energy > obs.Delta {
		return obs.Delta, nil
	}
	return energy, nil
}
