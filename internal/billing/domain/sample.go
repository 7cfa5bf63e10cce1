package billing

import (
	"math"
	"time"
)

// MeterSample is one cumulative energy reading for an outlet.
type MeterSample struct {
	Outlet           OutletRef
	Timestamp        time.Time
	CumulativeEnergy float64
	// Power is the instantaneous load in watts, when the board reports it.
	Power    float64
	HasPower bool
}

// Validate rejects readings that must never reach billing arithmetic.
func (s MeterSample) Validate() error {
	if math.IsNaN(s.CumulativeEnergy) || math.IsInf(s.CumulativeEnergy, 0) || s.CumulativeEnergy < 0 {
		return ErrInvalidSample
	}
	if s.HasPower && (math.IsNaN(s.Power) || math.IsInf(s.Power, 0)) {
		return ErrInvalidSample
	}
	return nil
}

// Latest returns the sample with the greatest timestamp.
func Latest(samples []MeterSample) (MeterSample, bool) {
	if len(samples) == 0 {
		return MeterSample{}, false
	}
	latest := samples[0]
	for _, sample := range samples[1:] {
		if sample.Timestamp.After(latest.Timestamp) {
			latest = sample
		}
	}
	return latest, true
}
