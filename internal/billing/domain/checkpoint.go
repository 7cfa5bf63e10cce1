package billing

import "time"

// BillingState is the named state of an account's meter checkpoint.
type BillingState string

const (
	// StateUninitialized means the account has never been reconciled.
	StateUninitialized BillingState = "uninitialized"
	// StateTracking means the checkpoint follows a monotonic counter.
	StateTracking BillingState = "tracking"
	// StateRegressed means the last observation was a meter reset and became a new baseline.
	StateRegressed BillingState = "regressed"
)

// ObservationKind classifies how a sample moved the checkpoint.
type ObservationKind string

const (
	ObservationBaseline  ObservationKind = "baseline"
	ObservationReset     ObservationKind = "reset"
	ObservationAdvance   ObservationKind = "advance"
	ObservationUnchanged ObservationKind = "unchanged"
	ObservationStale     ObservationKind = "stale"
)

// Observation is the result of applying a sample to a checkpoint.
type Observation struct {
	Kind     ObservationKind
	Delta    float64
	Previous float64
	Current  float64
	// PreviousSampleAt is the sample timestamp the checkpoint pointed at before the observation.
	PreviousSampleAt time.Time
}

// Billable reports whether the observation carries energy to charge for.
func (o Observation) Billable() bool {
	return o.Kind == ObservationAdvance && o.Delta > 0
}

// Checkpoint is the last cumulative meter value an account was billed against.
// Identity: account id.
type Checkpoint struct {
	accountID   string
	energy      float64
	initialized bool
	sampleAt    time.Time
	state       BillingState
	updatedAt   time.Time

	isNew bool
}

// NewCheckpoint creates an uninitialized checkpoint for an account.
func NewCheckpoint(accountID string) (*Checkpoint, error) {
	if accountID == "" {
		return nil, ErrEmptyAccountID
	}
	return &Checkpoint{
		accountID: accountID,
		state:     StateUninitialized,
		isNew:     true,
	}, nil
}

// RestoreCheckpoint rebuilds a persisted checkpoint.
func RestoreCheckpoint(accountID string, energy float64, initialized bool, sampleAt time.Time, state BillingState, updatedAt time.Time) (*Checkpoint, error) {
	if accountID == "" {
		return nil, ErrEmptyAccountID
	}
	if energy < 0 {
		return nil, ErrInvalidSample
	}
	if !initialized {
		state = StateUninitialized
	} else if state != StateTracking && state != StateRegressed {
		state = StateTracking
	}
	return &Checkpoint{
		accountID:   accountID,
		energy:      energy,
		initialized: initialized,
		sampleAt:    sampleAt,
		state:       state,
		updatedAt:   updatedAt,
	}, nil
}

// Observe applies a validated sample and returns how it moved the checkpoint.
// It is the only place the checkpoint energy changes.
func (c *Checkpoint) Observe(sample MeterSample, now time.Time) (Observation, error) {
	if err := sample.Validate(); err != nil {
		return Observation{}, err
	}
	current := sample.CumulativeEnergy
	obs := Observation{Previous: c.energy, Current: current, PreviousSampleAt: c.sampleAt}

	switch {
	case !c.initialized:
		obs.Kind = ObservationBaseline
		c.initialized = true
		c.state = StateTracking
		c.moveTo(current, sample.Timestamp, now)
	case !c.sampleAt.IsZero() && !sample.Timestamp.IsZero() && sample.Timestamp.Before(c.sampleAt):
		obs.Kind = ObservationStale
		obs.Current = c.energy
	case current < c.energy:
		obs.Kind = ObservationReset
		c.state = StateRegressed
		c.moveTo(current, sample.Timestamp, now)
	case current == c.energy:
		obs.Kind = ObservationUnchanged
		c.state = StateTracking
		c.moveTo(current, sample.Timestamp, now)
	default:
		obs.Kind = ObservationAdvance
		obs.Delta = current - c.energy
		c.state = StateTracking
		c.moveTo(current, sample.Timestamp, now)
	}
	return obs, nil
}

// CatchUp moves a checkpoint that lags a committed usage record forward to the
// reading that record billed. It reports whether the checkpoint moved.
func (c *Checkpoint) CatchUp(last Transaction, now time.Time) bool {
	if last.Kind != KindUsage || last.SampleAt.IsZero() || last.MeterEnergy < 0 {
		return false
	}
	if c.initialized && !last.SampleAt.After(c.sampleAt) {
		return false
	}
	c.initialized = true
	c.state = StateTracking
	c.moveTo(last.MeterEnergy, last.SampleAt, now)
	return true
}

func (c *Checkpoint) moveTo(energy float64, sampleAt, now time.Time) {
	c.energy = energy
	if !sampleAt.IsZero() {
		c.sampleAt = sampleAt
	}
	c.updatedAt = now
}

// AccountID returns the owning account id.
func (c *Checkpoint) AccountID() string { return c.accountID }

// Energy returns the last billed cumulative value.
func (c *Checkpoint) Energy() float64 { return c.energy }

// Initialized reports whether a baseline has been taken.
func (c *Checkpoint) Initialized() bool { return c.initialized }

// SampleAt returns the timestamp of the sample last billed against.
func (c *Checkpoint) SampleAt() time.Time { return c.sampleAt }

// State returns the named billing state.
func (c *Checkpoint) State() BillingState { return c.state }

// UpdatedAt returns the last mutation time.
func (c *Checkpoint) UpdatedAt() time.Time { return c.updatedAt }

// IsNew reports whether the checkpoint was freshly created.
func (c *Checkpoint) IsNew() bool { return c.isNew }

// MarkPersisted marks the checkpoint as persisted.
func (c *Checkpoint) MarkPersisted() {
	if c != nil {
		c.isNew = false
	}
}

// Clone returns a detached copy marked as persisted.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	copy := *c
	copy.isNew = false
	return &copy
}
