package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	"github.com/corybantes/smart-distribution-board/internal/observability/metrics"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
)

// StateRepository persists the last commanded state per outlet.
// Find returns nil, nil when the outlet has never been commanded.
type StateRepository interface {
	Find(ctx context.Context, outlet billing.OutletRef) (*power.CommandState, error)
	Save(ctx context.Context, state *power.CommandState) error
}

// CommandLog records every command sent to hardware.
type CommandLog interface {
	Create(ctx context.Context, cmd *power.Command) error
	MarkSent(ctx context.Context, commandID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, commandID string, errMsg string) error
}

// Sink writes a state to an outlet's control register.
type Sink interface {
	SetOutlet(ctx context.Context, outlet billing.OutletRef, state power.State) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Controller translates desired outlet states into hardware commands.
type Controller struct {
	states StateRepository
	log    CommandLog
	sink   Sink
	clock  Clock
	logger *zap.Logger
}

// Option configures the controller.
type Option func(*Controller)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCommandLog records commands in the given log.
func WithCommandLog(log CommandLog) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// NewController constructs a Controller.
func NewController(states StateRepository, sink Sink, opts ...Option) (*Controller, error) {
	if states == nil {
		return nil, errors.New("power controller: nil state repository")
	}
	if sink == nil {
		return nil, errors.New("power controller: nil sink")
	}
	c := &Controller{
		states: states,
		sink:   sink,
		clock:  systemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Current returns the recorded state of an outlet, nil when never commanded.
func (c *Controller) Current(ctx context.Context, outlet billing.OutletRef) (*power.CommandState, error) {
	return c.states.Find(ctx, outlet)
}

// SetDesired records and delivers a desired state. A state equal to the
// recorded one is a no-op once it has been delivered.
func (c *Controller) SetDesired(ctx context.Context, outlet billing.OutletRef, state power.State) (power.Transition, error) {
	return c.apply(ctx, outlet, state, power.SourceReconciler, "", false)
}

// Override lets an operator switch an outlet regardless of the recorded state.
func (c *Controller) Override(ctx context.Context, outlet billing.OutletRef, state power.State, actor string) (power.Transition, error) {
	return c.apply(ctx, outlet, state, power.SourceOperator, actor, true)
}

func (c *Controller) apply(ctx context.Context, outlet billing.OutletRef, state power.State, source, actor string, force bool) (power.Transition, error) {
	if state != power.StateOn && state != power.StateOff {
		return power.Transition{}, power.ErrInvalidState
	}
	if outlet.BoardID == "" || outlet.Index <= 0 {
		return power.Transition{}, billing.ErrInvalidOutlet
	}

	current, err := c.states.Find(ctx, outlet)
	if err != nil {
		return power.Transition{}, err
	}
	transition := power.Transition{Current: state}
	if current != nil {
		transition.Previous = current.Desired
		transition.AppliedAt = current.LastAppliedAt
	}
	if current != nil && current.Desired == state && current.Delivered && !force {
		return transition, nil
	}

	now := c.clock.Now().UTC()
	next := power.CommandState{Outlet: outlet, Desired: state, LastAppliedAt: now}
	if current != nil && current.Desired == state {
		next = *current
	} else {
		transition.Changed = true
		transition.AppliedAt = now
	}
	next.Delivered = false
	next.UpdatedAt = now
	if err := c.states.Save(ctx, &next); err != nil {
		return transition, err
	}

	next.Attempts++
	deliverErr := c.deliver(ctx, &next, source, actor)
	next.Delivered = deliverErr == nil
	next.UpdatedAt = c.clock.Now().UTC()
	if err := c.states.Save(ctx, &next); err != nil && deliverErr == nil {
		return transition, err
	}
	if deliverErr != nil {
		return transition, fmt.Errorf("%w: %s: %v", power.ErrDeliveryFailed, outlet, deliverErr)
	}
	transition.Delivered = true
	return transition, nil
}

func (c *Controller) deliver(ctx context.Context, state *power.CommandState, source, actor string) error {
	now := c.clock.Now().UTC()
	cmd := &power.Command{
		CommandID:      "pwr-" + uuid.NewString(),
		Outlet:         state.Outlet,
		State:          state.Desired,
		Source:         source,
		Actor:          actor,
		IdempotencyKey: buildIdempotencyKey(state.Outlet, state.Desired, state.LastAppliedAt),
		Status:         power.StatusCreated,
		CreatedAt:      now,
	}
	if c.log != nil {
		if err := c.log.Create(ctx, cmd); err != nil {
			c.logger.Warn("power command log create failed", zap.String("outlet", state.Outlet.String()), zap.Error(err))
		}
	}

	if err := c.sink.SetOutlet(ctx, state.Outlet, state.Desired); err != nil {
		metrics.IncPowerCommand(string(state.Desired), metrics.ResultError)
		c.logger.Warn("power command delivery failed",
			zap.String("outlet", state.Outlet.String()),
			zap.String("state", string(state.Desired)),
			zap.Int("attempt", state.Attempts),
			zap.Error(err),
		)
		if c.log != nil {
			_ = c.log.MarkFailed(ctx, cmd.CommandID, err.Error())
		}
		return err
	}

	metrics.IncPowerCommand(string(state.Desired), metrics.ResultSuccess)
	c.logger.Info("power command sent",
		zap.String("outlet", state.Outlet.String()),
		zap.String("state", string(state.Desired)),
		zap.String("source", source),
	)
	if c.log != nil {
		_ = c.log.MarkSent(ctx, cmd.CommandID, c.clock.Now().UTC())
	}
	return nil
}

func buildIdempotencyKey(outlet billing.OutletRef, state power.State, appliedAt time.Time) string {
	hash := sha1.Sum([]byte(outlet.String() + "|" + string(state) + "|" + strconv.FormatInt(appliedAt.UnixNano(), 10)))
	return hex.EncodeToString(hash[:])
}
