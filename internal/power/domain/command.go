package power

import (
	"errors"
	"strings"
	"time"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

// State is a commanded outlet state.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

// ParseState accepts ON/OFF in any case and 1/0.
func ParseState(value string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "ON", "1":
		return StateOn, nil
	case "OFF", "0":
		return StateOff, nil
	default:
		return "", ErrInvalidState
	}
}

// Value returns the hardware register value (1 = ON, 0 = OFF).
func (s State) Value() int {
	if s == StateOn {
		return 1
	}
	return 0
}

const (
	StatusCreated = "created"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

const (
	SourceReconciler = "reconciler"
	SourceOperator   = "operator"
)

var (
	// ErrInvalidState is returned for anything other than ON/OFF.
	ErrInvalidState = errors.New("power: invalid state")
	// ErrDeliveryFailed wraps hardware sink failures.
	ErrDeliveryFailed = errors.New("power: command delivery failed")
)

// CommandState is the last commanded state of an outlet.
type CommandState struct {
	Outlet        billing.OutletRef
	Desired       State
	Delivered     bool
	Attempts      int
	LastAppliedAt time.Time
	UpdatedAt     time.Time
}

// Command is one entry of the outlet command log.
type Command struct {
	CommandID      string
	Outlet         billing.OutletRef
	State          State
	Source         string
	Actor          string
	IdempotencyKey string
	Status         string
	CreatedAt      time.Time
	SentAt         time.Time
	Error          string
}

// Transition describes what SetDesired did.
type Transition struct {
	Previous State
	Current  State
	// Changed is true when the desired state differs from the recorded one.
	Changed bool
	// Delivered is true when the hardware sink accepted the command during this call.
	Delivered bool
	// AppliedAt is when the current desired state was first recorded.
	AppliedAt time.Time
}
