package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
)

// StateRepository is an in-memory store of outlet command states.
type StateRepository struct {
	mu   sync.RWMutex
	data map[string]power.CommandState
}

// NewStateRepository constructs a repository.
func NewStateRepository() *StateRepository {
	return &StateRepository{data: make(map[string]power.CommandState)}
}

// Find returns the recorded state or nil.
func (r *StateRepository) Find(ctx context.Context, outlet billing.OutletRef) (*power.CommandState, error) {
	_ = ctx
	r.mu.RLock()
	state, ok := r.data[outlet.String()]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// Save overwrites the outlet state.
func (r *StateRepository) Save(ctx context.Context, state *power.CommandState) error {
	_ = ctx
	if state == nil {
		return errors.New("power state repo: nil state")
	}
	r.mu.Lock()
	r.data[state.Outlet.String()] = *state
	r.mu.Unlock()
	return nil
}

// CommandLog is an in-memory command log.
type CommandLog struct {
	mu       sync.Mutex
	commands []power.Command
}

// NewCommandLog constructs a CommandLog.
func NewCommandLog() *CommandLog {
	return &CommandLog{}
}

// Create appends a command.
func (l *CommandLog) Create(ctx context.Context, cmd *power.Command) error {
	_ = ctx
	if cmd == nil {
		return errors.New("power command log: nil command")
	}
	l.mu.Lock()
	l.commands = append(l.commands, *cmd)
	l.mu.Unlock()
	return nil
}

// MarkSent marks a command as sent.
func (l *CommandLog) MarkSent(ctx context.Context, commandID string, sentAt time.Time) error {
	return l.update(ctx, commandID, func(cmd *power.Command) {
		cmd.Status = power.StatusSent
		cmd.SentAt = sentAt
	})
}

// MarkFailed marks a command as failed.
func (l *CommandLog) MarkFailed(ctx context.Context, commandID string, errMsg string) error {
	return l.update(ctx, commandID, func(cmd *power.Command) {
		cmd.Status = power.StatusFailed
		cmd.Error = errMsg
	})
}

// List returns a copy of the log in insertion order.
func (l *CommandLog) List() []power.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]power.Command, len(l.commands))
	copy(out, l.commands)
	return out
}

func (l *CommandLog) update(ctx context.Context, commandID string, fn func(*power.Command)) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.commands {
		if l.commands[i].CommandID == commandID {
			fn(&l.commands[i])
			return nil
		}
	}
	return errors.New("power command log: command not found")
}
