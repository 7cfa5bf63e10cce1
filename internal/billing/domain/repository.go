package billing

import "context"

// AccountRepository lists and loads billable accounts.
type AccountRepository interface {
	ListMetered(ctx context.Context) ([]Account, error)
	Get(ctx context.Context, accountID string) (*Account, error)
}

// CheckpointRepository persists checkpoints. Find returns nil, nil when absent.
type CheckpointRepository interface {
	Find(ctx context.Context, accountID string) (*Checkpoint, error)
	Save(ctx context.Context, checkpoint *Checkpoint) error
}
