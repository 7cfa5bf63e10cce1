package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

// AccountRepository is an in-memory account store.
type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]billing.Account
}

// NewAccountRepository constructs a repository.
func NewAccountRepository(accounts ...billing.Account) *AccountRepository {
	repo := &AccountRepository{accounts: make(map[string]billing.Account)}
	for _, account := range accounts {
		repo.accounts[account.ID] = account
	}
	return repo
}

// Put inserts or replaces an account.
func (r *AccountRepository) Put(account billing.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.accounts[account.ID] = account
	r.mu.Unlock()
	return nil
}

// ListMetered returns every account ordered by id.
func (r *AccountRepository) ListMetered(ctx context.Context) ([]billing.Account, error) {
	_ = ctx
	r.mu.RLock()
	out := make([]billing.Account, 0, len(r.accounts))
	for _, account := range r.accounts {
		out = append(out, account)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns an account or nil.
func (r *AccountRepository) Get(ctx context.Context, accountID string) (*billing.Account, error) {
	_ = ctx
	r.mu.RLock()
	account, ok := r.accounts[accountID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &account, nil
}

// CheckpointRepository is an in-memory checkpoint store.
type CheckpointRepository struct {
	mu   sync.RWMutex
	data map[string]*billing.Checkpoint
}

// NewCheckpointRepository constructs a repository.
func NewCheckpointRepository() *CheckpointRepository {
	return &CheckpointRepository{data: make(map[string]*billing.Checkpoint)}
}

// Find returns a detached copy of the checkpoint or nil.
func (r *CheckpointRepository) Find(ctx context.Context, accountID string) (*billing.Checkpoint, error) {
	_ = ctx
	r.mu.RLock()
	checkpoint, ok := r.data[accountID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return checkpoint.Clone(), nil
}

// Save stores a copy of the checkpoint.
func (r *CheckpointRepository) Save(ctx context.Context, checkpoint *billing.Checkpoint) error {
	_ = ctx
	if checkpoint == nil {
		return billing.ErrNilCheckpoint
	}
	r.mu.Lock()
	r.data[checkpoint.AccountID()] = checkpoint.Clone()
	r.mu.Unlock()
	return nil
}

// MeterSource is an in-memory meter history.
type MeterSource struct {
	mu      sync.RWMutex
	samples map[string][]billing.MeterSample
	err     error
}

// NewMeterSource constructs an empty source.
func NewMeterSource() *MeterSource {
	return &MeterSource{samples: make(map[string][]billing.MeterSample)}
}

// Record appends a sample.
func (s *MeterSource) Record(sample billing.MeterSample) {
	s.mu.Lock()
	key := sample.Outlet.String()
	s.samples[key] = append(s.samples[key], sample)
	s.mu.Unlock()
}

// SetError makes every read fail with err; nil clears it.
func (s *MeterSource) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// LatestSample returns the sample with the newest timestamp.
func (s *MeterSource) LatestSample(ctx context.Context, outlet billing.OutletRef) (billing.MeterSample, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return billing.MeterSample{}, false, s.err
	}
	sample, ok := billing.Latest(s.samples[outlet.String()])
	return sample, ok, nil
}

// SamplesBetween returns samples with from <= timestamp <= to, oldest first.
func (s *MeterSource) SamplesBetween(ctx context.Context, outlet billing.OutletRef, from, to time.Time) ([]billing.MeterSample, error) {
	_ = ctx
	if to.Before(from) {
		return nil, errors.New("meter source: window end before start")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []billing.MeterSample
	for _, sample := range s.samples[outlet.String()] {
		if !sample.Timestamp.Before(from) && !sample.Timestamp.After(to) {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
