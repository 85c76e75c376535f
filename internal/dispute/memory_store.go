package dispute

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[int64]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[int64]*Dispute)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.EscrowID]; ok {
		return ErrAlreadyOpen
	}
	m.disputes[d.EscrowID] = clone(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, escrowID int64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) AddVote(ctx context.Context, escrowID int64, v Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[escrowID]
	if !ok {
		return ErrNotFound
	}
	if d.HasVoted(v.Mediator) {
		return ErrDuplicateVote
	}
	d.Votes = append(d.Votes, v)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.EscrowID]; !ok {
		return ErrNotFound
	}
	m.disputes[d.EscrowID] = clone(d)
	return nil
}

// clone deep-copies so callers can't mutate stored ballots through the
// shared slice backing array.
func clone(d *Dispute) *Dispute {
	cp := *d
	if d.Votes != nil {
		cp.Votes = make([]Vote, len(d.Votes))
		copy(cp.Votes, d.Votes)
	}
	return &cp
}
