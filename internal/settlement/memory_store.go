package settlement

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[int64]*Transfer
}

// NewMemoryStore creates an empty in-memory transfer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[int64]*Transfer)}
}

func (s *MemoryStore) Create(ctx context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[t.EscrowID]; ok {
		return ErrExists
	}
	cp := *t
	s.transfers[t.EscrowID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, escrowID int64) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[t.EscrowID]; !ok {
		return ErrNotFound
	}
	cp := *t
	s.transfers[t.EscrowID] = &cp
	return nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transfer
	for _, t := range s.transfers {
		switch t.Status {
		case StatusLocking, StatusBridging, StatusReleasing, StatusRefunding:
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStuck(ctx context.Context) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transfer
	for _, t := range s.transfers {
		if t.Status == StatusStuck {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
