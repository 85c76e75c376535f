package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Ids are assigned from an in-process counter, monotonic for the life
// of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[int64]*Escrow
	nextID  int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[int64]*Escrow)}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	e.ID = m.nextID
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return fmt.Errorf("%w: escrow %d", ErrConflict, e.ID)
	}
	e.Version++
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByAgent(ctx context.Context, agentAddr string, limit int, opts ...ListOption) ([]*Escrow, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.Initiator != agentAddr && e.Counterparty != agentAddr {
			continue
		}
		if o.beforeID > 0 && e.ID >= o.beforeID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.Status.Terminal() || e.Deadline.After(before) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
