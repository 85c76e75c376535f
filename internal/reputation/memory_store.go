package reputation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory agent store for demo/development mode.
type MemoryStore struct {
	agents  map[string]*Agent
	pending map[int64]*PendingOutcome
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[string]*Agent),
		pending: make(map[int64]*PendingOutcome),
	}
}

func (m *MemoryStore) Get(ctx context.Context, address string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[address]
	if !ok {
		return nil, ErrNotRecorded
	}
	cp := *agent
	return &cp, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *agent
	m.agents[agent.Address] = &cp
	return nil
}

func (m *MemoryStore) EnqueuePending(ctx context.Context, p *PendingOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	p.ID = m.nextID
	cp := *p
	m.pending[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*PendingOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PendingOutcome
	for _, p := range m.pending {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ApplyPending(ctx context.Context, p *PendingOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Consumed entries are a no-op; the queue row is the apply token.
	if _, ok := m.pending[p.ID]; !ok {
		return nil
	}

	agent, ok := m.agents[p.Address]
	if !ok {
		agent = &Agent{Address: p.Address, Score: StartingScore}
		m.agents[p.Address] = agent
	}
	if !p.CountOnly {
		agent.Score = clamp(agent.Score+p.Delta, MinScore, MaxScore)
	}
	agent.TransactionCount++
	agent.UpdatedAt = time.Now()

	delete(m.pending, p.ID)
	return nil
}

func (m *MemoryStore) ListEligible(ctx context.Context, minScore, minCount, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Agent
	for _, a := range m.agents {
		if a.Score >= minScore && a.TransactionCount >= minCount {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Score > result[j].Score })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
