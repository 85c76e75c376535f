// Package reputation implements the agent trust ledger.
//
// Every participant starts at a neutral score of 50. Scores move only on
// terminal escrow outcomes: +2 for a successful release (both parties),
// +2/-3 for the winning/losing side of a resolved dispute. Transaction
// counts gate mediator eligibility together with the score, so an agent
// must both behave well and have history before it can vote on other
// agents' disputes.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var ErrNotRecorded = errors.New("reputation: agent never recorded")

const (
	StartingScore = 50
	MinScore      = 0
	MaxScore      = 100

	// Mediator eligibility floor: trusted score plus enough history.
	MediatorMinScore        = 70
	MediatorMinTransactions = 5
)

// Standard deltas applied by the escrow state machine.
const (
	DeltaSuccess     = 2  // successful release, both parties
	DeltaDisputeWin  = 2  // winning side of a resolved dispute
	DeltaDisputeLoss = -3 // losing side of a resolved dispute
)

// Agent is one participant's trust record.
type Agent struct {
	Address          string    `json:"address"`
	Score            int       `json:"score"`
	TransactionCount int       `json:"transactionCount"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Trusted reports whether the agent crosses the trust threshold.
func (a *Agent) Trusted() bool {
	return a.Score >= MediatorMinScore
}

// MediatorEligible reports whether the agent may vote on disputes.
// Party exclusion for a specific escrow is the dispute resolver's job.
func (a *Agent) MediatorEligible() bool {
	return a.Score >= MediatorMinScore && a.TransactionCount >= MediatorMinTransactions
}

// PendingOutcome is a ledger mutation queued ahead of apply. Terminal
// escrow transitions enqueue first, so a ledger failure after funds
// moved leaves a durable row to replay instead of a silently dropped
// score.
type PendingOutcome struct {
	ID        int64
	Address   string
	Delta     int
	CountOnly bool // count increment without a score change
	CreatedAt time.Time
}

// Store persists agent records. Get returns ErrNotRecorded for agents
// that have never been written; the ledger maps that to the neutral
// default so "never seen" and "explicitly at 50" stay distinguishable
// in storage.
//
// ApplyPending applies the queued mutation to the agent record and
// removes the queue row as one atomic step; applying an entry that was
// already consumed is a no-op.
type Store interface {
	Get(ctx context.Context, address string) (*Agent, error)
	Upsert(ctx context.Context, agent *Agent) error
	ListEligible(ctx context.Context, minScore, minCount, limit int) ([]*Agent, error)

	EnqueuePending(ctx context.Context, p *PendingOutcome) error
	ListPending(ctx context.Context, limit int) ([]*PendingOutcome, error)
	ApplyPending(ctx context.Context, p *PendingOutcome) error
}

// Ledger is the reputation service consumed by the escrow state machine
// and the dispute resolver.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// NewLedger creates a reputation ledger over the given store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Get returns the agent's record, defaulting never-seen agents to the
// neutral starting score with a zero transaction count.
func (l *Ledger) Get(ctx context.Context, address string) (*Agent, error) {
	addr := normalize(address)
	agent, err := l.store.Get(ctx, addr)
	if errors.Is(err, ErrNotRecorded) {
		return &Agent{Address: addr, Score: StartingScore}, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ApplyOutcome adjusts the agent's score by delta, clamped to
// [MinScore, MaxScore], and records the agent if never seen.
func (l *Ledger) ApplyOutcome(ctx context.Context, address string, delta int) error {
	agent, err := l.Get(ctx, address)
	if err != nil {
		return err
	}

	agent.Score = clamp(agent.Score+delta, MinScore, MaxScore)
	agent.UpdatedAt = time.Now()

	if err := l.store.Upsert(ctx, agent); err != nil {
		return fmt.Errorf("apply outcome for %s: %w", agent.Address, err)
	}

	l.logger.Debug("reputation adjusted",
		"agent", agent.Address, "delta", delta, "score", agent.Score)
	return nil
}

// IncrementCount bumps the agent's terminal-transaction count. Queued
// through the outbox like RecordOutcome, so a failed increment is
// replayed rather than lost.
func (l *Ledger) IncrementCount(ctx context.Context, address string) error {
	return l.record(ctx, &PendingOutcome{
		Address:   normalize(address),
		CountOnly: true,
		CreatedAt: time.Now(),
	})
}

// RecordOutcome applies a score delta and a count increment as one
// ledger call, used by terminal escrow transitions.
func (l *Ledger) RecordOutcome(ctx context.Context, address string, delta int) error {
	return l.record(ctx, &PendingOutcome{
		Address:   normalize(address),
		Delta:     delta,
		CreatedAt: time.Now(),
	})
}

// record enqueues the mutation, then applies it. The enqueue must land
// before the apply is attempted: the escrow transition this rides on is
// already committed, so a failed apply has to leave something durable
// for Replay to pick up.
func (l *Ledger) record(ctx context.Context, p *PendingOutcome) error {
	if err := l.store.EnqueuePending(ctx, p); err != nil {
		return fmt.Errorf("enqueue outcome for %s: %w", p.Address, err)
	}
	if err := l.store.ApplyPending(ctx, p); err != nil {
		return fmt.Errorf("record outcome for %s (queued for replay): %w", p.Address, err)
	}

	l.logger.Debug("terminal outcome recorded",
		"agent", p.Address, "delta", p.Delta, "count_only", p.CountOnly)
	return nil
}

// Replay applies queued mutations left behind by ledger failures during
// terminal escrow transitions. Called once at startup, after the stores
// are reachable. Returns how many entries were applied; per-entry
// failures are logged and retried on the next start.
func (l *Ledger) Replay(ctx context.Context) (int, error) {
	pending, err := l.store.ListPending(ctx, 500)
	if err != nil {
		return 0, fmt.Errorf("list pending reputation outcomes: %w", err)
	}

	applied := 0
	for _, p := range pending {
		if err := l.store.ApplyPending(ctx, p); err != nil {
			l.logger.Error("replay reputation outcome failed",
				"agent", p.Address, "delta", p.Delta, "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}

// IsMediatorEligible checks the live eligibility of an agent. The pool
// is never snapshotted: an agent that crosses the threshold after a
// dispute opens may still vote before it resolves.
func (l *Ledger) IsMediatorEligible(ctx context.Context, address string) (bool, error) {
	agent, err := l.Get(ctx, address)
	if err != nil {
		return false, err
	}
	return agent.MediatorEligible(), nil
}

// EligiblePool lists currently eligible mediators, for operator surfaces.
func (l *Ledger) EligiblePool(ctx context.Context, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.ListEligible(ctx, MediatorMinScore, MediatorMinTransactions, limit)
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
