package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nanba-labs/escrowd/internal/escrow"
	"github.com/nanba-labs/escrowd/internal/metrics"
	"github.com/nanba-labs/escrowd/internal/traces"
)

// EscrowGateway is the slice of the escrow service the resolver needs:
// party lookup and the terminal transition once a side reaches quorum.
type EscrowGateway interface {
	Get(ctx context.Context, id int64) (*escrow.Escrow, error)
	ApplyResolution(ctx context.Context, id int64, release bool) (*escrow.Escrow, error)
}

// MediatorLedger admits mediators. Queried per vote, never snapshotted.
type MediatorLedger interface {
	IsMediatorEligible(ctx context.Context, address string) (bool, error)
}

// EventPublisher streams dispute events to subscribed clients.
type EventPublisher interface {
	PublishDisputeEvent(event string, d *Dispute)
}

// Resolver manages dispute voting. It implements escrow.DisputeOpener
// and escrow.DisputeForcer.
type Resolver struct {
	store     Store
	escrows   EscrowGateway
	ledger    MediatorLedger
	publisher EventPublisher
	logger    *slog.Logger

	locks sync.Map // per-escrow-id vote mutex; ballots linearize here
}

// NewResolver creates a dispute resolver.
func NewResolver(store Store, escrows EscrowGateway, ledger MediatorLedger, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		escrows: escrows,
		ledger:  ledger,
		logger:  logger,
	}
}

// WithPublisher wires the realtime event hub.
func (r *Resolver) WithPublisher(p EventPublisher) *Resolver {
	r.publisher = p
	return r
}

func (r *Resolver) voteLock(escrowID int64) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(escrowID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open records a new dispute. Called by the escrow service while it
// holds the escrow's own transition lock.
func (r *Resolver) Open(ctx context.Context, escrowID int64, openedBy, reason string) error {
	d := &Dispute{
		EscrowID: escrowID,
		OpenedBy: strings.ToLower(openedBy),
		Reason:   reason,
		OpenedAt: time.Now(),
	}
	if err := r.store.Create(ctx, d); err != nil {
		return err
	}

	r.publish("dispute.opened", d)
	return nil
}

// Vote casts a mediator's ballot. The eligibility check, duplicate
// check, vote record, and possible resolution trigger are one atomic
// step under the dispute's mutex — two ballots can never race into a
// double resolution. The side that reaches quorum first wins instantly.
func (r *Resolver) Vote(ctx context.Context, escrowID int64, mediator string, forRelease bool) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.vote",
		traces.EscrowID(escrowID), traces.AgentAddr(mediator))
	defer span.End()

	mediator = strings.ToLower(strings.TrimSpace(mediator))

	mu := r.voteLock(escrowID)
	mu.Lock()

	d, err := r.store.Get(ctx, escrowID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if d.Resolved {
		mu.Unlock()
		return nil, fmt.Errorf("%w: escrow %d settled %s", ErrAlreadyResolved, escrowID, d.Outcome)
	}

	// Parties never mediate their own escrow.
	e, err := r.escrows.Get(ctx, escrowID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if e.IsParty(mediator) {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s is a party to escrow %d", ErrNotEligible, mediator, escrowID)
	}

	eligible, err := r.ledger.IsMediatorEligible(ctx, mediator)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if !eligible {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, mediator)
	}

	if d.HasVoted(mediator) {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s on escrow %d", ErrDuplicateVote, mediator, escrowID)
	}

	vote := Vote{Mediator: mediator, ForRelease: forRelease, CastAt: time.Now()}
	if err := r.store.AddVote(ctx, escrowID, vote); err != nil {
		mu.Unlock()
		return nil, err
	}
	d.Votes = append(d.Votes, vote)

	direction := "refund"
	if forRelease {
		direction = "release"
	}
	metrics.DisputeVotesTotal.WithLabelValues(direction).Inc()
	r.publish("dispute.vote", d)

	release, refund := d.Tally()
	if release < QuorumVotes && refund < QuorumVotes {
		mu.Unlock()
		return d, nil
	}

	// Quorum. Mark resolved before the settlement runs so late ballots
	// bounce with ErrAlreadyResolved instead of waiting on chain calls.
	outcome := OutcomeRefund
	if release >= QuorumVotes {
		outcome = OutcomeRelease
	}
	if err := r.markResolved(ctx, d, outcome, false); err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()

	r.logger.Info("dispute reached quorum",
		"escrow_id", escrowID, "outcome", outcome,
		"votes_release", release, "votes_refund", refund)

	if _, err := r.escrows.ApplyResolution(ctx, escrowID, outcome == OutcomeRelease); err != nil {
		// The verdict stands; the deadline sweep replays the stored
		// outcome until the settlement lands.
		r.logger.Error("dispute resolved but settlement failed",
			"escrow_id", escrowID, "outcome", outcome, "error", err)
		return d, err
	}
	return d, nil
}

// ForceRefund closes a dispute still open when its escrow's deadline
// passed. Conservative policy: refund to initiator. Idempotent.
//
// A dispute can be resolved while its escrow is still DISPUTED: the
// verdict persisted but the settlement behind it failed. The sweep
// lands here for those too, and the stored outcome is replayed until
// the terminal transition takes.
func (r *Resolver) ForceRefund(ctx context.Context, escrowID int64) error {
	mu := r.voteLock(escrowID)
	mu.Lock()

	d, err := r.store.Get(ctx, escrowID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if d.Resolved {
		mu.Unlock()
		return r.replayOutcome(ctx, d)
	}

	if err := r.markResolved(ctx, d, OutcomeRefund, true); err != nil {
		mu.Unlock()
		return err
	}
	mu.Unlock()

	r.logger.Info("force-refunding dispute open at deadline", "escrow_id", escrowID)

	_, err = r.escrows.ApplyResolution(ctx, escrowID, false)
	return err
}

// replayOutcome re-drives the escrow transition for a dispute whose
// verdict is recorded but whose settlement never landed. No-op when the
// escrow already left DISPUTED. The verdict itself is never revisited.
func (r *Resolver) replayOutcome(ctx context.Context, d *Dispute) error {
	e, err := r.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	if e.Status != escrow.StatusDisputed {
		return nil
	}

	r.logger.Warn("replaying settlement for resolved dispute",
		"escrow_id", d.EscrowID, "outcome", d.Outcome)

	_, err = r.escrows.ApplyResolution(ctx, d.EscrowID, d.Outcome == OutcomeRelease)
	return err
}

// Get returns a dispute with its votes.
func (r *Resolver) Get(ctx context.Context, escrowID int64) (*Dispute, error) {
	return r.store.Get(ctx, escrowID)
}

// markResolved persists the verdict. Caller holds the vote mutex.
func (r *Resolver) markResolved(ctx context.Context, d *Dispute, outcome Outcome, forced bool) error {
	now := time.Now()
	d.Resolved = true
	d.Forced = forced
	d.Outcome = outcome
	d.ResolvedAt = &now
	if err := r.store.Update(ctx, d); err != nil {
		return fmt.Errorf("persist dispute resolution for escrow %d: %w", d.EscrowID, err)
	}

	label := string(outcome)
	if forced {
		label = "forced_" + label
	}
	metrics.DisputesResolvedTotal.WithLabelValues(label).Inc()
	r.publish("dispute.resolved", d)
	return nil
}

func (r *Resolver) publish(event string, d *Dispute) {
	if r.publisher != nil {
		r.publisher.PublishDisputeEvent(event, d)
	}
}
