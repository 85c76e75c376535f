package dispute

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanba-labs/escrowd/internal/chain"
	"github.com/nanba-labs/escrowd/internal/escrow"
	"github.com/nanba-labs/escrowd/internal/reputation"
	"github.com/nanba-labs/escrowd/internal/settlement"
)

const (
	alice = "0xaaaa567890123456789012345678901234567890" // initiator
	bob   = "0xbbbb567890123456789012345678901234567890" // counterparty
)

// mediator returns the nth seeded mediator address.
func mediator(n int) string {
	return fmt.Sprintf("0x%040d", n+1)
}

type fixture struct {
	resolver *Resolver
	store    *MemoryStore
	escrows  *escrow.Service
	ledger   *reputation.Ledger
	source   *chain.Fake
	target   *chain.Fake
}

// newFixture wires a resolver against a real escrow service with fake
// chains, and seeds five eligible mediators in the ledger.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	source := chain.NewFake("base")
	target := chain.NewFake("ethereum")
	registry := chain.NewRegistry()
	registry.Register("base", source)
	registry.Register("ethereum", target)

	coord := settlement.NewCoordinator(settlement.NewMemoryStore(), registry, logger, settlement.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	})

	repStore := reputation.NewMemoryStore()
	ledger := reputation.NewLedger(repStore, logger)
	for i := 0; i < 5; i++ {
		require.NoError(t, repStore.Upsert(context.Background(), &reputation.Agent{
			Address:          mediator(i),
			Score:            reputation.MediatorMinScore,
			TransactionCount: reputation.MediatorMinTransactions,
			UpdatedAt:        time.Now(),
		}))
	}

	store := NewMemoryStore()
	svc := escrow.NewService(escrow.NewMemoryStore(), coord, ledger, logger)
	resolver := NewResolver(store, svc, ledger, logger)
	svc.WithDisputeOpener(resolver)

	return &fixture{
		resolver: resolver,
		store:    store,
		escrows:  svc,
		ledger:   ledger,
		source:   source,
		target:   target,
	}
}

// disputed creates an escrow and puts it in DISPUTED through the service,
// so the resolver holds a real open dispute.
func (f *fixture) disputed(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()

	e, err := f.escrows.Create(ctx, escrow.CreateRequest{
		Initiator:          alice,
		Counterparty:       bob,
		Amount:             "100",
		SourceChain:        "base",
		TargetChain:        "ethereum",
		ServiceDescription: "label a dataset",
		Duration:           "1h",
	}, "100000000")
	require.NoError(t, err)

	_, err = f.escrows.Accept(ctx, e.ID, bob)
	require.NoError(t, err)
	_, err = f.escrows.Dispute(ctx, e.ID, alice, "no delivery")
	require.NoError(t, err)
	return e.ID
}

func (f *fixture) score(t *testing.T, addr string) (int, int) {
	t.Helper()
	a, err := f.ledger.Get(context.Background(), addr)
	require.NoError(t, err)
	return a.Score, a.TransactionCount
}

func TestVote_QuorumReleasesInstantly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	for i := 0; i < 2; i++ {
		d, err := f.resolver.Vote(ctx, id, mediator(i), true)
		require.NoError(t, err)
		assert.False(t, d.Resolved)
	}

	d, err := f.resolver.Vote(ctx, id, mediator(2), true)
	require.NoError(t, err)
	assert.True(t, d.Resolved)
	assert.Equal(t, OutcomeRelease, d.Outcome)
	assert.False(t, d.Forced)
	require.NotNil(t, d.ResolvedAt)

	e, err := f.escrows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusResolvedRelease, e.Status)
	assert.False(t, e.Busy)

	// Counterparty won, initiator lost.
	score, count := f.score(t, bob)
	assert.Equal(t, 52, score)
	assert.Equal(t, 1, count)
	score, count = f.score(t, alice)
	assert.Equal(t, 47, score)
	assert.Equal(t, 1, count)

	assert.Equal(t, 1, f.target.Calls["release"])
}

func TestVote_QuorumRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	var d *Dispute
	var err error
	for i := 0; i < 3; i++ {
		d, err = f.resolver.Vote(ctx, id, mediator(i), false)
		require.NoError(t, err)
	}
	assert.True(t, d.Resolved)
	assert.Equal(t, OutcomeRefund, d.Outcome)

	e, err := f.escrows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusResolvedRefund, e.Status)

	score, _ := f.score(t, alice)
	assert.Equal(t, 52, score)
	score, _ = f.score(t, bob)
	assert.Equal(t, 47, score)

	assert.Equal(t, 1, f.source.Calls["refund"])
	assert.Equal(t, 0, f.target.Calls["release"])
}

func TestVote_FirstToQuorumWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	// 2-2 split, then the fifth ballot decides.
	_, err := f.resolver.Vote(ctx, id, mediator(0), true)
	require.NoError(t, err)
	_, err = f.resolver.Vote(ctx, id, mediator(1), false)
	require.NoError(t, err)
	_, err = f.resolver.Vote(ctx, id, mediator(2), true)
	require.NoError(t, err)
	_, err = f.resolver.Vote(ctx, id, mediator(3), false)
	require.NoError(t, err)

	d, err := f.resolver.Vote(ctx, id, mediator(4), false)
	require.NoError(t, err)
	assert.True(t, d.Resolved)
	assert.Equal(t, OutcomeRefund, d.Outcome)

	release, refund := d.Tally()
	assert.Equal(t, 2, release)
	assert.Equal(t, 3, refund)
}

func TestVote_AfterResolutionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	for i := 0; i < 3; i++ {
		_, err := f.resolver.Vote(ctx, id, mediator(i), true)
		require.NoError(t, err)
	}

	_, err := f.resolver.Vote(ctx, id, mediator(3), false)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestVote_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	_, err := f.resolver.Vote(ctx, id, mediator(0), true)
	require.NoError(t, err)

	// Same mediator, flipped direction: still one ballot each.
	_, err = f.resolver.Vote(ctx, id, mediator(0), false)
	assert.ErrorIs(t, err, ErrDuplicateVote)

	d, err := f.resolver.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, d.Votes, 1)
}

func TestVote_PartiesCannotMediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	// Even a party with a perfect ledger record is excluded.
	require.NoError(t, f.ledger.RecordOutcome(ctx, alice, 50))
	for i := 0; i < 5; i++ {
		require.NoError(t, f.ledger.IncrementCount(ctx, alice))
	}

	_, err := f.resolver.Vote(ctx, id, alice, false)
	assert.ErrorIs(t, err, ErrNotEligible)
	_, err = f.resolver.Vote(ctx, id, bob, true)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestVote_RequiresEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	// Never-seen agent: neutral 50, zero history.
	stranger := "0xcccc567890123456789012345678901234567890"
	_, err := f.resolver.Vote(ctx, id, stranger, true)
	assert.ErrorIs(t, err, ErrNotEligible)

	// Trusted score but thin history.
	thin := "0xdddd567890123456789012345678901234567890"
	require.NoError(t, f.ledger.ApplyOutcome(ctx, thin, 25))
	_, err = f.resolver.Vote(ctx, id, thin, true)
	assert.ErrorIs(t, err, ErrNotEligible)

	// Crossing the threshold mid-dispute admits the agent.
	for i := 0; i < reputation.MediatorMinTransactions; i++ {
		require.NoError(t, f.ledger.IncrementCount(ctx, thin))
	}
	_, err = f.resolver.Vote(ctx, id, thin, true)
	assert.NoError(t, err)
}

func TestVote_UnknownDispute(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Vote(context.Background(), 404, mediator(0), true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_SecondOpenRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	err := f.resolver.Open(ctx, id, bob, "counter-claim")
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestForceRefund_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	require.NoError(t, f.resolver.ForceRefund(ctx, id))

	d, err := f.resolver.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Resolved)
	assert.True(t, d.Forced)
	assert.Equal(t, OutcomeRefund, d.Outcome)

	e, err := f.escrows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusResolvedRefund, e.Status)

	// Second sweep pass is a no-op.
	require.NoError(t, f.resolver.ForceRefund(ctx, id))
	assert.Equal(t, 1, f.source.Calls["refund"])
}

func TestForceRefund_AfterQuorumIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	for i := 0; i < 3; i++ {
		_, err := f.resolver.Vote(ctx, id, mediator(i), true)
		require.NoError(t, err)
	}

	require.NoError(t, f.resolver.ForceRefund(ctx, id))

	d, err := f.resolver.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelease, d.Outcome)
	assert.False(t, d.Forced)
}

func TestForceRefund_ReplaysFailedSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	// The source chain rejects the refund outright, so quorum resolves
	// the dispute but the escrow transition behind it fails.
	f.source.Fail = func(op string) error {
		if op == "refund" {
			return chain.ErrAlreadySettled
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		_, err := f.resolver.Vote(ctx, id, mediator(i), false)
		require.NoError(t, err)
	}
	_, err := f.resolver.Vote(ctx, id, mediator(2), false)
	require.ErrorIs(t, err, chain.ErrAlreadySettled)

	d, err := f.resolver.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Resolved)
	assert.Equal(t, OutcomeRefund, d.Outcome)

	e, err := f.escrows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, e.Status)
	assert.False(t, e.Busy)

	// Late ballots still bounce; the verdict stands.
	_, err = f.resolver.Vote(ctx, id, mediator(3), true)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	// Chain heals; the sweep path replays the stored outcome.
	f.source.Fail = nil
	require.NoError(t, f.resolver.ForceRefund(ctx, id))

	e, err = f.escrows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusResolvedRefund, e.Status)
	assert.False(t, e.Busy)

	// Reputation landed with the replayed transition.
	score, _ := f.score(t, alice)
	assert.Equal(t, 52, score)
	score, _ = f.score(t, bob)
	assert.Equal(t, 47, score)

	// Further passes are no-ops.
	require.NoError(t, f.resolver.ForceRefund(ctx, id))
	assert.Equal(t, 2, f.source.Calls["refund"])
}

func TestForceRefund_ReplayKeepsReleaseVerdict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	f.target.Fail = func(op string) error {
		if op == "release" {
			return chain.ErrInsufficientFunds
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		_, err := f.resolver.Vote(ctx, id, mediator(i), true)
		require.NoError(t, err)
	}
	_, err := f.resolver.Vote(ctx, id, mediator(2), true)
	require.Error(t, err)

	// A release verdict is never downgraded to the refund policy.
	f.target.Fail = nil
	require.NoError(t, f.resolver.ForceRefund(ctx, id))

	e, err := f.escrows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusResolvedRelease, e.Status)

	score, _ := f.score(t, bob)
	assert.Equal(t, 52, score)
	assert.Equal(t, 0, f.source.Calls["refund"])
}

func TestVote_ConcurrentBallotsResolveOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.disputed(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = f.resolver.Vote(ctx, id, mediator(n), true)
		}(i)
	}
	wg.Wait()

	d, err := f.resolver.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Resolved)
	assert.Equal(t, OutcomeRelease, d.Outcome)

	// Ballots past quorum bounced, and the funds moved exactly once.
	release, _ := d.Tally()
	assert.Equal(t, QuorumVotes, release)
	assert.Equal(t, 1, f.target.Calls["release"])
}
