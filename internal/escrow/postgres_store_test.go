package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanba-labs/escrowd/internal/testutil"
)

func TestPostgresStore_EscrowLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	e := &Escrow{
		Initiator:          alice,
		Counterparty:       bob,
		Amount:             "100000000",
		Asset:              "USDC",
		SourceChain:        "base",
		TargetChain:        "ethereum",
		ServiceDescription: "data labeling batch",
		Status:             StatusCreated,
		Busy:               true,
		Deadline:           now.Add(24 * time.Hour),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	require.NoError(t, store.Create(ctx, e))
	assert.Positive(t, e.ID, "BIGSERIAL assigns the id")

	second := *e
	second.ID = 0
	require.NoError(t, store.Create(ctx, &second))
	assert.Equal(t, e.ID+1, second.ID, "ids are monotonic")

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.True(t, got.Busy)
	assert.Nil(t, got.DeliveredAt)

	delivered := now.Add(time.Hour)
	got.Status = StatusDelivered
	got.Busy = false
	got.ProofHash = "0xdeadbeef"
	got.DeliveredAt = &delivered
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, "0xdeadbeef", got.ProofHash)
	require.NotNil(t, got.DeliveredAt)

	byAgent, err := store.ListByAgent(ctx, alice, 10)
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)
	assert.Equal(t, second.ID, byAgent[0].ID, "newest first")

	_, err = store.Get(ctx, 99999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_StaleUpdateRejected(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	e := &Escrow{
		Initiator: alice, Counterparty: bob,
		Amount: "1000000", Asset: "USDC",
		SourceChain: "base", TargetChain: "ethereum",
		Status: StatusCreated, Deadline: now.Add(time.Hour),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, e))

	// Two replicas load the same row, both try to expire it.
	first, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	second, err := store.Get(ctx, e.ID)
	require.NoError(t, err)

	first.Status = StatusExpired
	first.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Update(ctx, first))

	second.Status = StatusExpired
	second.UpdatedAt = time.Now().UTC()
	assert.ErrorIs(t, store.Update(ctx, second), ErrConflict)

	// A fresh read carries the new version and writes cleanly.
	fresh, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	fresh.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Update(ctx, fresh))
}

func TestPostgresStore_ListExpiring(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	mk := func(status Status, deadline time.Time) *Escrow {
		e := &Escrow{
			Initiator: alice, Counterparty: bob,
			Amount: "1000000", Asset: "USDC",
			SourceChain: "base", TargetChain: "ethereum",
			Status: status, Deadline: deadline,
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, store.Create(ctx, e))
		return e
	}

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	due := mk(StatusCreated, past)
	mk(StatusCreated, future)          // not yet due
	mk(StatusResolvedRelease, past)    // terminal, never swept
	disputed := mk(StatusDisputed, past)

	expiring, err := store.ListExpiring(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, expiring, 2)
	assert.Equal(t, due.ID, expiring[0].ID)
	assert.Equal(t, disputed.ID, expiring[1].ID)
}
