package settlement

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanba-labs/escrowd/internal/chain"
)

type coordFixture struct {
	coord  *Coordinator
	store  *MemoryStore
	source *chain.Fake
	target *chain.Fake
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()

	source := chain.NewFake("base")
	target := chain.NewFake("ethereum")

	registry := chain.NewRegistry()
	registry.Register("base", source)
	registry.Register("ethereum", target)

	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	coord := NewCoordinator(store, registry, logger, Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	})

	return &coordFixture{coord: coord, store: store, source: source, target: target}
}

func testTransfer(escrowID int64) *Transfer {
	return &Transfer{
		EscrowID:    escrowID,
		SourceChain: "base",
		TargetChain: "ethereum",
		Asset:       "USDC",
		Amount:      "100000000", // 100 USDC
		Holder:      "0xbuyer",
		Recipient:   "0xseller",
	}
}

func TestLock_Idempotent(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	first, err := f.coord.Lock(ctx, testTransfer(1))
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, first.Status)
	assert.NotEmpty(t, first.LockRef)

	second, err := f.coord.Lock(ctx, testTransfer(1))
	require.NoError(t, err)
	assert.Equal(t, first.LockRef, second.LockRef)
	assert.Equal(t, 1, f.source.Calls["lock"], "retrying a successful lock must not hit the chain again")
}

func TestLock_InsufficientFunds(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	f.source.Credit("0xbuyer", big.NewInt(1)) // far below the transfer amount

	_, err := f.coord.Lock(ctx, testTransfer(1))
	require.ErrorIs(t, err, chain.ErrInsufficientFunds)
	assert.Equal(t, 1, f.source.Calls["lock"], "insufficient funds is not retryable")

	stored, err := f.store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusLocking, stored.Status)
	assert.Empty(t, stored.LockRef)
}

func TestSettle_HappyPath(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.coord.Lock(ctx, testTransfer(1))
	require.NoError(t, err)

	done, err := f.coord.Settle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, done.Status)
	assert.NotEmpty(t, done.LockRef)
	assert.NotEmpty(t, done.BridgeRef)
	assert.NotEmpty(t, done.ReleaseRef)
	assert.Equal(t, 1, f.source.Calls["bridge"])
	assert.Equal(t, 1, f.target.Calls["release"])

	// Settling a released transfer is a no-op.
	again, err := f.coord.Settle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, done.ReleaseRef, again.ReleaseRef)
	assert.Equal(t, 1, f.target.Calls["release"])
}

func TestSettle_ResumesFromLastReceipt(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	// A transfer that crashed after bridging: bridge receipt persisted,
	// release never attempted.
	now := time.Now()
	require.NoError(t, f.store.Create(ctx, &Transfer{
		EscrowID:    7,
		Status:      StatusBridged,
		SourceChain: "base",
		TargetChain: "ethereum",
		Asset:       "USDC",
		Amount:      "5000000",
		Holder:      "0xbuyer",
		Recipient:   "0xseller",
		LockRef:     "0xlock",
		BridgeRef:   "0xbridge",
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	done, err := f.coord.Settle(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, done.Status)
	assert.Equal(t, "0xbridge", done.BridgeRef, "completed step must not re-execute")
	assert.Equal(t, 0, f.source.Calls["bridge"])
	assert.Equal(t, 1, f.target.Calls["release"])
}

func TestSettle_TransientFailureParksStuck(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.coord.Lock(ctx, testTransfer(1))
	require.NoError(t, err)

	f.source.Fail = func(op string) error {
		if op == "bridge" {
			return chain.ErrChainUnavailable
		}
		return nil
	}

	_, err = f.coord.Settle(ctx, 1)
	require.ErrorIs(t, err, ErrStuck)
	assert.Equal(t, 2, f.source.Calls["bridge"], "transient failures retry up to the attempt budget")

	stored, err := f.store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusStuck, stored.Status)
	assert.NotEmpty(t, stored.LastError)

	// Stuck transfers refuse further settlement until an operator steps in.
	_, err = f.coord.Settle(ctx, 1)
	require.ErrorIs(t, err, ErrStuck)
}

func TestRefund_FromLocked(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.coord.Lock(ctx, testTransfer(1))
	require.NoError(t, err)

	refunded, err := f.coord.Refund(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.NotEmpty(t, refunded.RefundRef)

	// Second refund is a no-op, not a second chain call.
	again, err := f.coord.Refund(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, refunded.RefundRef, again.RefundRef)
	assert.Equal(t, 1, f.source.Calls["refund"])
}

func TestRefund_AfterBridgeIsAsymmetric(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.coord.Lock(ctx, testTransfer(1))
	require.NoError(t, err)

	stored, err := f.store.Get(ctx, 1)
	require.NoError(t, err)
	stored.Status = StatusBridged
	stored.BridgeRef = "0xbridge"
	require.NoError(t, f.store.Update(ctx, stored))

	_, err = f.coord.Refund(ctx, 1)
	require.ErrorIs(t, err, ErrAsymmetricRefund)

	parked, err := f.store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusStuck, parked.Status)

	stuck, err := f.coord.Stuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, int64(1), stuck[0].EscrowID)
}

func TestRefund_AfterReleaseRejected(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.coord.Lock(ctx, testTransfer(1))
	require.NoError(t, err)
	_, err = f.coord.Settle(ctx, 1)
	require.NoError(t, err)

	_, err = f.coord.Refund(ctx, 1)
	require.ErrorIs(t, err, ErrWrongState)
	assert.Equal(t, 0, f.source.Calls["refund"])
}

func TestResume_DrivesInFlightTransfers(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	now := time.Now()

	// Crashed mid-bridge: lock receipt persisted, bridge in flight.
	require.NoError(t, f.store.Create(ctx, &Transfer{
		EscrowID: 1, Status: StatusBridging,
		SourceChain: "base", TargetChain: "ethereum",
		Asset: "USDC", Amount: "1000000",
		Holder: "0xbuyer", Recipient: "0xseller",
		LockRef: "0xlock1", CreatedAt: now, UpdatedAt: now,
	}))

	// Crashed mid-refund.
	require.NoError(t, f.store.Create(ctx, &Transfer{
		EscrowID: 2, Status: StatusRefunding,
		SourceChain: "base", TargetChain: "ethereum",
		Asset: "USDC", Amount: "2000000",
		Holder: "0xbuyer", Recipient: "0xseller",
		LockRef: "0xlock2", CreatedAt: now, UpdatedAt: now,
	}))

	// Settled long ago; not part of the resume set.
	require.NoError(t, f.store.Create(ctx, &Transfer{
		EscrowID: 3, Status: StatusReleased,
		SourceChain: "base", TargetChain: "ethereum",
		Asset: "USDC", Amount: "3000000",
		Holder: "0xbuyer", Recipient: "0xseller",
		LockRef: "0xlock3", BridgeRef: "0xbridge3", ReleaseRef: "0xrel3",
		CreatedAt: now, UpdatedAt: now,
	}))

	resumed, err := f.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)

	one, err := f.store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, one.Status)

	two, err := f.store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, two.Status)
}

func TestConcurrentSettle_ReleasesOnce(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.coord.Lock(ctx, testTransfer(1))
	require.NoError(t, err)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := f.coord.Settle(ctx, 1)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	assert.Equal(t, 1, f.target.Calls["release"], "value must move exactly once")
}
