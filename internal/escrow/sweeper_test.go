package escrow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanba-labs/escrowd/internal/settlement"
)

type stubForcer struct {
	mu     sync.Mutex
	forced []int64
}

func (s *stubForcer) ForceRefund(ctx context.Context, escrowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, escrowID)
	return nil
}

func TestSweep_ExpiresPastDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Past deadline, never accepted.
	created := f.create(t)
	f.backdate(t, created.ID)

	// Past deadline, accepted but undelivered.
	accepted := f.create(t)
	_, err := f.svc.Accept(ctx, accepted.ID, bob)
	require.NoError(t, err)
	f.backdate(t, accepted.ID)

	// Still in time; must be untouched.
	fresh := f.create(t)

	forcer := &stubForcer{}
	sweeper := NewSweeper(f.svc, f.store, forcer, time.Minute, logger)
	sweeper.Sweep(ctx)

	for _, id := range []int64{created.ID, accepted.ID} {
		e, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, e.Status)

		transfer, err := f.coord.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusRefunded, transfer.Status)
	}

	e, err := f.store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, e.Status)
	assert.Empty(t, forcer.forced)
}

func TestSweep_ForcesOpenDisputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := f.create(t)
	_, err := f.svc.Dispute(ctx, e.ID, alice, "no progress")
	require.NoError(t, err)
	f.backdate(t, e.ID)

	forcer := &stubForcer{}
	sweeper := NewSweeper(f.svc, f.store, forcer, time.Minute, logger)
	sweeper.Sweep(ctx)

	assert.Equal(t, []int64{e.ID}, forcer.forced)
}

func TestSweep_LeavesDeliveredAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := f.create(t)
	_, err := f.svc.Accept(ctx, e.ID, bob)
	require.NoError(t, err)
	_, err = f.svc.Deliver(ctx, e.ID, bob, "0xabc")
	require.NoError(t, err)
	f.backdate(t, e.ID)

	sweeper := NewSweeper(f.svc, f.store, &stubForcer{}, time.Minute, logger)
	sweeper.Sweep(ctx)

	stored, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, stored.Status,
		"delivered work resolves only through dispute, never the sweep")
}

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := f.create(t)
	f.backdate(t, e.ID)

	sweeper := NewSweeper(f.svc, f.store, &stubForcer{}, time.Minute, logger)
	sweeper.Sweep(ctx)
	sweeper.Sweep(ctx)
	sweeper.Sweep(ctx)

	assert.Equal(t, 1, f.source.Calls["refund"], "reprocessing an expired escrow is a no-op")
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sweeper := NewSweeper(f.svc, f.store, &stubForcer{}, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	require.Eventually(t, sweeper.Running, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, sweeper.Running())
}
