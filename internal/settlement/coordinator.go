package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/nanba-labs/escrowd/internal/chain"
	"github.com/nanba-labs/escrowd/internal/circuitbreaker"
	"github.com/nanba-labs/escrowd/internal/metrics"
	"github.com/nanba-labs/escrowd/internal/retry"
	"github.com/nanba-labs/escrowd/internal/syncutil"
	"github.com/nanba-labs/escrowd/internal/traces"
)

// Config tunes the coordinator's retry and circuit-breaker behavior.
// Zero values get sane defaults.
type Config struct {
	MaxAttempts      int           // retry budget per chain step
	BaseDelay        time.Duration // first backoff delay
	BreakerThreshold int           // consecutive failures before a chain trips open
	BreakerOpenFor   time.Duration // how long a tripped chain stays open
}

// EventPublisher receives transfer state changes for realtime streaming.
type EventPublisher interface {
	PublishTransferEvent(event string, t *Transfer)
}

// Coordinator drives transfers through their state machine. All chain
// calls go through a per-chain circuit breaker and a bounded retry loop;
// transient failures (ChainUnavailable, Timeout) are retried with
// backoff, everything else surfaces immediately.
type Coordinator struct {
	store       Store
	chains      *chain.Registry
	breaker     *circuitbreaker.Breaker
	locks       *syncutil.ContextShardedMutex
	logger      *slog.Logger
	publisher   EventPublisher
	maxAttempts int
	baseDelay   time.Duration
}

// NewCoordinator creates a settlement coordinator over the given store
// and chain registry.
func NewCoordinator(store Store, chains *chain.Registry, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	return &Coordinator{
		store:       store,
		chains:      chains,
		breaker:     circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor),
		locks:       syncutil.NewContextShardedMutex(),
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
	}
}

// WithPublisher wires the realtime event hub.
func (c *Coordinator) WithPublisher(p EventPublisher) *Coordinator {
	c.publisher = p
	return c
}

func transferKey(escrowID int64) string {
	return fmt.Sprintf("transfer:%d", escrowID)
}

// Lock holds the escrow amount on the source chain. Idempotent per
// escrow id: retrying a lock that already succeeded returns the stored
// transfer with its original receipt, never double-locks.
func (c *Coordinator) Lock(ctx context.Context, t *Transfer) (*Transfer, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.lock",
		traces.EscrowID(t.EscrowID), traces.ChainID(t.SourceChain))
	defer span.End()

	unlock, err := c.locks.LockContext(ctx, transferKey(t.EscrowID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := c.store.Get(ctx, t.EscrowID)
	switch {
	case err == nil:
		if existing.LockRef != "" {
			return existing, nil
		}
		// Recorded but never got a receipt (crash mid-lock): drive it again.
		t = existing
	case isNotFound(err):
		now := time.Now()
		t.Status = StatusLocking
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := c.store.Create(ctx, t); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	amount, ok := new(big.Int).SetString(t.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("settlement: bad amount %q for escrow %d", t.Amount, t.EscrowID)
	}

	adapter, err := c.chains.Get(t.SourceChain)
	if err != nil {
		return nil, err
	}

	rcpt, err := c.step(ctx, t, "lock", t.SourceChain, func(callCtx context.Context) (chain.Receipt, error) {
		return adapter.Lock(callCtx, lockRef(t.EscrowID), t.Asset, amount, t.Holder)
	})
	if err != nil {
		return nil, err
	}

	t.LockRef = rcpt.Ref
	t.Status = StatusLocked
	if err := c.persist(ctx, t, "lock"); err != nil {
		return nil, err
	}
	return t, nil
}

// Settle drives a locked transfer through bridge and release. Resumable:
// steps that already have a receipt are skipped, so calling Settle on a
// half-done transfer finishes it. Calling Settle on a released transfer
// is a no-op returning the stored record.
func (c *Coordinator) Settle(ctx context.Context, escrowID int64) (*Transfer, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.settle", traces.EscrowID(escrowID))
	defer span.End()

	unlock, err := c.locks.LockContext(ctx, transferKey(escrowID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case StatusReleased:
		return t, nil
	case StatusStuck:
		return nil, fmt.Errorf("%w: escrow %d (%s)", ErrStuck, escrowID, t.LastError)
	case StatusRefunding, StatusRefunded:
		return nil, fmt.Errorf("%w: escrow %d already on refund path", ErrWrongState, escrowID)
	case StatusLocking:
		if t.LockRef == "" {
			return nil, fmt.Errorf("%w: escrow %d funds not locked", ErrWrongState, escrowID)
		}
		// Receipt landed but the status write didn't. Repair and continue.
		t.Status = StatusLocked
	}

	if t.BridgeRef == "" {
		source, err := c.chains.Get(t.SourceChain)
		if err != nil {
			return nil, err
		}

		t.Status = StatusBridging
		if err := c.persist(ctx, t, "bridge"); err != nil {
			return nil, err
		}

		rcpt, err := c.step(ctx, t, "bridge", t.SourceChain, func(callCtx context.Context) (chain.Receipt, error) {
			return source.Bridge(callCtx, t.LockRef, t.TargetChain)
		})
		if err != nil {
			return nil, err
		}

		t.BridgeRef = rcpt.Ref
		t.Status = StatusBridged
		if err := c.persist(ctx, t, "bridge"); err != nil {
			return nil, err
		}
	}

	if t.ReleaseRef == "" {
		target, err := c.chains.Get(t.TargetChain)
		if err != nil {
			return nil, err
		}

		t.Status = StatusReleasing
		if err := c.persist(ctx, t, "release"); err != nil {
			return nil, err
		}

		rcpt, err := c.step(ctx, t, "release", t.TargetChain, func(callCtx context.Context) (chain.Receipt, error) {
			return target.Release(callCtx, t.BridgeRef, t.Recipient)
		})
		if err != nil {
			return nil, err
		}
		t.ReleaseRef = rcpt.Ref
	}

	t.Status = StatusReleased
	if err := c.persist(ctx, t, "release"); err != nil {
		return nil, err
	}

	c.logger.Info("transfer released",
		"escrow_id", t.EscrowID,
		"source_chain", t.SourceChain,
		"target_chain", t.TargetChain,
		"amount", t.Amount,
		"release_ref", t.ReleaseRef)
	return t, nil
}

// Refund reverses a lock, returning the held amount to the holder on the
// source chain. Legal only before the value bridges: a refund requested
// from BRIDGED onward parks the transfer as stuck and surfaces
// ErrAsymmetricRefund, because reversal then needs a compensating
// transfer on the opposite chain. Refunding an already-refunded transfer
// is a no-op.
func (c *Coordinator) Refund(ctx context.Context, escrowID int64) (*Transfer, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.refund", traces.EscrowID(escrowID))
	defer span.End()

	unlock, err := c.locks.LockContext(ctx, transferKey(escrowID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case StatusRefunded:
		return t, nil
	case StatusStuck:
		return nil, fmt.Errorf("%w: escrow %d (%s)", ErrStuck, escrowID, t.LastError)
	case StatusReleased:
		return nil, fmt.Errorf("%w: escrow %d already released", ErrWrongState, escrowID)
	case StatusLocked, StatusRefunding:
		// Reversal is well-defined from here.
	case StatusLocking:
		if t.LockRef == "" {
			// Nothing ever locked; the refund is trivially complete.
			t.Status = StatusRefunded
			if err := c.persist(ctx, t, "refund"); err != nil {
				return nil, err
			}
			return t, nil
		}
	case StatusBridging, StatusBridged, StatusReleasing:
		err := fmt.Errorf("%w: escrow %d is %s", ErrAsymmetricRefund, escrowID, t.Status)
		return nil, c.park(ctx, t, err)
	}

	source, err := c.chains.Get(t.SourceChain)
	if err != nil {
		return nil, err
	}

	t.Status = StatusRefunding
	if err := c.persist(ctx, t, "refund"); err != nil {
		return nil, err
	}

	rcpt, err := c.step(ctx, t, "refund", t.SourceChain, func(callCtx context.Context) (chain.Receipt, error) {
		return source.Refund(callCtx, t.LockRef, t.Holder)
	})
	if err != nil {
		return nil, err
	}

	t.RefundRef = rcpt.Ref
	t.Status = StatusRefunded
	if err := c.persist(ctx, t, "refund"); err != nil {
		return nil, err
	}

	c.logger.Info("transfer refunded",
		"escrow_id", t.EscrowID,
		"source_chain", t.SourceChain,
		"amount", t.Amount,
		"refund_ref", t.RefundRef)
	return t, nil
}

// Resume scans for transfers interrupted mid-step and drives each to its
// next stable state. Called once at startup. Returns how many transfers
// were picked up; per-transfer failures are logged, not fatal.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	inFlight, err := c.store.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, t := range inFlight {
		resumed++
		var err error
		switch t.Status {
		case StatusRefunding:
			_, err = c.Refund(ctx, t.EscrowID)
		case StatusBridging, StatusReleasing:
			_, err = c.Settle(ctx, t.EscrowID)
		case StatusLocking:
			if t.LockRef == "" {
				// Never got a receipt; the owning escrow call failed
				// with it and the deadline sweep will refund.
				resumed--
				continue
			}
			t.Status = StatusLocked
			err = c.store.Update(ctx, t)
		default:
			resumed--
			continue
		}
		if err != nil {
			c.logger.Error("resume failed", "escrow_id", t.EscrowID, "status", t.Status, "error", err)
		}
	}

	if resumed > 0 {
		c.logger.Info("resumed in-flight transfers", "count", resumed)
	}
	return resumed, nil
}

// Get returns the transfer for an escrow id.
func (c *Coordinator) Get(ctx context.Context, escrowID int64) (*Transfer, error) {
	return c.store.Get(ctx, escrowID)
}

// Stuck returns transfers parked for manual intervention.
func (c *Coordinator) Stuck(ctx context.Context) ([]*Transfer, error) {
	return c.store.ListStuck(ctx)
}

// step runs one chain call through the circuit breaker and retry loop.
// Transient errors are retried with backoff up to the attempt budget and
// then park the transfer as stuck; everything else surfaces immediately.
func (c *Coordinator) step(ctx context.Context, t *Transfer, stepName, chainID string, fn func(context.Context) (chain.Receipt, error)) (chain.Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.step",
		traces.EscrowID(t.EscrowID), traces.ChainID(chainID), traces.Step(stepName))
	defer span.End()

	var rcpt chain.Receipt
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		if !c.breaker.Allow(chainID) {
			return fmt.Errorf("%w: circuit open for %s", chain.ErrChainUnavailable, chainID)
		}

		r, err := fn(ctx)
		if err != nil {
			c.breaker.RecordFailure(chainID)
			if !chain.Transient(err) {
				return retry.Permanent(err)
			}
			c.logger.Warn("chain step failed, will retry",
				"escrow_id", t.EscrowID, "step", stepName, "chain", chainID, "error", err)
			return err
		}

		c.breaker.RecordSuccess(chainID)
		rcpt = r
		return nil
	})
	if err != nil {
		metrics.SettlementStepsTotal.WithLabelValues(stepName, "error").Inc()
		if chain.Transient(err) {
			// Retry budget exhausted on a transient failure.
			return chain.Receipt{}, c.park(ctx, t, fmt.Errorf("%s on %s: %w", stepName, chainID, err))
		}
		return chain.Receipt{}, err
	}

	metrics.SettlementStepsTotal.WithLabelValues(stepName, "ok").Inc()
	return rcpt, nil
}

// park marks a transfer stuck and records why. Returns the error callers
// should surface (wrapped in ErrStuck unless cause already carries a
// more specific sentinel).
func (c *Coordinator) park(ctx context.Context, t *Transfer, cause error) error {
	t.Status = StatusStuck
	t.LastError = cause.Error()
	t.UpdatedAt = time.Now()
	if err := c.store.Update(ctx, t); err != nil {
		// Funds may be mid-flight and we failed to record it.
		c.logger.Error("CRITICAL: failed to persist stuck transfer",
			"escrow_id", t.EscrowID, "cause", cause, "error", err)
	}
	metrics.SettlementStuck.Inc()

	c.logger.Error("transfer parked as stuck",
		"escrow_id", t.EscrowID, "cause", cause)

	if c.publisher != nil {
		cp := *t
		c.publisher.PublishTransferEvent("settlement.stuck", &cp)
	}

	if errors.Is(cause, ErrAsymmetricRefund) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrStuck, cause)
}

// persist writes the transfer's current state, logging loudly if a
// receipt could not be recorded after funds moved. State changes are
// streamed to the realtime hub only after the write lands.
func (c *Coordinator) persist(ctx context.Context, t *Transfer, stepName string) error {
	t.UpdatedAt = time.Now()
	if err := c.store.Update(ctx, t); err != nil {
		c.logger.Error("CRITICAL: chain step completed but persist failed",
			"escrow_id", t.EscrowID, "step", stepName, "status", t.Status, "error", err)
		return fmt.Errorf("persist transfer %d after %s: %w", t.EscrowID, stepName, err)
	}
	if c.publisher != nil {
		cp := *t
		c.publisher.PublishTransferEvent("settlement."+string(t.Status), &cp)
	}
	return nil
}

func lockRef(escrowID int64) string {
	return fmt.Sprintf("escrow-%d-lock", escrowID)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
