package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nanba-labs/escrowd/internal/metrics"
)

// DisputeForcer force-resolves an open dispute whose escrow deadline
// passed. Implemented by the dispute resolver; the policy outcome is
// refund to initiator.
type DisputeForcer interface {
	ForceRefund(ctx context.Context, escrowID int64) error
}

// Sweeper periodically scans for escrows past their deadline and drives
// them to resolution: CREATED/ACCEPTED expire with a refund, DISPUTED
// gets its vote force-closed. Safe to run from multiple replicas — each
// transition is guarded by the same per-id lock as direct calls inside
// a process and by the store's version fence across processes, and
// reprocessing an already-settled escrow is a no-op.
type Sweeper struct {
	service  *Service
	store    Store
	forcer   DisputeForcer
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a deadline sweeper. A zero interval defaults to
// one minute.
func NewSweeper(service *Service, store Store, forcer DisputeForcer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		service:  service,
		store:    store,
		forcer:   forcer,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in deadline sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass. Exported so tests and admin tooling can trigger
// it without the ticker.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()

	due, err := s.store.ListExpiring(ctx, now, 100)
	if err != nil {
		s.logger.Warn("failed to list expiring escrows", "error", err)
		return
	}

	for _, e := range due {
		switch e.Status {
		case StatusCreated, StatusAccepted:
			if _, err := s.service.Expire(ctx, e.ID); err != nil {
				metrics.DeadlineSweepsTotal.WithLabelValues("error").Inc()
				s.logger.Warn("failed to expire escrow", "escrow_id", e.ID, "error", err)
				continue
			}
			metrics.DeadlineSweepsTotal.WithLabelValues("expired").Inc()
			s.logger.Info("expired escrow past deadline",
				"escrow_id", e.ID, "initiator", e.Initiator, "amount", e.Amount)

		case StatusDisputed:
			if s.forcer == nil {
				continue
			}
			if err := s.forcer.ForceRefund(ctx, e.ID); err != nil {
				metrics.DeadlineSweepsTotal.WithLabelValues("error").Inc()
				s.logger.Warn("failed to force-resolve expired dispute",
					"escrow_id", e.ID, "error", err)
				continue
			}
			metrics.DeadlineSweepsTotal.WithLabelValues("forced_refund").Inc()
			s.logger.Info("force-refunded dispute open at deadline", "escrow_id", e.ID)

		case StatusDelivered:
			// Delivered work stays settleable only through a dispute;
			// the sweep never overrides a delivery on its own.
			metrics.DeadlineSweepsTotal.WithLabelValues("skipped").Inc()
		}
	}
}
