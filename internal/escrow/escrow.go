// Package escrow owns the lifecycle of a cross-chain escrow record.
//
// Flow:
//  1. Initiator creates escrow → funds locked on the source chain
//  2. Counterparty accepts, then delivers (optionally with a proof hash)
//  3. Initiator confirms → funds bridged and released on the target chain
//  4. Either party disputes → mediators vote, outcome settles or refunds
//  5. Deadline passes undelivered → expired, initiator refunded
//
// Every transition on a single escrow id is serialized; transitions on
// different ids run in parallel. Settlement steps block for chain
// finality, so the per-id lock is not held across them — the escrow is
// marked busy instead, and other mutating calls get ErrBusy until the
// step lands.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nanba-labs/escrowd/internal/metrics"
	"github.com/nanba-labs/escrowd/internal/settlement"
	"github.com/nanba-labs/escrowd/internal/traces"
)

var (
	ErrNotFound          = errors.New("escrow: not found")
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	ErrUnauthorized      = errors.New("escrow: caller is not the required party")
	ErrDeadlineExceeded  = errors.New("escrow: deadline exceeded")
	ErrBusy              = errors.New("escrow: settlement step in flight")
	ErrConflict          = errors.New("escrow: concurrent update, record changed underneath")
	ErrInvalidAmount     = errors.New("escrow: amount must be a positive integer")
	ErrSameParty         = errors.New("escrow: initiator and counterparty must differ")
	ErrSameChain         = errors.New("escrow: source and target chains must differ")
	ErrBadDeadline       = errors.New("escrow: deadline must be in the future")
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusAccepted        Status = "ACCEPTED"
	StatusDelivered       Status = "DELIVERED"
	StatusDisputed        Status = "DISPUTED"
	StatusResolvedRelease Status = "RESOLVED_RELEASE"
	StatusResolvedRefund  Status = "RESOLVED_REFUND"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether the status is final. Terminal escrows are
// immutable; records are retained for audit, never deleted.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolvedRelease, StatusResolvedRefund, StatusExpired:
		return true
	}
	return false
}

// Escrow is the unit of custody: value held between an initiator
// (payer) and a counterparty (payee) on different chains.
// Amount is a decimal string in the asset's smallest unit.
type Escrow struct {
	ID                 int64      `json:"id"`
	Initiator          string     `json:"initiator"`
	Counterparty       string     `json:"counterparty"`
	Amount             string     `json:"amount"`
	Asset              string     `json:"asset"`
	SourceChain        string     `json:"sourceChain"`
	TargetChain        string     `json:"targetChain"`
	ServiceDescription string     `json:"serviceDescription,omitempty"`
	ProofHash          string     `json:"proofHash,omitempty"`
	Status             Status     `json:"status"`
	Busy               bool       `json:"busy"`
	Deadline           time.Time  `json:"deadline"`
	DeliveredAt        *time.Time `json:"deliveredAt,omitempty"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`

	// Version fences store updates: a write carrying a stale version is
	// rejected with ErrConflict. Per-id mutexes serialize transitions
	// inside one process; the version closes the same race across
	// replicas sharing a database.
	Version int64 `json:"-"`
}

// IsParty reports whether addr is the initiator or counterparty.
func (e *Escrow) IsParty(addr string) bool {
	addr = strings.ToLower(addr)
	return addr == e.Initiator || addr == e.Counterparty
}

// OtherParty returns the counterpart of addr, or "" if addr is not a party.
func (e *Escrow) OtherParty(addr string) string {
	switch strings.ToLower(addr) {
	case e.Initiator:
		return e.Counterparty
	case e.Counterparty:
		return e.Initiator
	}
	return ""
}

// NextStep is a human-oriented hint for agent callers.
func (e *Escrow) NextStep() string {
	if e.Busy {
		return "settlement step in flight, try again shortly"
	}
	switch e.Status {
	case StatusCreated:
		return "waiting for counterparty to accept"
	case StatusAccepted:
		return "waiting for counterparty to deliver"
	case StatusDelivered:
		return "waiting for initiator to confirm and release"
	case StatusDisputed:
		return "waiting for mediator votes"
	case StatusResolvedRelease:
		return "complete: funds released to counterparty"
	case StatusResolvedRefund:
		return "complete: funds refunded to initiator"
	case StatusExpired:
		return "expired: funds refunded to initiator"
	}
	return ""
}

// Store persists escrow records. Create assigns the monotonically
// increasing id.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id int64) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByAgent(ctx context.Context, agentAddr string, limit int, opts ...ListOption) ([]*Escrow, error)

	// ListExpiring returns non-terminal escrows whose deadline passed,
	// the deadline sweep's work list.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// Settler abstracts the settlement coordinator so escrow logic is
// testable with a mock.
type Settler interface {
	Lock(ctx context.Context, t *settlement.Transfer) (*settlement.Transfer, error)
	Settle(ctx context.Context, escrowID int64) (*settlement.Transfer, error)
	Refund(ctx context.Context, escrowID int64) (*settlement.Transfer, error)
}

// Reputation abstracts the reputation ledger. Updates are applied only
// here, as part of a terminal transition.
type Reputation interface {
	RecordOutcome(ctx context.Context, address string, delta int) error
	IncrementCount(ctx context.Context, address string) error
}

// DisputeOpener records a dispute when an escrow moves to DISPUTED.
// Implemented by the dispute resolver; wired at startup.
type DisputeOpener interface {
	Open(ctx context.Context, escrowID int64, openedBy, reason string) error
}

// EventPublisher streams lifecycle events to subscribed clients.
type EventPublisher interface {
	PublishEscrowEvent(event string, e *Escrow)
}

// Reputation deltas on terminal outcomes.
const (
	DeltaSuccess     = 2  // both parties, on confirmed release
	DeltaDisputeWin  = 2  // winning side of a resolved dispute
	DeltaDisputeLoss = -3 // losing side of a resolved dispute
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Initiator          string `json:"initiator" binding:"required"`
	Counterparty       string `json:"counterparty" binding:"required"`
	Amount             string `json:"amount" binding:"required"` // decimal, e.g. "1.50"
	SourceChain        string `json:"sourceChain" binding:"required"`
	TargetChain        string `json:"targetChain" binding:"required"`
	ServiceDescription string `json:"serviceDescription"`
	Duration           string `json:"duration"` // e.g. "24h"; bounded, defaulted
}

// Service implements the escrow state machine.
type Service struct {
	store      Store
	settler    Settler
	reputation Reputation
	opener     DisputeOpener
	publisher  EventPublisher
	logger     *slog.Logger

	defaultTTL time.Duration
	minTTL     time.Duration
	maxTTL     time.Duration

	locks sync.Map // per-escrow id locks; transitions serialize per id
}

// NewService creates the escrow service. TTL bounds apply to
// caller-supplied durations; zero values get 24h / 1h / 72h.
func NewService(store Store, settler Settler, reputation Reputation, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		settler:    settler,
		reputation: reputation,
		logger:     logger,
		defaultTTL: 24 * time.Hour,
		minTTL:     time.Hour,
		maxTTL:     72 * time.Hour,
	}
}

// WithTTLBounds overrides the default/min/max escrow durations.
func (s *Service) WithTTLBounds(def, min, max time.Duration) *Service {
	s.defaultTTL = def
	s.minTTL = min
	s.maxTTL = max
	return s
}

// WithDisputeOpener wires the dispute resolver.
func (s *Service) WithDisputeOpener(o DisputeOpener) *Service {
	s.opener = o
	return s
}

// WithPublisher wires the realtime event hub.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.publisher = p
	return s
}

// escrowLock returns the mutex serializing transitions for one id.
func (s *Service) escrowLock(id int64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create validates the request, records the escrow, and locks funds on
// the source chain. The record is created busy and becomes CREATED/idle
// only once the lock receipt is persisted.
func (s *Service) Create(ctx context.Context, req CreateRequest, amountUnits string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.AgentAddr(req.Initiator), traces.Amount(req.Amount))
	defer span.End()

	initiator := strings.ToLower(strings.TrimSpace(req.Initiator))
	counterparty := strings.ToLower(strings.TrimSpace(req.Counterparty))

	if initiator == counterparty {
		return nil, ErrSameParty
	}
	if req.SourceChain == req.TargetChain {
		return nil, ErrSameChain
	}

	ttl := s.defaultTTL
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return nil, fmt.Errorf("%w: bad duration %q", ErrBadDeadline, req.Duration)
		}
		if d < s.minTTL {
			d = s.minTTL
		}
		if d > s.maxTTL {
			d = s.maxTTL
		}
		ttl = d
	}

	now := time.Now()
	e := &Escrow{
		Initiator:          initiator,
		Counterparty:       counterparty,
		Amount:             amountUnits,
		Asset:              "USDC",
		SourceChain:        req.SourceChain,
		TargetChain:        req.TargetChain,
		ServiceDescription: req.ServiceDescription,
		Status:             StatusCreated,
		Busy:               true, // until the source-chain lock lands
		Deadline:           now.Add(ttl),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	_, err := s.settler.Lock(ctx, &settlement.Transfer{
		EscrowID:    e.ID,
		SourceChain: e.SourceChain,
		TargetChain: e.TargetChain,
		Asset:       e.Asset,
		Amount:      e.Amount,
		Holder:      e.Initiator,
		Recipient:   e.Counterparty,
	})
	if err != nil {
		// Funds never locked: close the record out rather than leave a
		// phantom escrow. Retained for audit.
		e.Status = StatusExpired
		e.Busy = false
		e.UpdatedAt = time.Now()
		if uerr := s.store.Update(ctx, e); uerr != nil {
			s.logger.Error("failed to close escrow after lock failure",
				"escrow_id", e.ID, "error", uerr)
		}
		return nil, fmt.Errorf("lock funds for escrow %d: %w", e.ID, err)
	}

	e.Busy = false
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		s.logger.Error("CRITICAL: funds locked but escrow persist failed",
			"escrow_id", e.ID, "error", err)
		return nil, fmt.Errorf("persist escrow %d after lock: %w", e.ID, err)
	}

	metrics.EscrowsTotal.WithLabelValues("created").Inc()
	s.publish("escrow.created", e)
	s.logger.Info("escrow created",
		"escrow_id", e.ID,
		"initiator", e.Initiator,
		"counterparty", e.Counterparty,
		"amount", e.Amount,
		"source_chain", e.SourceChain,
		"target_chain", e.TargetChain,
		"deadline", e.Deadline)
	return e, nil
}

// Accept moves CREATED → ACCEPTED. Counterparty only, before the deadline.
func (s *Service) Accept(ctx context.Context, id int64, callerAddr string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.getMutable(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(callerAddr) != e.Counterparty {
		return nil, ErrUnauthorized
	}
	if time.Now().After(e.Deadline) {
		return nil, fmt.Errorf("%w: escrow %d deadline was %s", ErrDeadlineExceeded, id, e.Deadline.Format(time.RFC3339))
	}
	if e.Status != StatusCreated {
		return nil, fmt.Errorf("%w: accept from %s", ErrInvalidTransition, e.Status)
	}

	e.Status = StatusAccepted
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues("accepted").Inc()
	s.publish("escrow.accepted", e)
	return e, nil
}

// Deliver moves ACCEPTED → DELIVERED, storing the optional proof hash.
// Counterparty only, before the deadline.
func (s *Service) Deliver(ctx context.Context, id int64, callerAddr, proofHash string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.getMutable(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(callerAddr) != e.Counterparty {
		return nil, ErrUnauthorized
	}
	if time.Now().After(e.Deadline) {
		return nil, fmt.Errorf("%w: escrow %d deadline was %s", ErrDeadlineExceeded, id, e.Deadline.Format(time.RFC3339))
	}
	if e.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: deliver from %s", ErrInvalidTransition, e.Status)
	}

	now := time.Now()
	e.Status = StatusDelivered
	e.ProofHash = proofHash
	e.DeliveredAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues("delivered").Inc()
	s.publish("escrow.delivered", e)
	return e, nil
}

// Confirm moves DELIVERED → RESOLVED_RELEASE: the initiator accepts the
// delivery, funds bridge and release to the counterparty, and both
// parties gain reputation. The second of two racing confirms gets
// ErrInvalidTransition.
func (s *Service) Confirm(ctx context.Context, id int64, callerAddr string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm", traces.EscrowID(id))
	defer span.End()

	e, err := s.beginSettlement(ctx, id, func(e *Escrow) error {
		if strings.ToLower(callerAddr) != e.Initiator {
			return ErrUnauthorized
		}
		if time.Now().After(e.Deadline) {
			return fmt.Errorf("%w: escrow %d deadline was %s", ErrDeadlineExceeded, id, e.Deadline.Format(time.RFC3339))
		}
		if e.Status != StatusDelivered {
			return fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, e.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Chain steps run without the per-id lock; the busy flag guards the
	// escrow meanwhile.
	_, settleErr := s.settler.Settle(ctx, id)

	return s.endSettlement(ctx, e, settleErr, StatusResolvedRelease, func(ctx context.Context) {
		s.recordOutcome(ctx, e.Initiator, DeltaSuccess)
		s.recordOutcome(ctx, e.Counterparty, DeltaSuccess)
	})
}

// Dispute moves any non-terminal, pre-resolution state → DISPUTED and
// opens the voting record. Either party may dispute, deadline or not.
func (s *Service) Dispute(ctx context.Context, id int64, callerAddr, reason string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.getMutable(ctx, id)
	if err != nil {
		return nil, err
	}

	caller := strings.ToLower(callerAddr)
	if !e.IsParty(caller) {
		return nil, ErrUnauthorized
	}

	switch e.Status {
	case StatusCreated, StatusAccepted, StatusDelivered:
	default:
		return nil, fmt.Errorf("%w: dispute from %s", ErrInvalidTransition, e.Status)
	}

	e.Status = StatusDisputed
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	if s.opener != nil {
		if err := s.opener.Open(ctx, e.ID, caller, reason); err != nil {
			// Roll the status back; a DISPUTED escrow without a dispute
			// record could never resolve.
			e.Status = statusBeforeDispute(e)
			e.UpdatedAt = time.Now()
			if uerr := s.store.Update(ctx, e); uerr != nil {
				s.logger.Error("failed to roll back dispute status",
					"escrow_id", e.ID, "error", uerr)
			}
			return nil, fmt.Errorf("open dispute for escrow %d: %w", e.ID, err)
		}
	}

	metrics.EscrowsTotal.WithLabelValues("disputed").Inc()
	s.publish("escrow.disputed", e)
	s.logger.Info("escrow disputed", "escrow_id", e.ID, "opened_by", caller, "reason", reason)
	return e, nil
}

// ApplyResolution is invoked by the dispute resolver once a side reaches
// quorum. release=true settles to the counterparty; false refunds the
// initiator. Reputation deltas land atomically with the terminal
// transition.
func (s *Service) ApplyResolution(ctx context.Context, id int64, release bool) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve", traces.EscrowID(id))
	defer span.End()

	e, err := s.beginSettlement(ctx, id, func(e *Escrow) error {
		if e.Status != StatusDisputed {
			return fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, e.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var settleErr error
	var terminal Status
	var winner, loser string
	if release {
		_, settleErr = s.settler.Settle(ctx, id)
		terminal = StatusResolvedRelease
		winner, loser = e.Counterparty, e.Initiator
	} else {
		_, settleErr = s.settler.Refund(ctx, id)
		terminal = StatusResolvedRefund
		winner, loser = e.Initiator, e.Counterparty
	}

	return s.endSettlement(ctx, e, settleErr, terminal, func(ctx context.Context) {
		s.recordOutcome(ctx, winner, DeltaDisputeWin)
		s.recordOutcome(ctx, loser, DeltaDisputeLoss)
	})
}

// Expire moves a deadline-passed CREATED or ACCEPTED escrow to EXPIRED
// and refunds the initiator. A neutral timeout: transaction counts
// advance, scores do not. Idempotent — expiring a terminal escrow is a
// no-op.
func (s *Service) Expire(ctx context.Context, id int64) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.expire", traces.EscrowID(id))
	defer span.End()

	e, err := s.beginSettlement(ctx, id, func(e *Escrow) error {
		if e.Status.Terminal() {
			return nil // already handled; sweep no-op
		}
		if e.Status != StatusCreated && e.Status != StatusAccepted {
			return fmt.Errorf("%w: expire from %s", ErrInvalidTransition, e.Status)
		}
		if time.Now().Before(e.Deadline) {
			return fmt.Errorf("%w: escrow %d deadline not reached", ErrInvalidTransition, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return e, nil
	}

	_, settleErr := s.settler.Refund(ctx, id)

	return s.endSettlement(ctx, e, settleErr, StatusExpired, func(ctx context.Context) {
		// Score-neutral by policy: a timeout is not a fault.
		s.incrementCount(ctx, e.Initiator)
		s.incrementCount(ctx, e.Counterparty)
	})
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id int64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByAgent returns escrows where the agent is either party.
func (s *Service) ListByAgent(ctx context.Context, agentAddr string, limit int, opts ...ListOption) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAgent(ctx, strings.ToLower(agentAddr), limit, opts...)
}

// getMutable loads an escrow and rejects work on terminal or busy
// records. Callers must hold the per-id lock.
func (s *Service) getMutable(ctx context.Context, id int64) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Busy {
		return nil, fmt.Errorf("%w: escrow %d", ErrBusy, id)
	}
	if e.Status.Terminal() {
		return nil, fmt.Errorf("%w: escrow %d is %s", ErrInvalidTransition, id, e.Status)
	}
	return e, nil
}

// beginSettlement validates a transition under the per-id lock and
// marks the escrow busy before any chain call starts. The lock is
// released when it returns; the busy flag is what fends off concurrent
// mutations while the settlement step runs.
func (s *Service) beginSettlement(ctx context.Context, id int64, check func(*Escrow) error) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Busy {
		return nil, fmt.Errorf("%w: escrow %d", ErrBusy, id)
	}
	if err := check(e); err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return e, nil
	}

	e.Busy = true
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// endSettlement finalizes a settlement-backed transition. On settlement
// failure the escrow's logical status is untouched: transient
// exhaustion leaves it busy (parked with its stuck transfer), anything
// else clears busy so the caller can retry.
func (s *Service) endSettlement(ctx context.Context, e *Escrow, settleErr error, terminal Status, applyReputation func(context.Context)) (*Escrow, error) {
	mu := s.escrowLock(e.ID)
	mu.Lock()
	defer mu.Unlock()

	if settleErr != nil {
		if errors.Is(settleErr, settlement.ErrStuck) || errors.Is(settleErr, settlement.ErrAsymmetricRefund) {
			// Funds may be mid-flight; the escrow stays busy for manual
			// intervention rather than pretending nothing moved.
			s.logger.Error("settlement stuck, escrow parked busy",
				"escrow_id", e.ID, "error", settleErr)
			return nil, settleErr
		}
		e.Busy = false
		e.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, e); err != nil {
			s.logger.Error("failed to clear busy flag after settlement failure",
				"escrow_id", e.ID, "error", err)
		}
		return nil, settleErr
	}

	now := time.Now()
	e.Status = terminal
	e.Busy = false
	e.ResolvedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		// Funds moved. Retry once, then scream.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("CRITICAL: funds moved but terminal status persist failed",
				"escrow_id", e.ID, "status", terminal, "error", retryErr)
			return nil, fmt.Errorf("persist escrow %d after settlement (requires manual resolution): %w", e.ID, retryErr)
		}
	}

	applyReputation(ctx)

	metrics.EscrowsTotal.WithLabelValues(strings.ToLower(string(terminal))).Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	s.publish("escrow."+strings.ToLower(string(terminal)), e)
	s.logger.Info("escrow resolved",
		"escrow_id", e.ID, "status", terminal, "amount", e.Amount)
	return e, nil
}

// recordOutcome applies a score delta and count increment, logging
// rather than failing the already-committed transition.
func (s *Service) recordOutcome(ctx context.Context, addr string, delta int) {
	if s.reputation == nil {
		return
	}
	if err := s.reputation.RecordOutcome(ctx, addr, delta); err != nil {
		s.logger.Error("reputation update failed", "agent", addr, "delta", delta, "error", err)
	}
}

func (s *Service) incrementCount(ctx context.Context, addr string) {
	if s.reputation == nil {
		return
	}
	if err := s.reputation.IncrementCount(ctx, addr); err != nil {
		s.logger.Error("reputation count update failed", "agent", addr, "error", err)
	}
}

func (s *Service) publish(event string, e *Escrow) {
	if s.publisher != nil {
		s.publisher.PublishEscrowEvent(event, e)
	}
}

// statusBeforeDispute infers the pre-dispute status for rollback when
// opening the dispute record fails.
func statusBeforeDispute(e *Escrow) Status {
	if e.DeliveredAt != nil {
		return StatusDelivered
	}
	// Accept leaves no timestamp; CREATED is the safe floor — the
	// counterparty can re-accept.
	return StatusCreated
}
