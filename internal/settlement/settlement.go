// Package settlement orchestrates the lock → bridge → release sequence
// for a single escrow against the registered chain adapters.
//
// Each transfer is its own small state machine. Every completed step
// persists its receipt before the coordinator moves on, so a crash
// between steps resumes from the last receipt instead of re-executing a
// step that already moved funds. Transfers that exhaust retries, or hit
// a refund after bridging, are parked as stuck for manual intervention.
package settlement

import (
	"context"
	"errors"
	"time"
)

// Status is the transfer-level state, distinct from the escrow status.
type Status string

const (
	StatusLocking   Status = "locking"
	StatusLocked    Status = "locked"
	StatusBridging  Status = "bridging"
	StatusBridged   Status = "bridged"
	StatusReleasing Status = "releasing"
	StatusReleased  Status = "released"
	StatusRefunding Status = "refunding"
	StatusRefunded  Status = "refunded"
	StatusStuck     Status = "stuck"
)

// Terminal reports whether the transfer can no longer move funds.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

var (
	ErrNotFound = errors.New("settlement: transfer not found")
	ErrExists   = errors.New("settlement: transfer already exists")

	// ErrWrongState means the requested operation is not legal from the
	// transfer's current state (e.g. settle after refund).
	ErrWrongState = errors.New("settlement: operation not valid in current state")

	// ErrStuck means the transfer exhausted its retry budget and is
	// parked for manual intervention. Funds may be mid-flight.
	ErrStuck = errors.New("settlement: transfer stuck")

	// ErrAsymmetricRefund means a refund was requested after the value
	// already bridged toward the target chain. Reversing at that point
	// needs a compensating transfer on the opposite chain, which this
	// coordinator never does silently.
	ErrAsymmetricRefund = errors.New("settlement: refund after bridge requires compensating transfer")
)

// Transfer tracks the physical movement of one escrow's value.
// Amount is a decimal string in the asset's smallest unit.
type Transfer struct {
	EscrowID    int64     `json:"escrowId"`
	Status      Status    `json:"status"`
	SourceChain string    `json:"sourceChain"`
	TargetChain string    `json:"targetChain"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"`
	Holder      string    `json:"holder"`    // initiator; funds locked from here
	Recipient   string    `json:"recipient"` // counterparty; paid on release
	LockRef     string    `json:"lockRef,omitempty"`
	BridgeRef   string    `json:"bridgeRef,omitempty"`
	ReleaseRef  string    `json:"releaseRef,omitempty"`
	RefundRef   string    `json:"refundRef,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists transfers. One transfer per escrow id.
type Store interface {
	// Create inserts a new transfer. Returns ErrExists if one is already
	// recorded for the escrow id.
	Create(ctx context.Context, t *Transfer) error

	// Get returns the transfer for an escrow id, or ErrNotFound.
	Get(ctx context.Context, escrowID int64) (*Transfer, error)

	// Update overwrites the stored transfer. Returns ErrNotFound if the
	// escrow id was never created.
	Update(ctx context.Context, t *Transfer) error

	// ListInFlight returns transfers in a non-terminal, non-stuck state
	// that were mid-step (bridging, releasing, refunding) — the resume
	// set after a crash.
	ListInFlight(ctx context.Context) ([]*Transfer, error)

	// ListStuck returns transfers parked for manual intervention.
	ListStuck(ctx context.Context) ([]*Transfer, error)
}
