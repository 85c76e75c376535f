// Package dispute runs the quorum vote that settles a contested escrow.
//
// The mediator pool is a live query against the reputation ledger, not a
// snapshot: an agent who becomes eligible after the dispute opens may
// still vote before resolution. Resolution is first-to-3 — the dispute
// resolves the instant either side reaches three votes, independent of
// the final tally, so ties are structurally impossible.
package dispute

import (
	"context"
	"errors"
	"time"
)

// QuorumVotes is the count either side must reach to resolve.
const QuorumVotes = 3

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrAlreadyOpen     = errors.New("dispute: already open for this escrow")
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	ErrDuplicateVote   = errors.New("dispute: mediator already voted")
	ErrNotEligible     = errors.New("dispute: caller is not an eligible mediator")
)

// Outcome is the binding result of a resolved dispute.
type Outcome string

const (
	OutcomeRelease Outcome = "release" // funds to the counterparty
	OutcomeRefund  Outcome = "refund"  // funds back to the initiator
)

// Vote is one mediator's ballot.
type Vote struct {
	Mediator   string    `json:"mediator"`
	ForRelease bool      `json:"forRelease"`
	CastAt     time.Time `json:"castAt"`
}

// Dispute exists only while its escrow is contested; the record is kept
// for audit after resolution.
type Dispute struct {
	EscrowID   int64      `json:"escrowId"`
	OpenedBy   string     `json:"openedBy"`
	Reason     string     `json:"reason"`
	Votes      []Vote     `json:"votes"`
	Resolved   bool       `json:"resolved"`
	Forced     bool       `json:"forced,omitempty"` // deadline policy, not a quorum
	Outcome    Outcome    `json:"outcome,omitempty"`
	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Tally returns the current release / refund vote counts.
func (d *Dispute) Tally() (release, refund int) {
	for _, v := range d.Votes {
		if v.ForRelease {
			release++
		} else {
			refund++
		}
	}
	return release, refund
}

// HasVoted reports whether the mediator already cast a ballot.
func (d *Dispute) HasVoted(mediator string) bool {
	for _, v := range d.Votes {
		if v.Mediator == mediator {
			return true
		}
	}
	return false
}

// Store persists disputes and their votes, keyed by escrow id.
type Store interface {
	// Create records a newly opened dispute. Returns ErrAlreadyOpen if
	// one exists for the escrow.
	Create(ctx context.Context, d *Dispute) error

	// Get returns the dispute with its votes, or ErrNotFound.
	Get(ctx context.Context, escrowID int64) (*Dispute, error)

	// AddVote appends a ballot. Returns ErrDuplicateVote if the
	// mediator already voted on this dispute.
	AddVote(ctx context.Context, escrowID int64, v Vote) error

	// Update overwrites the dispute's resolution fields.
	Update(ctx context.Context, d *Dispute) error
}
