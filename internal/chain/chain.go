// Package chain defines the per-chain capability the settlement
// coordinator depends on: lock, bridge, release, refund, and finality.
//
// The core never talks to a concrete ledger directly. Each supported
// chain registers an Adapter; the coordinator resolves adapters by chain
// id and treats every call as potentially slow and potentially failing.
package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrChainUnavailable  = errors.New("chain: unavailable")
	ErrBridgeRejected    = errors.New("chain: bridge rejected")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrAlreadySettled    = errors.New("chain: already settled")
	ErrUnknownChain      = errors.New("chain: unknown chain id")
)

// Receipt is the proof a chain operation completed. Ref is the chain-side
// identifier (tx hash or bridge message id) the next step keys off.
type Receipt struct {
	Ref       string    `json:"ref"`
	Chain     string    `json:"chain"`
	Op        string    `json:"op"` // lock, bridge, release, refund
	Amount    string    `json:"amount"`
	IssuedAt  time.Time `json:"issuedAt"`
	Finalized bool      `json:"finalized"`
}

// Adapter is the abstract per-chain client. Implementations must be
// idempotent per reference: retrying an operation with the same inputs
// after a success returns the original receipt rather than moving funds
// twice.
type Adapter interface {
	// Lock holds amount of asset from holder on this chain.
	Lock(ctx context.Context, ref, asset string, amount *big.Int, holder string) (Receipt, error)

	// Bridge transits a previously locked amount toward targetChain.
	Bridge(ctx context.Context, lockRef, targetChain string) (Receipt, error)

	// Release makes bridged value available to recipient on this chain.
	Release(ctx context.Context, bridgeRef, recipient string) (Receipt, error)

	// Refund reverses a lock, returning the held amount to recipient.
	Refund(ctx context.Context, lockRef, recipient string) (Receipt, error)

	// Finality reports whether the operation behind ref is final.
	Finality(ctx context.Context, ref string) (bool, error)
}

// Registry maps chain ids ("base_sepolia", "ethereum_sepolia", ...) to
// adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter for a chain id, replacing any previous one.
func (r *Registry) Register(chainID string, a Adapter) {
	r.mu.Lock()
	r.adapters[chainID] = a
	r.mu.Unlock()
}

// Get resolves the adapter for a chain id.
func (r *Registry) Get(chainID string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[chainID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownChain
	}
	return a, nil
}

// Known returns the registered chain ids.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// Transient reports whether err is a chain failure worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrChainUnavailable) || errors.Is(err, ErrTimeout)
}
