package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nanba-labs/escrowd/internal/idgen"
)

// Fake is an in-memory Adapter for development mode and tests. It keeps
// per-reference state so repeated calls are idempotent the way a real
// adapter is required to be, and lets tests inject failures per
// operation.
type Fake struct {
	ChainID string

	mu       sync.Mutex
	receipts map[string]Receipt // op-scoped key -> receipt
	balances map[string]*big.Int

	// Fail, when set, is consulted before every operation. Returning a
	// non-nil error simulates a chain failure for that call.
	Fail func(op string) error

	// Calls counts operations by name, for assertions.
	Calls map[string]int
}

// NewFake creates a fake adapter for the given chain id.
func NewFake(chainID string) *Fake {
	return &Fake{
		ChainID:  chainID,
		receipts: make(map[string]Receipt),
		balances: make(map[string]*big.Int),
		Calls:    make(map[string]int),
	}
}

// Credit funds an account so Lock can succeed. Accounts not credited are
// treated as having unlimited funds (development convenience); call
// Credit explicitly to exercise ErrInsufficientFunds.
func (f *Fake) Credit(holder string, amount *big.Int) {
	f.mu.Lock()
	f.balances[holder] = new(big.Int).Set(amount)
	f.mu.Unlock()
}

func (f *Fake) step(op, key string) (Receipt, bool, error) {
	f.Calls[op]++
	if prev, ok := f.receipts[key]; ok {
		return prev, true, nil
	}
	if f.Fail != nil {
		if err := f.Fail(op); err != nil {
			return Receipt{}, false, err
		}
	}
	return Receipt{}, false, nil
}

func (f *Fake) Lock(ctx context.Context, ref, asset string, amount *big.Int, holder string) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := "lock:" + ref
	if prev, done, err := f.step("lock", key); done || err != nil {
		return prev, err
	}

	if bal, tracked := f.balances[holder]; tracked {
		if bal.Cmp(amount) < 0 {
			return Receipt{}, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, holder, bal, amount)
		}
		bal.Sub(bal, amount)
	}

	r := f.receipt("lock", amount)
	f.receipts[key] = r
	return r, nil
}

func (f *Fake) Bridge(ctx context.Context, lockRef, targetChain string) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := "bridge:" + lockRef
	if prev, done, err := f.step("bridge", key); done || err != nil {
		return prev, err
	}

	r := f.receipt("bridge", nil)
	f.receipts[key] = r
	return r, nil
}

func (f *Fake) Release(ctx context.Context, bridgeRef, recipient string) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := "release:" + bridgeRef
	if prev, done, err := f.step("release", key); done || err != nil {
		return prev, err
	}

	r := f.receipt("release", nil)
	f.receipts[key] = r
	return r, nil
}

func (f *Fake) Refund(ctx context.Context, lockRef, recipient string) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Refund after release (or a second refund) is a settled reference.
	if _, released := f.receipts["release:"+lockRef]; released {
		return Receipt{}, ErrAlreadySettled
	}

	key := "refund:" + lockRef
	if prev, done, err := f.step("refund", key); done || err != nil {
		return prev, err
	}

	r := f.receipt("refund", nil)
	f.receipts[key] = r
	return r, nil
}

func (f *Fake) Finality(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["finality"]++
	return true, nil
}

func (f *Fake) receipt(op string, amount *big.Int) Receipt {
	amt := ""
	if amount != nil {
		amt = amount.String()
	}
	return Receipt{
		Ref:       idgen.TxRef(),
		Chain:     f.ChainID,
		Op:        op,
		Amount:    amt,
		IssuedAt:  time.Now(),
		Finalized: true,
	}
}
