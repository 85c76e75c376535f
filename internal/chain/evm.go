package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Submitter signs and broadcasts the actual chain transactions. Key
// management and signing live outside the core; deployments plug in
// their own implementation (contract wallet, custodial signer, CCTP
// relayer). Each method returns the resulting tx hash.
type Submitter interface {
	SubmitLock(ctx context.Context, asset common.Address, amount *big.Int, holder common.Address, ref string) (common.Hash, error)
	SubmitBridge(ctx context.Context, lockRef string, targetChain string) (common.Hash, error)
	SubmitRelease(ctx context.Context, bridgeRef string, recipient common.Address) (common.Hash, error)
	SubmitRefund(ctx context.Context, lockRef string, recipient common.Address) (common.Hash, error)
}

// EVM is an Adapter backed by an EVM JSON-RPC endpoint. Transaction
// submission is delegated to a Submitter; the adapter owns finality
// tracking and error classification.
type EVM struct {
	chainID       string
	client        *ethclient.Client
	submitter     Submitter
	asset         common.Address
	confirmations uint64
}

// DefaultConfirmations before a receipt is considered final.
const DefaultConfirmations = 3

// DialEVM connects to an EVM chain and returns an adapter for it.
func DialEVM(ctx context.Context, chainID, rpcURL string, asset common.Address, submitter Submitter) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrChainUnavailable, chainID, err)
	}
	return &EVM{
		chainID:       chainID,
		client:        client,
		submitter:     submitter,
		asset:         asset,
		confirmations: DefaultConfirmations,
	}, nil
}

func (e *EVM) Lock(ctx context.Context, ref, asset string, amount *big.Int, holder string) (Receipt, error) {
	hash, err := e.submitter.SubmitLock(ctx, e.asset, amount, common.HexToAddress(holder), ref)
	if err != nil {
		return Receipt{}, e.classify(err)
	}
	return e.receipt(hash, "lock", amount.String()), nil
}

func (e *EVM) Bridge(ctx context.Context, lockRef, targetChain string) (Receipt, error) {
	hash, err := e.submitter.SubmitBridge(ctx, lockRef, targetChain)
	if err != nil {
		return Receipt{}, e.classify(err)
	}
	return e.receipt(hash, "bridge", ""), nil
}

func (e *EVM) Release(ctx context.Context, bridgeRef, recipient string) (Receipt, error) {
	hash, err := e.submitter.SubmitRelease(ctx, bridgeRef, common.HexToAddress(recipient))
	if err != nil {
		return Receipt{}, e.classify(err)
	}
	return e.receipt(hash, "release", ""), nil
}

func (e *EVM) Refund(ctx context.Context, lockRef, recipient string) (Receipt, error) {
	hash, err := e.submitter.SubmitRefund(ctx, lockRef, common.HexToAddress(recipient))
	if err != nil {
		return Receipt{}, e.classify(err)
	}
	return e.receipt(hash, "refund", ""), nil
}

// Finality reports whether the tx behind ref is mined with enough
// confirmations and did not revert.
func (e *EVM) Finality(ctx context.Context, ref string) (bool, error) {
	rcpt, err := e.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil // still pending
		}
		return false, fmt.Errorf("%w: receipt lookup: %v", ErrChainUnavailable, err)
	}

	if rcpt.Status == 0 {
		return false, fmt.Errorf("%w: tx %s reverted", ErrBridgeRejected, ref)
	}

	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: head lookup: %v", ErrChainUnavailable, err)
	}
	return head >= rcpt.BlockNumber.Uint64()+e.confirmations, nil
}

func (e *EVM) receipt(hash common.Hash, op, amount string) Receipt {
	return Receipt{
		Ref:      hash.Hex(),
		Chain:    e.chainID,
		Op:       op,
		Amount:   amount,
		IssuedAt: time.Now(),
	}
}

// classify maps raw RPC errors onto the adapter error taxonomy. RPC
// transport failures are transient; everything else surfaces as a bridge
// rejection for the coordinator to park.
func (e *EVM) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrChainUnavailable, e.chainID, err)
}
