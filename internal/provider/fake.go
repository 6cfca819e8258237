package provider

import (
	"context"
	"math/big"
	"sort"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Fake is an in-memory Provider used by tests, modeled after the
// mockCaller pattern go-ethereum itself uses to test accounts/abi/bind.
// It keeps headers in a map keyed by height and a flat list of logs,
// and lets tests mutate both to simulate reorgs.
type Fake struct {
	mu      sync.Mutex
	headers map[uint64]*types.Header
	logs    []types.Log
	head    uint64
	chainID *big.Int

	CallContractFunc    func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransactionFunc func(ctx context.Context, tx *types.Transaction) error
	ReceiptFunc         func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

func NewFake(chainID int64) *Fake {
	return &Fake{
		headers: make(map[uint64]*types.Header),
		chainID: big.NewInt(chainID),
	}
}

// PushHeader installs (or overwrites, simulating a reorg) the header
// for a given height and advances head if needed.
func (f *Fake) PushHeader(h *types.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := h.Number.Uint64()
	f.headers[n] = h
	if n > f.head {
		f.head = n
	}
}

// SetLogs replaces the full log set the fake serves from FilterLogs.
func (f *Fake) SetLogs(logs []types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = logs
}

func (f *Fake) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *Fake) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.head
	if number != nil {
		n = number.Uint64()
	}
	h, ok := f.headers[n]
	if !ok {
		return nil, errNotFound
	}
	return h, nil
}

func (f *Fake) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var from, to uint64
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	if q.ToBlock != nil {
		to = q.ToBlock.Uint64()
	} else {
		to = f.head
	}
	out := make([]types.Log, 0)
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (f *Fake) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.CallContractFunc != nil {
		return f.CallContractFunc(ctx, msg, blockNumber)
	}
	return nil, nil
}

func (f *Fake) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.SendTransactionFunc != nil {
		return f.SendTransactionFunc(ctx, tx)
	}
	return nil
}

func (f *Fake) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.ReceiptFunc != nil {
		return f.ReceiptFunc(ctx, txHash)
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (f *Fake) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *Fake) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *Fake) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *Fake) SuggestGasPrice(ctx context.Context) (*big.Int, error)  { return big.NewInt(1), nil }

func (f *Fake) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return nil, nil
}

func (f *Fake) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "header not found" }

var errNotFound = notFoundError{}
