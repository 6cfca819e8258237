// Package provider narrows the go-ethereum client surface the guardian
// daemon needs down to a small interface, the way ethclient.Client
// itself narrows node-internal interfaces for external consumers. This
// lets tests inject a fake without spinning up a real chain.
package provider

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	gtypes "github.com/lsd-guardian/guardian/internal/types"
)

// Provider is the subset of Ethereum JSON-RPC calls the pipeline uses:
// eth_blockNumber, eth_getBlockByNumber, eth_getLogs, eth_call,
// eth_sendRawTransaction and eth_getTransactionReceipt.
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// BlockRefAt resolves the canonical BlockRef for a height, used both by
// the orchestrator (to resolve B) and the cache (reorg checks).
func BlockRefAt(ctx context.Context, p Provider, number uint64) (gtypes.BlockRef, error) {
	h, err := p.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return gtypes.BlockRef{}, gtypes.Transient("provider.BlockRefAt", err)
	}
	return gtypes.BlockRef{Number: h.Number.Uint64(), Hash: h.Hash(), Timestamp: h.Time}, nil
}

// EthProvider wraps a real *ethclient.Client and applies the
// per-call RPC_CALL_TIMEOUT deadline from §5 to every method except
// the long-lived SubscribeFilterLogs, so callers never need to
// remember it.
type EthProvider struct {
	client  *ethclient.Client
	timeout time.Duration
}

// NewEthProvider dials rpcURL and wraps the resulting client.
func NewEthProvider(ctx context.Context, rpcURL string, timeout time.Duration) (*EthProvider, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, gtypes.Transient("provider.Dial", err)
	}
	return &EthProvider{client: c, timeout: timeout}, nil
}

func (p *EthProvider) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *EthProvider) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	n, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, gtypes.Transient("provider.BlockNumber", err)
	}
	return n, nil
}

func (p *EthProvider) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	h, err := p.client.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, gtypes.Transient("provider.HeaderByNumber", err)
	}
	return h, nil
}

func (p *EthProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	logs, err := p.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, gtypes.Transient("provider.FilterLogs", err)
	}
	return logs, nil
}

func (p *EthProvider) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	out, err := p.client.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, gtypes.Transient("provider.CallContract", err)
	}
	return out, nil
}

func (p *EthProvider) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	if err := p.client.SendTransaction(ctx, tx); err != nil {
		return gtypes.Transient("provider.SendTransaction", err)
	}
	return nil
}

func (p *EthProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	r, err := p.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, gtypes.Transient("provider.TransactionReceipt", err)
	}
	return r, nil
}

func (p *EthProvider) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	id, err := p.client.ChainID(ctx)
	if err != nil {
		return nil, gtypes.Transient("provider.ChainID", err)
	}
	return id, nil
}

func (p *EthProvider) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	n, err := p.client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, gtypes.Transient("provider.PendingNonceAt", err)
	}
	return n, nil
}

func (p *EthProvider) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	v, err := p.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, gtypes.Transient("provider.SuggestGasTipCap", err)
	}
	return v, nil
}

func (p *EthProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	v, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, gtypes.Transient("provider.SuggestGasPrice", err)
	}
	return v, nil
}

// CodeAt, PendingCodeAt, EstimateGas and SubscribeFilterLogs round out
// bind.ContractCaller/ContractTransactor/ContractFilterer so EthProvider
// can be handed directly to bind.NewBoundContract; the daemon itself
// never calls them, abigen-style bound contracts do internally.

func (p *EthProvider) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	out, err := p.client.CodeAt(ctx, account, blockNumber)
	if err != nil {
		return nil, gtypes.Transient("provider.CodeAt", err)
	}
	return out, nil
}

func (p *EthProvider) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	out, err := p.client.PendingCodeAt(ctx, account)
	if err != nil {
		return nil, gtypes.Transient("provider.PendingCodeAt", err)
	}
	return out, nil
}

func (p *EthProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	out, err := p.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, gtypes.Transient("provider.EstimateGas", err)
	}
	return out, nil
}

func (p *EthProvider) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := p.client.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, gtypes.Transient("provider.SubscribeFilterLogs", err)
	}
	return sub, nil
}

// Close releases the underlying RPC connection.
func (p *EthProvider) Close() { p.client.Close() }
