package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lsd-guardian/guardian/internal/types"
)

const stakingRouterABI = `[
{"inputs":[{"internalType":"uint256","name":"stakingModuleId","type":"uint256"}],"name":"getStakingModuleIsActive","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"stakingModuleId","type":"uint256"}],"name":"getStakingModuleNonce","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"stakingModuleId","type":"uint256"}],"name":"getStakingModuleLastDepositBlock","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getStakingModuleIds","outputs":[{"internalType":"uint256[]","name":"","type":"uint256[]"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getWithdrawalCredentials","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

var parsedStakingRouterABI abi.ABI

func init() {
	var err error
	parsedStakingRouterABI, err = abi.JSON(strings.NewReader(stakingRouterABI))
	if err != nil {
		panic(fmt.Sprintf("contracts: invalid embedded StakingRouter ABI: %v", err))
	}
}

// StakingRouter is a thin bound-contract read client for per-module
// state: is-active flag, nonce (keysOpIndex) and last deposit block.
type StakingRouter struct {
	address  common.Address
	contract *bind.BoundContract
}

func NewStakingRouter(address common.Address, caller bind.ContractCaller) *StakingRouter {
	return &StakingRouter{
		address:  address,
		contract: bind.NewBoundContract(address, parsedStakingRouterABI, caller, nil, nil),
	}
}

func (r *StakingRouter) Address() common.Address { return r.address }

// ModuleIDs returns every registered staking module id.
func (r *StakingRouter) ModuleIDs(ctx context.Context) ([]types.ModuleID, error) {
	var raw []*big.Int
	results := make([]interface{}, 1)
	results[0] = &raw
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &results, "getStakingModuleIds"); err != nil {
		return nil, fmt.Errorf("contracts.StakingRouter.ModuleIDs: %w", err)
	}
	out := make([]types.ModuleID, len(raw))
	for i, v := range raw {
		out[i] = types.ModuleID(v.Uint64())
	}
	return out, nil
}

// ModuleState reads the full StakingModuleState for one module at the
// latest block (the calls carry no block number).
func (r *StakingRouter) ModuleState(ctx context.Context, id types.ModuleID) (types.StakingModuleState, error) {
	state := types.StakingModuleState{ID: id}

	if err := r.call(ctx, &state.IsActive, "getStakingModuleIsActive", moduleArg(id)); err != nil {
		return state, err
	}
	var nonce *big.Int
	if err := r.call(ctx, &nonce, "getStakingModuleNonce", moduleArg(id)); err != nil {
		return state, err
	}
	state.Nonce = nonce.Uint64()

	var lastBlock *big.Int
	if err := r.call(ctx, &lastBlock, "getStakingModuleLastDepositBlock", moduleArg(id)); err != nil {
		return state, err
	}
	state.LastDepositBlock = lastBlock.Uint64()

	return state, nil
}

// WithdrawalCredentials returns the protocol-wide withdrawal
// credentials every staking module's deposits are expected to carry.
// Lido's protocol uses a single withdrawal vault for all modules, so
// unlike IsActive/Nonce/LastDepositBlock this is not keyed by module
// id; callers wiring internal/orchestrator's ModuleWCResolver can
// safely ignore the module id argument and cache the result, the way
// internal/signer caches the DSM's message prefixes.
func (r *StakingRouter) WithdrawalCredentials(ctx context.Context) ([32]byte, error) {
	var out [32]byte
	results := make([]interface{}, 1)
	results[0] = &out
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &results, "getWithdrawalCredentials"); err != nil {
		return out, fmt.Errorf("contracts.StakingRouter.WithdrawalCredentials: %w", err)
	}
	return *abi.ConvertType(results[0], new([32]byte)).(*[32]byte), nil
}

func (r *StakingRouter) call(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	results := make([]interface{}, 1)
	results[0] = out
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &results, method, args...); err != nil {
		return fmt.Errorf("contracts.StakingRouter.%s: %w", method, err)
	}
	return nil
}

func moduleArg(id types.ModuleID) *big.Int { return new(big.Int).SetUint64(uint64(id)) }
