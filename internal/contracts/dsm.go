package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// dsmABI covers only the handful of DSM methods this daemon calls:
// the two message-prefix constants, the guardian list, the per-module
// max-deposits cap and the pauseDeposits write.
const dsmABI = `[
{"inputs":[],"name":"ATTEST_MESSAGE_PREFIX","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"PAUSE_MESSAGE_PREFIX","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getGuardians","outputs":[{"internalType":"address[]","name":"","type":"address[]"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"stakingModuleId","type":"uint256"}],"name":"getMaxDeposits","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"blockNumber","type":"uint256"},{"internalType":"uint256","name":"stakingModuleId","type":"uint256"},{"components":[{"internalType":"bytes32","name":"r","type":"bytes32"},{"internalType":"bytes32","name":"vs","type":"bytes32"}],"internalType":"struct Signature","name":"sig","type":"tuple"}],"name":"pauseDeposits","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var parsedDSMABI abi.ABI

func init() {
	var err error
	parsedDSMABI, err = abi.JSON(strings.NewReader(dsmABI))
	if err != nil {
		panic(fmt.Sprintf("contracts: invalid embedded DSM ABI: %v", err))
	}
}

// SignaturePair is the (r, vs) tuple the DSM contract's pauseDeposits
// expects, matching EIP-2098's compact signature representation. Field
// names must match abigen's ToCamelCase mapping of the ABI tuple's
// component names ("r" -> "R", "vs" -> "Vs"): BoundContract.Transact
// packs tuple args by looking up the struct field with
// reflect.Value.FieldByName(ToCamelCase(component.Name)), which is
// case-sensitive.
type SignaturePair struct {
	R  [32]byte
	Vs [32]byte
}

// DSM is a thin bound-contract client for the Deposit Security Module.
type DSM struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewDSM binds the DSM contract at address using the given
// caller/transactor/filterer, the way abigen-generated code does.
func NewDSM(address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) *DSM {
	return &DSM{
		address:  address,
		contract: bind.NewBoundContract(address, parsedDSMABI, caller, transactor, filterer),
	}
}

func (d *DSM) Address() common.Address { return d.address }

// AttestMessagePrefix reads the contract's ATTEST_MESSAGE_PREFIX
// constant. Callers are expected to cache this for the process
// lifetime (see internal/signer), since it never changes.
func (d *DSM) AttestMessagePrefix(ctx context.Context) ([32]byte, error) {
	return d.readBytes32(ctx, "ATTEST_MESSAGE_PREFIX")
}

// PauseMessagePrefix reads the contract's PAUSE_MESSAGE_PREFIX
// constant, with the same caching expectation as AttestMessagePrefix.
func (d *DSM) PauseMessagePrefix(ctx context.Context) ([32]byte, error) {
	return d.readBytes32(ctx, "PAUSE_MESSAGE_PREFIX")
}

func (d *DSM) readBytes32(ctx context.Context, method string) ([32]byte, error) {
	var out [32]byte
	results := make([]interface{}, 1)
	results[0] = &out
	err := d.contract.Call(&bind.CallOpts{Context: ctx}, &results, method)
	if err != nil {
		return out, fmt.Errorf("contracts.DSM.%s: %w", method, err)
	}
	return *abi.ConvertType(results[0], new([32]byte)).(*[32]byte), nil
}

// GetGuardians returns the current guardian set.
func (d *DSM) GetGuardians(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	results := make([]interface{}, 1)
	results[0] = &out
	if err := d.contract.Call(&bind.CallOpts{Context: ctx}, &results, "getGuardians"); err != nil {
		return nil, fmt.Errorf("contracts.DSM.GetGuardians: %w", err)
	}
	return out, nil
}

// GetMaxDeposits returns the maximum deposit batch size for a module.
func (d *DSM) GetMaxDeposits(ctx context.Context, moduleID uint32) (*big.Int, error) {
	var out *big.Int
	results := make([]interface{}, 1)
	results[0] = &out
	err := d.contract.Call(&bind.CallOpts{Context: ctx}, &results, "getMaxDeposits", new(big.Int).SetUint64(uint64(moduleID)))
	if err != nil {
		return nil, fmt.Errorf("contracts.DSM.GetMaxDeposits: %w", err)
	}
	return out, nil
}

// PauseDeposits submits pauseDeposits(blockNumber, moduleId, {r, vs})
// and returns the submitted transaction; the caller waits for a
// receipt.
func (d *DSM) PauseDeposits(opts *bind.TransactOpts, blockNumber uint64, moduleID uint32, sig SignaturePair) (*gethtypes.Transaction, error) {
	tx, err := d.contract.Transact(opts, "pauseDeposits",
		new(big.Int).SetUint64(blockNumber),
		new(big.Int).SetUint64(uint64(moduleID)),
		sig,
	)
	if err != nil {
		return nil, fmt.Errorf("contracts.DSM.PauseDeposits: %w", err)
	}
	return tx, nil
}
