// Package contracts holds the hand-bound ABI clients for the two
// contracts the guardian daemon talks to: the staking-module deposit
// contract (log decoding only) and the DSM / StakingRouter pair (reads
// and the pauseDeposits write), built the way accounts/abi/bind
// generates bindings but trimmed to the handful of methods this daemon
// actually calls.
package contracts

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lsd-guardian/guardian/internal/types"
)

// depositEventABI is the canonical beacon-chain deposit contract's
// DepositEvent log signature, identical across every staking module's
// deposit contract (it is the same `DepositContract` used by the
// Ethereum proof-of-stake deposit flow).
const depositEventABI = `[
{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes","name":"pubkey","type":"bytes"},{"indexed":false,"internalType":"bytes","name":"withdrawal_credentials","type":"bytes"},{"indexed":false,"internalType":"bytes","name":"amount","type":"bytes"},{"indexed":false,"internalType":"bytes","name":"signature","type":"bytes"},{"indexed":false,"internalType":"bytes","name":"index","type":"bytes"}],"name":"DepositEvent","type":"event"},
{"inputs":[],"name":"get_deposit_root","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

// DepositEventTopic is the keccak256 of the event signature, used to
// scope eth_getLogs to just deposit events.
var DepositEventTopic = crypto.Keccak256Hash([]byte("DepositEvent(bytes,bytes,bytes,bytes,bytes)"))

var depositABI abi.ABI

func init() {
	var err error
	depositABI, err = abi.JSON(strings.NewReader(depositEventABI))
	if err != nil {
		panic(fmt.Sprintf("contracts: invalid embedded deposit ABI: %v", err))
	}
}

// DecodeDepositEvent unpacks one DepositContract log into a
// types.DepositEvent. The contract packs amount as a little-endian
// uint64 in an 8-byte `bytes` field (the beacon chain's Gwei
// encoding) — everything else is fixed width.
func DecodeDepositEvent(l gethtypes.Log) (types.DepositEvent, bool, error) {
	if len(l.Topics) == 0 || l.Topics[0] != DepositEventTopic {
		return types.DepositEvent{}, false, nil
	}

	var raw struct {
		Pubkey    []byte
		Wc        []byte `abi:"withdrawal_credentials"`
		Amount    []byte
		Signature []byte
		Index     []byte
	}
	if err := depositABI.UnpackIntoInterface(&raw, "DepositEvent", l.Data); err != nil {
		return types.DepositEvent{}, false, fmt.Errorf("contracts: unpack DepositEvent: %w", err)
	}
	if len(raw.Pubkey) != types.PubkeyLen || len(raw.Wc) != types.WithdrawalLen || len(raw.Signature) != types.SignatureLen || len(raw.Amount) != 8 {
		return types.DepositEvent{}, false, fmt.Errorf("contracts: malformed DepositEvent field widths (pubkey=%d wc=%d sig=%d amount=%d)",
			len(raw.Pubkey), len(raw.Wc), len(raw.Signature), len(raw.Amount))
	}

	var amountLE [8]byte
	copy(amountLE[:], raw.Amount)
	amount := uint64(0)
	for i := 7; i >= 0; i-- {
		amount = amount<<8 | uint64(amountLE[i])
	}

	ev := types.DepositEvent{
		Pubkey:   types.BytesToPubkey(raw.Pubkey),
		Amount:   amount,
		LogIndex: uint32(l.Index),
		TxHash:   l.TxHash,
		Block: types.BlockRef{
			Number: l.BlockNumber,
			Hash:   l.BlockHash,
		},
	}
	copy(ev.WC[:], raw.Wc)
	copy(ev.Signature[:], raw.Signature)
	return ev, true, nil
}

// DepositContract is a thin bound-contract read client for the
// beacon-chain deposit contract shared by every staking module.
type DepositContract struct {
	address  common.Address
	contract *bind.BoundContract
}

func NewDepositContract(address common.Address, caller bind.ContractCaller) *DepositContract {
	return &DepositContract{
		address:  address,
		contract: bind.NewBoundContract(address, depositABI, caller, nil, nil),
	}
}

func (d *DepositContract) Address() common.Address { return d.address }

// GetDepositRoot reads the contract's current Merkle deposit root, the
// value every AttestMessage signs over.
func (d *DepositContract) GetDepositRoot(ctx context.Context) (common.Hash, error) {
	var out [32]byte
	results := make([]interface{}, 1)
	results[0] = &out
	if err := d.contract.Call(&bind.CallOpts{Context: ctx}, &results, "get_deposit_root"); err != nil {
		return common.Hash{}, fmt.Errorf("contracts.DepositContract.GetDepositRoot: %w", err)
	}
	return common.BytesToHash(out[:]), nil
}
