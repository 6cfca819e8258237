// Package types holds the data model shared across the guardian daemon:
// block references, deposit events, registry snapshots, staking module
// state, guardian identity and the two signed wire messages.
package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BlockRef tags every cached artifact so reorgs are detectable by
// comparing the hash recorded at indexing time against the provider's
// current view of that height.
type BlockRef struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
}

func (b BlockRef) String() string {
	return fmt.Sprintf("#%d(%s)", b.Number, b.Hash.Hex())
}

// IsZero reports whether b is the empty BlockRef.
func (b BlockRef) IsZero() bool {
	return b.Number == 0 && b.Hash == (common.Hash{}) && b.Timestamp == 0
}

// PubkeyLen and friends are the BLS12-381 / deposit-contract field widths,
// fixed by the Ethereum consensus spec and reused verbatim by every
// staking module's deposit contract.
const (
	PubkeyLen    = 48
	WithdrawalLen = 32
	SignatureLen = 96
	TxHashLen    = 32
)

// Pubkey is a 48-byte BLS public key, content-addressed as a fixed array
// so DepositEvent and key sets can use it as a map key directly.
type Pubkey [PubkeyLen]byte

func (p Pubkey) String() string {
	return fmt.Sprintf("0x%x", p[:])
}

// BytesToPubkey copies b into a Pubkey without checking its length: a
// shorter b leaves the trailing bytes zero and a longer one is truncated.
// Callers validate event/log shapes before calling it.
func BytesToPubkey(b []byte) Pubkey {
	var p Pubkey
	copy(p[:], b)
	return p
}

// DepositEvent is a single historical DepositContract log. It is
// content-addressable by (Block.Hash, LogIndex); for a given pair the
// event is unique and immutable once observed.
type DepositEvent struct {
	Pubkey    Pubkey
	WC        common.Hash // withdrawal_credentials, 32 bytes
	Amount    uint64       // gwei
	Signature [SignatureLen]byte
	Block     BlockRef
	LogIndex  uint32
	TxHash    common.Hash
}

// Key returns the content address of the event.
func (d DepositEvent) Key() (common.Hash, uint32) {
	return d.Block.Hash, d.LogIndex
}

// ModuleID identifies a staking module on the StakingRouter.
type ModuleID uint32

// StakingModuleState mirrors the on-chain state the orchestrator needs
// per module on every block.
type StakingModuleState struct {
	ID                ModuleID
	IsActive          bool
	Nonce             uint64 // == keysOpIndex
	LastDepositBlock  uint64
}

// RegistrySnapshot is the assembled view of the Keys API's key
// inventory at a given EL block.
type RegistrySnapshot struct {
	SnapshotBlock BlockRef
	Used          map[Pubkey]struct{}
	Unused        map[ModuleID][]Pubkey
}

// GuardianIdentity is the local wallet's standing in the on-chain
// guardian set at a given block; Index is -1 when the wallet is not a
// guardian.
type GuardianIdentity struct {
	Address common.Address
	Index   int32
}

// IsGuardian reports whether the identity is part of the guardian set.
func (g GuardianIdentity) IsGuardian() bool {
	return g.Index >= 0
}

// Signature is a recoverable secp256k1 signature in the {r, s, v} (plus
// derived _vs) shape the DSM contract expects.
type Signature struct {
	R   [32]byte
	S   [32]byte
	V   uint8
	VS  [32]byte // s with the recovery bit folded into the top bit, EIP-2098
}

// AttestMessage authorizes the next deposit batch for a module at a
// block when no key conflict was found.
type AttestMessage struct {
	BlockNumber  uint64
	BlockHash    common.Hash
	DepositRoot  common.Hash
	Nonce        uint64
	ModuleID     ModuleID
	Signature    Signature
	Guardian     common.Address
}

// PauseMessage halts deposits for a module at a block when a key
// conflict was found.
type PauseMessage struct {
	BlockNumber     uint64
	ModuleID        ModuleID
	Signature       Signature
	GuardianAddress common.Address
	GuardianIndex   int32
}

// DecisionKind enumerates the three outcomes the orchestrator can reach
// per (block, module).
type DecisionKind int

const (
	DecisionSkip DecisionKind = iota
	DecisionAttest
	DecisionPause
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAttest:
		return "attest"
	case DecisionPause:
		return "pause"
	default:
		return "skip"
	}
}

// Decision is the single outcome the orchestrator produces per module
// per processed block.
type Decision struct {
	Block      BlockRef
	ModuleID   ModuleID
	Kind       DecisionKind
	SkipReason string // populated only when Kind == DecisionSkip
}
