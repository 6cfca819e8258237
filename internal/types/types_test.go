package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestBlockRefIsZero(t *testing.T) {
	require.True(t, BlockRef{}.IsZero())
	require.False(t, BlockRef{Number: 1}.IsZero())
	require.False(t, BlockRef{Hash: common.HexToHash("0x01")}.IsZero())
}

func TestBytesToPubkey(t *testing.T) {
	raw := make([]byte, PubkeyLen)
	for i := range raw {
		raw[i] = byte(i)
	}
	pk := BytesToPubkey(raw)
	require.Equal(t, raw, pk[:])
}

func TestGuardianIdentityIsGuardian(t *testing.T) {
	require.True(t, GuardianIdentity{Index: 0}.IsGuardian())
	require.True(t, GuardianIdentity{Index: 3}.IsGuardian())
	require.False(t, GuardianIdentity{Index: -1}.IsGuardian())
}

func TestDecisionKindString(t *testing.T) {
	require.Equal(t, "skip", DecisionSkip.String())
	require.Equal(t, "attest", DecisionAttest.String())
	require.Equal(t, "pause", DecisionPause.String())
}

func TestDepositEventKey(t *testing.T) {
	ev := DepositEvent{
		Block:    BlockRef{Hash: common.HexToHash("0xabc")},
		LogIndex: 7,
	}
	hash, idx := ev.Key()
	require.Equal(t, common.HexToHash("0xabc"), hash)
	require.Equal(t, uint32(7), idx)
}
