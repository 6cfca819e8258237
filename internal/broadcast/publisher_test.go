package broadcast

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/lsd-guardian/guardian/internal/types"
)

func TestAttestMessageEncodeDecodeRoundTrip(t *testing.T) {
	in := types.AttestMessage{
		DepositRoot: common.HexToHash("0xroot"),
		Nonce:       7,
		BlockNumber: 1000,
		BlockHash:   common.HexToHash("0xhash"),
		ModuleID:    3,
		Signature:   types.Signature{R: [32]byte{1}, VS: [32]byte{2}},
	}
	msg := AttestMessage(common.HexToAddress("0xguardian"), 2, in)
	require.Equal(t, "deposit", msg.Type)

	body, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestPauseMessageHasNoDepositRoot(t *testing.T) {
	in := types.PauseMessage{
		GuardianAddress: common.HexToAddress("0xguardian"),
		GuardianIndex:   1,
		BlockNumber:     55,
		ModuleID:        9,
		Signature:       types.Signature{R: [32]byte{5}, VS: [32]byte{6}},
	}
	msg := PauseMessage(in)
	require.Equal(t, "pause", msg.Type)
	require.Equal(t, common.Hash{}, msg.DepositRoot)
	require.Equal(t, types.ModuleID(9), msg.StakingModuleID)

	body, err := Encode(msg)
	require.NoError(t, err)
	got, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}
