package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/lsd-guardian/guardian/internal/types"
)

type fakePrefixSource struct {
	attest [32]byte
	pause  [32]byte
}

func (f fakePrefixSource) AttestMessagePrefix(ctx context.Context) ([32]byte, error) { return f.attest, nil }
func (f fakePrefixSource) PauseMessagePrefix(ctx context.Context) ([32]byte, error)  { return f.pause, nil }

func testKeyHex(t *testing.T) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	return hexKey, crypto.PubkeyToAddress(key.PublicKey)
}

func TestSignAttestDeterministic(t *testing.T) {
	hexKey, addr := testKeyHex(t)
	prefix := fakePrefixSource{attest: [32]byte{1, 2, 3}}
	s, err := New(hexKey, prefix)
	require.NoError(t, err)
	require.Equal(t, addr, s.Address())

	in := AttestInput{
		DepositRoot: common.HexToHash("0xdeadbeef"),
		Nonce:       5,
		BlockNumber: 1000,
		BlockHash:   common.HexToHash("0xcafe"),
		ModuleID:    1,
	}

	sig1, err := s.SignAttest(context.Background(), in)
	require.NoError(t, err)
	sig2, err := s.SignAttest(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, sig1, sig2, "signing the same input twice must produce the same signature")
}

func TestSignAttestRecoversToWallet(t *testing.T) {
	hexKey, addr := testKeyHex(t)
	prefix := fakePrefixSource{attest: [32]byte{9}}
	s, err := New(hexKey, prefix)
	require.NoError(t, err)

	in := AttestInput{
		DepositRoot: common.HexToHash("0x01"),
		Nonce:       1,
		BlockNumber: 1,
		BlockHash:   common.HexToHash("0x02"),
		ModuleID:    2,
	}
	sig, err := s.SignAttest(context.Background(), in)
	require.NoError(t, err)

	inner := crypto.Keccak256(
		in.DepositRoot[:],
		leftPadUint64(in.Nonce),
		leftPadUint64(in.BlockNumber),
		in.BlockHash[:],
		leftPadUint64(uint64(in.ModuleID)),
	)
	hash := crypto.Keccak256(prefix.attest[:], inner)

	recovered, err := RecoverAddress(hash, sig)
	require.NoError(t, err)
	require.Equal(t, addr, recovered)
}

func TestSignPauseDiffersFromAttest(t *testing.T) {
	hexKey, _ := testKeyHex(t)
	prefix := fakePrefixSource{attest: [32]byte{1}, pause: [32]byte{2}}
	s, err := New(hexKey, prefix)
	require.NoError(t, err)

	attestSig, err := s.SignAttest(context.Background(), AttestInput{BlockNumber: 10, ModuleID: 1})
	require.NoError(t, err)
	pauseSig, err := s.SignPause(context.Background(), PauseInput{BlockNumber: 10, ModuleID: 1})
	require.NoError(t, err)

	require.NotEqual(t, attestSig.R, pauseSig.R)
}

func TestNewInvalidKey(t *testing.T) {
	_, err := New("not-a-hex-key", fakePrefixSource{})
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindConfigInvalid, kind)
}

func TestPrefixCachedOnlyOnce(t *testing.T) {
	hexKey, _ := testKeyHex(t)
	calls := 0
	prefix := &countingPrefixSource{fakePrefixSource: fakePrefixSource{attest: [32]byte{4}}, calls: &calls}
	s, err := New(hexKey, prefix)
	require.NoError(t, err)

	_, err = s.SignAttest(context.Background(), AttestInput{BlockNumber: 1})
	require.NoError(t, err)
	_, err = s.SignAttest(context.Background(), AttestInput{BlockNumber: 2})
	require.NoError(t, err)

	require.Equal(t, 1, calls)
}

type countingPrefixSource struct {
	fakePrefixSource
	calls *int
}

func (c *countingPrefixSource) AttestMessagePrefix(ctx context.Context) ([32]byte, error) {
	*c.calls++
	return c.fakePrefixSource.AttestMessagePrefix(ctx)
}
