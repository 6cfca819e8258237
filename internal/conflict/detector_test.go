package conflict

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/lsd-guardian/guardian/internal/types"
)

type fakeEvents struct {
	events    []types.DepositEvent
	watermark uint64
}

func (f fakeEvents) Query(ctx context.Context, from, to uint64) ([]types.DepositEvent, error) {
	var out []types.DepositEvent
	for _, e := range f.events {
		if e.Block.Number >= from && e.Block.Number < to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f fakeEvents) Watermark() uint64 { return f.watermark }

func pk(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func TestDetectFindsExactConflict(t *testing.T) {
	wc := [32]byte{1}
	events := fakeEvents{
		events: []types.DepositEvent{
			{Pubkey: pk(1), WC: common.Hash(wc), Block: types.BlockRef{Number: 10}},
			{Pubkey: pk(2), WC: common.Hash([32]byte{2}), Block: types.BlockRef{Number: 11}},
		},
		watermark: 100,
	}
	d := New(events)

	conflicts, err := d.Detect(context.Background(), []types.Pubkey{pk(1), pk(3)}, wc, 100)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.Pubkey{pk(1)}, conflicts)
}

func TestDetectNoConflictWhenWCDiffers(t *testing.T) {
	wc := [32]byte{1}
	events := fakeEvents{
		events: []types.DepositEvent{
			{Pubkey: pk(1), WC: common.Hash([32]byte{9}), Block: types.BlockRef{Number: 10}},
		},
		watermark: 100,
	}
	d := New(events)

	conflicts, err := d.Detect(context.Background(), []types.Pubkey{pk(1)}, wc, 100)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestDetectEmptyUnusedShortCircuits(t *testing.T) {
	d := New(fakeEvents{watermark: 10})
	conflicts, err := d.Detect(context.Background(), nil, [32]byte{}, 10)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestBloomPrefilterNeverCausesFalseNegative(t *testing.T) {
	wc := [32]byte{5}
	var events []types.DepositEvent
	unused := make([]types.Pubkey, 0, 2000)
	for i := 0; i < 2000; i++ {
		p := pk(byte(i))
		p[1] = byte(i >> 8)
		events = append(events, types.DepositEvent{Pubkey: p, WC: common.Hash(wc), Block: types.BlockRef{Number: uint64(i)}})
		unused = append(unused, p)
	}
	fake := fakeEvents{events: events, watermark: 2000}
	d := New(fake)

	conflicts, err := d.Detect(context.Background(), unused, wc, 2000)
	require.NoError(t, err)
	require.Len(t, conflicts, len(unused), "every unused key was also deposited, the prefilter must not drop any")
}

func TestReverifyUsesCurrentWatermark(t *testing.T) {
	wc := [32]byte{1}
	events := fakeEvents{
		events: []types.DepositEvent{
			{Pubkey: pk(1), WC: common.Hash(wc), Block: types.BlockRef{Number: 50}},
		},
		watermark: 51,
	}
	d := New(events)

	conflicts, err := d.Reverify(context.Background(), []types.Pubkey{pk(1)}, wc)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.Pubkey{pk(1)}, conflicts)
}
