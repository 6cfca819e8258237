package cache

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/lsd-guardian/guardian/internal/provider"
	"github.com/lsd-guardian/guardian/internal/types"
)

// header builds a deterministic, content-addressed header for height n.
// variant perturbs Extra so two headers at the same height hash
// differently, simulating a reorg.
func header(n uint64, variant byte) *gethtypes.Header {
	return &gethtypes.Header{
		Number: new(big.Int).SetUint64(n),
		Extra:  []byte{variant},
		Time:   n,
	}
}

func depositLog(blockNum uint64, index uint) gethtypes.Log {
	return gethtypes.Log{BlockNumber: blockNum, Index: index}
}

// testDecode treats every log as a deposit whose pubkey is derived from
// its block number, so test fixtures don't need real ABI-encoded data.
func testDecode(l gethtypes.Log) (types.DepositEvent, bool, error) {
	var pk types.Pubkey
	pk[0] = byte(l.BlockNumber)
	pk[1] = byte(l.BlockNumber >> 8)
	return types.DepositEvent{
		Pubkey:   pk,
		Block:    types.BlockRef{Number: l.BlockNumber},
		LogIndex: uint32(l.Index),
	}, true, nil
}

func pushChain(f *provider.Fake, upto uint64, variant byte) {
	for n := uint64(0); n <= upto; n++ {
		f.PushHeader(header(n, variant))
	}
}

func TestAdvanceAndQueryRoundTrip(t *testing.T) {
	fake := provider.NewFake(1)
	pushChain(fake, 10, 0)
	fake.SetLogs([]gethtypes.Log{depositLog(2, 0), depositLog(5, 0), depositLog(8, 0)})

	cfg := Config{Dir: t.TempDir(), ChainID: 1, FetchWindow: 1000, FinalizationDepth: 1000}
	c, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)

	require.NoError(t, c.AdvanceTo(context.Background(), 11))
	require.Equal(t, uint64(11), c.Watermark())

	events, err := c.Query(context.Background(), 0, 11)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, uint64(2), events[0].Block.Number)
	require.Equal(t, uint64(5), events[1].Block.Number)
	require.Equal(t, uint64(8), events[2].Block.Number)
}

func TestQueryClampsToWatermark(t *testing.T) {
	fake := provider.NewFake(1)
	pushChain(fake, 20, 0)
	fake.SetLogs([]gethtypes.Log{depositLog(2, 0), depositLog(15, 0)})

	cfg := Config{Dir: t.TempDir(), ChainID: 1, FetchWindow: 1000, FinalizationDepth: 1000}
	c, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)
	require.NoError(t, c.AdvanceTo(context.Background(), 10))

	events, err := c.Query(context.Background(), 0, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1, "the event at block 15 is beyond the watermark and must not be returned")
}

func TestSealingAdvancesUnsealedFrom(t *testing.T) {
	fake := provider.NewFake(1)
	pushChain(fake, 10, 0)
	fake.SetLogs([]gethtypes.Log{depositLog(1, 0), depositLog(4, 0), depositLog(7, 0), depositLog(9, 0)})

	cfg := Config{Dir: t.TempDir(), ChainID: 1, FetchWindow: 1000, FinalizationDepth: 3}
	c, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)
	require.NoError(t, c.AdvanceTo(context.Background(), 10))

	require.Len(t, c.man.Segments, 1)
	require.Equal(t, uint64(0), c.man.Segments[0].From)
	require.Equal(t, uint64(7), c.man.Segments[0].To)
	require.Equal(t, uint64(7), c.head.UnsealedFrom)
	require.Len(t, c.unsealed, 2, "blocks 7 and 9 are newer than the seal boundary and stay unsealed")

	events, err := c.Query(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 4, "query must stitch together sealed segments and the unsealed tail")
}

func TestReopenPersistsState(t *testing.T) {
	dir := t.TempDir()
	fake := provider.NewFake(1)
	pushChain(fake, 10, 0)
	fake.SetLogs([]gethtypes.Log{depositLog(2, 0), depositLog(8, 0)})

	cfg := Config{Dir: dir, ChainID: 1, FetchWindow: 1000, FinalizationDepth: 3}
	c1, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)
	require.NoError(t, c1.AdvanceTo(context.Background(), 10))
	require.NoError(t, c1.Flush())

	c2, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)
	require.Equal(t, c1.Watermark(), c2.Watermark())

	events, err := c2.Query(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestOpenBoundsBackfillToStartBlock(t *testing.T) {
	cfg := Config{Dir: t.TempDir(), ChainID: 1, FetchWindow: 1000, FinalizationDepth: 10, StartBlock: 500}
	c, err := Open(cfg, provider.NewFake(1), testDecode)
	require.NoError(t, err)
	require.Equal(t, uint64(500), c.Watermark())
	require.Equal(t, uint64(500), c.head.UnsealedFrom)
}

func TestAdvanceRollsBackOnShallowReorg(t *testing.T) {
	fake := provider.NewFake(1)
	pushChain(fake, 5, 0)
	fake.SetLogs([]gethtypes.Log{depositLog(3, 0)})

	cfg := Config{Dir: t.TempDir(), ChainID: 1, FetchWindow: 1000, FinalizationDepth: 1000}
	c, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)
	require.NoError(t, c.AdvanceTo(context.Background(), 5))
	require.Equal(t, uint64(5), c.Watermark())

	events, err := c.Query(context.Background(), 0, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Simulate a reorg: block 4's canonical hash changes, and the
	// reorganized chain deposits at block 4 instead of leaving it empty.
	fake.PushHeader(header(4, 1))
	fake.PushHeader(header(6, 0))
	fake.SetLogs([]gethtypes.Log{depositLog(3, 0), depositLog(4, 0)})

	require.NoError(t, c.AdvanceTo(context.Background(), 6))
	require.Equal(t, uint64(6), c.Watermark())

	events, err = c.Query(context.Background(), 0, 6)
	require.NoError(t, err)
	require.Len(t, events, 2, "rollback must discard the stale unsealed events and refetch the corrected range")
}

func TestCheckReorgFatalOnSealedDisagreement(t *testing.T) {
	fake := provider.NewFake(1)
	pushChain(fake, 10, 0)

	// The recorded terminal no longer matches the chain's current view
	// of block 4 (variant 0), simulating a reorg whose effects reached
	// already-sealed history.
	staleRef := types.BlockRef{Number: 4, Hash: common.HexToHash("0xstale")}
	c := &Cache{
		cfg:  Config{FinalizationDepth: 10},
		prov: fake,
		man:  manifest{Segments: []sealedSegmentMeta{{From: 0, To: 5, TerminalBlock: staleRef}}},
		head: headState{
			Watermark:    5,
			UnsealedFrom: 5,
			TailRefs:     map[uint64]types.BlockRef{},
		},
	}

	err := c.checkReorgLocked(context.Background())
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindFatal, kind)
}

// TestDeepReorgPastFinalizationIsFatal exercises the realistic
// running-daemon shape the sealed-disagreement check exists for: seal
// a segment during normal operation, let more blocks land on top of it
// (so the unsealed region is non-empty, as it always is while the
// daemon runs), then rewrite the sealed segment's terminal block.
// Checking only the unsealed tip cannot see this — the tip (block 9)
// still agrees with what was recorded — so the sealed-boundary check
// must catch it independently.
func TestDeepReorgPastFinalizationIsFatal(t *testing.T) {
	fake := provider.NewFake(1)
	pushChain(fake, 10, 0)
	fake.SetLogs([]gethtypes.Log{depositLog(1, 0), depositLog(8, 0)})

	cfg := Config{Dir: t.TempDir(), ChainID: 1, FetchWindow: 1000, FinalizationDepth: 3}
	c, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)
	require.NoError(t, c.AdvanceTo(context.Background(), 10))
	require.Len(t, c.man.Segments, 1, "blocks below 7 should have sealed, 3 behind the watermark of 10")
	require.Equal(t, uint64(7), c.man.Segments[0].To)
	require.NotEqual(t, common.Hash{}, c.man.Segments[0].TerminalBlock.Hash, "terminal block ref must be resolved, not left zero")

	// A deep reorg rewrites block 6 — the sealed segment's terminal
	// block (To-1) — and the chain grows past the old head. The
	// unsealed tip at block 9 is untouched and still matches what was
	// recorded there.
	fake.PushHeader(header(6, 1))
	fake.PushHeader(header(11, 0))

	err = c.AdvanceTo(context.Background(), 11)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindFatal, kind)
}

func TestFlushPersistsUnsealedState(t *testing.T) {
	dir := t.TempDir()
	fake := provider.NewFake(1)
	pushChain(fake, 3, 0)
	fake.SetLogs([]gethtypes.Log{depositLog(1, 0)})

	cfg := Config{Dir: dir, ChainID: 1, FetchWindow: 1000, FinalizationDepth: 1000}
	c, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)
	require.NoError(t, c.AdvanceTo(context.Background(), 3))
	require.NoError(t, c.Flush())

	reopened, err := Open(cfg, fake, testDecode)
	require.NoError(t, err)
	require.Equal(t, uint64(3), reopened.Watermark())
}
