package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/lsd-guardian/guardian/internal/keysapi"
	"github.com/lsd-guardian/guardian/internal/types"
)

func hexKey(b byte) string {
	raw := make([]byte, types.PubkeyLen)
	raw[0] = b
	return "0x" + common.Bytes2Hex(raw)
}

// fakeFetcher serves fixed pages, independent per `used` filter, so
// tests can exercise pagination without a real Keys API.
type fakeFetcher struct {
	unusedPages [][]keysapi.Key
	usedPages   [][]keysapi.Key
	snap        keysapi.ElBlockSnapshot
	usedSnap    keysapi.ElBlockSnapshot
	calls       int
	errOnPage   int
}

func (f *fakeFetcher) FetchPage(ctx context.Context, used bool, offset, limit int) ([]keysapi.Key, keysapi.ElBlockSnapshot, error) {
	f.calls++
	page := offset / limit
	if f.errOnPage != 0 && page == f.errOnPage {
		return nil, keysapi.ElBlockSnapshot{}, fmt.Errorf("simulated transport failure on page %d", page)
	}
	pages := f.unusedPages
	snap := f.snap
	if used {
		pages = f.usedPages
		snap = f.usedSnap
	}
	if page >= len(pages) {
		return nil, snap, nil
	}
	return pages[page], snap, nil
}

func TestFetchAssemblesSnapshotByModule(t *testing.T) {
	snap := keysapi.ElBlockSnapshot{BlockNumber: 100, BlockHash: common.HexToHash("0xaa").Hex()}
	f := &fakeFetcher{
		unusedPages: [][]keysapi.Key{{
			{Key: hexKey(1), ModuleID: 1},
			{Key: hexKey(2), ModuleID: 2},
		}},
		usedPages: [][]keysapi.Key{{
			{Key: hexKey(3), ModuleID: 1, Used: true},
		}},
		snap:     snap,
		usedSnap: snap,
	}
	r := New(f, Config{BatchSize: 500})

	got, err := r.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), got.SnapshotBlock.Number)
	require.Len(t, got.Unused[types.ModuleID(1)], 1)
	require.Len(t, got.Unused[types.ModuleID(2)], 1)
	require.Contains(t, got.Used, types.BytesToPubkey(mustDecode(hexKey(3))))
}

func TestFetchRejectsDuplicatePubkeyInUnused(t *testing.T) {
	snap := keysapi.ElBlockSnapshot{BlockNumber: 1}
	f := &fakeFetcher{
		unusedPages: [][]keysapi.Key{{
			{Key: hexKey(1), ModuleID: 1},
			{Key: hexKey(1), ModuleID: 2},
		}},
		snap:     snap,
		usedSnap: snap,
	}
	r := New(f, Config{BatchSize: 500})

	_, err := r.Fetch(context.Background())
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindInconsistent, kind)
}

func TestFetchRejectsUsedUnusedSnapshotDisagreement(t *testing.T) {
	f := &fakeFetcher{
		unusedPages: [][]keysapi.Key{{{Key: hexKey(1), ModuleID: 1}}},
		usedPages:   [][]keysapi.Key{{{Key: hexKey(2), ModuleID: 1, Used: true}}},
		snap:        keysapi.ElBlockSnapshot{BlockNumber: 100, BlockHash: common.HexToHash("0xaa").Hex()},
		usedSnap:    keysapi.ElBlockSnapshot{BlockNumber: 100, BlockHash: common.HexToHash("0xbb").Hex()},
	}
	r := New(f, Config{BatchSize: 500})

	_, err := r.Fetch(context.Background())
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindInconsistent, kind)
}

func TestFetchAllPaginatesAcrossPages(t *testing.T) {
	snap := keysapi.ElBlockSnapshot{BlockNumber: 5}
	page0 := make([]keysapi.Key, 2)
	for i := range page0 {
		page0[i] = keysapi.Key{Key: hexKey(byte(i + 1)), ModuleID: 1}
	}
	page1 := []keysapi.Key{{Key: hexKey(10), ModuleID: 1}}
	f := &fakeFetcher{
		unusedPages: [][]keysapi.Key{page0, page1},
		usedPages:   [][]keysapi.Key{{}},
		snap:        snap,
		usedSnap:    snap,
	}
	r := New(f, Config{BatchSize: 2, Concurrency: 2})

	got, err := r.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Unused[types.ModuleID(1)], 3)
}

func TestCheckFreshnessRejectsStaleSnapshot(t *testing.T) {
	r := New(&fakeFetcher{}, Config{MaxSnapshotLag: 10})
	snap := types.RegistrySnapshot{SnapshotBlock: types.BlockRef{Number: 100}}

	err := r.CheckFreshness(snap, 200, nil)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindStale, kind)
}

func TestCheckFreshnessAcceptsWithinLag(t *testing.T) {
	r := New(&fakeFetcher{}, Config{MaxSnapshotLag: 10})
	snap := types.RegistrySnapshot{SnapshotBlock: types.BlockRef{Number: 195, Hash: common.HexToHash("0x01")}}

	err := r.CheckFreshness(snap, 200, func(n uint64) (common.Hash, error) {
		return common.HexToHash("0x01"), nil
	})
	require.NoError(t, err)
}

func TestCheckFreshnessRejectsProviderHashDisagreement(t *testing.T) {
	r := New(&fakeFetcher{}, Config{MaxSnapshotLag: 10})
	snap := types.RegistrySnapshot{SnapshotBlock: types.BlockRef{Number: 195, Hash: common.HexToHash("0x01")}}

	err := r.CheckFreshness(snap, 200, func(n uint64) (common.Hash, error) {
		return common.HexToHash("0x02"), nil
	})
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindStale, kind)
}

func mustDecode(hexStr string) []byte {
	return common.FromHex(hexStr)
}
