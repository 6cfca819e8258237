package health

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/lsd-guardian/guardian/internal/types"
)

func TestRecorderNotReadyBeforeFirstTick(t *testing.T) {
	r := New()
	require.False(t, r.Ready())
	require.True(t, r.Snapshot().LastTick.IsZero())
}

func TestRecorderTickAndDecision(t *testing.T) {
	r := New()
	block := types.BlockRef{Number: 100, Hash: common.HexToHash("0x1")}

	r.RecordTick(block, 90, 2)
	require.True(t, r.Ready())

	snap := r.Snapshot()
	require.Equal(t, block, snap.LastBlock)
	require.Equal(t, uint64(90), snap.CacheWatermark)
	require.Equal(t, int32(2), snap.GuardianIndex)

	r.RecordDecision(types.Decision{ModuleID: 1, Kind: types.DecisionAttest})
	r.RecordDecision(types.Decision{ModuleID: 2, Kind: types.DecisionSkip, SkipReason: "stale_registry_snapshot"})

	snap = r.Snapshot()
	require.True(t, snap.Modules[1].OK)
	require.False(t, snap.Modules[2].OK)
	require.Equal(t, "stale_registry_snapshot", snap.Modules[2].Detail)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := New()
	r.RecordDecision(types.Decision{ModuleID: 1, Kind: types.DecisionAttest})

	snap := r.Snapshot()
	snap.Modules[1] = Status{OK: false, Detail: "mutated"}

	fresh := r.Snapshot()
	require.True(t, fresh.Modules[1].OK)
}
