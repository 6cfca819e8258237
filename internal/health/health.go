// Package health tracks a liveness/readiness snapshot of the guardian
// daemon's block loop for an external HTTP probe to read (the probe
// itself, like the message bus and Keys API, is out of scope here; see
// spec.md §1). It never serves HTTP — it is a concurrency-safe
// recorder the orchestrator's driving loop updates after every tick.
package health

import (
	"sync"
	"time"

	"github.com/lsd-guardian/guardian/internal/types"
)

// Status is a single named check's last observed state, mirroring the
// OK/ERROR string convention the example corpus's own health endpoint
// uses rather than a bare bool, so a probe response can carry the
// failure reason inline.
type Status struct {
	OK      bool
	Detail  string
	Updated time.Time
}

// Snapshot is the full readiness picture at a point in time.
type Snapshot struct {
	LastBlock      types.BlockRef
	LastTick       time.Time
	CacheWatermark uint64
	GuardianIndex  int32
	Modules        map[types.ModuleID]Status
}

// Recorder accumulates the snapshot as the block loop runs. Zero value
// is ready to use; Snapshot() before the first tick returns an empty,
// not-ready Snapshot.
type Recorder struct {
	mu   sync.Mutex
	snap Snapshot
}

func New() *Recorder {
	return &Recorder{snap: Snapshot{Modules: make(map[types.ModuleID]Status)}}
}

// RecordTick updates the block/cache/guardian fields after one
// orchestrator iteration, independent of per-module outcomes.
func (r *Recorder) RecordTick(block types.BlockRef, cacheWatermark uint64, guardianIndex int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.LastBlock = block
	r.snap.LastTick = now()
	r.snap.CacheWatermark = cacheWatermark
	r.snap.GuardianIndex = guardianIndex
}

// RecordDecision folds one module's Decision into its readiness
// status: Skip is reported as an error detail, Attest/Pause as OK, so a
// probe watching a single module can alert on a string of skips
// without the daemon needing to classify severity itself.
func (r *Recorder) RecordDecision(d types.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Modules == nil {
		r.snap.Modules = make(map[types.ModuleID]Status)
	}
	st := Status{Updated: now()}
	switch d.Kind {
	case types.DecisionSkip:
		st.OK = false
		st.Detail = d.SkipReason
	default:
		st.OK = true
		st.Detail = d.Kind.String()
	}
	r.snap.Modules[d.ModuleID] = st
}

// Snapshot returns a copy of the current readiness picture.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.snap
	out.Modules = make(map[types.ModuleID]Status, len(r.snap.Modules))
	for k, v := range r.snap.Modules {
		out.Modules[k] = v
	}
	return out
}

// Ready reports whether the loop has completed at least one tick
// recently enough that an external prober should consider the process
// alive; staleness itself (what "recently" means) is the prober's
// policy, so this only reports whether a tick has ever landed.
func (r *Recorder) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.snap.LastTick.IsZero()
}

// now is its own function so tests can override determinism concerns
// if ever needed; kept trivial since health is observational only.
var now = time.Now
