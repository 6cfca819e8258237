// Package orchestrator drives the guardian daemon's per-block loop
// (§4.1): resolve the confirmed block, probe guardian context, bring
// the deposit event cache current, fetch and validate the registry
// snapshot, detect key conflicts per module, and sign/publish the
// resulting attest-or-pause decision.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/lsd-guardian/guardian/internal/broadcast"
	"github.com/lsd-guardian/guardian/internal/metrics"
	"github.com/lsd-guardian/guardian/internal/provider"
	"github.com/lsd-guardian/guardian/internal/signer"
	"github.com/lsd-guardian/guardian/internal/types"
)

// EventCache is the subset of *cache.Cache the loop needs, narrowed so
// tests can inject a fake.
type EventCache interface {
	AdvanceTo(ctx context.Context, to uint64) error
	Watermark() uint64
	Flush() error
}

// Registry is the subset of *registry.Registry the loop needs.
type Registry interface {
	Fetch(ctx context.Context) (types.RegistrySnapshot, error)
	CheckFreshness(snap types.RegistrySnapshot, currentBlock uint64, providerHashAt func(uint64) (common.Hash, error)) error
}

// Detector is the subset of *conflict.Detector the loop needs.
type Detector interface {
	Detect(ctx context.Context, unused []types.Pubkey, moduleWC [32]byte, upTo uint64) ([]types.Pubkey, error)
	Reverify(ctx context.Context, unused []types.Pubkey, moduleWC [32]byte) ([]types.Pubkey, error)
}

// Signer is the subset of *signer.Signer the loop needs.
type Signer interface {
	Address() common.Address
	SignAttest(ctx context.Context, in signer.AttestInput) (types.Signature, error)
	SignPause(ctx context.Context, in signer.PauseInput) (types.Signature, error)
}

// ModuleSource reads per-module on-chain state and which withdrawal
// credentials belong to it.
type ModuleSource interface {
	ModuleIDs(ctx context.Context) ([]types.ModuleID, error)
	ModuleState(ctx context.Context, id types.ModuleID) (types.StakingModuleState, error)
}

// ModuleWCResolver returns the withdrawal credentials a module's
// deposits are expected to carry. Kept separate from ModuleSource so
// the caller decides how the module id maps to credentials; cmd/guardian
// wires it to the StakingRouter's protocol-wide getWithdrawalCredentials
// read and ignores the id.
type ModuleWCResolver func(ctx context.Context, id types.ModuleID) ([32]byte, error)

// DepositRootResolver reads the deposit contract's current Merkle
// deposit root, the value every AttestMessage signs over.
type DepositRootResolver func(ctx context.Context) (common.Hash, error)

// GuardianSource is the subset of *contracts.DSM the loop needs to
// probe this wallet's standing in the guardian set.
type GuardianSource interface {
	GetGuardians(ctx context.Context) ([]common.Address, error)
}

// PauseSubmitter is the subset of *broadcast.PauseSubmitter the loop
// needs.
type PauseSubmitter interface {
	State(module types.ModuleID) broadcast.PauseState
	Submit(ctx context.Context, opts *bind.TransactOpts, blockNumber uint64, module types.ModuleID, sig types.Signature) error
}

// TransactOptsFactory builds fresh TransactOpts (nonce, gas price) for
// a pause submission; separated out so the orchestrator never touches
// the wallet's signing key directly.
type TransactOptsFactory func(ctx context.Context) (*bind.TransactOpts, error)

// Config bundles the tunables the loop itself reads (beyond what its
// collaborators already encapsulate).
type Config struct {
	ConfirmationDepth uint64
}

// Orchestrator ties every component together into the block loop.
type Orchestrator struct {
	cfg Config

	prov     provider.Provider
	cache    EventCache
	registry Registry
	detector Detector
	signer   Signer
	modules  ModuleSource
	moduleWC ModuleWCResolver
	depositRoot DepositRootResolver
	dsm      GuardianSource
	pauser   PauseSubmitter
	txOpts   TransactOptsFactory
	pub      broadcast.Publisher

	mu           sync.Mutex // serializes ProcessBlock; a second call during processing blocks until the first returns
	lastDecision map[types.ModuleID]types.Decision
	health       HealthRecorder
}

// HealthRecorder is the subset of *health.Recorder the loop needs;
// narrowed to an interface so wiring it is optional (nil is valid: the
// loop simply skips readiness bookkeeping) and so tests don't need the
// health package.
type HealthRecorder interface {
	RecordTick(block types.BlockRef, cacheWatermark uint64, guardianIndex int32)
	RecordDecision(d types.Decision)
}

// SetHealthRecorder wires an optional readiness recorder; called once
// during construction in cmd/guardian, kept separate from New so the
// many existing call sites/tests building an Orchestrator don't need a
// new constructor parameter.
func (o *Orchestrator) SetHealthRecorder(h HealthRecorder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.health = h
}

func New(
	cfg Config,
	prov provider.Provider,
	cache EventCache,
	reg Registry,
	det Detector,
	sgn Signer,
	modules ModuleSource,
	moduleWC ModuleWCResolver,
	depositRoot DepositRootResolver,
	dsm GuardianSource,
	pauser PauseSubmitter,
	txOpts TransactOptsFactory,
	pub broadcast.Publisher,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		prov:         prov,
		cache:        cache,
		registry:     reg,
		detector:     det,
		signer:       sgn,
		modules:      modules,
		moduleWC:     moduleWC,
		depositRoot:  depositRoot,
		dsm:          dsm,
		pauser:       pauser,
		txOpts:       txOpts,
		pub:          pub,
		lastDecision: make(map[types.ModuleID]types.Decision),
	}
}

// ProcessBlock runs one full iteration of §4.1's 8-step algorithm
// against the chain's current head, returning the decisions reached
// per module. The mutex means a second call overlapping with one in
// flight simply blocks rather than racing the cache/signer — callers
// coalesce new-block notifications to "process the latest head" and
// let ProcessBlock serialize the rest.
func (o *Orchestrator) ProcessBlock(ctx context.Context) ([]types.Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	head, err := o.prov.BlockNumber(ctx)
	if err != nil {
		metrics.LoopErrors.Inc(1)
		return nil, err
	}
	if head < o.cfg.ConfirmationDepth {
		return nil, nil
	}
	bNumber := head - o.cfg.ConfirmationDepth
	b, err := provider.BlockRefAt(ctx, o.prov, bNumber)
	if err != nil {
		metrics.LoopErrors.Inc(1)
		return nil, err
	}

	identity, err := o.probeGuardianIdentity(ctx)
	if err != nil {
		metrics.LoopErrors.Inc(1)
		return nil, err
	}
	metrics.GuardianIndex.Update(int64(identity.Index))

	if err := o.cache.AdvanceTo(ctx, b.Number+1); err != nil {
		metrics.LoopErrors.Inc(1)
		return nil, err
	}
	metrics.CacheWatermark.Update(int64(o.cache.Watermark()))
	if o.health != nil {
		o.health.RecordTick(b, o.cache.Watermark(), identity.Index)
	}

	snap, err := o.registry.Fetch(ctx)
	if err != nil {
		metrics.LoopErrors.Inc(1)
		return nil, err
	}
	metrics.SnapshotLag.Update(int64(b.Number) - int64(snap.SnapshotBlock.Number))

	providerHashAt := func(n uint64) (common.Hash, error) {
		ref, err := provider.BlockRefAt(ctx, o.prov, n)
		return ref.Hash, err
	}
	freshnessErr := o.registry.CheckFreshness(snap, b.Number, providerHashAt)

	moduleIDs, err := o.modules.ModuleIDs(ctx)
	if err != nil {
		metrics.LoopErrors.Inc(1)
		return nil, err
	}
	sort.Slice(moduleIDs, func(i, j int) bool { return moduleIDs[i] < moduleIDs[j] })

	decisions := make([]types.Decision, 0, len(moduleIDs))
	for _, id := range moduleIDs {
		d, err := o.processModule(ctx, b, identity, snap, freshnessErr, id)
		if err != nil {
			log.Error("orchestrator: module processing failed", "module", id, "block", b.Number, "err", err)
			metrics.LoopErrors.Inc(1)
			continue
		}
		decisions = append(decisions, d)
		o.lastDecision[id] = d
		if o.health != nil {
			o.health.RecordDecision(d)
		}
	}

	metrics.BlocksProcessed.Inc(1)
	return decisions, nil
}

func (o *Orchestrator) processModule(
	ctx context.Context,
	b types.BlockRef,
	identity types.GuardianIdentity,
	snap types.RegistrySnapshot,
	freshnessErr error,
	id types.ModuleID,
) (types.Decision, error) {
	dec := types.Decision{Block: b, ModuleID: id, Kind: types.DecisionSkip}

	if !identity.IsGuardian() {
		dec.SkipReason = "not_guardian"
		metrics.SkippedBlocks.Inc(1)
		return dec, nil
	}

	state, err := o.modules.ModuleState(ctx, id)
	if err != nil {
		return dec, fmt.Errorf("orchestrator.processModule: reading module state: %w", err)
	}
	if !state.IsActive {
		dec.SkipReason = "module_inactive"
		metrics.SkippedBlocks.Inc(1)
		return dec, nil
	}

	if freshnessErr != nil {
		dec.SkipReason = "stale_snapshot"
		metrics.SkippedBlocks.Inc(1)
		log.Warn("orchestrator: skipping module, registry snapshot not fresh enough", "module", id, "err", freshnessErr)
		return dec, nil
	}

	wc, err := o.moduleWC(ctx, id)
	if err != nil {
		return dec, fmt.Errorf("orchestrator.processModule: resolving module withdrawal credentials: %w", err)
	}

	unused := snap.Unused[id]
	conflicts, err := o.detector.Detect(ctx, unused, wc, o.cache.Watermark())
	if err != nil {
		return dec, fmt.Errorf("orchestrator.processModule: detecting conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		return o.attest(ctx, b, identity, state, id, dec)
	}

	metrics.ConflictsDetected.Inc(int64(len(conflicts)))
	return o.pause(ctx, b, identity, state, unused, wc, id, dec)
}

func (o *Orchestrator) attest(ctx context.Context, b types.BlockRef, identity types.GuardianIdentity, state types.StakingModuleState, id types.ModuleID, dec types.Decision) (types.Decision, error) {
	root, err := o.depositRoot(ctx)
	if err != nil {
		return dec, fmt.Errorf("orchestrator.attest: reading deposit root: %w", err)
	}

	sig, err := o.signer.SignAttest(ctx, signer.AttestInput{
		DepositRoot: root,
		Nonce:       state.Nonce,
		BlockNumber: b.Number,
		BlockHash:   b.Hash,
		ModuleID:    id,
	})
	if err != nil {
		return dec, fmt.Errorf("orchestrator.attest: signing: %w", err)
	}

	msg := types.AttestMessage{
		BlockNumber: b.Number,
		BlockHash:   b.Hash,
		DepositRoot: root,
		Nonce:       state.Nonce,
		ModuleID:    id,
		Signature:   sig,
		Guardian:    identity.Address,
	}
	if err := o.pub.Publish(ctx, broadcast.AttestMessage(identity.Address, identity.Index, msg)); err != nil {
		return dec, fmt.Errorf("orchestrator.attest: publishing: %w", err)
	}

	metrics.AttestationsSigned.Inc(1)
	dec.Kind = types.DecisionAttest
	return dec, nil
}

func (o *Orchestrator) pause(ctx context.Context, b types.BlockRef, identity types.GuardianIdentity, state types.StakingModuleState, unused []types.Pubkey, wc [32]byte, id types.ModuleID, dec types.Decision) (types.Decision, error) {
	// Double-check rule (§4.4): re-run detection against the freshest
	// watermark immediately before signing, since cache.AdvanceTo may
	// have advanced further while the registry/module reads above were
	// in flight.
	conflicts, err := o.detector.Reverify(ctx, unused, wc)
	if err != nil {
		return dec, fmt.Errorf("orchestrator.pause: reverifying: %w", err)
	}
	if len(conflicts) == 0 {
		return o.attest(ctx, b, identity, state, id, dec)
	}

	sig, err := o.signer.SignPause(ctx, signer.PauseInput{BlockNumber: b.Number, ModuleID: id})
	if err != nil {
		return dec, fmt.Errorf("orchestrator.pause: signing: %w", err)
	}

	msg := types.PauseMessage{
		BlockNumber:     b.Number,
		ModuleID:        id,
		Signature:       sig,
		GuardianAddress: identity.Address,
		GuardianIndex:   identity.Index,
	}
	if err := o.pub.Publish(ctx, broadcast.PauseMessage(msg)); err != nil {
		return dec, fmt.Errorf("orchestrator.pause: publishing: %w", err)
	}

	if o.pauser != nil && o.pauser.State(id) != broadcast.PauseOnChainPending {
		opts, err := o.txOpts(ctx)
		if err != nil {
			return dec, fmt.Errorf("orchestrator.pause: building transact opts: %w", err)
		}
		if err := o.pauser.Submit(ctx, opts, b.Number, id, sig); err != nil {
			log.Error("orchestrator: on-chain pause submission failed", "module", id, "block", b.Number, "err", err)
			metrics.PauseFailures.Inc(1)
		} else {
			metrics.PausesSubmitted.Inc(1)
		}
	}

	dec.Kind = types.DecisionPause
	return dec, nil
}

// probeGuardianIdentity reads the current guardian set from the DSM
// and resolves this wallet's index in it, -1 meaning not a member.
func (o *Orchestrator) probeGuardianIdentity(ctx context.Context) (types.GuardianIdentity, error) {
	addr := o.signer.Address()
	guardians, err := o.dsm.GetGuardians(ctx)
	if err != nil {
		return types.GuardianIdentity{}, fmt.Errorf("orchestrator.probeGuardianIdentity: %w", err)
	}
	for i, g := range guardians {
		if g == addr {
			return types.GuardianIdentity{Address: addr, Index: int32(i)}, nil
		}
	}
	return types.GuardianIdentity{Address: addr, Index: -1}, nil
}

// LastDecision returns the most recent decision reached for a module,
// for operator visibility; the zero Decision means none has been
// reached yet.
func (o *Orchestrator) LastDecision(id types.ModuleID) types.Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastDecision[id]
}

// Shutdown flushes the cache once the current (if any) ProcessBlock
// call has returned; acquiring the mutex is what makes this wait for
// an in-flight iteration, including any pause left OnChainPending,
// before persisting.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.Flush()
}
