// Package metrics exposes the guardian daemon's runtime counters and
// gauges through go-ethereum's metrics registry, the same registry
// cmd/geth itself reports through (InfluxDB/expvar/Prometheus
// reporters all read from it).
package metrics

import (
	gethmetrics "github.com/ethereum/go-ethereum/metrics"
)

var (
	// BlocksProcessed counts orchestrator loop iterations that got
	// through to the per-module stage, whether or not any module
	// reached a decision.
	BlocksProcessed = gethmetrics.NewRegisteredCounter("guardian/blocks/processed", nil)

	// ConflictsDetected counts distinct pubkeys found to be both
	// unused in a module and already deposited against its withdrawal
	// credentials.
	ConflictsDetected = gethmetrics.NewRegisteredCounter("guardian/conflicts/detected", nil)

	// AttestationsSigned counts attest messages signed and published.
	AttestationsSigned = gethmetrics.NewRegisteredCounter("guardian/attestations/signed", nil)

	// PausesSubmitted counts pauseDeposits transactions broadcast
	// on-chain (including ones that resolved to "already paused").
	PausesSubmitted = gethmetrics.NewRegisteredCounter("guardian/pauses/submitted", nil)

	// PauseFailures counts failed pause submission attempts.
	PauseFailures = gethmetrics.NewRegisteredCounter("guardian/pauses/failures", nil)

	// SkippedBlocks counts Skip decisions, one per skipped module per
	// block (stale snapshot, guardian not in set, module inactive).
	SkippedBlocks = gethmetrics.NewRegisteredCounter("guardian/blocks/skipped", nil)

	// CacheWatermark is the deposit event cache's watermark: the
	// exclusive upper bound of the block range it has fully ingested.
	CacheWatermark = gethmetrics.NewRegisteredGauge("guardian/cache/watermark", nil)

	// SnapshotLag is currentBlock - snapshotBlock.number for the most
	// recently fetched registry snapshot.
	SnapshotLag = gethmetrics.NewRegisteredGauge("guardian/registry/snapshot_lag", nil)

	// GuardianIndex is the guardian's index in the current guardian
	// set, or -1 when not a member.
	GuardianIndex = gethmetrics.NewRegisteredGauge("guardian/identity/index", nil)

	// LoopErrors counts orchestrator errors: once for each iteration
	// that returns an error, and once for each module whose processing
	// failed within an iteration.
	LoopErrors = gethmetrics.NewRegisteredCounter("guardian/loop/errors", nil)
)
