// Package conflict implements the exact intersection between a
// registry's unused key set and a staking module's deposited keys, with
// an approximate bloom-filter prefilter to short-circuit the common
// no-conflict case.
package conflict

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/bloomfilter/v2"

	"github.com/lsd-guardian/guardian/internal/types"
)

// EventSource is the subset of the deposit-event cache the detector
// needs: a range query plus the current watermark, narrowed to an
// interface so the double-check rule in §4.4 can re-read the watermark
// at signing time without the detector depending on cache internals.
type EventSource interface {
	Query(ctx context.Context, from, to uint64) ([]types.DepositEvent, error)
	Watermark() uint64
}

// Detector computes the conflict set for a module: which of its
// unused registry keys have already appeared in a deposit event whose
// withdrawal credential matches the module.
type Detector struct {
	events EventSource
}

func New(events EventSource) *Detector {
	return &Detector{events: events}
}

// Detect returns the subset of `unused` that appear in any deposit
// event in [0, upTo) whose WC equals moduleWC. It is exact: the bloom
// filter below is only ever used to decide whether the expensive exact
// pass can be skipped, never to decide the final answer.
func (d *Detector) Detect(ctx context.Context, unused []types.Pubkey, moduleWC [32]byte, upTo uint64) ([]types.Pubkey, error) {
	if len(unused) == 0 {
		return nil, nil
	}

	events, err := d.events.Query(ctx, 0, upTo)
	if err != nil {
		return nil, fmt.Errorf("conflict.Detect: querying cache: %w", err)
	}

	filter, err := buildFilter(events, moduleWC)
	if err != nil {
		return nil, fmt.Errorf("conflict.Detect: building prefilter: %w", err)
	}

	candidates := unused
	if filter != nil {
		candidates = candidates[:0:0]
		for _, pk := range unused {
			if filter.Contains(pubkeyHash(pk)) {
				candidates = append(candidates, pk)
			}
		}
		if len(candidates) == 0 {
			return nil, nil
		}
	}

	wcHash := common.Hash(moduleWC)
	deposited := make(map[types.Pubkey]struct{}, len(events))
	for _, e := range events {
		if e.WC == wcHash {
			deposited[e.Pubkey] = struct{}{}
		}
	}

	var conflicts []types.Pubkey
	for _, pk := range candidates {
		if _, ok := deposited[pk]; ok {
			conflicts = append(conflicts, pk)
		}
	}
	return conflicts, nil
}

// Reverify re-runs Detect against the cache's watermark at the moment
// of calling, implementing the "double-check rule" in §4.4: before
// signing a pause, the detector must use the freshest watermark, not a
// stale one captured earlier in the block's processing.
func (d *Detector) Reverify(ctx context.Context, unused []types.Pubkey, moduleWC [32]byte) ([]types.Pubkey, error) {
	return d.Detect(ctx, unused, moduleWC, d.events.Watermark())
}

// buildFilter builds an approximate bloom filter over every deposited
// pubkey matching moduleWC, sized generously to keep the false
// positive rate low; nil is returned (disabling the prefilter) for
// tiny event sets where building one isn't worth it.
func buildFilter(events []types.DepositEvent, moduleWC [32]byte) (*bloomfilter.Filter, error) {
	if len(events) < 1024 {
		return nil, nil
	}
	m, k := bloomfilter.Optimal(uint64(len(events)), 1e-6)
	f, err := bloomfilter.New(m, k)
	if err != nil {
		return nil, err
	}
	wcHash := common.Hash(moduleWC)
	for _, e := range events {
		if e.WC == wcHash {
			f.Add(pubkeyHash(e.Pubkey))
		}
	}
	return f, nil
}

func pubkeyHash(pk types.Pubkey) *bloomKey {
	return &bloomKey{b: pk}
}

// bloomKey adapts a Pubkey to bloomfilter.Filter's hash.Hash64 key
// interface, hashing the 48 bytes with 64-bit FNV-1a — cheap and
// uniform enough for a prefilter, never relied on for correctness.
type bloomKey struct {
	b types.Pubkey
}

func (k *bloomKey) Write(p []byte) (int, error) { return len(p), nil }
func (k *bloomKey) Sum(b []byte) []byte         { return append(b, k.b[:]...) }
func (k *bloomKey) Reset()                      {}
func (k *bloomKey) Size() int                   { return types.PubkeyLen }
func (k *bloomKey) BlockSize() int              { return types.PubkeyLen }
func (k *bloomKey) Sum64() uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range k.b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}
