// Package cache implements the deposit-event cache: a segmented,
// persisted, reorg-tolerant store over a single deposit contract's
// historical DepositEvent logs, range-queryable in (block, log_index)
// order.
package cache

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/lsd-guardian/guardian/internal/provider"
	"github.com/lsd-guardian/guardian/internal/types"
)

// DecodeFunc turns one raw log into a DepositEvent. It returns ok=false
// for logs that don't decode to a deposit (defensive; FilterLogs is
// already scoped to the deposit contract + event topic).
type DecodeFunc func(l gethtypes.Log) (ev types.DepositEvent, ok bool, err error)

// Config bundles the tunables named in §2/§4.2 of the spec.
type Config struct {
	Dir                string
	ChainID            uint64
	DepositContract    common.Address
	EventTopic         common.Hash
	FetchWindow        uint64 // FETCH_WINDOW, e.g. 10_000
	FinalizationDepth  uint64 // FINALIZATION_DEPTH
	StartBlock         uint64 // CACHE_START_BLOCK; only consulted on a brand-new cache dir
}

// Cache is the segment-indexed deposit-event store. All mutation goes
// through advance, which is internally serialized: at most one fetch
// is in flight regardless of how many goroutines call AdvanceTo
// concurrently.
type Cache struct {
	cfg     Config
	prov    provider.Provider
	decode  DecodeFunc

	mu       sync.Mutex // serializes advance(); guards everything below
	man      manifest
	head     headState
	unsealed []types.DepositEvent // events in [head.UnsealedFrom, head.Watermark)
}

// Open loads (or initializes) the on-disk cache state in cfg.Dir.
func Open(cfg Config, prov provider.Provider, decode DecodeFunc) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: mkdir %s: %w", cfg.Dir, err)
	}
	man, err := loadManifest(cfg.Dir, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	head, err := loadHead(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if head.UnsealedFrom == 0 && len(man.Segments) > 0 {
		head.UnsealedFrom = man.Segments[len(man.Segments)-1].To
	}
	if head.UnsealedFrom == 0 && head.Watermark == 0 && len(man.Segments) == 0 {
		// Brand-new cache directory: bound the backfill to cfg.StartBlock
		// instead of walking the chain from genesis, per CACHE_START_BLOCK.
		head.UnsealedFrom = cfg.StartBlock
		head.Watermark = cfg.StartBlock
	}
	if head.Watermark < head.UnsealedFrom {
		head.Watermark = head.UnsealedFrom
	}
	unsealed, err := readSegmentFile(filepath.Join(cfg.Dir, unsealedEventsFile))
	if err != nil {
		return nil, fmt.Errorf("cache: reading unsealed events: %w", err)
	}
	c := &Cache{cfg: cfg, prov: prov, decode: decode, man: man, head: head, unsealed: unsealed}
	return c, nil
}

// Watermark returns the current committed upper bound: queries clamp
// to [from, Watermark).
func (c *Cache) Watermark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head.Watermark
}

// AdvanceTo ensures the cache is current up to block number `to`
// (exclusive upper bound). It is idempotent: calling it again with a
// lower or equal `to` is a no-op.
func (c *Cache) AdvanceTo(ctx context.Context, to uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to <= c.head.Watermark {
		return nil
	}
	return c.advanceLocked(ctx, to)
}

// advanceLocked does the real work of bringing the cache from its
// current watermark up to `to`, handling reorgs and window splitting.
// Caller must hold c.mu.
func (c *Cache) advanceLocked(ctx context.Context, to uint64) error {
	if err := c.checkReorgLocked(ctx); err != nil {
		return err
	}

	from := c.head.Watermark
	for from < to {
		window := c.cfg.FetchWindow
		if window == 0 {
			window = 10_000
		}
		end := from + window
		if end > to {
			end = to
		}
		events, tailRef, err := c.fetchWindow(ctx, from, end)
		if err != nil {
			return err
		}
		c.unsealed = append(c.unsealed, events...)
		if end > 0 {
			c.head.TailRefs[end-1] = tailRef
		}
		c.head.Watermark = end
		from = end

		if err := c.persistUnsealedLocked(); err != nil {
			return err
		}
	}

	return c.sealLocked(ctx)
}

// fetchWindow fetches [from, to) in one or more provider calls,
// halving the window (down to a floor of 1 block) whenever the
// provider rejects it as too large, per §4.2.
func (c *Cache) fetchWindow(ctx context.Context, from, to uint64) ([]types.DepositEvent, types.BlockRef, error) {
	events, err := c.fetchRange(ctx, from, to)
	if err != nil {
		if to-from <= 1 {
			return nil, types.BlockRef{}, err
		}
		if !looksLikeRangeTooLarge(err) {
			return nil, types.BlockRef{}, err
		}
		mid := from + (to-from)/2
		left, _, err := c.fetchWindow(ctx, from, mid)
		if err != nil {
			return nil, types.BlockRef{}, err
		}
		right, tail, err := c.fetchWindow(ctx, mid, to)
		if err != nil {
			return nil, types.BlockRef{}, err
		}
		return append(left, right...), tail, nil
	}

	tailRef, err := provider.BlockRefAt(ctx, c.prov, to-1)
	if err != nil {
		return nil, types.BlockRef{}, err
	}
	return events, tailRef, nil
}

func (c *Cache) fetchRange(ctx context.Context, from, to uint64) ([]types.DepositEvent, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to - 1),
		Addresses: []common.Address{c.cfg.DepositContract},
		Topics:    [][]common.Hash{{c.cfg.EventTopic}},
	}
	logs, err := c.prov.FilterLogs(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]types.DepositEvent, 0, len(logs))
	for _, l := range logs {
		ev, ok, err := c.decode(l)
		if err != nil {
			return nil, types.Inconsistent("cache.fetchRange.decode", err)
		}
		if ok {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block.Number != out[j].Block.Number {
			return out[i].Block.Number < out[j].Block.Number
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// checkReorgLocked first verifies the immutable tail of sealed history
// still agrees with the chain (any disagreement there is FATAL, per
// §4.2/§7 — sealed segments are never rewritten), then re-reads the
// BlockRef of the parent of the next range's first block and compares
// it to what the cache's unsealed tail recorded. On mismatch it rolls
// back all unsealed state to the last sealed boundary, so everything
// unsealed is refetched; the exact fork point is not searched for.
func (c *Cache) checkReorgLocked(ctx context.Context) error {
	if err := c.checkSealedBoundaryLocked(ctx); err != nil {
		return err
	}

	if c.head.Watermark == 0 {
		return nil
	}
	parentNum := c.head.Watermark - 1
	want, recorded := c.head.TailRefs[parentNum]
	if !recorded {
		return nil
	}
	got, err := provider.BlockRefAt(ctx, c.prov, parentNum)
	if err != nil {
		return err
	}
	if got.Hash == want.Hash {
		return nil
	}

	log.Warn("deposit cache: reorg detected", "block", parentNum, "cached_hash", want.Hash, "chain_hash", got.Hash)

	lastSealed := uint64(0)
	if n := len(c.man.Segments); n > 0 {
		lastSealed = c.man.Segments[n-1].To
	}
	return c.rollbackToLocked(ctx, lastSealed)
}

// checkSealedBoundaryLocked re-reads the provider's canonical BlockRef
// at the last sealed segment's terminal block and compares it against
// the TerminalBlock recorded when that segment was sealed. This is the
// only check that can catch a reorg deep enough to have rewritten
// sealed history: checking only the unsealed tip (as
// checkReorgLocked's second half does) never reaches this case, since
// during normal operation the unsealed region is non-empty and a
// tip-hash mismatch is indistinguishable from a shallow reorg that
// only needs a rollback. A sealed disagreement is unrecoverable by
// rollback — the segment file itself no longer matches the canonical
// chain — so it is FATAL regardless of what the unsealed tip shows.
func (c *Cache) checkSealedBoundaryLocked(ctx context.Context) error {
	n := len(c.man.Segments)
	if n == 0 {
		return nil
	}
	last := c.man.Segments[n-1]
	if last.To == 0 {
		return nil
	}
	terminalNum := last.To - 1
	got, err := provider.BlockRefAt(ctx, c.prov, terminalNum)
	if err != nil {
		return err
	}
	if got.Hash == last.TerminalBlock.Hash {
		return nil
	}
	return types.Fatal("cache.checkSealedBoundary",
		fmt.Errorf("sealed segment disagreement at block %d: cached %s, chain %s",
			terminalNum, last.TerminalBlock.Hash, got.Hash))
}

// rollbackToLocked discards all unsealed state back to `from` and
// re-establishes the watermark there, so the next advanceLocked call
// refetches the rolled-back range from the (now-corrected) chain.
func (c *Cache) rollbackToLocked(ctx context.Context, from uint64) error {
	log.Warn("deposit cache: rolling back unsealed segments", "to_block", from)

	kept := c.unsealed[:0:0]
	for _, e := range c.unsealed {
		if e.Block.Number < from {
			kept = append(kept, e)
		}
	}
	c.unsealed = kept

	for n := range c.head.TailRefs {
		if n >= from {
			delete(c.head.TailRefs, n)
		}
	}
	c.head.UnsealedFrom = from
	c.head.Watermark = from
	return c.persistUnsealedLocked()
}

// sealLocked moves any unsealed sub-range older than
// head - FINALIZATION_DEPTH into an immutable sealed segment file.
func (c *Cache) sealLocked(ctx context.Context) error {
	if c.head.Watermark < c.cfg.FinalizationDepth {
		return nil
	}
	sealBoundary := c.head.Watermark - c.cfg.FinalizationDepth
	if sealBoundary <= c.head.UnsealedFrom {
		return nil
	}

	var toSeal, remaining []types.DepositEvent
	for _, e := range c.unsealed {
		if e.Block.Number < sealBoundary {
			toSeal = append(toSeal, e)
		} else {
			remaining = append(remaining, e)
		}
	}

	path := segmentPath(c.cfg.Dir, c.head.UnsealedFrom, sealBoundary)
	if err := writeSegmentFile(path, toSeal); err != nil {
		return fmt.Errorf("cache: sealing segment %s: %w", path, err)
	}

	// TailRefs is only populated at fetch-window boundaries (end-1),
	// which sealBoundary-1 rarely coincides with; always re-read the
	// terminal block directly from the provider so TerminalBlock is
	// never silently persisted as the zero BlockRef.
	terminal, err := provider.BlockRefAt(ctx, c.prov, sealBoundary-1)
	if err != nil {
		return fmt.Errorf("cache: resolving terminal block for seal [%d,%d): %w", c.head.UnsealedFrom, sealBoundary, err)
	}
	c.man.Segments = append(c.man.Segments, sealedSegmentMeta{
		From: c.head.UnsealedFrom, To: sealBoundary, TerminalBlock: terminal,
	})
	if err := saveManifest(c.cfg.Dir, c.man); err != nil {
		return err
	}

	for n := range c.head.TailRefs {
		if n < sealBoundary-1 {
			delete(c.head.TailRefs, n)
		}
	}
	c.head.UnsealedFrom = sealBoundary
	c.unsealed = remaining
	return c.persistUnsealedLocked()
}

func (c *Cache) persistUnsealedLocked() error {
	if err := writeSegmentFile(filepath.Join(c.cfg.Dir, unsealedEventsFile), c.unsealed); err != nil {
		return err
	}
	return saveHead(c.cfg.Dir, c.head)
}

// Query returns every DepositEvent in [from, to) in (block_number,
// log_index) order, clamping `to` to the current watermark.
func (c *Cache) Query(ctx context.Context, from, to uint64) ([]types.DepositEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to > c.head.Watermark {
		to = c.head.Watermark
	}
	if from >= to {
		return nil, nil
	}

	var out []types.DepositEvent
	for _, seg := range c.man.Segments {
		segFrom, segTo := seg.From, seg.To
		if segTo <= from || segFrom >= to {
			continue
		}
		events, err := readSegmentFile(segmentPath(c.cfg.Dir, segFrom, segTo))
		if err != nil {
			return nil, fmt.Errorf("cache: reading sealed segment [%d,%d): %w", segFrom, segTo, err)
		}
		for _, e := range events {
			if e.Block.Number >= from && e.Block.Number < to {
				out = append(out, e)
			}
		}
	}
	for _, e := range c.unsealed {
		if e.Block.Number >= from && e.Block.Number < to {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Block.Number != out[j].Block.Number {
			return out[i].Block.Number < out[j].Block.Number
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// Flush persists all in-memory state to disk; called on shutdown.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistUnsealedLocked()
}

// looksLikeRangeTooLarge is a best-effort heuristic over provider
// error strings, matching the handful of phrasings real EL clients use
// when rejecting an eth_getLogs range as too wide (geth, Erigon,
// Alchemy/Infura all phrase this differently and none expose a typed
// error over JSON-RPC).
func looksLikeRangeTooLarge(err error) bool {
	msg := err.Error()
	for _, needle := range []string{
		"query returned more than",
		"range too large",
		"block range",
		"limit exceeded",
		"too many results",
		"exceeds the range",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
