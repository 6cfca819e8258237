// Package registry assembles and validates RegistrySnapshots from the
// raw keysapi.Client: pagination, bounded concurrency, duplicate
// detection and freshness checks.
package registry

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/lsd-guardian/guardian/internal/keysapi"
	"github.com/lsd-guardian/guardian/internal/types"
)

// Fetcher is the subset of keysapi.Client the registry depends on,
// narrowed so tests can inject a fake paginator.
type Fetcher interface {
	FetchPage(ctx context.Context, used bool, offset, limit int) ([]keysapi.Key, keysapi.ElBlockSnapshot, error)
}

// Config bundles REGISTRY_KEYS_QUERY_BATCH_SIZE /
// REGISTRY_KEYS_QUERY_CONCURRENCY and the freshness bound.
type Config struct {
	BatchSize    int
	Concurrency  int
	MaxSnapshotLag uint64
}

// Registry fetches the full unused/used key inventory from the Keys
// API and assembles it into a types.RegistrySnapshot.
type Registry struct {
	client Fetcher
	cfg    Config
}

func New(client Fetcher, cfg Config) *Registry {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Registry{client: client, cfg: cfg}
}

// Fetch pulls the complete unused and used key sets from the Keys API,
// validating internal consistency (no duplicate pubkey within a single
// snapshot) but NOT freshness — that is CheckFreshness's job, since it
// needs the current block number, which the caller resolves once per
// orchestrator tick.
func (r *Registry) Fetch(ctx context.Context) (types.RegistrySnapshot, error) {
	unused, unusedSnap, err := r.fetchAll(ctx, false)
	if err != nil {
		return types.RegistrySnapshot{}, err
	}
	used, usedSnap, err := r.fetchAll(ctx, true)
	if err != nil {
		return types.RegistrySnapshot{}, err
	}
	if unusedSnap.BlockNumber != 0 && usedSnap.BlockNumber != 0 && unusedSnap.BlockHash != usedSnap.BlockHash {
		return types.RegistrySnapshot{}, types.Inconsistent("registry.Fetch",
			fmt.Errorf("used/unused pages disagree on elBlockSnapshot (%s vs %s)", unusedSnap.BlockHash, usedSnap.BlockHash))
	}

	snapBlock, err := snapshotBlockRef(unusedSnap)
	if err != nil {
		return types.RegistrySnapshot{}, err
	}

	usedSet := make(map[types.Pubkey]struct{}, len(used))
	for _, k := range used {
		pk, err := parsePubkey(k.Key)
		if err != nil {
			return types.RegistrySnapshot{}, types.Inconsistent("registry.Fetch", err)
		}
		if _, dup := usedSet[pk]; dup {
			return types.RegistrySnapshot{}, types.Inconsistent("registry.Fetch",
				fmt.Errorf("duplicate pubkey %s in used snapshot", pk))
		}
		usedSet[pk] = struct{}{}
	}

	unusedByModule := make(map[types.ModuleID][]types.Pubkey)
	seen := make(map[types.Pubkey]struct{}, len(unused))
	for _, k := range unused {
		pk, err := parsePubkey(k.Key)
		if err != nil {
			return types.RegistrySnapshot{}, types.Inconsistent("registry.Fetch", err)
		}
		if _, dup := seen[pk]; dup {
			return types.RegistrySnapshot{}, types.Inconsistent("registry.Fetch",
				fmt.Errorf("duplicate pubkey %s in unused snapshot", pk))
		}
		seen[pk] = struct{}{}
		mid := types.ModuleID(k.ModuleID)
		unusedByModule[mid] = append(unusedByModule[mid], pk)
	}

	return types.RegistrySnapshot{
		SnapshotBlock: snapBlock,
		Used:          usedSet,
		Unused:        unusedByModule,
	}, nil
}

// fetchAll paginates through every page for a given `used` filter,
// issuing up to cfg.Concurrency page requests concurrently.
func (r *Registry) fetchAll(ctx context.Context, used bool) ([]keysapi.Key, keysapi.ElBlockSnapshot, error) {
	first, snap, err := r.client.FetchPage(ctx, used, 0, r.cfg.BatchSize)
	if err != nil {
		return nil, keysapi.ElBlockSnapshot{}, err
	}
	if len(first) < r.cfg.BatchSize {
		return first, snap, nil
	}

	var (
		mu      sync.Mutex
		pages   = map[int][]keysapi.Key{0: first}
		done    = false
	)
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, r.cfg.Concurrency)

	for page := 1; !done; page++ {
		page := page
		mu.Lock()
		if done {
			mu.Unlock()
			break
		}
		mu.Unlock()

		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			offset := page * r.cfg.BatchSize
			keys, _, err := r.client.FetchPage(gctx, used, offset, r.cfg.BatchSize)
			if err != nil {
				return err
			}
			mu.Lock()
			pages[page] = keys
			if len(keys) < r.cfg.BatchSize {
				done = true
			}
			mu.Unlock()
			return nil
		})

		// Bound the number of in-flight probes: wait for the batch to
		// settle before deciding whether to issue more.
		if page%r.cfg.Concurrency == 0 {
			if err := g.Wait(); err != nil {
				return nil, keysapi.ElBlockSnapshot{}, types.Transient("registry.fetchAll", err)
			}
			g, gctx = errgroup.WithContext(ctx)
		}
	}
	if err := g.Wait(); err != nil {
		return nil, keysapi.ElBlockSnapshot{}, types.Transient("registry.fetchAll", err)
	}

	var out []keysapi.Key
	for i := 0; i < len(pages); i++ {
		out = append(out, pages[i]...)
	}
	return out, snap, nil
}

// CheckFreshness enforces snapshot_block.number >= currentBlock -
// MAX_SNAPSHOT_LAG and, when providerHashAt is non-nil, that the
// provider's canonical hash at that height agrees (the reorg guard in
// §4.1 step 4).
func (r *Registry) CheckFreshness(snap types.RegistrySnapshot, currentBlock uint64, providerHashAt func(uint64) (common.Hash, error)) error {
	if snap.SnapshotBlock.Number+r.cfg.MaxSnapshotLag < currentBlock {
		return types.Stale("registry.CheckFreshness",
			fmt.Errorf("snapshot block %d older than current %d by more than MAX_SNAPSHOT_LAG=%d",
				snap.SnapshotBlock.Number, currentBlock, r.cfg.MaxSnapshotLag))
	}
	if providerHashAt == nil {
		return nil
	}
	want, err := providerHashAt(snap.SnapshotBlock.Number)
	if err != nil {
		return types.Transient("registry.CheckFreshness", err)
	}
	if want != snap.SnapshotBlock.Hash {
		return types.Stale("registry.CheckFreshness",
			fmt.Errorf("snapshot block hash %s does not match provider's canonical hash %s at height %d",
				snap.SnapshotBlock.Hash, want, snap.SnapshotBlock.Number))
	}
	return nil
}

func parsePubkey(hexKey string) (types.Pubkey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return types.Pubkey{}, fmt.Errorf("registry: invalid pubkey hex %q: %w", hexKey, err)
	}
	if len(b) != types.PubkeyLen {
		return types.Pubkey{}, fmt.Errorf("registry: pubkey %q has length %d, want %d", hexKey, len(b), types.PubkeyLen)
	}
	return types.BytesToPubkey(b), nil
}

func snapshotBlockRef(s keysapi.ElBlockSnapshot) (types.BlockRef, error) {
	h := common.HexToHash(s.BlockHash)
	return types.BlockRef{Number: s.BlockNumber, Hash: h, Timestamp: s.Timestamp}, nil
}
