package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lsd-guardian/guardian/internal/types"
)

// sealedSegmentMeta is one entry in manifest.json: a sealed, immutable
// [From, To) range together with the canonical BlockRef of its last
// block, so a later disagreement can be detected without re-reading
// the segment file.
type sealedSegmentMeta struct {
	From           uint64         `json:"from"`
	To             uint64         `json:"to"`
	TerminalBlock  types.BlockRef `json:"terminal_block"`
}

type manifest struct {
	ChainID  uint64              `json:"chain_id"`
	Segments []sealedSegmentMeta `json:"segments"`
}

type headState struct {
	// Watermark is the exclusive upper bound of the committed range:
	// queries clamp to [from, Watermark).
	Watermark uint64 `json:"watermark"`
	// UnsealedFrom is the inclusive lower bound of the unsealed region
	// (>= the last sealed segment's To).
	UnsealedFrom uint64 `json:"unsealed_from"`
	// TailRefs records the canonical BlockRef of every block numbered
	// to-1 seen while indexing each unsealed window, keyed by block
	// number, so the next advance can cheaply detect a reorg.
	TailRefs map[uint64]types.BlockRef `json:"tail_refs"`
}

const (
	manifestFile      = "manifest.json"
	headFile          = "head.json"
	unsealedEventsFile = "events-unsealed.bin"
)

func loadManifest(dir string, chainID uint64) (manifest, error) {
	path := filepath.Join(dir, manifestFile)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return manifest{ChainID: chainID}, nil
	}
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return manifest{}, fmt.Errorf("manifest.json: corrupt: %w", err)
	}
	if m.ChainID != chainID {
		return manifest{}, types.Fatal("cache.loadManifest",
			fmt.Errorf("manifest chain_id %d disagrees with configured chain_id %d", m.ChainID, chainID))
	}
	return m, nil
}

func saveManifest(dir string, m manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(dir, manifestFile), b)
}

func loadHead(dir string) (headState, error) {
	path := filepath.Join(dir, headFile)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return headState{TailRefs: map[uint64]types.BlockRef{}}, nil
	}
	if err != nil {
		return headState{}, err
	}
	var h headState
	if err := json.Unmarshal(b, &h); err != nil {
		return headState{}, fmt.Errorf("head.json: corrupt: %w", err)
	}
	if h.TailRefs == nil {
		h.TailRefs = map[uint64]types.BlockRef{}
	}
	return h, nil
}

func saveHead(dir string, h headState) error {
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(dir, headFile), b)
}

func atomicWriteFile(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func segmentPath(dir string, from, to uint64) string {
	return filepath.Join(dir, fmt.Sprintf("events-%d-%d.bin", from, to))
}
