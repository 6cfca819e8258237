package cache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lsd-guardian/guardian/internal/types"
)

// recordSize is the fixed width of one encoded DepositEvent: the wire
// format is little-endian and self-contained (not EVM-visible), unlike
// the big-endian EVM-word packing the signer uses on chain.
const recordSize = types.PubkeyLen + types.WithdrawalLen + 8 + types.SignatureLen + 8 + 32 + 8 + 4 + 32

// encodeEvent writes one length-prefixed DepositEvent record.
func encodeEvent(w io.Writer, e types.DepositEvent) error {
	buf := make([]byte, recordSize)
	off := 0
	off += copy(buf[off:], e.Pubkey[:])
	off += copy(buf[off:], e.WC[:])
	binary.LittleEndian.PutUint64(buf[off:], e.Amount)
	off += 8
	off += copy(buf[off:], e.Signature[:])
	binary.LittleEndian.PutUint64(buf[off:], e.Block.Number)
	off += 8
	off += copy(buf[off:], e.Block.Hash[:])
	binary.LittleEndian.PutUint64(buf[off:], e.Block.Timestamp)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], e.LogIndex)
	off += 4
	off += copy(buf[off:], e.TxHash[:])
	if off != recordSize {
		return fmt.Errorf("encodeEvent: wrote %d bytes, want %d", off, recordSize)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(recordSize))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// decodeEvent reads one length-prefixed DepositEvent record, returning
// io.EOF (unwrapped) when the stream is exhausted cleanly.
func decodeEvent(r io.Reader) (types.DepositEvent, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return types.DepositEvent{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n != recordSize {
		return types.DepositEvent{}, fmt.Errorf("decodeEvent: record length %d, want %d (corrupt cache file)", n, recordSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return types.DepositEvent{}, fmt.Errorf("decodeEvent: truncated record: %w", err)
	}

	var e types.DepositEvent
	off := 0
	copy(e.Pubkey[:], buf[off:off+types.PubkeyLen])
	off += types.PubkeyLen
	e.WC = common.BytesToHash(buf[off : off+types.WithdrawalLen])
	off += types.WithdrawalLen
	e.Amount = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(e.Signature[:], buf[off:off+types.SignatureLen])
	off += types.SignatureLen
	e.Block.Number = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.Block.Hash = common.BytesToHash(buf[off : off+32])
	off += 32
	e.Block.Timestamp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.LogIndex = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.TxHash = common.BytesToHash(buf[off : off+32])

	return e, nil
}

// writeSegmentFile atomically writes events to path (via a temp file +
// rename) so a crash mid-write never leaves a corrupt segment.
func writeSegmentFile(path string, events []types.DepositEvent) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for _, e := range events {
		if err := encodeEvent(bw, e); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readSegmentFile reads back every record in a segment file, in the
// order they were written (== log order, by construction).
func readSegmentFile(path string) ([]types.DepositEvent, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var out []types.DepositEvent
	for {
		e, err := decodeEvent(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
