package sync

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	stdsync "sync"

	"github.com/cloudpair/cloudpair/internal/fileid"
	"github.com/cloudpair/cloudpair/pkg/ulhash"
)

// Tracker errors. Out-of-order and mismatch conditions are recoverable: the
// receiver asks the sender to restart from chunk 1.
var (
	ErrChunkOutOfOrder = errors.New("sync: chunk out of order")
	ErrChunkSize       = errors.New("sync: chunk size mismatch")
)

// partialCRC is the progressive checksum state of one in-flight transfer.
type partialCRC struct {
	LastPart uint32
	TempCRC  uint64
}

// CRCTracker keeps progressive checksum state per concurrent transfer so
// the receiver validates the final file without rehashing it after every
// chunk. Entries are keyed by peerId XOR nameHash; the client side forces
// the peer component to 0 so its keys can never collide with server-side
// keys.
type CRCTracker struct {
	mu      stdsync.Mutex
	entries map[uint64]*partialCRC

	chunkSize int64
	logger    *slog.Logger
}

// NewCRCTracker creates a tracker for transfers of the given chunk size.
func NewCRCTracker(chunkSize int64, logger *slog.Logger) *CRCTracker {
	return &CRCTracker{
		entries:   make(map[uint64]*partialCRC),
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// key folds the peer identity and the name hash into the map key.
func key(peerIsClient bool, peerID uint64, hash fileid.NameHash) uint64 {
	if peerIsClient {
		peerID = 0
	}

	return peerID ^ uint64(hash)
}

// UpdateResult reports what Update did with a chunk.
type UpdateResult struct {
	// Part is the effective part number after the call: the input part, or
	// the restored high-water mark when a partial file was adopted.
	Part uint32

	// Restored is true when state was rebuilt from an existing partial
	// file instead of consuming the chunk.
	Restored bool

	// Advanced is true when the chunk was folded into the checksum; false
	// for duplicates and restores, whose bytes are already accounted for.
	Advanced bool

	// CRC is the running checksum after the call.
	CRC uint64
}

// Update folds chunk `part` into the transfer's running checksum.
//
// When tryRestore is set and part is 1, an existing partial file of exact
// chunk-multiple length is adopted instead: live tracker state matching the
// file length is reused as-is, otherwise the file is rehashed from disk
// (verifying its first chunk against firstChunk when supplied). A partial
// that fails verification is deleted and the transfer starts fresh.
//
// For part > 1 the tracker entry must sit exactly one part behind;
// otherwise the state is rebuilt from the partial file on disk when its
// length allows, and failing that the chunk is rejected as out of order.
func (c *CRCTracker) Update(
	peerIsClient bool, peerID uint64, hash fileid.NameHash,
	part uint32, chunk []byte, tempPath string,
	tryRestore bool, firstChunk []byte,
) (UpdateResult, error) {
	if part == 0 {
		return UpdateResult{}, fmt.Errorf("%w: part 0", ErrChunkOutOfOrder)
	}

	k := key(peerIsClient, peerID, hash)

	c.mu.Lock()
	defer c.mu.Unlock()

	if tryRestore && part == 1 {
		if res, ok := c.restoreLocked(k, tempPath, firstChunk); ok {
			return res, nil
		}
	}

	entry := c.entries[k]

	if part == 1 {
		entry = &partialCRC{LastPart: 1, TempCRC: ulhash.Sum(ulhash.Seed, chunk)}
		c.entries[k] = entry

		return UpdateResult{Part: 1, Advanced: true, CRC: entry.TempCRC}, nil
	}

	// Duplicate delivery of a chunk already accounted for (including the
	// tail of a restored transfer): idempotent, nothing folds.
	if entry != nil && part <= entry.LastPart {
		return UpdateResult{Part: entry.LastPart, CRC: entry.TempCRC}, nil
	}

	if entry == nil || entry.LastPart != part-1 {
		// State lost (restart, eviction): recover by rehashing the partial
		// file when its length proves parts 1..part-1 are on disk.
		recovered, err := c.rehashLocked(tempPath, int64(part-1), nil)
		if err != nil {
			return UpdateResult{}, fmt.Errorf("%w: have %s, got part %d", ErrChunkOutOfOrder, describe(entry), part)
		}

		entry = recovered
		c.entries[k] = entry
	}

	entry.TempCRC = ulhash.Sum(entry.TempCRC, chunk)
	entry.LastPart = part

	return UpdateResult{Part: part, Advanced: true, CRC: entry.TempCRC}, nil
}

// restoreLocked adopts an existing partial file for a transfer restarting
// at part 1. Returns ok=false when there is nothing to restore.
func (c *CRCTracker) restoreLocked(k uint64, tempPath string, firstChunk []byte) (UpdateResult, bool) {
	info, err := os.Stat(tempPath)
	if err != nil || info.Size() == 0 || info.Size()%c.chunkSize != 0 {
		return UpdateResult{}, false
	}

	parts := info.Size() / c.chunkSize

	if entry, ok := c.entries[k]; ok && int64(entry.LastPart) == parts {
		return UpdateResult{Part: entry.LastPart, Restored: true, CRC: entry.TempCRC}, true
	}

	entry, err := c.rehashLocked(tempPath, parts, firstChunk)
	if err != nil {
		c.logger.Warn("deleting stale partial file",
			slog.String("path", tempPath),
			slog.String("error", err.Error()),
		)
		os.Remove(tempPath)
		delete(c.entries, k)

		return UpdateResult{}, false
	}

	c.entries[k] = entry

	return UpdateResult{Part: entry.LastPart, Restored: true, CRC: entry.TempCRC}, true
}

// rehashLocked rebuilds tracker state by hashing parts chunks of the file
// at tempPath. When firstChunk is non-nil the file's first chunk must match
// it byte for byte.
func (c *CRCTracker) rehashLocked(tempPath string, parts int64, firstChunk []byte) (*partialCRC, error) {
	f, err := os.Open(tempPath)
	if err != nil {
		return nil, fmt.Errorf("opening partial: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat partial: %w", err)
	}

	if info.Size() < parts*c.chunkSize {
		return nil, fmt.Errorf("%w: partial holds %d bytes, need %d", ErrChunkSize, info.Size(), parts*c.chunkSize)
	}

	crc := uint64(ulhash.Seed)
	buf := make([]byte, c.chunkSize)

	for i := int64(0); i < parts; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("reading partial chunk %d: %w", i+1, err)
		}

		if i == 0 && firstChunk != nil && !bytes.Equal(buf[:len(firstChunk)], firstChunk) {
			return nil, errors.New("first chunk does not match")
		}

		crc = ulhash.Sum(crc, buf)
	}

	return &partialCRC{LastPart: uint32(parts), TempCRC: crc}, nil
}

// GetCRC returns the stored checksum for a transfer iff its high-water mark
// equals part; otherwise 0.
func (c *CRCTracker) GetCRC(peerIsClient bool, peerID uint64, hash fileid.NameHash, part uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key(peerIsClient, peerID, hash)]
	if !ok || entry.LastPart != part {
		return 0
	}

	return entry.TempCRC
}

// Remove drops tracker state for a completed or abandoned transfer.
func (c *CRCTracker) Remove(peerIsClient bool, peerID uint64, hash fileid.NameHash) {
	c.mu.Lock()
	delete(c.entries, key(peerIsClient, peerID, hash))
	c.mu.Unlock()
}

// Len reports the number of tracked transfers.
func (c *CRCTracker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// describe renders tracker state for error messages.
func describe(e *partialCRC) string {
	if e == nil {
		return "no state"
	}

	return fmt.Sprintf("part %d", e.LastPart)
}
