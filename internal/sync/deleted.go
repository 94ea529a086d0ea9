package sync

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	stdsync "sync"

	"github.com/cloudpair/cloudpair/internal/fileid"
)

// persistentDeletedCap bounds the on-disk deleted list; the oldest entries
// are evicted first.
const persistentDeletedCap = 1000

// deletedFileSuffix is the extension of the per-user deleted list inside
// the cache directory.
const deletedFileSuffix = ".Deleted"

// DeletionLedger tracks what this endpoint has deleted locally, so the
// reconciler never resurrects a deleted file just because the remote still
// has it. Two layers: a temporary dictionary of deletions since the last
// sync (hash to path, cleared by the reconciler) and a persistent list of
// hashes surviving across sessions.
type DeletionLedger struct {
	mu stdsync.Mutex

	temp map[fileid.NameHash]string

	persistent []fileid.NameHash
	persistSet map[fileid.NameHash]struct{}

	path   string
	logger *slog.Logger
}

// NewDeletionLedger creates a ledger persisting under the cloud root's
// cache directory for the given user id.
func NewDeletionLedger(root string, userID uint64, logger *slog.Logger) *DeletionLedger {
	return &DeletionLedger{
		temp:       make(map[fileid.NameHash]string),
		persistSet: make(map[fileid.NameHash]struct{}),
		path:       filepath.Join(root, CacheDirName, strconv.FormatUint(userID, 10)+deletedFileSuffix),
		logger:     logger,
	}
}

// AddTemporary records a local deletion observed since the last sync.
func (l *DeletionLedger) AddTemporary(hash fileid.NameHash, relPath string) {
	l.mu.Lock()
	l.temp[hash] = relPath
	l.mu.Unlock()
}

// TemporaryPath returns the recorded path for a deleted hash.
func (l *DeletionLedger) TemporaryPath(hash fileid.NameHash) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.temp[hash]

	return p, ok
}

// ClearTemporary empties the temporary dictionary; the reconciler calls it
// at the end of every pass.
func (l *DeletionLedger) ClearTemporary() {
	l.mu.Lock()
	l.temp = make(map[fileid.NameHash]string)
	l.mu.Unlock()
}

// AddPersistent records a deletion that must survive restarts. The list is
// capped; the oldest entry is evicted when full.
func (l *DeletionLedger) AddPersistent(hash fileid.NameHash) {
	l.mu.Lock()
	l.addPersistentLocked(hash)
	l.mu.Unlock()
}

// AddPersistentAll records every supplied id.
func (l *DeletionLedger) AddPersistentAll(hashes []fileid.NameHash) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, h := range hashes {
		l.addPersistentLocked(h)
	}
}

// addPersistentLocked appends with dedup and cap eviction, mutex held.
func (l *DeletionLedger) addPersistentLocked(hash fileid.NameHash) {
	if _, ok := l.persistSet[hash]; ok {
		return
	}

	if len(l.persistent) >= persistentDeletedCap {
		oldest := l.persistent[0]
		l.persistent = l.persistent[1:]
		delete(l.persistSet, oldest)
	}

	l.persistent = append(l.persistent, hash)
	l.persistSet[hash] = struct{}{}
}

// Contains reports whether hash is recorded in either layer.
func (l *DeletionLedger) Contains(hash fileid.NameHash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.temp[hash]; ok {
		return true
	}

	_, ok := l.persistSet[hash]

	return ok
}

// Load restores the persistent list from disk. A missing file is a clean
// first run; a corrupt one is discarded with a warning.
func (l *DeletionLedger) Load() error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("sync: opening deleted list: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		l.logger.Warn("discarding corrupt deleted list", slog.String("path", l.path))
		return nil
	}

	count := binary.LittleEndian.Uint32(countBuf[:])
	if count > persistentDeletedCap {
		l.logger.Warn("discarding oversized deleted list", slog.String("path", l.path))
		return nil
	}

	hashes := make([]fileid.NameHash, 0, count)

	for i := uint32(0); i < count; i++ {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			l.logger.Warn("discarding truncated deleted list", slog.String("path", l.path))
			return nil
		}

		hashes = append(hashes, fileid.NameHash(binary.LittleEndian.Uint64(buf[:])))
	}

	l.mu.Lock()
	for _, h := range hashes {
		l.addPersistentLocked(h)
	}
	l.mu.Unlock()

	return nil
}

// Save writes the persistent list: a u32 count followed by that many u64
// hashes, little-endian.
func (l *DeletionLedger) Save() error {
	l.mu.Lock()
	hashes := make([]fileid.NameHash, len(l.persistent))
	copy(hashes, l.persistent)
	l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("sync: creating cache dir: %w", err)
	}

	buf := make([]byte, 0, 4+8*len(hashes))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(hashes)))

	for _, h := range hashes {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(h))
	}

	if err := os.WriteFile(l.path, buf, 0o600); err != nil {
		return fmt.Errorf("sync: writing deleted list: %w", err)
	}

	return nil
}
