package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	stdsync "sync"

	"golang.org/x/text/unicode/norm"

	"github.com/cloudpair/cloudpair/internal/fileid"
	"github.com/cloudpair/cloudpair/internal/zeroknow"
)

// CacheDirName is the hidden bookkeeping directory under the cloud root.
const CacheDirName = ".cloud_cache"

// TempSuffix marks in-flight transfer files living next to their target.
const TempSuffix = ".tmp"

// VisibilityFunc decides whether a directory entry participates in sync.
// The watcher supplies it; the table applies it during scans.
type VisibilityFunc func(name string, isDir bool) bool

// NewVisibility builds the standard predicate: bookkeeping and temp entries
// are never seen, and on a plaintext endpoint obfuscated names in flight
// are not picked up as fresh creates.
func NewVisibility(skipObfuscated bool) VisibilityFunc {
	return func(name string, isDir bool) bool {
		if name == CacheDirName {
			return false
		}

		if !isDir && strings.HasSuffix(name, TempSuffix) {
			return false
		}

		if skipObfuscated && zeroknow.HasSentinel(name) {
			return false
		}

		return true
	}
}

// HashFileTable is the indexed view of the cloud root: name hash to entry,
// path to name hash, and a running used-space total. Readable concurrently,
// writable only under its mutex.
type HashFileTable struct {
	mu        stdsync.RWMutex
	root      string
	entries   map[fileid.NameHash]*Entry
	byPath    map[string]fileid.NameHash
	usedSpace int64

	canSee      VisibilityFunc
	onCollision func(CollisionEvent)
	logger      *slog.Logger
}

// NewHashFileTable creates an empty table over root. onCollision may be nil.
func NewHashFileTable(root string, canSee VisibilityFunc, onCollision func(CollisionEvent), logger *slog.Logger) *HashFileTable {
	if onCollision == nil {
		onCollision = func(CollisionEvent) {}
	}

	return &HashFileTable{
		root:        root,
		entries:     make(map[fileid.NameHash]*Entry),
		byPath:      make(map[string]fileid.NameHash),
		canSee:      canSee,
		onCollision: onCollision,
		logger:      logger,
	}
}

// Root returns the absolute cloud root path.
func (t *HashFileTable) Root() string {
	return t.root
}

// Len returns the number of entries.
func (t *HashFileTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

// UsedSpace returns the sum of all file sizes.
func (t *HashFileTable) UsedSpace() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.usedSpace
}

// Add upserts an entry by path. The name hash is always recomputed from the
// stored path, keeping the table's core invariant by construction. When two
// distinct paths collide on one hash, the newer mtime wins the slot and a
// collision event is emitted.
func (t *HashFileTable) Add(e *Entry) {
	e.Hash = fileid.HashName(e.Path, e.IsDirectory())

	t.mu.Lock()
	defer t.mu.Unlock()

	// Path already tracked under a different hash (kind changed): drop the
	// stale entry first.
	if oldHash, ok := t.byPath[e.Path]; ok && oldHash != e.Hash {
		t.removeLocked(oldHash)
	}

	if existing, ok := t.entries[e.Hash]; ok && existing.Path != e.Path {
		if e.UnixLastWrite < existing.UnixLastWrite {
			t.onCollision(CollisionEvent{KeptPath: existing.Path, EvictedPath: e.Path})
			return
		}

		t.onCollision(CollisionEvent{KeptPath: e.Path, EvictedPath: existing.Path})
		t.removeLocked(e.Hash)
	}

	if prev, ok := t.entries[e.Hash]; ok {
		t.usedSpace -= prev.Size
	}

	t.entries[e.Hash] = e
	t.byPath[e.Path] = e.Hash
	t.usedSpace += e.Size
}

// Remove drops one entry by hash.
func (t *HashFileTable) Remove(hash fileid.NameHash) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(hash)
}

// removeLocked removes an entry with the mutex held.
func (t *HashFileTable) removeLocked(hash fileid.NameHash) {
	e, ok := t.entries[hash]
	if !ok {
		return
	}

	delete(t.entries, hash)
	delete(t.byPath, e.Path)
	t.usedSpace -= e.Size
}

// RemovedEntry is one item dropped by RemoveDirectory, in the form the
// caller forwards as a remote delete.
type RemovedEntry struct {
	FullName string
	Id       fileid.FileId
}

// RemoveDirectory removes the directory entry at relPath and every entry
// underneath it, returning what was dropped.
func (t *HashFileTable) RemoveDirectory(relPath string) []RemovedEntry {
	prefix := relPath + "/"

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []RemovedEntry

	for hash, e := range t.entries {
		if e.Path != relPath && !strings.HasPrefix(e.Path, prefix) {
			continue
		}

		removed = append(removed, RemovedEntry{FullName: e.FullName, Id: e.FileId()})
		delete(t.entries, hash)
		delete(t.byPath, e.Path)
		t.usedSpace -= e.Size
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i].FullName < removed[j].FullName })

	return removed
}

// TryGetValue looks an entry up by hash.
func (t *HashFileTable) TryGetValue(hash fileid.NameHash) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[hash]

	return e, ok
}

// GetByFileName looks an entry up by cloud-relative path. The returned hash
// and mtime are zero when the path is untracked.
func (t *HashFileTable) GetByFileName(relPath string) (*Entry, fileid.NameHash, uint32) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hash, ok := t.byPath[relPath]
	if !ok {
		return nil, 0, 0
	}

	e := t.entries[hash]

	return e, hash, e.UnixLastWrite
}

// KeyTimestamps returns every (hash, mtime) pair sorted by path, parents
// before children, which is the order the wire and the reconciler consume.
func (t *HashFileTable) KeyTimestamps() []KeyTimestamp {
	elements := t.Elements()

	out := make([]KeyTimestamp, len(elements))
	for i, e := range elements {
		out[i] = KeyTimestamp{Hash: e.Hash, Mtime: e.UnixLastWrite}
	}

	return out
}

// Elements returns all entries sorted by path.
func (t *HashFileTable) Elements() []*Entry {
	t.mu.RLock()

	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}

	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// Reset drops every entry.
func (t *HashFileTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[fileid.NameHash]*Entry)
	t.byPath = make(map[string]fileid.NameHash)
	t.usedSpace = 0
}

// Scan rebuilds the table from the cloud root. Entry names are
// NFC-normalized so endpoints on different filesystems agree on hashes.
func (t *HashFileTable) Scan(ctx context.Context) error {
	t.Reset()

	t.logger.Info("scanning cloud root", slog.String("root", t.root))

	count := 0

	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("sync: walking %s: %w", path, err)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if path == t.root {
			return nil
		}

		if !t.canSee(d.Name(), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		entry, err := t.entryFromDisk(path, d)
		if err != nil {
			t.logger.Warn("skipping unreadable entry", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}

		t.Add(entry)
		count++

		return nil
	})
	if err != nil {
		return err
	}

	t.logger.Info("scan complete",
		slog.Int("entries", count),
		slog.Int64("used_space", t.UsedSpace()),
	)

	return nil
}

// entryFromDisk stats one directory entry into table form.
func (t *HashFileTable) entryFromDisk(path string, d fs.DirEntry) (*Entry, error) {
	rel, err := filepath.Rel(t.root, path)
	if err != nil {
		return nil, err
	}

	relUnix := norm.NFC.String(filepath.ToSlash(rel))

	if d.IsDir() {
		return &Entry{
			Kind:     KindDirectory,
			Path:     relUnix,
			FullName: path,
		}, nil
	}

	info, err := d.Info()
	if err != nil {
		return nil, err
	}

	return &Entry{
		Kind:          KindFile,
		Path:          relUnix,
		FullName:      path,
		Size:          info.Size(),
		UnixLastWrite: uint32(info.ModTime().Unix()),
	}, nil
}

// Refresh re-stats one tracked path, rebuilding its entry when the on-disk
// mtime no longer matches the stored one. Returns false when the path has
// disappeared.
func (t *HashFileTable) Refresh(relPath string) bool {
	e, _, _ := t.GetByFileName(relPath)
	if e == nil {
		return false
	}

	info, err := os.Stat(e.FullName)
	if err != nil {
		return false
	}

	if !e.IsDirectory() && uint32(info.ModTime().Unix()) != e.UnixLastWrite {
		t.Add(&Entry{
			Kind:          KindFile,
			Path:          e.Path,
			FullName:      e.FullName,
			Size:          info.Size(),
			UnixLastWrite: uint32(info.ModTime().Unix()),
		})
	}

	return true
}
