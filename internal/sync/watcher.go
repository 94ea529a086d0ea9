package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

// defaultRetryInterval is how often paths parked for transient I/O failures
// are retried.
const defaultRetryInterval = time.Second

// Watcher keeps the HashFileTable live between full scans by translating
// filesystem notifications into table mutations, ledger records, and
// spooler operations. Paths that fail with transient I/O errors (a file
// still being written, an exclusive lock) are parked and retried on a
// fixed interval rather than dropped.
type Watcher struct {
	root    string
	peerID  uint64
	table   *HashFileTable
	ledger  *DeletionLedger
	spooler *Spooler
	canSee  VisibilityFunc
	bus     *Bus
	logger  *slog.Logger

	retryInterval time.Duration

	pendingMu stdsync.Mutex
	pending   map[string]struct{}
}

// NewWatcher creates a watcher feeding the given table, ledger, and
// spooler. peerID is the remote the resulting operations target.
func NewWatcher(
	peerID uint64, table *HashFileTable, ledger *DeletionLedger,
	spooler *Spooler, canSee VisibilityFunc, bus *Bus,
	retryInterval time.Duration, logger *slog.Logger,
) *Watcher {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	return &Watcher{
		root:          table.Root(),
		peerID:        peerID,
		table:         table,
		ledger:        ledger,
		spooler:       spooler,
		canSee:        canSee,
		bus:           bus,
		logger:        logger,
		retryInterval: retryInterval,
		pending:       make(map[string]struct{}),
	}
}

// Run watches the cloud root until the context ends. Directories are added
// to the watch set recursively, including ones created while running.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sync: creating watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.watchTree(fsw, w.root); err != nil {
		return err
	}

	ticker := time.NewTicker(w.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			w.handleEvent(fsw, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.retryPending(fsw)
		}
	}
}

// watchTree registers dir and every visible subdirectory.
func (w *Watcher) watchTree(fsw *fsnotify.Watcher, dir string) error {
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("sync: watching %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sync: reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !w.canSee(entry.Name(), true) {
			continue
		}

		if err := w.watchTree(fsw, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}

// relPath converts an absolute event path to the table's normalized
// cloud-relative form. ok is false for paths outside the root.
func (w *Watcher) relPath(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	return norm.NFC.String(filepath.ToSlash(rel)), true
}

// handleEvent routes one filesystem notification.
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)

	rel, ok := w.relPath(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		w.handleUpsert(fsw, ev.Name, rel, name)

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.handleRemove(rel, name)
	}
}

// handleUpsert re-indexes a created or modified path and queues a send.
func (w *Watcher) handleUpsert(fsw *fsnotify.Watcher, fullPath, rel, name string) {
	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return // already gone again
		}

		w.park(fullPath, err)

		return
	}

	if !w.canSee(name, info.IsDir()) {
		return
	}

	if info.IsDir() {
		if err := w.watchTree(fsw, fullPath); err != nil {
			w.logger.Warn("cannot watch new directory", slog.String("path", fullPath), slog.String("error", err.Error()))
		}

		if prev, _, _ := w.table.GetByFileName(rel); prev != nil && prev.IsDirectory() {
			return // already tracked, nothing to announce
		}

		entry := &Entry{Kind: KindDirectory, Path: rel, FullName: fullPath}
		w.table.Add(entry)
		w.spooler.AddOperation(Operation{Type: OpSendFile, PeerID: w.peerID, Hash: entry.Hash})

		return
	}

	// A file still being written fails its open on the send side; parking
	// here avoids shipping half a file. Quarantined files are reported and
	// skipped outright: an on-access scanner will not let go on retry.
	if err := openProbe(fullPath); err != nil {
		if isQuarantined(err) {
			w.bus.Antivirus.Publish(AntivirusEvent{Path: fullPath})
			return
		}

		w.park(fullPath, err)

		return
	}

	entry := &Entry{
		Kind:          KindFile,
		Path:          rel,
		FullName:      fullPath,
		Size:          info.Size(),
		UnixLastWrite: uint32(info.ModTime().Unix()),
	}

	// A file the transfer driver just installed is already indexed with
	// this exact state; re-spooling it would echo it straight back.
	if prev, _, prevMtime := w.table.GetByFileName(rel); prev != nil &&
		!prev.IsDirectory() && prevMtime == entry.UnixLastWrite && prev.Size == entry.Size {
		return
	}

	w.table.Add(entry)
	w.spooler.AddOperation(Operation{
		Type: OpSendFile, PeerID: w.peerID, Hash: entry.Hash, Timestamp: entry.UnixLastWrite,
	})
}

// handleRemove drops a deleted path from the table, records the deletion,
// and queues the matching remote delete.
func (w *Watcher) handleRemove(rel, name string) {
	entry, hash, _ := w.table.GetByFileName(rel)
	if entry == nil {
		return
	}

	if !w.canSee(name, entry.IsDirectory()) {
		return
	}

	if entry.IsDirectory() {
		removed := w.table.RemoveDirectory(rel)

		w.ledger.AddTemporary(hash, rel)
		w.ledger.AddPersistent(hash)

		for _, rm := range removed {
			if rm.Id.Hash == hash {
				continue
			}

			relChild, ok := w.relPath(rm.FullName)
			if !ok {
				continue
			}

			w.ledger.AddTemporary(rm.Id.Hash, relChild)
			w.ledger.AddPersistent(rm.Id.Hash)
		}

		w.spooler.AddOperation(Operation{Type: OpDeleteDirectory, PeerID: w.peerID, Hash: hash})

		return
	}

	w.table.Remove(hash)
	w.ledger.AddTemporary(hash, rel)
	w.ledger.AddPersistent(hash)
	w.spooler.AddOperation(Operation{Type: OpDeleteFile, PeerID: w.peerID, Hash: hash})
}

// park records a path for retry and logs why.
func (w *Watcher) park(path string, err error) {
	w.pendingMu.Lock()
	w.pending[path] = struct{}{}
	w.pendingMu.Unlock()

	w.logger.Debug("parking path for retry", slog.String("path", path), slog.String("error", err.Error()))
}

// retryPending re-runs the upsert path for every parked path.
func (w *Watcher) retryPending(fsw *fsnotify.Watcher) {
	w.pendingMu.Lock()

	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}

	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for _, p := range paths {
		rel, ok := w.relPath(p)
		if !ok {
			continue
		}

		w.handleUpsert(fsw, p, rel, filepath.Base(p))
	}
}

// PendingCount reports how many paths await retry.
func (w *Watcher) PendingCount() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	return len(w.pending)
}

// openProbe checks that the file can be opened for reading; on-access
// scanners and writers-in-progress fail this.
func openProbe(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	return f.Close()
}
