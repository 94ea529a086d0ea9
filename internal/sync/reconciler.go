package sync

import (
	"log/slog"
	"strings"

	"github.com/cloudpair/cloudpair/internal/fileid"
)

// Reconciler diffs the remote endpoint's (hash, mtime) table against the
// local HashFileTable and turns the divergence into spooler operations. It
// consults the deletion ledger before requesting anything remote-only, so a
// file deleted here is never resurrected by the next sync pass.
type Reconciler struct {
	table  *HashFileTable
	ledger *DeletionLedger
	logger *slog.Logger
}

// NewReconciler creates a Reconciler over the local table and ledger.
func NewReconciler(table *HashFileTable, ledger *DeletionLedger, logger *slog.Logger) *Reconciler {
	return &Reconciler{table: table, ledger: ledger, logger: logger}
}

// Reconcile walks the remote table in its transmitted order, then the local
// table, and enqueues the minimal operation set into the spooler:
//
//  1. Remote-only directories deleted locally become DeleteDirectory, and
//     their path prefix suppresses per-file deletes underneath.
//  2. Common hashes compare mtimes: newer remote → RequestFile, newer
//     local → SendFile, equal → nothing.
//  3. Remote-only files recorded in a deletion layer become DeleteFile;
//     files under a deleted directory are dropped silently.
//  4. Local-only entries become SendFile.
//  5. Remaining remote-only entries become RequestFile.
//  6. The temporary deletion dictionary is cleared.
func (r *Reconciler) Reconcile(peerID uint64, remote []KeyTimestamp, spooler *Spooler) {
	remoteSet := make(map[fileid.NameHash]uint32, len(remote))
	for _, kt := range remote {
		remoteSet[kt.Hash] = kt.Mtime
	}

	var deletedPrefixes []string

	requests := 0
	sends := 0
	deletes := 0

	for _, kt := range remote {
		local, ok := r.table.TryGetValue(kt.Hash)
		if ok {
			switch {
			case kt.Mtime > local.UnixLastWrite:
				spooler.AddOperation(Operation{Type: OpRequestFile, PeerID: peerID, Hash: kt.Hash, Timestamp: kt.Mtime})
				requests++
			case kt.Mtime < local.UnixLastWrite:
				spooler.AddOperation(Operation{Type: OpSendFile, PeerID: peerID, Hash: kt.Hash, Timestamp: local.UnixLastWrite})
				sends++
			}

			continue
		}

		// Remote-only directory the client deleted locally: one directory
		// delete covers the whole subtree.
		if kt.Mtime == 0 {
			if path, deleted := r.ledger.TemporaryPath(kt.Hash); deleted {
				spooler.AddOperation(Operation{Type: OpDeleteDirectory, PeerID: peerID, Hash: kt.Hash})
				deletedPrefixes = append(deletedPrefixes, path+"/")
				deletes++

				continue
			}
		}

		// Remote-only file or directory: covered by a directory delete?
		if path, recorded := r.ledger.TemporaryPath(kt.Hash); recorded && coveredBy(path, deletedPrefixes) {
			continue
		}

		if r.ledger.Contains(kt.Hash) {
			spooler.AddOperation(Operation{Type: OpDeleteFile, PeerID: peerID, Hash: kt.Hash})
			deletes++

			continue
		}

		// Legitimate remote-only entry: this side wants it.
		spooler.AddOperation(Operation{Type: OpRequestFile, PeerID: peerID, Hash: kt.Hash, Timestamp: kt.Mtime})
		requests++
	}

	// Local-only entries: the remote wants them.
	for _, e := range r.table.Elements() {
		if _, ok := remoteSet[e.Hash]; ok {
			continue
		}

		spooler.AddOperation(Operation{Type: OpSendFile, PeerID: peerID, Hash: e.Hash, Timestamp: e.UnixLastWrite})
		sends++
	}

	r.ledger.ClearTemporary()

	r.logger.Info("reconciliation complete",
		slog.Int("remote_entries", len(remote)),
		slog.Int("local_entries", r.table.Len()),
		slog.Int("requests", requests),
		slog.Int("sends", sends),
		slog.Int("deletes", deletes),
	)
}

// coveredBy reports whether path falls under any of the deleted directory
// prefixes.
func coveredBy(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}

	return false
}
