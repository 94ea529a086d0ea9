// Package sync implements the cloudpair reconciliation core: the hash-file
// table indexing the cloud root, the reconciler that diffs a remote table
// against it, the deduplicated operation spooler, the chunked transfer
// driver with progressive checksums and resume, and the engine that ties
// them to a transport and a filesystem watcher.
package sync

import (
	"time"

	"github.com/cloudpair/cloudpair/internal/fileid"
)

// EntryKind tags a FileSystemEntry as a file or a directory.
type EntryKind uint8

// Entry kinds.
const (
	KindFile EntryKind = iota
	KindDirectory
)

// Entry is one tracked item of the cloud root. Directories carry
// UnixLastWrite 0, which is also what distinguishes their FileId from a
// file's.
type Entry struct {
	Kind          EntryKind
	Path          string // cloud-relative, Unix form (forward slashes, no leading slash)
	FullName      string // absolute path on disk
	Size          int64
	UnixLastWrite uint32 // seconds; 0 for directories
	Hash          fileid.NameHash
}

// IsDirectory reports whether the entry is a directory.
func (e *Entry) IsDirectory() bool {
	return e.Kind == KindDirectory
}

// FileId returns the entry's 12-byte identifier.
func (e *Entry) FileId() fileid.FileId {
	return fileid.New(e.Hash, e.UnixLastWrite)
}

// KeyTimestamp is the wire form of one table row: just enough for the
// remote side to reconcile against.
type KeyTimestamp struct {
	Hash  fileid.NameHash
	Mtime uint32 // 0 marks a directory
}

// OperationType is the kind of a spooled operation.
type OperationType uint8

// Operation types produced by the reconciler and the watcher.
const (
	OpSendFile OperationType = iota + 1
	OpRequestFile
	OpDeleteFile
	OpDeleteDirectory
)

// String renders an operation type for logs.
func (t OperationType) String() string {
	switch t {
	case OpSendFile:
		return "SendFile"
	case OpRequestFile:
		return "RequestFile"
	case OpDeleteFile:
		return "DeleteFile"
	case OpDeleteDirectory:
		return "DeleteDirectory"
	default:
		return "Unknown"
	}
}

// Operation is one pending unit of work in the spooler. Two operations are
// duplicates iff their Hash matches; the later arrival replaces the earlier
// in place.
type Operation struct {
	Type      OperationType
	PeerID    uint64
	Hash      fileid.NameHash
	Timestamp uint32
}

// SyncStatus is the engine-visible state reported through status events.
type SyncStatus uint8

// Engine statuses.
const (
	StatusPending SyncStatus = iota + 1
	StatusMonitoring
	StatusRemoteDriveOverLimit
)

// String renders a status for logs.
func (s SyncStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusMonitoring:
		return "Monitoring"
	case StatusRemoteDriveOverLimit:
		return "RemoteDriveOverLimit"
	default:
		return "Unknown"
	}
}

// StatusEvent reports a spooler state transition. Consumers must treat the
// stream as monotone-ish: duplicates are possible.
type StatusEvent struct {
	Status  SyncStatus
	Pending int
	ETA     time.Time // zero when nothing has executed yet
}

// ProgressEvent reports one chunk of an in-flight transfer.
type ProgressEvent struct {
	Upload    bool
	Hash      fileid.NameHash
	Part      uint32
	Total     uint32
	Name      string
	Length    int64
	Completed bool
}

// FileErrorEvent surfaces a filesystem failure. Only Fatal events require
// host attention; everything else is recovered internally.
type FileErrorEvent struct {
	Path  string
	Err   error
	Fatal bool
}

// AntivirusEvent reports a file skipped because an on-access scanner is
// holding it quarantined.
type AntivirusEvent struct {
	Path string
}

// CollisionEvent reports two distinct paths producing the same name hash;
// the newer mtime won the table slot.
type CollisionEvent struct {
	KeptPath    string
	EvictedPath string
}
