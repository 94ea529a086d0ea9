package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpair/cloudpair/internal/fileid"
)

// reconcileSetup wires a table, ledger, recorder-backed spooler, and
// reconciler over a temp root.
func reconcileSetup(t *testing.T) (*HashFileTable, *DeletionLedger, *opRecorder, *Reconciler, *Spooler) {
	t.Helper()

	table := newTestTable(t)
	ledger := NewDeletionLedger(table.Root(), 1, testLogger())
	rec := &opRecorder{}
	spooler := NewSpooler(100, rec.dispatch, nil, nil, testLogger())
	r := NewReconciler(table, ledger, testLogger())

	return table, ledger, rec, r, spooler
}

// TestReconcile_LocalOnlySends is the clean-send scenario: one local file,
// empty remote, exactly one SendFile.
func TestReconcile_LocalOnlySends(t *testing.T) {
	t.Parallel()

	table, _, rec, r, spooler := reconcileSetup(t)
	table.Add(fileEntry(table, "foo.txt", 20, 500))

	r.Reconcile(1, nil, spooler)

	ops := rec.dispatched()
	require.Len(t, ops, 1)
	assert.Equal(t, OpSendFile, ops[0].Type)
	assert.Equal(t, fileid.HashName("foo.txt", false), ops[0].Hash)
	assert.Equal(t, uint32(500), ops[0].Timestamp)
}

func TestReconcile_CommonKeys(t *testing.T) {
	t.Parallel()

	table, _, rec, r, spooler := reconcileSetup(t)

	table.Add(fileEntry(table, "newer-here.txt", 1, 200))
	table.Add(fileEntry(table, "newer-there.txt", 1, 100))
	table.Add(fileEntry(table, "same.txt", 1, 150))

	remote := []KeyTimestamp{
		{Hash: fileid.HashName("newer-here.txt", false), Mtime: 100},
		{Hash: fileid.HashName("newer-there.txt", false), Mtime: 300},
		{Hash: fileid.HashName("same.txt", false), Mtime: 150},
	}

	r.Reconcile(1, remote, spooler)

	ops := rec.dispatched()
	require.Len(t, ops, 2)

	byHash := map[fileid.NameHash]Operation{}
	for _, o := range ops {
		byHash[o.Hash] = o
	}

	send := byHash[fileid.HashName("newer-here.txt", false)]
	assert.Equal(t, OpSendFile, send.Type)
	assert.Equal(t, uint32(200), send.Timestamp)

	request := byHash[fileid.HashName("newer-there.txt", false)]
	assert.Equal(t, OpRequestFile, request.Type)
	assert.Equal(t, uint32(300), request.Timestamp)
}

func TestReconcile_RemoteOnlyRequests(t *testing.T) {
	t.Parallel()

	_, _, rec, r, spooler := reconcileSetup(t)

	remote := []KeyTimestamp{
		{Hash: fileid.HashName("fresh.txt", false), Mtime: 400},
	}

	r.Reconcile(1, remote, spooler)

	ops := rec.dispatched()
	require.Len(t, ops, 1)
	assert.Equal(t, OpRequestFile, ops[0].Type)
	assert.Equal(t, uint32(400), ops[0].Timestamp)
}

// TestReconcile_LocalFileDelete is the local-delete scenario: the deleted
// file produces exactly one DeleteFile and is not re-requested.
func TestReconcile_LocalFileDelete(t *testing.T) {
	t.Parallel()

	_, ledger, rec, r, spooler := reconcileSetup(t)

	hash := fileid.HashName("a/b.txt", false)
	ledger.AddTemporary(hash, "a/b.txt")

	remote := []KeyTimestamp{{Hash: hash, Mtime: 100}}

	r.Reconcile(1, remote, spooler)

	ops := rec.dispatched()
	require.Len(t, ops, 1)
	assert.Equal(t, OpDeleteFile, ops[0].Type)
	assert.Equal(t, hash, ops[0].Hash)
}

// TestReconcile_DirectoryDeleteCoversChildren is the directory-delete
// scenario: one DeleteDirectory, no per-file deletes.
func TestReconcile_DirectoryDeleteCoversChildren(t *testing.T) {
	t.Parallel()

	_, ledger, rec, r, spooler := reconcileSetup(t)

	dirHash := fileid.HashName("dir", true)
	xHash := fileid.HashName("dir/x", false)
	yHash := fileid.HashName("dir/y", false)

	ledger.AddTemporary(dirHash, "dir")
	ledger.AddTemporary(xHash, "dir/x")
	ledger.AddTemporary(yHash, "dir/y")

	remote := []KeyTimestamp{
		{Hash: dirHash, Mtime: 0},
		{Hash: xHash, Mtime: 100},
		{Hash: yHash, Mtime: 100},
	}

	r.Reconcile(1, remote, spooler)

	ops := rec.dispatched()
	require.Len(t, ops, 1, "one directory delete covers the subtree")
	assert.Equal(t, OpDeleteDirectory, ops[0].Type)
	assert.Equal(t, dirHash, ops[0].Hash)
}

func TestReconcile_PersistentDeleteSuppressesResurrect(t *testing.T) {
	t.Parallel()

	_, ledger, rec, r, spooler := reconcileSetup(t)

	hash := fileid.HashName("gone.txt", false)
	ledger.AddPersistent(hash)

	r.Reconcile(1, []KeyTimestamp{{Hash: hash, Mtime: 100}}, spooler)

	ops := rec.dispatched()
	require.Len(t, ops, 1)
	assert.Equal(t, OpDeleteFile, ops[0].Type)
}

func TestReconcile_ClearsTemporaryDictionary(t *testing.T) {
	t.Parallel()

	_, ledger, rec, r, spooler := reconcileSetup(t)

	hash := fileid.HashName("x.txt", false)
	ledger.AddTemporary(hash, "x.txt")

	r.Reconcile(1, []KeyTimestamp{{Hash: hash, Mtime: 100}}, spooler)
	require.Len(t, rec.dispatched(), 1)

	// Second pass: the temporary record is gone, but the remote entry is
	// still there — without the persistent layer it would be requested now.
	r.Reconcile(1, []KeyTimestamp{{Hash: hash, Mtime: 100}}, spooler)

	ops := rec.dispatched()
	require.Len(t, ops, 2)
	assert.Equal(t, OpRequestFile, ops[1].Type)
}

// TestReconcile_Converges feeds each side's operations to synthetic state
// and checks the tables agree afterwards, the reconciler's core promise.
func TestReconcile_Converges(t *testing.T) {
	t.Parallel()

	table, _, rec, r, spooler := reconcileSetup(t)

	table.Add(fileEntry(table, "both-newer-local.txt", 1, 300))
	table.Add(fileEntry(table, "both-same.txt", 1, 100))
	table.Add(fileEntry(table, "local-only.txt", 1, 100))

	remote := []KeyTimestamp{
		{Hash: fileid.HashName("both-newer-local.txt", false), Mtime: 100},
		{Hash: fileid.HashName("both-same.txt", false), Mtime: 100},
		{Hash: fileid.HashName("remote-only.txt", false), Mtime: 100},
	}

	r.Reconcile(1, remote, spooler)

	// Apply the operations to simulated (hash → mtime) sets.
	local := map[fileid.NameHash]uint32{}
	for _, kt := range table.KeyTimestamps() {
		local[kt.Hash] = kt.Mtime
	}

	remoteSet := map[fileid.NameHash]uint32{}
	for _, kt := range remote {
		remoteSet[kt.Hash] = kt.Mtime
	}

	for _, o := range rec.dispatched() {
		switch o.Type {
		case OpSendFile:
			remoteSet[o.Hash] = o.Timestamp
		case OpRequestFile:
			local[o.Hash] = o.Timestamp
		case OpDeleteFile, OpDeleteDirectory:
			delete(remoteSet, o.Hash)
		}
	}

	assert.Equal(t, remoteSet, local, "executing the plan must converge both sides")
}
