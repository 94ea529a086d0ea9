package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpair/cloudpair/internal/fileid"
)

// watcherFixture runs a watcher over a fresh root with a recorder spooler.
type watcherFixture struct {
	table  *HashFileTable
	ledger *DeletionLedger
	rec    *opRecorder
	cancel context.CancelFunc
}

func startWatcher(t *testing.T) *watcherFixture {
	t.Helper()

	fx := &watcherFixture{rec: &opRecorder{}}

	fx.table = newTestTable(t)
	fx.ledger = NewDeletionLedger(fx.table.Root(), 1, testLogger())
	spooler := NewSpooler(100, fx.rec.dispatch, nil, nil, testLogger())

	w := NewWatcher(1, fx.table, fx.ledger, spooler, NewVisibility(false), NewBus(testLogger()),
		20*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	fx.cancel = cancel
	t.Cleanup(cancel)

	go w.Run(ctx)

	// Give the watch registration a moment before mutating the tree.
	time.Sleep(100 * time.Millisecond)

	return fx
}

// opsOfType filters recorded operations.
func (fx *watcherFixture) opsOfType(typ OperationType) []Operation {
	var out []Operation

	for _, o := range fx.rec.dispatched() {
		if o.Type == typ {
			out = append(out, o)
		}
	}

	return out
}

func TestWatcher_CreateFileSpoolsSend(t *testing.T) {
	t.Parallel()

	fx := startWatcher(t)
	path := filepath.Join(fx.table.Root(), "new.txt")

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	assert.Eventually(t, func() bool {
		return len(fx.opsOfType(OpSendFile)) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	e, _, _ := fx.table.GetByFileName("new.txt")
	assert.NotNil(t, e)
}

func TestWatcher_RemoveFileSpoolsDeleteAndRecords(t *testing.T) {
	t.Parallel()

	fx := startWatcher(t)
	path := filepath.Join(fx.table.Root(), "doomed.txt")

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	assert.Eventually(t, func() bool {
		e, _, _ := fx.table.GetByFileName("doomed.txt")
		return e != nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))

	hash := fileid.HashName("doomed.txt", false)

	assert.Eventually(t, func() bool {
		return len(fx.opsOfType(OpDeleteFile)) == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, fx.ledger.Contains(hash))

	e, _, _ := fx.table.GetByFileName("doomed.txt")
	assert.Nil(t, e)
}

func TestWatcher_RemoveDirectorySpoolsOneDelete(t *testing.T) {
	t.Parallel()

	fx := startWatcher(t)
	root := fx.table.Root()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o700))

	assert.Eventually(t, func() bool {
		e, _, _ := fx.table.GetByFileName("dir")
		return e != nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "x"), []byte("1"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "y"), []byte("2"), 0o600))

	assert.Eventually(t, func() bool {
		return fx.table.Len() >= 3
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "dir")))

	assert.Eventually(t, func() bool {
		return len(fx.opsOfType(OpDeleteDirectory)) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// The children were recorded in the ledger, not spooled individually.
	assert.True(t, fx.ledger.Contains(fileid.HashName("dir/x", false)))
	assert.True(t, fx.ledger.Contains(fileid.HashName("dir/y", false)))
}

func TestWatcher_InvisibleEntriesIgnored(t *testing.T) {
	t.Parallel()

	fx := startWatcher(t)
	root := fx.table.Root()

	require.NoError(t, os.WriteFile(filepath.Join(root, "part.tmp"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("y"), 0o600))

	assert.Eventually(t, func() bool {
		e, _, _ := fx.table.GetByFileName("real.txt")
		return e != nil
	}, 2*time.Second, 20*time.Millisecond)

	e, _, _ := fx.table.GetByFileName("part.tmp")
	assert.Nil(t, e, "temp files never enter the table")
}
