package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpair/cloudpair/internal/fileid"
)

func TestLedger_TemporaryLifecycle(t *testing.T) {
	t.Parallel()

	l := NewDeletionLedger(t.TempDir(), 1, testLogger())

	l.AddTemporary(5, "a/b.txt")

	path, ok := l.TemporaryPath(5)
	require.True(t, ok)
	assert.Equal(t, "a/b.txt", path)
	assert.True(t, l.Contains(5))

	l.ClearTemporary()

	_, ok = l.TemporaryPath(5)
	assert.False(t, ok)
	assert.False(t, l.Contains(5))
}

func TestLedger_PersistentSurvivesClear(t *testing.T) {
	t.Parallel()

	l := NewDeletionLedger(t.TempDir(), 1, testLogger())

	l.AddPersistent(7)
	l.ClearTemporary()

	assert.True(t, l.Contains(7))
}

func TestLedger_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	l := NewDeletionLedger(root, 42, testLogger())
	l.AddPersistent(1)
	l.AddPersistent(2)
	l.AddPersistentAll([]fileid.NameHash{3, 4})
	require.NoError(t, l.Save())

	// The file lives under the cache dir, named by user id.
	assert.FileExists(t, filepath.Join(root, CacheDirName, "42"+deletedFileSuffix))

	restored := NewDeletionLedger(root, 42, testLogger())
	require.NoError(t, restored.Load())

	for h := fileid.NameHash(1); h <= 4; h++ {
		assert.True(t, restored.Contains(h), "hash %d", h)
	}

	assert.False(t, restored.Contains(5))
}

func TestLedger_CapEvictsOldest(t *testing.T) {
	t.Parallel()

	l := NewDeletionLedger(t.TempDir(), 1, testLogger())

	for i := 0; i < persistentDeletedCap+10; i++ {
		l.AddPersistent(fileid.NameHash(i))
	}

	assert.False(t, l.Contains(0), "oldest evicted")
	assert.False(t, l.Contains(9))
	assert.True(t, l.Contains(10))
	assert.True(t, l.Contains(fileid.NameHash(persistentDeletedCap+9)))
}

func TestLedger_AddPersistentDedups(t *testing.T) {
	t.Parallel()

	l := NewDeletionLedger(t.TempDir(), 1, testLogger())

	for i := 0; i < 5; i++ {
		l.AddPersistent(99)
	}

	assert.Len(t, l.persistent, 1)
}

func TestLedger_LoadMissingFileIsClean(t *testing.T) {
	t.Parallel()

	l := NewDeletionLedger(t.TempDir(), 1, testLogger())
	assert.NoError(t, l.Load())
}

func TestLedger_LoadCorruptFileIsDiscarded(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, CacheDirName, "1"+deletedFileSuffix)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xFF}, 0o600))

	l := NewDeletionLedger(root, 1, testLogger())
	assert.NoError(t, l.Load(), "corruption is recovered, not fatal")
	assert.False(t, l.Contains(1))
}
