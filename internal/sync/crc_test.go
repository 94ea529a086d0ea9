package sync

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpair/cloudpair/internal/fileid"
	"github.com/cloudpair/cloudpair/pkg/ulhash"
)

const testChunkSize = 8

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// twentyBytes is a 20-byte payload that splits into chunks of 8, 8, and 4.
var twentyBytes = []byte("hello world, hi!!!..")

func chunks(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}

	return append(out, data)
}

func TestUpdate_SequentialChunks(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(7)

	want := uint64(ulhash.Seed)

	for i, c := range chunks(twentyBytes, testChunkSize) {
		res, err := tr.Update(true, 0, hash, uint32(i+1), c, "", false, nil)
		require.NoError(t, err)
		assert.True(t, res.Advanced)

		want = ulhash.Sum(want, c)
		assert.Equal(t, want, res.CRC, "chunk %d", i+1)
	}

	assert.Equal(t, want, tr.GetCRC(true, 0, hash, 3))
	assert.Zero(t, tr.GetCRC(true, 0, hash, 2), "wrong part returns 0")
}

func TestUpdate_DuplicateChunkIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(9)
	cs := chunks(twentyBytes, testChunkSize)

	_, err := tr.Update(true, 0, hash, 1, cs[0], "", false, nil)
	require.NoError(t, err)

	first, err := tr.Update(true, 0, hash, 2, cs[1], "", false, nil)
	require.NoError(t, err)

	again, err := tr.Update(true, 0, hash, 2, cs[1], "", false, nil)
	require.NoError(t, err)

	assert.False(t, again.Advanced)
	assert.Equal(t, first.CRC, again.CRC)
}

func TestUpdate_OutOfOrderFails(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(11)

	_, err := tr.Update(true, 0, hash, 3, []byte("12345678"), filepath.Join(t.TempDir(), "none.tmp"), false, nil)
	assert.ErrorIs(t, err, ErrChunkOutOfOrder)

	_, err = tr.Update(true, 0, hash, 0, nil, "", false, nil)
	assert.ErrorIs(t, err, ErrChunkOutOfOrder)
}

// TestUpdate_RestoreFromDisk is the resumed-download case: two chunks on
// disk, no live tracker state, transfer restarting at part 1.
func TestUpdate_RestoreFromDisk(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(13)
	cs := chunks(twentyBytes, testChunkSize)

	tmp := filepath.Join(t.TempDir(), "foo.txt.tmp")
	require.NoError(t, os.WriteFile(tmp, twentyBytes[:16], 0o600))

	res, err := tr.Update(true, 0, hash, 1, cs[0], tmp, true, cs[0])
	require.NoError(t, err)

	assert.True(t, res.Restored)
	assert.Equal(t, uint32(2), res.Part)
	assert.Equal(t, ulhash.Sum(ulhash.Sum(ulhash.Seed, cs[0]), cs[1]), res.CRC)

	// The transfer then continues at part 3 and completes.
	final, err := tr.Update(true, 0, hash, 3, cs[2], tmp, false, nil)
	require.NoError(t, err)
	assert.True(t, final.Advanced)
	assert.Equal(t, ulhash.Sum(res.CRC, cs[2]), final.CRC)
}

func TestUpdate_RestoreReusesLiveState(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(15)
	cs := chunks(twentyBytes, testChunkSize)

	tmp := filepath.Join(t.TempDir(), "bar.tmp")
	require.NoError(t, os.WriteFile(tmp, twentyBytes[:16], 0o600))

	// Live state at part 2 matching the file length.
	_, err := tr.Update(true, 0, hash, 1, cs[0], "", false, nil)
	require.NoError(t, err)
	_, err = tr.Update(true, 0, hash, 2, cs[1], "", false, nil)
	require.NoError(t, err)

	res, err := tr.Update(true, 0, hash, 1, cs[0], tmp, true, cs[0])
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, uint32(2), res.Part)
}

func TestUpdate_RestoreBadFirstChunkDeletesPartial(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(17)
	cs := chunks(twentyBytes, testChunkSize)

	tmp := filepath.Join(t.TempDir(), "stale.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("XXXXXXXXYYYYYYYY"), 0o600))

	res, err := tr.Update(true, 0, hash, 1, cs[0], tmp, true, cs[0])
	require.NoError(t, err)

	// Restore was rejected: the transfer started fresh at part 1 and the
	// stale partial is gone.
	assert.False(t, res.Restored)
	assert.Equal(t, uint32(1), res.Part)
	assert.NoFileExists(t, tmp)
}

func TestUpdate_RecoversStateFromDiskMidTransfer(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(19)
	cs := chunks(twentyBytes, testChunkSize)

	tmp := filepath.Join(t.TempDir(), "mid.tmp")
	require.NoError(t, os.WriteFile(tmp, twentyBytes[:16], 0o600))

	// No part-1 state at all; part 3 arrives and the tracker rebuilds
	// parts 1-2 from the partial file.
	res, err := tr.Update(true, 0, hash, 3, cs[2], tmp, false, nil)
	require.NoError(t, err)

	assert.True(t, res.Advanced)
	assert.Equal(t, ulhash.Sum(ulhash.Sum(ulhash.Sum(ulhash.Seed, cs[0]), cs[1]), cs[2]), res.CRC)
}

func TestKey_ClientForcesPeerZero(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(23)

	_, err := tr.Update(true, 42, hash, 1, []byte("x"), "", false, nil)
	require.NoError(t, err)

	// Client-side lookups ignore the peer id entirely.
	assert.NotZero(t, tr.GetCRC(true, 99, hash, 1))

	// Server-side keys with a real peer id do not collide with it.
	assert.Zero(t, tr.GetCRC(false, 42, hash, 1))
}

func TestCRCTrackerRemove(t *testing.T) {
	t.Parallel()

	tr := NewCRCTracker(testChunkSize, testLogger())
	hash := fileid.NameHash(29)

	_, err := tr.Update(false, 5, hash, 1, []byte("x"), "", false, nil)
	require.NoError(t, err)
	require.Equal(t, 1, tr.Len())

	tr.Remove(false, 5, hash)
	assert.Zero(t, tr.Len())
	assert.Zero(t, tr.GetCRC(false, 5, hash, 1))
}
