package sync

import (
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpair/cloudpair/internal/fileid"
	"github.com/cloudpair/cloudpair/internal/wire"
	"github.com/cloudpair/cloudpair/internal/zeroknow"
)

// funcSender adapts a function to wire.Sender.
type funcSender func(peerID uint64, cmd wire.Command, payload ...[]byte) bool

func (f funcSender) Send(peerID uint64, cmd wire.Command, payload ...[]byte) bool {
	return f(peerID, cmd, payload...)
}

// dropSender swallows every packet.
var dropSender = funcSender(func(uint64, wire.Command, ...[]byte) bool { return true })

// transferFixture builds a sending manager over rootA and a receiving
// manager over rootB, with A's chunks delivered straight into B.
type transferFixture struct {
	tableA, tableB *HashFileTable
	mgrA, mgrB     *TransferManager

	mu       stdsync.Mutex
	requests []uint32 // fromPart values B sent back via RequestFile
}

func newTransferFixture(t *testing.T, codecA, codecB *zeroknow.Codec) *transferFixture {
	t.Helper()

	fx := &transferFixture{}

	fx.tableA = NewHashFileTable(t.TempDir(), NewVisibility(codecA != nil), nil, testLogger())
	fx.tableB = NewHashFileTable(t.TempDir(), NewVisibility(codecB != nil), nil, testLogger())

	trackerA := NewCRCTracker(testChunkSize, testLogger())
	trackerB := NewCRCTracker(testChunkSize, testLogger())
	bus := NewBus(testLogger())

	// B's replies (restart requests) are recorded, not routed.
	senderB := funcSender(func(_ uint64, cmd wire.Command, payload ...[]byte) bool {
		if cmd == wire.CmdRequestFile {
			from, err := wire.ReadU32(payload[1])
			require.NoError(t, err)

			fx.mu.Lock()
			fx.requests = append(fx.requests, from)
			fx.mu.Unlock()
		}

		return true
	})

	fx.mgrB = NewTransferManager(fx.tableB, trackerB, senderB, codecB, bus, testChunkSize, false, nil, testLogger())

	// A's chunks land synchronously in B.
	senderA := funcSender(func(peerID uint64, cmd wire.Command, payload ...[]byte) bool {
		if cmd == wire.CmdSendFileChunk {
			fx.mgrB.OnChunk(peerID, payload)
		}

		return true
	})

	fx.mgrA = NewTransferManager(fx.tableA, trackerA, senderA, codecA, bus, testChunkSize, true, nil, testLogger())

	return fx
}

// addLocalFile writes a file under a table's root and indexes it.
func addLocalFile(t *testing.T, table *HashFileTable, rel string, data []byte, mtime uint32) *Entry {
	t.Helper()

	full := filepath.Join(table.Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o700))
	require.NoError(t, os.WriteFile(full, data, 0o600))

	e := &Entry{Kind: KindFile, Path: rel, FullName: full, Size: int64(len(data)), UnixLastWrite: mtime}
	table.Add(e)

	return e
}

// TestTransfer_CleanSend ships a 20-byte file in three chunks and checks
// the receiver installed it byte for byte.
func TestTransfer_CleanSend(t *testing.T) {
	t.Parallel()

	fx := newTransferFixture(t, nil, nil)
	entry := addLocalFile(t, fx.tableA, "foo.txt", twentyBytes, 500)

	require.NoError(t, fx.mgrA.send(2, entry.Hash))

	target := filepath.Join(fx.tableB.Root(), "foo.txt")

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, twentyBytes, got)

	assert.NoFileExists(t, target+TempSuffix, "temp renamed away")

	// Receiver's table tracks the new file with the sender's mtime.
	e, _, mtime := fx.tableB.GetByFileName("foo.txt")
	require.NotNil(t, e)
	assert.Equal(t, uint32(500), mtime)

	// No restart requests were needed.
	fx.mu.Lock()
	defer fx.mu.Unlock()
	assert.Empty(t, fx.requests)
}

func TestTransfer_EmptyFile(t *testing.T) {
	t.Parallel()

	fx := newTransferFixture(t, nil, nil)
	entry := addLocalFile(t, fx.tableA, "empty.bin", nil, 300)

	require.NoError(t, fx.mgrA.send(2, entry.Hash))

	got, err := os.ReadFile(filepath.Join(fx.tableB.Root(), "empty.bin"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTransfer_Directory(t *testing.T) {
	t.Parallel()

	fx := newTransferFixture(t, nil, nil)

	dir := dirEntry(fx.tableA, "docs")
	require.NoError(t, os.MkdirAll(dir.FullName, 0o700))
	fx.tableA.Add(dir)

	require.NoError(t, fx.mgrA.send(2, dir.Hash))

	info, err := os.Stat(filepath.Join(fx.tableB.Root(), "docs"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	e, _, _ := fx.tableB.GetByFileName("docs")
	require.NotNil(t, e)
	assert.True(t, e.IsDirectory())
}

// TestTransfer_ResumeSkipsChunks is the resumed-download flow: the receiver
// already holds chunks 1-2 on disk, announces resume point 3, and only the
// final chunk moves.
func TestTransfer_ResumeSkipsChunks(t *testing.T) {
	t.Parallel()

	fx := newTransferFixture(t, nil, nil)
	entry := addLocalFile(t, fx.tableA, "foo.txt", twentyBytes, 500)

	tmp := filepath.Join(fx.tableB.Root(), "foo.txt"+TempSuffix)
	require.NoError(t, os.WriteFile(tmp, twentyBytes[:16], 0o600))

	require.Equal(t, uint32(3), fx.mgrB.ResumePoint("foo.txt"))

	fx.mgrA.RequestResume(entry.Hash, 3)
	require.NoError(t, fx.mgrA.send(2, entry.Hash))

	got, err := os.ReadFile(filepath.Join(fx.tableB.Root(), "foo.txt"))
	require.NoError(t, err)
	assert.Equal(t, twentyBytes, got)
}

func TestTransfer_RestoreViaFirstChunk(t *testing.T) {
	t.Parallel()

	fx := newTransferFixture(t, nil, nil)
	entry := addLocalFile(t, fx.tableA, "foo.txt", twentyBytes, 500)

	// Receiver holds chunks 1-2 but never announced a resume point: the
	// sender starts at part 1 and the tracker restore skips the overlap.
	tmp := filepath.Join(fx.tableB.Root(), "foo.txt"+TempSuffix)
	require.NoError(t, os.WriteFile(tmp, twentyBytes[:16], 0o600))

	require.NoError(t, fx.mgrA.send(2, entry.Hash))

	got, err := os.ReadFile(filepath.Join(fx.tableB.Root(), "foo.txt"))
	require.NoError(t, err)
	assert.Equal(t, twentyBytes, got)
}

// TestTransfer_ZeroKnowledge sends through an encrypting client: the server
// stores ciphertext under an obfuscated name, and the same codec's per-file
// stream recovers the plaintext.
func TestTransfer_ZeroKnowledge(t *testing.T) {
	t.Parallel()

	codec, err := zeroknow.NewCodec([]byte("shared secret"))
	require.NoError(t, err)

	fx := newTransferFixture(t, codec, nil)
	entry := addLocalFile(t, fx.tableA, "docs/report.txt", twentyBytes, 500)

	require.NoError(t, fx.mgrA.send(2, entry.Hash))

	// The server never sees the plaintext name or content.
	obfPath := codec.ObfuscatePath("docs/report.txt")
	assert.NotEqual(t, "docs/report.txt", obfPath)

	stored, err := os.ReadFile(filepath.Join(fx.tableB.Root(), filepath.FromSlash(obfPath)))
	require.NoError(t, err)
	require.Len(t, stored, len(twentyBytes))
	assert.NotEqual(t, twentyBytes, stored)

	// Decrypting with the same per-file key recovers the original.
	plain := append([]byte(nil), stored...)
	codec.NewFileStream("docs/report.txt", 500).Apply(plain)
	assert.Equal(t, twentyBytes, plain)
}

// TestTransfer_DownloadDecrypts is the reverse direction: an encrypting
// client receives ciphertext chunks and installs plaintext.
func TestTransfer_DownloadDecrypts(t *testing.T) {
	t.Parallel()

	codec, err := zeroknow.NewCodec([]byte("shared secret"))
	require.NoError(t, err)

	// Stage 1: client A uploads to plain server B.
	up := newTransferFixture(t, codec, nil)
	entry := addLocalFile(t, up.tableA, "notes.txt", twentyBytes, 700)
	require.NoError(t, up.mgrA.send(2, entry.Hash))

	obfPath := codec.ObfuscatePath("notes.txt")
	serverEntry, _, _ := up.tableB.GetByFileName(obfPath)
	require.NotNil(t, serverEntry)

	// Stage 2: server B sends the stored ciphertext to client C, which
	// holds the key and decrypts on receive.
	down := newTransferFixture(t, nil, codec)

	full := filepath.Join(down.tableA.Root(), filepath.FromSlash(obfPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o700))
	raw, err := os.ReadFile(serverEntry.FullName)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(full, raw, 0o600))
	down.tableA.Add(&Entry{
		Kind: KindFile, Path: obfPath, FullName: full,
		Size: int64(len(raw)), UnixLastWrite: 700,
	})

	_, hash, _ := down.tableA.GetByFileName(obfPath)
	require.NoError(t, down.mgrA.send(2, hash))

	got, err := os.ReadFile(filepath.Join(down.tableB.Root(), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, twentyBytes, got)
}

func TestTransfer_SendUntrackedHashFails(t *testing.T) {
	t.Parallel()

	fx := newTransferFixture(t, nil, nil)

	err := fx.mgrA.send(2, fileid.NameHash(12345))
	assert.ErrorIs(t, err, ErrTransferFailed)
}

func TestTransfer_CorruptFinalCRCTriggersRestart(t *testing.T) {
	t.Parallel()

	fx := newTransferFixture(t, nil, nil)

	cs := chunks(twentyBytes, testChunkSize)
	hash := fileid.HashName("bad.txt", false)

	sendChunk := func(part uint32, chunk []byte, finalCRC uint64) {
		fx.mgrB.OnChunk(2, [][]byte{
			wire.U64(uint64(hash)), wire.U32(part), wire.U32(3),
			chunk, wire.U32(999), []byte("bad.txt"), wire.U64(finalCRC),
		})
	}

	sendChunk(1, cs[0], 0)
	sendChunk(2, cs[1], 0)
	sendChunk(3, cs[2], 0xDEAD) // wrong final checksum

	assert.NoFileExists(t, filepath.Join(fx.tableB.Root(), "bad.txt"))

	fx.mu.Lock()
	defer fx.mu.Unlock()
	require.NotEmpty(t, fx.requests, "receiver re-requests the file")
	assert.Equal(t, uint32(1), fx.requests[0])
}
