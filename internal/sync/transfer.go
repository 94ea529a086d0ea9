package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/cloudpair/cloudpair/internal/fileid"
	"github.com/cloudpair/cloudpair/internal/wire"
	"github.com/cloudpair/cloudpair/internal/zeroknow"
	"github.com/cloudpair/cloudpair/pkg/ulhash"
)

// DefaultChunkSize is the transfer chunk size when the configuration does
// not override it.
const DefaultChunkSize = 65536

// ErrTransferFailed marks a transfer the driver gave up on; the reconciler
// will re-enqueue it on the next pass.
var ErrTransferFailed = errors.New("sync: transfer failed")

// SendFileChunk payload segment indexes.
const (
	segHash = iota
	segPart
	segTotal
	segChunk
	segMtime
	segName
	segFinalCRC
	segCount
)

// TransferManager drives chunked transfers in both directions: reading and
// ciphering chunks on the send side, appending and verifying them on the
// receive side. Progressive checksums live in the CRCTracker; completed
// files are renamed into place atomically.
type TransferManager struct {
	root      string
	chunkSize int64
	isClient  bool

	sender  wire.Sender
	tracker *CRCTracker
	table   *HashFileTable
	codec   *zeroknow.Codec // nil on endpoints that never see plaintext
	bus     *Bus
	logger  *slog.Logger

	// onDone reports a finished dispatch back to the spooler.
	onDone func(peerID uint64)

	mu         stdsync.Mutex
	resumeFrom map[fileid.NameHash]uint32 // resume points requested by the peer
	receiving  map[uint64]string          // tracker key → temp path, for dispose cleanup

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewTransferManager creates a manager rooted at the table's cloud root.
// codec may be nil; onDone may be nil.
func NewTransferManager(
	table *HashFileTable, tracker *CRCTracker, sender wire.Sender,
	codec *zeroknow.Codec, bus *Bus, chunkSize int64, isClient bool,
	onDone func(peerID uint64), logger *slog.Logger,
) *TransferManager {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	if onDone == nil {
		onDone = func(uint64) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TransferManager{
		root:       table.Root(),
		chunkSize:  chunkSize,
		isClient:   isClient,
		sender:     sender,
		tracker:    tracker,
		table:      table,
		codec:      codec,
		bus:        bus,
		logger:     logger,
		onDone:     onDone,
		resumeFrom: make(map[fileid.NameHash]uint32),
		receiving:  make(map[uint64]string),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RequestResume records the peer's resume point for a hash; the next send
// of that hash starts after it.
func (m *TransferManager) RequestResume(hash fileid.NameHash, fromPart uint32) {
	if fromPart <= 1 {
		return
	}

	m.mu.Lock()
	m.resumeFrom[hash] = fromPart
	m.mu.Unlock()
}

// takeResumePoint consumes a recorded resume point, defaulting to 1.
func (m *TransferManager) takeResumePoint(hash fileid.NameHash) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.resumeFrom[hash]
	if !ok {
		return 1
	}

	delete(m.resumeFrom, hash)

	return from
}

// StartSend dispatches one SendFile operation on its own goroutine.
func (m *TransferManager) StartSend(peerID uint64, hash fileid.NameHash) {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer m.onDone(peerID)

		if err := m.send(peerID, hash); err != nil {
			m.logger.Warn("send failed",
				slog.String("hash", hash.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// send ships one entry to the peer, chunk by chunk.
func (m *TransferManager) send(peerID uint64, hash fileid.NameHash) error {
	entry, ok := m.table.TryGetValue(hash)
	if !ok {
		return fmt.Errorf("%w: %s no longer tracked", ErrTransferFailed, hash.String())
	}

	wireName := entry.Path
	if m.codec != nil {
		wireName = m.codec.ObfuscatePath(entry.Path)
	}

	if entry.IsDirectory() {
		return m.sendDirectory(peerID, entry, wireName)
	}

	return m.sendFile(peerID, entry, wireName)
}

// sendDirectory ships a directory as a single empty chunk with timestamp 0.
func (m *TransferManager) sendDirectory(peerID uint64, entry *Entry, wireName string) error {
	crc := ulhash.Sum(ulhash.Seed, nil)

	if !m.sendChunk(peerID, entry.Hash, 1, 1, nil, 0, wireName, crc) {
		return fmt.Errorf("%w: directory %s undeliverable", ErrTransferFailed, entry.Path)
	}

	m.publishProgress(true, entry, 1, 1, true)

	return nil
}

// sendFile streams a file to the peer. A resume point recorded for the hash
// skips the chunks the receiver already holds; their checksum contribution
// is recomputed by reading them again.
func (m *TransferManager) sendFile(peerID uint64, entry *Entry, wireName string) error {
	f, err := os.Open(entry.FullName)
	if err != nil {
		if isQuarantined(err) {
			m.bus.Antivirus.Publish(AntivirusEvent{Path: entry.FullName})
			return nil
		}

		return fmt.Errorf("%w: opening %s: %v", ErrTransferFailed, entry.FullName, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrTransferFailed, entry.FullName, err)
	}

	total := uint32((info.Size() + m.chunkSize - 1) / m.chunkSize)
	if total == 0 {
		total = 1 // empty files still complete the protocol with one empty chunk
	}

	from := m.takeResumePoint(entry.Hash)

	var stream *zeroknow.FileStream
	if m.codec != nil {
		stream = m.codec.NewFileStream(entry.Path, entry.UnixLastWrite)
	}

	crc := uint64(ulhash.Seed)
	buf := make([]byte, m.chunkSize)

	for part := uint32(1); part <= total; part++ {
		if err := m.ctx.Err(); err != nil {
			return fmt.Errorf("%w: canceled", ErrTransferFailed)
		}

		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: reading %s part %d: %v", ErrTransferFailed, entry.FullName, part, err)
		}

		chunk := buf[:n]
		if stream != nil {
			stream.Apply(chunk)
		}

		crc = ulhash.Sum(crc, chunk)

		if part < from {
			continue // receiver already holds this chunk
		}

		finalCRC := uint64(0)
		if part == total {
			finalCRC = crc
		}

		if !m.sendChunk(peerID, entry.Hash, part, total, chunk, entry.UnixLastWrite, wireName, finalCRC) {
			return fmt.Errorf("%w: %s part %d undeliverable", ErrTransferFailed, entry.Path, part)
		}

		m.publishProgress(true, entry, part, total, part == total)
	}

	return nil
}

// sendChunk emits one SendFileChunk packet.
func (m *TransferManager) sendChunk(
	peerID uint64, hash fileid.NameHash, part, total uint32,
	chunk []byte, mtime uint32, wireName string, finalCRC uint64,
) bool {
	return m.sender.Send(peerID, wire.CmdSendFileChunk,
		wire.U64(uint64(hash)),
		wire.U32(part),
		wire.U32(total),
		chunk,
		wire.U32(mtime),
		[]byte(wireName),
		wire.U64(finalCRC),
	)
}

// publishProgress emits one progress event.
func (m *TransferManager) publishProgress(upload bool, entry *Entry, part, total uint32, done bool) {
	m.bus.Progress.Publish(ProgressEvent{
		Upload:    upload,
		Hash:      entry.Hash,
		Part:      part,
		Total:     total,
		Name:      entry.Path,
		Length:    entry.Size,
		Completed: done,
	})
}

// chunkMessage is a parsed SendFileChunk payload.
type chunkMessage struct {
	hash     fileid.NameHash
	part     uint32
	total    uint32
	chunk    []byte
	mtime    uint32
	wireName string
	finalCRC uint64
}

// parseChunk validates and decodes a SendFileChunk payload.
func parseChunk(segments [][]byte) (*chunkMessage, error) {
	if len(segments) != segCount {
		return nil, fmt.Errorf("sync: chunk packet has %d segments, want %d", len(segments), segCount)
	}

	hash, err := wire.ReadU64(segments[segHash])
	if err != nil {
		return nil, err
	}

	part, err := wire.ReadU32(segments[segPart])
	if err != nil {
		return nil, err
	}

	total, err := wire.ReadU32(segments[segTotal])
	if err != nil {
		return nil, err
	}

	mtime, err := wire.ReadU32(segments[segMtime])
	if err != nil {
		return nil, err
	}

	finalCRC, err := wire.ReadU64(segments[segFinalCRC])
	if err != nil {
		return nil, err
	}

	return &chunkMessage{
		hash:     fileid.NameHash(hash),
		part:     part,
		total:    total,
		chunk:    segments[segChunk],
		mtime:    mtime,
		wireName: string(segments[segName]),
		finalCRC: finalCRC,
	}, nil
}

// OnChunk handles one inbound SendFileChunk packet: append, track, and on
// the final chunk verify and install.
func (m *TransferManager) OnChunk(peerID uint64, segments [][]byte) {
	msg, err := parseChunk(segments)
	if err != nil {
		m.logger.Warn("dropping malformed chunk", slog.String("error", err.Error()))
		return
	}

	if err := m.receiveChunk(peerID, msg); err != nil {
		m.logger.Warn("receive failed, requesting restart",
			slog.String("hash", msg.hash.String()),
			slog.String("error", err.Error()),
		)

		m.restartTransfer(peerID, msg)
	}
}

// localRelPath resolves the wire name to this endpoint's relative path.
func (m *TransferManager) localRelPath(wireName string) (string, error) {
	if m.codec == nil {
		return wireName, nil
	}

	return m.codec.DeobfuscatePath(wireName)
}

// receiveChunk applies one chunk. Any returned error restarts the transfer
// from chunk 1.
func (m *TransferManager) receiveChunk(peerID uint64, msg *chunkMessage) error {
	relPath, err := m.localRelPath(msg.wireName)
	if err != nil {
		return err
	}

	fullPath := filepath.Join(m.root, filepath.FromSlash(relPath))

	// Directories arrive as a single empty chunk with timestamp 0.
	if msg.mtime == 0 {
		return m.receiveDirectory(msg, relPath, fullPath)
	}

	if int64(len(msg.chunk)) > m.chunkSize || (msg.part < msg.total && int64(len(msg.chunk)) != m.chunkSize) {
		return fmt.Errorf("%w: part %d is %d bytes", ErrChunkSize, msg.part, len(msg.chunk))
	}

	tmpPath := fullPath + TempSuffix

	if err := os.MkdirAll(filepath.Dir(tmpPath), 0o700); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}

	res, err := m.tracker.Update(
		m.isClient, peerID, msg.hash, msg.part, msg.chunk, tmpPath,
		msg.part == 1, firstChunkHint(msg),
	)
	if err != nil {
		return err
	}

	m.trackReceiving(peerID, msg.hash, tmpPath)

	if err := m.appendChunk(msg, res, tmpPath); err != nil {
		return err
	}

	m.publishReceiveProgress(msg, relPath)

	if msg.part == msg.total {
		return m.completeReceive(peerID, msg, relPath, fullPath, tmpPath)
	}

	return nil
}

// firstChunkHint returns the chunk as a restore verification hint when this
// is a first chunk of a multi-part transfer.
func firstChunkHint(msg *chunkMessage) []byte {
	if msg.part == 1 && msg.total > 1 {
		return msg.chunk
	}

	return nil
}

// receiveDirectory creates a directory entry announced by the peer.
func (m *TransferManager) receiveDirectory(msg *chunkMessage, relPath, fullPath string) error {
	if err := os.MkdirAll(fullPath, 0o700); err != nil {
		return fmt.Errorf("creating directory %s: %w", fullPath, err)
	}

	m.table.Add(&Entry{Kind: KindDirectory, Path: relPath, FullName: fullPath})
	m.publishReceiveProgress(msg, relPath)

	return nil
}

// appendChunk writes the chunk to the temp file when it advanced the
// tracker state. Restored or duplicate chunks are already on disk.
func (m *TransferManager) appendChunk(msg *chunkMessage, res UpdateResult, tmpPath string) error {
	if !res.Advanced {
		return nil
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if msg.part == 1 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(tmpPath, flags, 0o600)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}

	expectedLen := int64(msg.part-1) * m.chunkSize

	if msg.part > 1 {
		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return fmt.Errorf("stat temp file: %w", statErr)
		}

		if info.Size() != expectedLen {
			f.Close()
			return fmt.Errorf("%w: temp file holds %d bytes before part %d", ErrChunkSize, info.Size(), msg.part)
		}
	}

	if _, err := f.Write(msg.chunk); err != nil {
		f.Close()
		return fmt.Errorf("writing chunk: %w", err)
	}

	return f.Close()
}

// completeReceive verifies the final checksum and installs the file.
func (m *TransferManager) completeReceive(peerID uint64, msg *chunkMessage, relPath, fullPath, tmpPath string) error {
	localCRC := m.tracker.GetCRC(m.isClient, peerID, msg.hash, msg.total)

	if localCRC == 0 || localCRC != msg.finalCRC {
		return fmt.Errorf("%w: checksum mismatch: local %016x, sender %016x", ErrTransferFailed, localCRC, msg.finalCRC)
	}

	// The checksum covers the wire bytes; on a zero-knowledge endpoint the
	// verified temp file is ciphertext and is decrypted in place before the
	// rename.
	if m.codec != nil {
		if err := m.decryptFile(tmpPath, relPath, msg.mtime); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	// Mtime goes onto the temp file first so the rename installs the file
	// fully formed; the watcher never observes an intermediate timestamp.
	mtime := time.Unix(int64(msg.mtime), 0)
	if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
		m.logger.Warn("failed to set mtime", slog.String("path", tmpPath), slog.String("error", err.Error()))
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		return fmt.Errorf("installing %s: %w", fullPath, err)
	}

	info, err := os.Stat(fullPath)
	size := int64(0)
	if err == nil {
		size = info.Size()
	}

	m.table.Add(&Entry{
		Kind:          KindFile,
		Path:          relPath,
		FullName:      fullPath,
		Size:          size,
		UnixLastWrite: msg.mtime,
	})

	m.tracker.Remove(m.isClient, peerID, msg.hash)
	m.untrackReceiving(peerID, msg.hash)

	m.logger.Info("received file",
		slog.String("path", relPath),
		slog.Int64("size", size),
		slog.Uint64("parts", uint64(msg.total)),
	)

	return nil
}

// decryptFile runs the whole temp file through the XOR keystream in place.
func (m *TransferManager) decryptFile(tmpPath, relPath string, mtime uint32) error {
	f, err := os.OpenFile(tmpPath, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening temp for decrypt: %w", err)
	}
	defer f.Close()

	stream := m.codec.NewFileStream(relPath, mtime)
	buf := make([]byte, m.chunkSize)
	off := int64(0)

	for {
		n, err := f.ReadAt(buf, off)
		if n > 0 {
			stream.Apply(buf[:n])

			if _, werr := f.WriteAt(buf[:n], off); werr != nil {
				return fmt.Errorf("writing decrypted block: %w", werr)
			}

			off += int64(n)
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading temp for decrypt: %w", err)
		}
	}
}

// restartTransfer resets receive state, deletes the temp file, and asks the
// sender to resend from chunk 1.
func (m *TransferManager) restartTransfer(peerID uint64, msg *chunkMessage) {
	m.tracker.Remove(m.isClient, peerID, msg.hash)
	m.untrackReceiving(peerID, msg.hash)

	if relPath, err := m.localRelPath(msg.wireName); err == nil {
		tmpPath := filepath.Join(m.root, filepath.FromSlash(relPath)) + TempSuffix
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("failed to delete temp file", slog.String("path", tmpPath), slog.String("error", err.Error()))
		}
	}

	m.sender.Send(peerID, wire.CmdRequestFile, wire.U64(uint64(msg.hash)), wire.U32(1))
}

// publishReceiveProgress emits a download progress event.
func (m *TransferManager) publishReceiveProgress(msg *chunkMessage, relPath string) {
	m.bus.Progress.Publish(ProgressEvent{
		Upload:    false,
		Hash:      msg.hash,
		Part:      msg.part,
		Total:     msg.total,
		Name:      relPath,
		Completed: msg.part == msg.total,
	})
}

// trackReceiving remembers the temp path of an in-flight receive for
// dispose-time cleanup.
func (m *TransferManager) trackReceiving(peerID uint64, hash fileid.NameHash, tmpPath string) {
	m.mu.Lock()
	m.receiving[key(m.isClient, peerID, hash)] = tmpPath
	m.mu.Unlock()
}

// untrackReceiving forgets a completed receive.
func (m *TransferManager) untrackReceiving(peerID uint64, hash fileid.NameHash) {
	m.mu.Lock()
	delete(m.receiving, key(m.isClient, peerID, hash))
	m.mu.Unlock()
}

// ResumePoint inspects an existing partial file for a path and returns the
// first part still needed (1 when nothing usable is on disk). The caller
// includes it in its RequestFile so the sender can skip what is already
// here.
func (m *TransferManager) ResumePoint(relPath string) uint32 {
	fullPath := filepath.Join(m.root, filepath.FromSlash(relPath))

	info, err := os.Stat(fullPath + TempSuffix)
	if err != nil || info.Size() == 0 || info.Size()%m.chunkSize != 0 {
		return 1
	}

	return uint32(info.Size()/m.chunkSize) + 1
}

// Dispose hard-cancels every in-flight transfer: sends stop, temp files are
// deleted, and tracker state is dropped.
func (m *TransferManager) Dispose() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	temps := make([]string, 0, len(m.receiving))
	m.tracker.mu.Lock()
	for k, tmp := range m.receiving {
		temps = append(temps, tmp)
		delete(m.receiving, k)
		delete(m.tracker.entries, k)
	}
	m.tracker.mu.Unlock()
	m.mu.Unlock()

	for _, tmp := range temps {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("failed to delete temp file", slog.String("path", tmp), slog.String("error", err.Error()))
		}
	}
}

// isQuarantined reports whether an open failure looks like an on-access
// scanner holding the file: it exists but the OS refuses access.
func isQuarantined(err error) bool {
	return errors.Is(err, os.ErrPermission)
}
