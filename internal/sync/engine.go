package sync

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudpair/cloudpair/internal/fileid"
	"github.com/cloudpair/cloudpair/internal/storage"
	"github.com/cloudpair/cloudpair/internal/wire"
	"github.com/cloudpair/cloudpair/internal/zeroknow"
)

// ErrCloudRootMissing is fatal for an engine instance: without the cloud
// root there is nothing to synchronize.
var ErrCloudRootMissing = errors.New("sync: cloud root missing")

// Config is the resolved engine configuration.
type Config struct {
	CloudRoot      string
	IsClient       bool
	PeerID         uint64 // identity of the remote endpoint
	UserID         uint64 // identity of this endpoint's user
	ChunkSize      int64
	MaxConcurrent  int
	PollInterval   time.Duration
	RescanInterval time.Duration
	RetryInterval  time.Duration
	MasterKey      []byte // nil disables zero-knowledge
	PIN            string // server side: expected PIN; client side: PIN to prove
}

// Engine is the central context object owning every subsystem of one sync
// endpoint. Subsystems receive narrow handles (the spooler's dispatcher,
// the bus, the sender); none of them owns or reaches back into the engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	bus       *Bus
	table     *HashFileTable
	tracker   *CRCTracker
	ledger    *DeletionLedger
	spooler   *Spooler
	transfers *TransferManager
	reconcile *Reconciler
	watcher   *Watcher
	gate      *AuthGate
	codec     *zeroknow.Codec

	sender wire.Sender
	store  *storage.Store // nil when the host manages peers itself

	mu       stdsync.Mutex
	loggedIn bool

	cancel context.CancelFunc
}

// New builds an engine over an existing cloud root. store may be nil.
func New(cfg Config, sender wire.Sender, store *storage.Store, logger *slog.Logger) (*Engine, error) {
	bus := NewBus(logger)

	info, err := os.Stat(cfg.CloudRoot)
	if err != nil || !info.IsDir() {
		bus.RaiseFileError(FileErrorEvent{Path: cfg.CloudRoot, Err: ErrCloudRootMissing, Fatal: true})

		return nil, fmt.Errorf("%w: %s", ErrCloudRootMissing, cfg.CloudRoot)
	}

	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}

	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = 5 * time.Minute
	}

	var codec *zeroknow.Codec
	if len(cfg.MasterKey) > 0 {
		codec, err = zeroknow.NewCodec(cfg.MasterKey)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		sender: sender,
		store:  store,
		gate:   NewAuthGate(),
		codec:  codec,
	}

	canSee := NewVisibility(codec != nil)
	e.table = NewHashFileTable(cfg.CloudRoot, canSee, func(ev CollisionEvent) {
		bus.Collision.Publish(ev)
	}, logger)
	e.tracker = NewCRCTracker(cfg.ChunkSize, logger)
	e.ledger = NewDeletionLedger(cfg.CloudRoot, cfg.UserID, logger)
	e.spooler = NewSpooler(cfg.MaxConcurrent, e.dispatch, bus.RaiseStatus, e.notifyReady, logger)
	e.transfers = NewTransferManager(
		e.table, e.tracker, sender, codec, bus, cfg.ChunkSize, cfg.IsClient,
		e.spooler.OperationDone, logger,
	)
	e.reconcile = NewReconciler(e.table, e.ledger, logger)
	e.watcher = NewWatcher(cfg.PeerID, e.table, e.ledger, e.spooler, canSee, bus, cfg.RetryInterval, logger)

	return e, nil
}

// Bus exposes the engine's event topics to the host.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Table exposes the hash-file table for status surfaces.
func (e *Engine) Table() *HashFileTable {
	return e.table
}

// Spooler exposes the operation queue for status surfaces.
func (e *Engine) Spooler() *Spooler {
	return e.spooler
}

// Run starts the endpoint: table restore or scan, ledger restore, the
// watcher, the periodic rescan, and (on the client) the sync tick. It
// blocks until ctx ends or a loop fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	defer e.Dispose()

	if err := e.table.LoadCache(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("table cache unusable, rescanning", slog.String("error", err.Error()))
		}

		if err := e.table.Scan(ctx); err != nil {
			return err
		}
	}

	if err := e.ledger.Load(); err != nil {
		e.logger.Warn("deleted list unusable", slog.String("error", err.Error()))
	}

	if e.cfg.IsClient {
		e.sendLogin()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.watcher.Run(gctx) })
	g.Go(func() error { return e.rescanLoop(gctx) })

	if e.cfg.IsClient {
		g.Go(func() error { return e.tickLoop(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// tickLoop periodically asks the server for its table; the reply drives the
// reconciler.
func (e *Engine) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// First tick immediately: a fresh client should converge without
	// waiting a full interval.
	e.requestRemoteTable()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.requestRemoteTable()
		}
	}
}

// rescanLoop periodically rebuilds the table from disk and persists it,
// catching anything the watcher missed.
func (e *Engine) rescanLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.table.Scan(ctx); err != nil {
				e.logger.Warn("rescan failed", slog.String("error", err.Error()))
				continue
			}

			if err := e.table.SaveCache(); err != nil {
				e.logger.Warn("table cache save failed", slog.String("error", err.Error()))
			}
		}
	}
}

// requestRemoteTable asks the peer for its (hash, mtime) table.
func (e *Engine) requestRemoteTable() {
	if !e.sender.Send(e.cfg.PeerID, wire.CmdHashTable) {
		e.logger.Warn("table request undeliverable")
	}
}

// sendLogin ships the PIN proof and this endpoint's user id.
func (e *Engine) sendLogin() {
	proof := sha256.Sum256([]byte(e.cfg.PIN))

	e.sender.Send(e.cfg.PeerID, wire.CmdLoginRequest, proof[:], wire.U64(e.cfg.UserID))
}

// notifyReady tells a peer this side's queue has drained.
func (e *Engine) notifyReady(peerID uint64) {
	e.sender.Send(peerID, wire.CmdNotice, []byte{byte(wire.NoticeReady)})
}

// dispatch executes one spooled operation. Sends run on their own
// goroutine inside the transfer manager; the cheap command emissions run
// on a goroutine of their own so the spooler never blocks.
func (e *Engine) dispatch(op Operation) {
	switch op.Type {
	case OpSendFile:
		e.transfers.StartSend(op.PeerID, op.Hash)

	case OpRequestFile:
		go func() {
			defer e.spooler.OperationDone(op.PeerID)

			from := uint32(1)
			if entry, ok := e.table.TryGetValue(op.Hash); ok {
				from = e.transfers.ResumePoint(entry.Path)
			}

			e.sender.Send(op.PeerID, wire.CmdRequestFile, wire.U64(uint64(op.Hash)), wire.U32(from))
		}()

	case OpDeleteFile:
		go func() {
			defer e.spooler.OperationDone(op.PeerID)
			e.sender.Send(op.PeerID, wire.CmdDeleteFile, wire.U64(uint64(op.Hash)))
		}()

	case OpDeleteDirectory:
		go func() {
			defer e.spooler.OperationDone(op.PeerID)
			e.sender.Send(op.PeerID, wire.CmdDeleteDirectory, wire.U64(uint64(op.Hash)))
		}()
	}
}

// OnCommand is the inbound half of the transport delegate; wire it as the
// transport's handler.
func (e *Engine) OnCommand(peerID uint64, cmd wire.Command, payload [][]byte) {
	switch cmd {
	case wire.CmdLoginRequest:
		e.onLoginRequest(peerID, payload)

	case wire.CmdLoginReply:
		e.onLoginReply(peerID, payload)

	case wire.CmdHashTable:
		e.onHashTable(peerID, payload)

	case wire.CmdRequestFile:
		e.onRequestFile(peerID, payload)

	case wire.CmdSendFileChunk:
		e.transfers.OnChunk(peerID, payload)

	case wire.CmdDeleteFile:
		e.onDeleteFile(payload)

	case wire.CmdDeleteDirectory:
		e.onDeleteDirectory(payload)

	case wire.CmdStatusNotification, wire.CmdNotice:
		e.onNotice(peerID, payload)

	default:
		e.logger.Warn("unknown command", slog.String("command", cmd.String()))
	}
}

// onLoginRequest verifies a PIN proof under the rate-limit gate and
// registers the client.
func (e *Engine) onLoginRequest(peerID uint64, payload [][]byte) {
	if len(payload) != 2 || len(payload[0]) != sha256.Size {
		e.logger.Warn("malformed login request", slog.Uint64("peer", peerID))
		return
	}

	if !e.gate.Allow(peerID) {
		e.sender.Send(peerID, wire.CmdNotice, []byte{byte(wire.NoticeAuthenticationRequired)})
		return
	}

	expected := sha256.Sum256([]byte(e.cfg.PIN))

	if string(payload[0]) != string(expected[:]) {
		e.gate.RecordFailure(peerID)
		e.recordAccess(peerID, "login denied")
		e.sender.Send(peerID, wire.CmdLoginReply, []byte{byte(wire.NoticeAuthenticationRequired)})

		return
	}

	e.gate.RecordSuccess(peerID)
	e.recordAccess(peerID, "login")

	if e.store != nil {
		userID, err := wire.ReadU64(payload[1])
		if err == nil {
			if err := e.store.UpsertClient(context.Background(), &storage.Client{
				ID:              userID,
				Status:          wire.NoticeReady.String(),
				LastInteraction: time.Now().UnixNano(),
			}); err != nil {
				e.logger.Warn("client record update failed", slog.String("error", err.Error()))
			}
		}
	}

	e.sender.Send(peerID, wire.CmdLoginReply, []byte{byte(wire.NoticeReady)})
}

// onLoginReply notes the outcome of this side's login.
func (e *Engine) onLoginReply(peerID uint64, payload [][]byte) {
	if len(payload) != 1 || len(payload[0]) != 1 {
		return
	}

	notice := wire.Notice(payload[0][0])

	e.mu.Lock()
	e.loggedIn = notice == wire.NoticeReady
	e.mu.Unlock()

	e.logger.Info("login reply", slog.Uint64("peer", peerID), slog.String("notice", notice.String()))
}

// LoggedIn reports whether the last login attempt succeeded.
func (e *Engine) LoggedIn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.loggedIn
}

// onHashTable answers a table request (empty payload) or reconciles an
// inbound table against the local one.
func (e *Engine) onHashTable(peerID uint64, payload [][]byte) {
	if len(payload) == 0 {
		e.sender.Send(peerID, wire.CmdHashTable, encodeKeyTimestamps(e.table.KeyTimestamps()))
		return
	}

	remote, err := decodeKeyTimestamps(payload[0])
	if err != nil {
		e.logger.Warn("malformed hash table", slog.String("error", err.Error()))
		return
	}

	e.reconcile.Reconcile(peerID, remote, e.spooler)
}

// onRequestFile spools a send toward the requesting peer, honoring its
// resume point.
func (e *Engine) onRequestFile(peerID uint64, payload [][]byte) {
	if len(payload) != 2 {
		return
	}

	hashRaw, err := wire.ReadU64(payload[0])
	if err != nil {
		return
	}

	fromPart, err := wire.ReadU32(payload[1])
	if err != nil {
		return
	}

	hash := fileid.NameHash(hashRaw)
	e.transfers.RequestResume(hash, fromPart)

	timestamp := uint32(0)
	if entry, ok := e.table.TryGetValue(hash); ok {
		timestamp = entry.UnixLastWrite
	}

	e.spooler.AddOperation(Operation{Type: OpSendFile, PeerID: peerID, Hash: hash, Timestamp: timestamp})
}

// onDeleteFile applies a remote-requested file deletion.
func (e *Engine) onDeleteFile(payload [][]byte) {
	if len(payload) != 1 {
		return
	}

	hashRaw, err := wire.ReadU64(payload[0])
	if err != nil {
		return
	}

	hash := fileid.NameHash(hashRaw)

	entry, ok := e.table.TryGetValue(hash)
	if !ok {
		return
	}

	if err := os.Remove(entry.FullName); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.bus.RaiseFileError(FileErrorEvent{Path: entry.FullName, Err: err})
		return
	}

	e.table.Remove(hash)
	e.ledger.AddPersistent(hash)

	e.logger.Info("deleted by remote request", slog.String("path", entry.Path))
}

// onDeleteDirectory applies a remote-requested directory deletion.
func (e *Engine) onDeleteDirectory(payload [][]byte) {
	if len(payload) != 1 {
		return
	}

	hashRaw, err := wire.ReadU64(payload[0])
	if err != nil {
		return
	}

	hash := fileid.NameHash(hashRaw)

	entry, ok := e.table.TryGetValue(hash)
	if !ok || !entry.IsDirectory() {
		return
	}

	removed := e.table.RemoveDirectory(entry.Path)

	hashes := make([]fileid.NameHash, 0, len(removed))
	for _, rm := range removed {
		hashes = append(hashes, rm.Id.Hash)
	}

	e.ledger.AddPersistentAll(hashes)

	if err := os.RemoveAll(entry.FullName); err != nil {
		e.bus.RaiseFileError(FileErrorEvent{Path: entry.FullName, Err: err})
		return
	}

	e.logger.Info("directory deleted by remote request",
		slog.String("path", entry.Path),
		slog.Int("entries", len(removed)),
	)
}

// onNotice reacts to peer status signals.
func (e *Engine) onNotice(peerID uint64, payload [][]byte) {
	if len(payload) != 1 || len(payload[0]) != 1 {
		return
	}

	notice := wire.Notice(payload[0][0])

	e.logger.Debug("notice", slog.Uint64("peer", peerID), slog.String("notice", notice.String()))

	switch notice {
	case wire.NoticeRemoteDriveOverLimit:
		e.spooler.SetRemoteOverLimit(true)

	case wire.NoticeReady:
		// Peer id 0 on purpose: replying Ready to a Ready would ping-pong.
		e.spooler.ExecuteNext(0)

	case wire.NoticeLoggedOut:
		e.mu.Lock()
		e.loggedIn = false
		e.mu.Unlock()
	}

	if e.store != nil {
		if err := e.store.TouchClient(context.Background(), peerID, notice.String()); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("client touch failed", slog.String("error", err.Error()))
		}
	}
}

// recordAccess appends to the peer's access log when a store is attached.
func (e *Engine) recordAccess(peerID uint64, event string) {
	if e.store == nil {
		return
	}

	if err := e.store.AppendAccess(context.Background(), peerID, event); err != nil {
		e.logger.Warn("access log append failed", slog.String("error", err.Error()))
	}
}

// Dispose is the hard cancel: stop loops, fail in-flight transfers, tell
// the peer we are gone, and persist state once.
func (e *Engine) Dispose() {
	if e.cancel != nil {
		e.cancel()
	}

	e.spooler.Clear()
	e.transfers.Dispose()

	e.sender.Send(e.cfg.PeerID, wire.CmdNotice, []byte{byte(wire.NoticeLoggedOut)})

	if err := e.table.SaveCache(); err != nil {
		e.logger.Warn("final table save failed", slog.String("error", err.Error()))
	}

	if err := e.ledger.Save(); err != nil {
		e.logger.Warn("final deleted list save failed", slog.String("error", err.Error()))
	}
}

// --- KeyTimestamp wire coding ---

// ktRecordSize is hash (8) plus mtime (4).
const ktRecordSize = 12

// encodeKeyTimestamps flattens table rows for transmission, preserving
// order.
func encodeKeyTimestamps(kts []KeyTimestamp) []byte {
	out := make([]byte, 0, len(kts)*ktRecordSize)

	for _, kt := range kts {
		out = binary.LittleEndian.AppendUint64(out, uint64(kt.Hash))
		out = binary.LittleEndian.AppendUint32(out, kt.Mtime)
	}

	return out
}

// decodeKeyTimestamps parses an encoded table, rejecting ragged input.
func decodeKeyTimestamps(data []byte) ([]KeyTimestamp, error) {
	if len(data)%ktRecordSize != 0 {
		return nil, fmt.Errorf("sync: table payload of %d bytes is not a record multiple", len(data))
	}

	out := make([]KeyTimestamp, 0, len(data)/ktRecordSize)

	for off := 0; off < len(data); off += ktRecordSize {
		out = append(out, KeyTimestamp{
			Hash:  fileid.NameHash(binary.LittleEndian.Uint64(data[off : off+8])),
			Mtime: binary.LittleEndian.Uint32(data[off+8 : off+ktRecordSize]),
		})
	}

	return out, nil
}
