package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudpair/cloudpair/internal/config"
	"github.com/cloudpair/cloudpair/internal/fileid"
	"github.com/cloudpair/cloudpair/internal/storage"
	"github.com/cloudpair/cloudpair/internal/sync"
	"github.com/cloudpair/cloudpair/internal/wire"
)

// serverPeerID is the id a client uses for its single server peer.
const serverPeerID = 1

// buildEngineConfig resolves the file configuration into an engine config.
func buildEngineConfig(cfg *config.Config, isClient bool, pin string) (sync.Config, error) {
	chunkSize, err := config.ParseSize(cfg.Transfers.ChunkSize)
	if err != nil {
		return sync.Config{}, err
	}

	var masterKey []byte

	if cfg.ZeroKnow.Enabled {
		if cfg.ZeroKnow.MasterKeyFile == "" {
			return sync.Config{}, fmt.Errorf("zeroknowledge enabled but master_key_file not set")
		}

		raw, err := os.ReadFile(cfg.ZeroKnow.MasterKeyFile)
		if err != nil {
			return sync.Config{}, fmt.Errorf("reading master key: %w", err)
		}

		masterKey = []byte(strings.TrimSpace(string(raw)))
	}

	root, err := filepath.Abs(cfg.Sync.CloudRoot)
	if err != nil {
		return sync.Config{}, fmt.Errorf("resolving cloud root: %w", err)
	}

	return sync.Config{
		CloudRoot:      root,
		IsClient:       isClient,
		PeerID:         serverPeerID,
		UserID:         fileid.UserID([]byte(root + pin)),
		ChunkSize:      chunkSize,
		MaxConcurrent:  cfg.Transfers.MaxConcurrentOperations,
		PollInterval:   config.Duration(cfg.Sync.PollInterval),
		RescanInterval: config.Duration(cfg.Sync.RescanInterval),
		RetryInterval:  config.Duration(cfg.Transfers.PendingRetryInterval),
		MasterKey:      masterKey,
		PIN:            pin,
	}, nil
}

// openStore opens the secure store at the configured location, defaulting
// to the cache directory under the cloud root.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	path := cfg.Storage.DatabasePath
	if path == "" {
		path = filepath.Join(cfg.Sync.CloudRoot, sync.CacheDirName, "secure.db")
	}

	return storage.Open(ctx, path, logger)
}

// resolvePIN loads or creates the endpoint PIN.
func resolvePIN(ctx context.Context, store *storage.Store) (string, error) {
	return store.EnsurePIN(ctx, flagDebug)
}

// deferredSender routes sends through a connection installed later; until
// then sends report undeliverable. The client CLI wires the engine before
// dialing, so the engine's construction never races the connection.
type deferredSender struct {
	conn *wire.Conn
}

// Send implements wire.Sender.
func (d *deferredSender) Send(peerID uint64, cmd wire.Command, payload ...[]byte) bool {
	if d.conn == nil {
		return false
	}

	return d.conn.Send(peerID, cmd, payload...)
}
