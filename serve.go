package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	stdsync "sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudpair/cloudpair/internal/config"
	"github.com/cloudpair/cloudpair/internal/sync"
	"github.com/cloudpair/cloudpair/internal/wire"
)

// connRegistry routes outbound packets to the connection registered for a
// peer id. It implements wire.Sender for the server engine, which may talk
// to several clients at once.
type connRegistry struct {
	mu    stdsync.Mutex
	conns map[uint64]*wire.Conn
	next  atomic.Uint64
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[uint64]*wire.Conn)}
}

// register assigns the next peer id to a connection.
func (r *connRegistry) register(conn *wire.Conn) uint64 {
	id := r.next.Add(1) + 1 // ids start at 2; 1 is reserved for the server itself

	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	return id
}

// unregister drops a closed connection.
func (r *connRegistry) unregister(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Send implements wire.Sender.
func (r *connRegistry) Send(peerID uint64, cmd wire.Command, payload ...[]byte) bool {
	r.mu.Lock()
	conn := r.conns[peerID]
	r.mu.Unlock()

	if conn == nil {
		return false
	}

	return conn.Send(peerID, cmd, payload...)
}

// newServeCmd builds the server command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cfg.Network.ListenAddr == "" {
				return fmt.Errorf("serve: network.listen_addr not configured")
			}

			logger := buildLogger(cfg)

			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

// runServer hosts the engine behind a websocket listener until interrupted.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pin, err := resolvePIN(ctx, store)
	if err != nil {
		return err
	}

	logger.Info("endpoint PIN", slog.String("pin", pin))

	engCfg, err := buildEngineConfig(cfg, false, pin)
	if err != nil {
		return err
	}

	registry := newConnRegistry()

	engine, err := sync.New(engCfg, registry, store, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wire.Accept(w, r, 0, logger)
		if err != nil {
			logger.Warn("accept failed", slog.String("error", err.Error()))
			return
		}

		peerID := registry.register(conn)
		defer registry.unregister(peerID)
		defer conn.Close()

		logger.Info("client connected", slog.Uint64("peer", peerID))

		if err := readWithPeerID(r.Context(), conn, peerID, engine.OnCommand); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.Info("client disconnected", slog.Uint64("peer", peerID), slog.String("error", err.Error()))
		}
	})

	srv := &http.Server{
		Addr:              cfg.Network.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Sync.ShutdownTimeout))
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("listening", slog.String("addr", cfg.Network.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	runErr := engine.Run(ctx)

	srvErr := <-errCh
	if srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
		return srvErr
	}

	return runErr
}

// readWithPeerID adapts a connection's read loop so inbound commands carry
// the registry-assigned peer id instead of the connection default.
func readWithPeerID(ctx context.Context, conn *wire.Conn, peerID uint64, h wire.Handler) error {
	return conn.ReadLoop(ctx, func(_ uint64, cmd wire.Command, payload [][]byte) {
		h(peerID, cmd, payload)
	})
}
