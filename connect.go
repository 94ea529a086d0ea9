package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudpair/cloudpair/internal/config"
	"github.com/cloudpair/cloudpair/internal/sync"
	"github.com/cloudpair/cloudpair/internal/wire"
)

// newConnectCmd builds the client command.
func newConnectCmd() *cobra.Command {
	var flagPIN string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run the client endpoint against a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cfg.Network.ServerURL == "" {
				return fmt.Errorf("connect: network.server_url not configured")
			}

			logger := buildLogger(cfg)

			return runClient(cmd.Context(), cfg, flagPIN, logger)
		},
	}

	cmd.Flags().StringVar(&flagPIN, "pin", "", "server PIN (defaults to the stored one)")

	return cmd
}

// runClient dials the server and runs the client engine until interrupted.
func runClient(ctx context.Context, cfg *config.Config, pin string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if pin == "" {
		pin, err = resolvePIN(ctx, store)
		if err != nil {
			return err
		}
	}

	engCfg, err := buildEngineConfig(cfg, true, pin)
	if err != nil {
		return err
	}

	sender := &deferredSender{}

	engine, err := sync.New(engCfg, sender, store, logger)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.Duration(cfg.Network.ConnectTimeout))
	conn, err := wire.Dial(dialCtx, cfg.Network.ServerURL, serverPeerID, logger)

	cancel()

	if err != nil {
		return err
	}
	defer conn.Close()

	sender.conn = conn

	go func() {
		if err := conn.ReadLoop(ctx, engine.OnCommand); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("connection lost", slog.String("error", err.Error()))
			stop()
		}
	}()

	logger.Info("connected", slog.String("server", cfg.Network.ServerURL))

	return engine.Run(ctx)
}
