package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cloudpair/cloudpair/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagCloudRoot  string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudpair",
		Short:   "Two-endpoint directory synchronization",
		Long:    "cloudpair keeps a directory tree consistent between a client and a server,\nwith resumable chunked transfers and optional zero-knowledge encryption.",
		Version: version,
		// Cobra's default error/usage printing is silenced; main() reports
		// errors itself.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flagConfigPath, "config", "c", defaultConfigPath(), "configuration file")
	pf.StringVar(&flagCloudRoot, "cloud-root", "", "override [sync].cloud_root")
	pf.BoolVar(&flagJSON, "json", false, "force JSON log output")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")
	pf.BoolVar(&flagDebug, "debug", false, "debug mode (fixed PIN, debug logging)")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "errors only")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConnectCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newInitCmd())

	return cmd
}

// defaultConfigPath resolves the per-user configuration location.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "cloudpair.toml"
	}

	return dir + "/cloudpair/cloudpair.toml"
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	if flagCloudRoot != "" {
		cfg.Sync.CloudRoot = flagCloudRoot
	}

	if cfg.Sync.CloudRoot == "" {
		return nil, config.ErrCloudRootRequired
	}

	return cfg, nil
}

// buildLogger assembles the process logger from config and flags: text on
// a terminal, JSON when piped or forced.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := parseLevel(cfg.Logging.LogLevel)

	if flagVerbose || flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr

	if cfg.Logging.LogFile != "" {
		f, err := os.OpenFile(cfg.Logging.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err == nil {
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	useJSON := flagJSON || cfg.Logging.LogFormat == "json"
	if cfg.Logging.LogFormat == "auto" && !flagJSON {
		useJSON = out != os.Stderr || !isatty.IsTerminal(os.Stderr.Fd())
	}

	if useJSON {
		return slog.New(slog.NewJSONHandler(out, opts))
	}

	return slog.New(slog.NewTextHandler(out, opts))
}

// parseLevel maps a config level string to a slog level.
func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
