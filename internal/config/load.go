package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Role names accepted in [sync].role.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Defaults applied by Load before the file is decoded over them.
const (
	defaultPollInterval    = "30s"
	defaultRescanInterval  = "5m"
	defaultShutdownTimeout = "10s"
	defaultChunkSize       = "64KiB"
	defaultMaxConcurrent   = 3
	defaultPendingRetry    = "1s"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultConnectTimeout  = "30s"
)

// ErrCloudRootRequired is returned when [sync].cloud_root is missing.
var ErrCloudRootRequired = errors.New("config: sync.cloud_root is required")

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Role:            RoleClient,
			PollInterval:    defaultPollInterval,
			RescanInterval:  defaultRescanInterval,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Transfers: TransfersConfig{
			ChunkSize:               defaultChunkSize,
			MaxConcurrentOperations: defaultMaxConcurrent,
			PendingRetryInterval:    defaultPendingRetry,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
		},
	}
}

// Load reads path (when it exists) over the defaults and validates the
// result. A missing file is not an error: the defaults plus flags may be a
// complete configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}

			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field consistency. CloudRoot presence is enforced by the
// engine (it needs the directory, not just the string), so only decodable
// fields are verified here.
func (c *Config) Validate() error {
	if c.Sync.Role != RoleClient && c.Sync.Role != RoleServer {
		return fmt.Errorf("config: sync.role must be %q or %q, got %q", RoleClient, RoleServer, c.Sync.Role)
	}

	if c.Transfers.MaxConcurrentOperations < 1 {
		return fmt.Errorf("config: transfers.max_concurrent_operations must be >= 1, got %d",
			c.Transfers.MaxConcurrentOperations)
	}

	if _, err := ParseSize(c.Transfers.ChunkSize); err != nil {
		return fmt.Errorf("config: transfers.chunk_size: %w", err)
	}

	durations := map[string]string{
		"sync.poll_interval":               c.Sync.PollInterval,
		"sync.rescan_interval":             c.Sync.RescanInterval,
		"sync.shutdown_timeout":            c.Sync.ShutdownTimeout,
		"transfers.pending_retry_interval": c.Transfers.PendingRetryInterval,
		"network.connect_timeout":          c.Network.ConnectTimeout,
	}

	for name, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}

	return nil
}

// Duration parses a validated duration field. Call only after Validate.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic("config: Duration called on unvalidated field: " + s)
	}

	return d
}
