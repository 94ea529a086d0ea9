// Package config implements TOML configuration loading, validation, and
// defaults for cloudpair.
package config

// Config is the top-level configuration structure.
type Config struct {
	Sync      SyncConfig      `toml:"sync"`
	Transfers TransfersConfig `toml:"transfers"`
	ZeroKnow  ZeroKnowConfig  `toml:"zeroknowledge"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// SyncConfig controls the engine role and cadence.
type SyncConfig struct {
	CloudRoot       string `toml:"cloud_root"`
	Role            string `toml:"role"` // "client" or "server"
	PollInterval    string `toml:"poll_interval"`
	RescanInterval  string `toml:"rescan_interval"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// TransfersConfig controls chunking and parallelism.
type TransfersConfig struct {
	ChunkSize               string `toml:"chunk_size"`
	MaxConcurrentOperations int    `toml:"max_concurrent_operations"`
	PendingRetryInterval    string `toml:"pending_retry_interval"`
}

// ZeroKnowConfig controls end-to-end encryption.
type ZeroKnowConfig struct {
	Enabled       bool   `toml:"enabled"`
	MasterKeyFile string `toml:"master_key_file"`
}

// StorageConfig locates the secure store database.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "auto", "text", or "json"
	LogFile   string `toml:"log_file"`
}

// NetworkConfig controls the websocket transport.
type NetworkConfig struct {
	ListenAddr     string `toml:"listen_addr"` // server role
	ServerURL      string `toml:"server_url"`  // client role
	ConnectTimeout string `toml:"connect_timeout"`
}
