package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// starterConfig is written by `cloudpair init` as a commented template.
const starterConfig = `# cloudpair configuration

[sync]
cloud_root = %q
role = "client"
poll_interval = "30s"
rescan_interval = "5m"

[transfers]
chunk_size = "64KiB"
max_concurrent_operations = 3

[zeroknowledge]
enabled = false
# master_key_file = "/path/to/key"

[logging]
log_level = "info"
log_format = "auto"

[network]
# listen_addr = ":8870"            # serve
# server_url = "ws://host:8870/sync" # connect
`

// newInitCmd builds the configuration bootstrapper.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <cloud-root>",
		Short: "Write a starter configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			root, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(flagConfigPath), 0o700); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}

			if _, err := os.Stat(flagConfigPath); err == nil {
				return fmt.Errorf("config already exists at %s", flagConfigPath)
			}

			body := fmt.Sprintf(starterConfig, root)

			if err := os.WriteFile(flagConfigPath, []byte(body), 0o600); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			fmt.Println("wrote", flagConfigPath)

			return nil
		},
	}
}
