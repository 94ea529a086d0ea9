package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudpair/cloudpair/internal/sync"
)

// newStatusCmd builds the local status command: table summary without
// contacting the peer.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local table summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := buildLogger(cfg)

			engCfg, err := buildEngineConfig(cfg, true, "")
			if err != nil {
				return err
			}

			table := sync.NewHashFileTable(engCfg.CloudRoot, sync.NewVisibility(len(engCfg.MasterKey) > 0), nil, logger)

			if err := table.LoadCache(); err != nil {
				if scanErr := table.Scan(cmd.Context()); scanErr != nil {
					return scanErr
				}
			}

			files := 0
			dirs := 0

			for _, e := range table.Elements() {
				if e.IsDirectory() {
					dirs++
				} else {
					files++
				}
			}

			fmt.Printf("cloud root:  %s\n", engCfg.CloudRoot)
			fmt.Printf("files:       %d\n", files)
			fmt.Printf("directories: %d\n", dirs)
			fmt.Printf("used space:  %d bytes\n", table.UsedSpace())

			return nil
		},
	}
}
