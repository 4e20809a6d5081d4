package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/replicore/replicore/internal/config"
)

// statusCmd re-loads and validates the configuration file without
// connecting to anything. spec.md's Non-goals exclude a general RPC
// framework, so there is no running daemon to query here; this is the
// closest a CLI command gets to "is this deployment configured
// correctly" short of actually starting replication.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Validate the configuration file and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg, err = config.Load(configPath)
		if err != nil {
			return errors.Wrap(err, "loading configuration")
		}
		fmt.Println(cfg.String())
		for _, p := range cfg.Peers {
			fmt.Printf("  peer %s -> %s\n", p.Name, p.URI)
		}
		return nil
	},
}
