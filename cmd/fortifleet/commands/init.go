package commands

import (
	"fmt"
	"os"

	"github.com/fortifleet/fortifleet/pkg/config"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir   string
		inventory string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a FortiFleet workspace",
		Long: `Initialize a workspace with a config file, the SQLite database, and the
credential sealing key.`,
		Example: `  # Initialize in the current directory
  fortifleet init

  # Initialize with an inventory file seeded on first run
  fortifleet init --inventory fleet.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
			}

			log.Info().Str("config", path).Str("data_dir", dataDir).Msg("Initializing workspace")

			cfg := config.Default()
			cfg.DataDir = dataDir
			cfg.Inventory.Path = inventory
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", cfg.DataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", cfg.DataDir)

			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			if keyPath := cfg.KeyFilePath(); keyPath != "" {
				if _, err := stores.LoadOrCreateKey(keyPath); err != nil {
					return err
				}
				fmt.Printf("✓ Credential key: %s\n", keyPath)
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.DatabasePath())

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Add a firewall:\n")
			fmt.Printf("     fortifleet target add fw-01 --host 10.0.0.1\n\n")
			fmt.Printf("  2. Push an address to every enabled firewall:\n")
			fmt.Printf("     fortifleet address create web01 --subnet 10.1.1.10/32 --all\n\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "data", "directory for the database and credential key")
	cmd.Flags().StringVar(&inventory, "inventory", "", "YAML inventory seeded into an empty store")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
