package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstack-archive/senlin-sub004/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or upgrade the engine database schema.

The serve command migrates automatically on startup; this command exists for
provisioning the database ahead of time or upgrading it while the engine
fleet is stopped.`,
		Example: `  # Migrate the default database file
  senlin-engine migrate

  # Migrate the database named in a config file
  senlin-engine migrate --config /etc/senlin/engine.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().Str("path", cfg.Database.Path).Msg("Migrating database")

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate store: %w", err)
			}

			fmt.Printf("Database %s is up to date\n", cfg.Database.Path)
			return nil
		},
	}

	return cmd
}
