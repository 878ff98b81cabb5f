package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openstack-archive/senlin-sub004/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "senlin-engine",
		Short: "Senlin Engine - Distributed Action Scheduling Core",
		Long: `senlin-engine runs one member of a cooperating engine fleet that schedules
and executes cluster lifecycle actions.

Features:
  - Persistent action state machine with dependency ordering
  - Generation-fenced distributed locks over SQLite
  - Best-effort inter-engine HTTP dispatch with polling backstop
  - Throttled batch launching for node-scoped actions
  - Self-healing health-check duty claiming
  - Rego policy enforcement around cluster mutations`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newActionCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}

// loadConfig resolves the effective configuration for a command: the file
// named by --config when given, built-in defaults otherwise.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
