package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/fortifleet/fortifleet/pkg/config"
	"github.com/fortifleet/fortifleet/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	userName   string
	assumeYes  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fortifleet",
		Short: "FortiFleet - FortiGate fleet configuration fan-out",
		Long: `FortiFleet applies one logical firewall change to many FortiGate appliances
in parallel and reports a per-appliance outcome for every invocation.

Features:
  - Address, address group, policy and service management
  - Dependency resolution for group members and policy references
  - Raw CLI command fan-out
  - Audit log of every fan-out
  - Rego guard policies and Starlark naming scripts`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configureConsoleLog(os.Getenv(config.EnvLogLevel), verbose)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default fortifleet.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&userName, "user", "u", defaultUser(), "user recorded in the audit log")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "skip confirmation prompts")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newTargetCommand())
	rootCmd.AddCommand(newAddressCommand())
	rootCmd.AddCommand(newGroupCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newServiceCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newCLICommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// configureConsoleLog sets up the global logger used before telemetry is
// built from the loaded config. --verbose wins over the environment.
func configureConsoleLog(level string, verbose bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if verbose {
		level = "debug"
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(level))
}
