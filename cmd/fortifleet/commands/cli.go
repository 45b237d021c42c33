package commands

import (
	"strings"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/spf13/cobra"
)

func newCLICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cli",
		Short: "Run FortiOS CLI commands across the fleet",
	}

	cmd.AddCommand(newCLIRunCommand())

	return cmd
}

func newCLIRunCommand() *cobra.Command {
	var sel selectionFlags

	cmd := &cobra.Command{
		Use:   "run COMMAND...",
		Short: "Run one CLI command on every selected target",
		Long: `Run one CLI command on every selected target and print each appliance's
output. Commands are checked against the guard policies first.`,
		Example: `  fortifleet cli run get system status --all
  fortifleet cli run "diagnose sys session stat" -t fw-01`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, &sel, &engine.Operation{
				Kind:    engine.OperationCommand,
				Command: strings.Join(args, " "),
			})
		},
	}

	sel.register(cmd)

	return cmd
}
