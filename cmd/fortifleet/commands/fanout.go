package commands

import (
	"fmt"
	"os"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/spf13/cobra"
)

// selectionFlags are the target selection flags shared by fan-out commands.
type selectionFlags struct {
	targets []string
	all     bool
}

func (s *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&s.targets, "target", "t", nil, "target name or ID (repeatable)")
	cmd.Flags().BoolVar(&s.all, "all", false, "select every enabled target")
	cmd.MarkFlagsMutuallyExclusive("target", "all")
}

// runOperation fans op out to the selected targets and prints the result.
// It fails when any target failed so scripts can detect partial results.
func runOperation(cmd *cobra.Command, sel *selectionFlags, op *engine.Operation) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	ids, err := a.resolveTargets(ctx, sel.targets, sel.all)
	if err != nil {
		return err
	}

	a.logger.Debug().Str("operation", op.String()).Strs("targets", ids).Msg("Running fan-out")
	result, err := a.service.Execute(ctx, op, ids, userName)
	if err != nil {
		return err
	}
	if err := printResult(os.Stdout, result); err != nil {
		return err
	}
	if result.Status != engine.FanOutStatusSuccess {
		return fmt.Errorf("%d of %d targets failed", result.Total-result.Succeeded, result.Total)
	}
	return nil
}

// runLookup reports presence of names on the selected targets.
func runLookup(cmd *cobra.Command, sel *selectionFlags, kind engine.ResourceKind, names []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	ids, err := a.resolveTargets(ctx, sel.targets, sel.all)
	if err != nil {
		return err
	}
	result, err := a.service.Lookup(ctx, kind, names, ids)
	if err != nil {
		return err
	}
	return printLookup(os.Stdout, result)
}
