package commands

import (
	"fmt"
	"os"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/policy"
	"github.com/spf13/cobra"
)

func newCheckCommand() *cobra.Command {
	var (
		sel  selectionFlags
		file string
		list bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate guard policies without running an operation",
		Long: `Evaluate the guard policies against an operation file and the selected
targets. No appliance is contacted and nothing is recorded.`,
		Example: `  # Would this command be allowed on every enabled target?
  fortifleet check -f reboot.yaml --all

  # List loaded policies
  fortifleet check --list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.guard == nil {
				return fmt.Errorf("policy guard is disabled in the config")
			}
			if list {
				return printPolicies(a.guard.ListPolicies())
			}
			if file == "" {
				return fmt.Errorf("--file is required unless --list is set")
			}

			op, err := readOperation(file)
			if err != nil {
				return err
			}
			if err := op.Validate(); err != nil {
				return err
			}

			ids, err := a.resolveTargets(ctx, sel.targets, sel.all)
			if err != nil {
				return err
			}
			all, err := a.store.ListTargets(ctx)
			if err != nil {
				return err
			}
			selection := engine.NewSelectionSet(ids...)
			var targets []engine.Target
			for _, t := range all {
				for _, id := range selection {
					if t.ID == id {
						targets = append(targets, t)
						break
					}
				}
			}

			decision, err := a.guard.Evaluate(ctx, policy.NewInput(op, targets, userName))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, decision)
			}
			printDecision(op, decision)
			if !decision.Allowed {
				return fmt.Errorf("operation denied by %d policy violation(s)", len(decision.Violations))
			}
			return nil
		},
	}

	sel.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "operation file")
	cmd.Flags().BoolVar(&list, "list", false, "list loaded policies")

	return cmd
}

func printDecision(op *engine.Operation, d *policy.Decision) {
	fmt.Println(headerStyle.Render(op.String()))
	for _, v := range d.Violations {
		fmt.Printf("  %s [%s] %s: %s\n", failStyle.Render("✗"), v.Severity, v.Policy, v.Message)
	}
	for _, v := range d.Warnings {
		fmt.Printf("  %s [%s] %s: %s\n", partialStyle.Render("!"), v.Severity, v.Policy, v.Message)
	}
	verdict := okStyle.Render("allowed")
	if !d.Allowed {
		verdict = failStyle.Render("denied")
	}
	fmt.Printf("\n%s after %d policies\n", verdict, len(d.EvaluatedPolicies))
}

func printPolicies(policies []policy.Policy) error {
	if jsonOutput {
		return printJSON(os.Stdout, policies)
	}
	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
	for _, p := range policies {
		source := p.Source
		if p.Builtin {
			source = "builtin"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
	}
	return tw.Flush()
}
