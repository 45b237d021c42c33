package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the fan-out audit log",
	}

	cmd.AddCommand(newLogsListCommand())
	cmd.AddCommand(newLogsClearCommand())

	return cmd
}

func newLogsListCommand() *cobra.Command {
	var (
		limit   int
		details bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			entries, err := a.store.ListAuditLogs(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, entries)
			}

			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "TIME\tUSER\tACTION\tKIND\tNAME\tTARGETS\tSTATUS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.User, e.Action, e.ResourceKind,
					e.ResourceName, len(e.Targets), statusStyle(e.Status).Render(string(e.Status)))
				if details && e.Details != "" {
					fmt.Fprintf(tw, "\t%s\n", strings.ReplaceAll(e.Details, "\n", "\n\t"))
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries (0 for all)")
	cmd.Flags().BoolVar(&details, "details", false, "show per-target details")

	return cmd
}

func newLogsClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every audit entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			ok, err := confirm("Clear the audit log")
			if err != nil || !ok {
				return err
			}
			n, err := a.store.ClearAuditLogs(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Cleared %d audit entries\n", n)
			return nil
		},
	}
}
