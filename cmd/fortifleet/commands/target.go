package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/inventory"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/spf13/cobra"
)

func newTargetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "target",
		Aliases: []string{"targets"},
		Short:   "Manage the firewall inventory",
	}

	cmd.AddCommand(newTargetListCommand())
	cmd.AddCommand(newTargetAddCommand())
	cmd.AddCommand(newTargetUpdateCommand())
	cmd.AddCommand(newTargetRemoveCommand())
	cmd.AddCommand(newTargetImportCommand())

	return cmd
}

func newTargetListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			targets, err := a.store.ListTargets(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, targets)
			}

			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "ID\tNAME\tHOST\tVDOM\tENABLED")
			for _, t := range targets {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Host, t.EffectiveVDOM(), strconv.FormatBool(t.Enabled))
			}
			return tw.Flush()
		},
	}
}

func newTargetAddCommand() *cobra.Command {
	var (
		host     string
		apiKey   string
		vdom     string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a target",
		Example: `  # Prompt for the API key
  fortifleet target add fw-01 --host 10.0.0.1

  # Non-interactive
  fortifleet target add fw-02 --host fw-02.example.net --api-key "$FW02_KEY" --vdom branch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if apiKey == "" {
				if apiKey, err = promptSecret("API key"); err != nil {
					return err
				}
			}
			if vdom == "" {
				vdom = a.cfg.Device.DefaultVDOM
			}

			target := &engine.Target{Name: args[0], Host: host, APIKey: apiKey, VDOM: vdom, Enabled: !disabled}
			if err := a.store.AddTarget(ctx, target); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, target)
			}
			fmt.Printf("✓ Added target %s (%s)\n", target.Name, target.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "management address, host or host:port")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "REST API token (prompted when omitted)")
	cmd.Flags().StringVar(&vdom, "vdom", "", "virtual domain (default from config)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the target disabled")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}

func newTargetUpdateCommand() *cobra.Command {
	var (
		name    string
		host    string
		apiKey  string
		vdom    string
		enabled bool
	)

	cmd := &cobra.Command{
		Use:   "update ID|NAME",
		Short: "Update a target",
		Example: `  # Disable a target
  fortifleet target update fw-01 --enabled=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			var patch stores.TargetPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("host") {
				patch.Host = &host
			}
			if flags.Changed("api-key") {
				patch.APIKey = &apiKey
			}
			if flags.Changed("vdom") {
				patch.VDOM = &vdom
			}
			if flags.Changed("enabled") {
				patch.Enabled = &enabled
			}

			ids, err := a.resolveTargets(ctx, args, false)
			if err != nil {
				return err
			}
			target, err := a.store.UpdateTarget(ctx, ids[0], patch)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, target)
			}
			fmt.Printf("✓ Updated target %s\n", target.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&host, "host", "", "management address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "REST API token")
	cmd.Flags().StringVar(&vdom, "vdom", "", "virtual domain")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "include the target in --all selections")

	return cmd
}

func newTargetRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID|NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a target",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			ok, err := confirm(fmt.Sprintf("Remove target %s", args[0]))
			if err != nil || !ok {
				return err
			}

			ids, err := a.resolveTargets(ctx, args, false)
			if err != nil {
				return err
			}
			if err := a.store.DeleteTarget(ctx, ids[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Removed target %s\n", args[0])
			return nil
		},
	}
}

func newTargetImportCommand() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import targets from a YAML inventory",
		Long: `Import targets from a YAML inventory. Targets are matched by name: new names
are added and changed fields are updated. With --prune, targets missing from
the file are removed.`,
		Example: `  fortifleet target import fleet.yaml --prune`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			syncer := inventory.NewSyncer(a.store,
				inventory.WithDefaultVDOM(a.cfg.Device.DefaultVDOM),
				inventory.WithPrune(prune),
				inventory.WithMetrics(a.tel.Metrics),
				inventory.WithLogger(a.logger))
			report, err := syncer.SyncFile(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, report)
			}
			fmt.Printf("✓ Imported %s: %d added, %d updated, %d removed, %d unchanged\n",
				args[0], len(report.Added), len(report.Updated), len(report.Removed), len(report.Unchanged))
			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "remove targets missing from the file")

	return cmd
}
