package commands

import (
	"fmt"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/spf13/cobra"
)

// policyFlags describe one security policy.
type policyFlags struct {
	srcIntf    []string
	dstIntf    []string
	srcAddr    []string
	dstAddr    []string
	service    []string
	action     string
	schedule   string
	logTraffic string
	nat        bool
	comments   string
	status     string
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.srcIntf, "srcintf", nil, "source interface (repeatable)")
	cmd.Flags().StringSliceVar(&f.dstIntf, "dstintf", nil, "destination interface (repeatable)")
	cmd.Flags().StringSliceVar(&f.srcAddr, "srcaddr", nil, "source address or group (repeatable)")
	cmd.Flags().StringSliceVar(&f.dstAddr, "dstaddr", nil, "destination address or group (repeatable)")
	cmd.Flags().StringSliceVar(&f.service, "service", nil, "service (repeatable)")
	cmd.Flags().StringVar(&f.action, "action", "", "accept or deny")
	cmd.Flags().StringVar(&f.schedule, "schedule", "", "schedule name")
	cmd.Flags().StringVar(&f.logTraffic, "logtraffic", "", "all, utm or disable")
	cmd.Flags().BoolVar(&f.nat, "nat", false, "enable source NAT")
	cmd.Flags().StringVar(&f.comments, "comments", "", "comments")
	cmd.Flags().StringVar(&f.status, "status", "", "enable or disable")
}

func (f *policyFlags) policy(name string) *engine.Policy {
	return &engine.Policy{
		Name:       name,
		SrcIntf:    f.srcIntf,
		DstIntf:    f.dstIntf,
		SrcAddr:    f.srcAddr,
		DstAddr:    f.dstAddr,
		Action:     engine.PolicyAction(f.action),
		Schedule:   f.schedule,
		Service:    f.service,
		LogTraffic: f.logTraffic,
		NAT:        f.nat,
		Comments:   f.comments,
		Status:     f.status,
	}
}

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage firewall security policies",
		Long: `Manage firewall security policies. Policies are identified by name; the
appliance-local policy ID is looked up on every target.`,
	}

	cmd.AddCommand(newPolicyWriteCommand(engine.OperationCreate))
	cmd.AddCommand(newPolicyWriteCommand(engine.OperationUpdate))
	cmd.AddCommand(newDeleteCommand(engine.ResourcePolicy))
	cmd.AddCommand(newPolicyMoveCommand())
	cmd.AddCommand(newLookupCommand(engine.ResourcePolicy))

	return cmd
}

func newPolicyWriteCommand(kind engine.OperationKind) *cobra.Command {
	var (
		sel   selectionFlags
		flags policyFlags
	)

	cmd := &cobra.Command{
		Use:   string(kind) + " NAME",
		Short: "Fan out a policy " + string(kind),
		Example: `  fortifleet policy create allow-web --srcintf port1 --dstintf port2 \
    --srcaddr all --dstaddr web-servers --service HTTPS --action accept --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, &sel, &engine.Operation{
				Kind:     kind,
				Resource: engine.ResourcePolicy,
				Name:     args[0],
				Policy:   flags.policy(args[0]),
			})
		},
	}

	sel.register(cmd)
	flags.register(cmd)

	return cmd
}

func newPolicyMoveCommand() *cobra.Command {
	var (
		sel    selectionFlags
		before string
		after  string
	)

	cmd := &cobra.Command{
		Use:     "move NAME",
		Short:   "Move a policy before or after another policy",
		Example: `  fortifleet policy move allow-web --before deny-all --all`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			move := &engine.MoveSpec{Relation: engine.MoveBefore, Reference: before}
			if after != "" {
				move = &engine.MoveSpec{Relation: engine.MoveAfter, Reference: after}
			}
			if move.Reference == "" {
				return fmt.Errorf("one of --before or --after is required")
			}
			return runOperation(cmd, &sel, &engine.Operation{
				Kind:     engine.OperationMove,
				Resource: engine.ResourcePolicy,
				Name:     args[0],
				Move:     move,
			})
		},
	}

	sel.register(cmd)
	cmd.Flags().StringVar(&before, "before", "", "reference policy name")
	cmd.Flags().StringVar(&after, "after", "", "reference policy name")
	cmd.MarkFlagsMutuallyExclusive("before", "after")

	return cmd
}
