package commands

import (
	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/spf13/cobra"
)

func newServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage custom firewall services",
	}

	cmd.AddCommand(newServiceWriteCommand(engine.OperationCreate))
	cmd.AddCommand(newServiceWriteCommand(engine.OperationUpdate))
	cmd.AddCommand(newDeleteCommand(engine.ResourceService))
	cmd.AddCommand(newLookupCommand(engine.ResourceService))

	return cmd
}

func newServiceWriteCommand(kind engine.OperationKind) *cobra.Command {
	var (
		sel     selectionFlags
		svc     engine.Service
		comment string
	)

	cmd := &cobra.Command{
		Use:     string(kind) + " NAME",
		Short:   "Fan out a service " + string(kind),
		Example: `  fortifleet service create tcp-8443 --protocol TCP/UDP/SCTP --tcp 8443 --all`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj := svc
			obj.Name = args[0]
			obj.Comment = comment
			return runOperation(cmd, &sel, &engine.Operation{
				Kind:     kind,
				Resource: engine.ResourceService,
				Name:     args[0],
				Service:  &obj,
			})
		},
	}

	sel.register(cmd)
	cmd.Flags().StringVar(&svc.Protocol, "protocol", "TCP/UDP/SCTP", "TCP/UDP/SCTP, ICMP, ICMP6 or IP")
	cmd.Flags().StringVar(&svc.TCPPortRange, "tcp", "", "TCP port range, e.g. 8080-8090")
	cmd.Flags().StringVar(&svc.UDPPortRange, "udp", "", "UDP port range")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")

	return cmd
}
