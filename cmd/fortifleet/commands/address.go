package commands

import (
	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/spf13/cobra"
)

// addressFlags describe one address object.
type addressFlags struct {
	addrType string
	subnet   string
	fqdn     string
	startIP  string
	endIP    string
	country  string
	comment  string
}

func (f *addressFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addrType, "type", "", "ipmask, iprange, fqdn or geography (inferred when omitted)")
	cmd.Flags().StringVar(&f.subnet, "subnet", "", "CIDR for ipmask addresses")
	cmd.Flags().StringVar(&f.fqdn, "fqdn", "", "domain name for fqdn addresses")
	cmd.Flags().StringVar(&f.startIP, "start-ip", "", "first address of an iprange")
	cmd.Flags().StringVar(&f.endIP, "end-ip", "", "last address of an iprange")
	cmd.Flags().StringVar(&f.country, "country", "", "country code for geography addresses")
	cmd.Flags().StringVar(&f.comment, "comment", "", "comment")
}

func (f *addressFlags) address(name string) *engine.Address {
	addr := &engine.Address{
		Name:    name,
		Type:    engine.AddressType(f.addrType),
		Subnet:  f.subnet,
		FQDN:    f.fqdn,
		StartIP: f.startIP,
		EndIP:   f.endIP,
		Country: f.country,
		Comment: f.comment,
	}
	if addr.Type == "" {
		switch {
		case f.subnet != "":
			addr.Type = engine.AddressTypeIPMask
		case f.fqdn != "":
			addr.Type = engine.AddressTypeFQDN
		case f.startIP != "":
			addr.Type = engine.AddressTypeIPRange
		case f.country != "":
			addr.Type = engine.AddressTypeGeography
		}
	}
	return addr
}

func newAddressCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "address",
		Aliases: []string{"addr"},
		Short:   "Manage firewall address objects",
	}

	cmd.AddCommand(newAddressWriteCommand(engine.OperationCreate))
	cmd.AddCommand(newAddressWriteCommand(engine.OperationUpdate))
	cmd.AddCommand(newDeleteCommand(engine.ResourceAddress))
	cmd.AddCommand(newLookupCommand(engine.ResourceAddress))

	return cmd
}

func newAddressWriteCommand(kind engine.OperationKind) *cobra.Command {
	var (
		sel   selectionFlags
		flags addressFlags
	)

	cmd := &cobra.Command{
		Use:   string(kind) + " NAME",
		Short: "Fan out an address " + string(kind),
		Example: `  fortifleet address create web01 --subnet 10.1.1.10/32 --all
  fortifleet address update web01 --fqdn web01.example.net -t fw-01 -t fw-02`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, &sel, &engine.Operation{
				Kind:     kind,
				Resource: engine.ResourceAddress,
				Name:     args[0],
				Address:  flags.address(args[0]),
			})
		},
	}

	sel.register(cmd)
	flags.register(cmd)

	return cmd
}

// newDeleteCommand builds the delete subcommand shared by every object kind.
func newDeleteCommand(resource engine.ResourceKind) *cobra.Command {
	var sel selectionFlags

	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Fan out a " + string(resource) + " delete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, &sel, &engine.Operation{
				Kind:     engine.OperationDelete,
				Resource: resource,
				Name:     args[0],
			})
		},
	}

	sel.register(cmd)

	return cmd
}

// newLookupCommand builds the read-only presence check for a resource kind.
func newLookupCommand(resource engine.ResourceKind) *cobra.Command {
	var sel selectionFlags

	cmd := &cobra.Command{
		Use:   "show NAME...",
		Short: "Show which targets have the named " + string(resource) + " objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(cmd, &sel, resource, args)
		},
	}

	sel.register(cmd)

	return cmd
}
