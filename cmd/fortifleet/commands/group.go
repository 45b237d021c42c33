package commands

import (
	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/spf13/cobra"
)

func newGroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "group",
		Aliases: []string{"addrgrp"},
		Short:   "Manage firewall address groups",
		Long: `Manage firewall address groups.

Members are given as raw values: an IP, a CIDR, an IP range, a domain name or
an existing address name. Members missing on a target are created first, named
by the configured naming script.`,
	}

	cmd.AddCommand(newGroupWriteCommand(engine.OperationCreate))
	cmd.AddCommand(newGroupWriteCommand(engine.OperationUpdate))
	cmd.AddCommand(newGroupEditCommand("add-member"))
	cmd.AddCommand(newGroupEditCommand("remove-member"))
	cmd.AddCommand(newDeleteCommand(engine.ResourceAddressGroup))

	members := newLookupCommand(engine.ResourceAddressGroup)
	members.Aliases = []string{"members"}
	cmd.AddCommand(members)

	return cmd
}

func newGroupWriteCommand(kind engine.OperationKind) *cobra.Command {
	var (
		sel     selectionFlags
		members []string
		comment string
	)

	cmd := &cobra.Command{
		Use:   string(kind) + " NAME",
		Short: "Fan out an address group " + string(kind),
		Long: `Fan out an address group ` + string(kind) + `. Update replaces the whole member
list; use add-member and remove-member for incremental edits.`,
		Example: `  fortifleet group create web-servers --member 10.1.1.10 --member web02.example.net --all`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, &sel, &engine.Operation{
				Kind:     kind,
				Resource: engine.ResourceAddressGroup,
				Name:     args[0],
				Group:    &engine.AddressGroup{Name: args[0], Members: members, Comment: comment},
			})
		},
	}

	sel.register(cmd)
	cmd.Flags().StringSliceVarP(&members, "member", "m", nil, "member value (repeatable)")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")

	return cmd
}

func newGroupEditCommand(use string) *cobra.Command {
	var sel selectionFlags

	cmd := &cobra.Command{
		Use:   use + " GROUP MEMBER...",
		Short: "Fan out an incremental member edit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			edit := &engine.MemberEdit{}
			if use == "add-member" {
				edit.Add = args[1:]
			} else {
				edit.Remove = args[1:]
			}
			return runOperation(cmd, &sel, &engine.Operation{
				Kind:     engine.OperationUpdate,
				Resource: engine.ResourceAddressGroup,
				Name:     args[0],
				Edit:     edit,
			})
		},
	}

	sel.register(cmd)

	return cmd
}
