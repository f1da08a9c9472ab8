package main

import (
	"github.com/spf13/cobra"
)

func newGetCmd(opts *CommonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Query hosts and lattice state",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:     "hosts",
			Short:   "List the hosts that answer a ping",
			Example: `  latticed ctl get hosts -o json`,
			Args:    cobra.NoArgs,
			RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, _ []string) error {
				hosts, err := ctx.Client.Ping(ctx.Context, opts.Wait)
				if err != nil {
					return err
				}
				return ctx.Formatter.Format(hosts)
			}),
		},
		&cobra.Command{
			Use:   "inventory",
			Short: "Show the actors and providers running on a host",
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, _ []string) error {
				hostID, err := ctx.targetHost()
				if err != nil {
					return err
				}
				inv, err := ctx.Client.Inventory(ctx.Context, hostID)
				if err != nil {
					return err
				}
				return ctx.Formatter.Format(inv)
			}),
		},
		&cobra.Command{
			Use:   "uptime",
			Short: "Show how long a host has been running",
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, _ []string) error {
				hostID, err := ctx.targetHost()
				if err != nil {
					return err
				}
				up, err := ctx.Client.Uptime(ctx.Context, hostID)
				if err != nil {
					return err
				}
				return ctx.Formatter.Format(up)
			}),
		},
		&cobra.Command{
			Use:   "claims",
			Short: "List the claims of every unit known to the lattice",
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, _ []string) error {
				claims, err := ctx.Client.Claims(ctx.Context)
				if err != nil {
					return err
				}
				return ctx.Formatter.Format(claims)
			}),
		},
		&cobra.Command{
			Use:   "links",
			Short: "List link definitions",
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, _ []string) error {
				links, err := ctx.Client.Links(ctx.Context)
				if err != nil {
					return err
				}
				return ctx.Formatter.Format(links)
			}),
		},
	)
	return cmd
}
