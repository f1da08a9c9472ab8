package main

import (
	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/spf13/cobra"
)

func newLinkCmd(opts *CommonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Manage link definitions",
	}

	var putName string
	put := &cobra.Command{
		Use:     "put <actor-id> <provider-id> <contract-id> [KEY=VALUE...]",
		Short:   "Link an actor to a provider",
		Example: `  latticed ctl link put MBCFOPM6J... VAG3QITQ... wasmcloud:httpserver PORT=8080`,
		Args:    cobra.MinimumNArgs(3),
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			values, err := parseKeyValues(args[3:])
			if err != nil {
				return err
			}
			return ctx.ack(ctx.Client.PutLink(ctx.Context, links.Definition{
				ActorID:    args[0],
				ProviderID: args[1],
				ContractID: args[2],
				LinkName:   putName,
				Values:     values,
			}))
		}),
	}
	put.Flags().StringVar(&putName, "link-name", "", "link name (default \"default\")")

	var delName string
	del := &cobra.Command{
		Use:   "del <actor-id> [contract-id]",
		Short: "Remove links from an actor",
		Long:  `Remove the actor's link for one contract, or for every contract when none is given.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			req := dto.DeleteLinkCommand{ActorID: args[0], LinkName: delName}
			if len(args) == 2 {
				req.ContractID = args[1]
			}
			return ctx.ack(ctx.Client.DeleteLink(ctx.Context, req))
		}),
	}
	del.Flags().StringVar(&delName, "link-name", "", "link name (default \"default\")")

	cmd.AddCommand(put, del)
	return cmd
}

func newConfigCmd(opts *CommonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage named config entries",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:     "put <name> KEY=VALUE...",
			Short:   "Create or replace a config entry",
			Example: `  latticed ctl config put http PORT=8080`,
			Args:    cobra.MinimumNArgs(1),
			RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
				values, err := parseKeyValues(args[1:])
				if err != nil {
					return err
				}
				return ctx.ack(ctx.Client.PutConfig(ctx.Context, dto.PutConfigCommand{Name: args[0], Values: values}))
			}),
		},
		&cobra.Command{
			Use:   "del <name>",
			Short: "Delete a config entry",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
				return ctx.ack(ctx.Client.DeleteConfig(ctx.Context, args[0]))
			}),
		},
	)
	return cmd
}
