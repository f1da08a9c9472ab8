package main

import (
	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/spf13/cobra"
)

func newStartCmd(opts *CommonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an actor or provider on a host",
	}

	var linkName string
	var configNames []string
	provider := &cobra.Command{
		Use:     "provider <image-ref>",
		Short:   "Start a capability provider",
		Example: `  latticed ctl start provider ./httpserver --link-name default --config http`,
		Args:    cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			hostID, err := ctx.targetHost()
			if err != nil {
				return err
			}
			return ctx.ack(ctx.Client.StartProvider(ctx.Context, hostID, dto.StartProviderCommand{
				ProviderRef: args[0],
				LinkName:    linkName,
				ConfigNames: configNames,
			}))
		}),
	}
	provider.Flags().StringVar(&linkName, "link-name", "", "link name (default \"default\")")
	provider.Flags().StringSliceVar(&configNames, "config", nil, "named config entries to pass to the provider")

	cmd.AddCommand(&cobra.Command{
		Use:     "actor <image-ref>",
		Short:   "Start an actor",
		Example: `  latticed ctl start actor ./echo.wasm`,
		Args:    cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			hostID, err := ctx.targetHost()
			if err != nil {
				return err
			}
			return ctx.ack(ctx.Client.StartActor(ctx.Context, hostID, dto.StartActorCommand{ActorRef: args[0]}))
		}),
	}, provider)
	return cmd
}

func newStopCmd(opts *CommonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an actor or provider on a host",
	}

	var linkName string
	provider := &cobra.Command{
		Use:   "provider <image-ref|public-key>",
		Short: "Stop a capability provider",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			hostID, err := ctx.targetHost()
			if err != nil {
				return err
			}
			return ctx.ack(ctx.Client.StopProvider(ctx.Context, hostID, dto.StopProviderCommand{
				ProviderRef: args[0],
				LinkName:    linkName,
			}))
		}),
	}
	provider.Flags().StringVar(&linkName, "link-name", "", "link name (default \"default\")")

	cmd.AddCommand(&cobra.Command{
		Use:   "actor <image-ref|public-key>",
		Short: "Stop an actor",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			hostID, err := ctx.targetHost()
			if err != nil {
				return err
			}
			return ctx.ack(ctx.Client.StopActor(ctx.Context, hostID, dto.StopActorCommand{ActorRef: args[0]}))
		}),
	}, provider)
	return cmd
}

func newLabelCmd(opts *CommonOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "label KEY=VALUE...",
		Short:   "Replace a host's labels",
		Example: `  latticed ctl label zone=us-east-1 tier=edge`,
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			labels, err := parseKeyValues(args)
			if err != nil {
				return err
			}
			hostID, err := ctx.targetHost()
			if err != nil {
				return err
			}
			return ctx.ack(ctx.Client.SetLabels(ctx.Context, hostID, labels))
		}),
	}
}

func newAuctionCmd(opts *CommonOptions) *cobra.Command {
	var constraints []string
	cmd := &cobra.Command{
		Use:   "auction",
		Short: "Ask which hosts could run an actor or provider",
	}
	cmd.PersistentFlags().StringSliceVar(&constraints, "constraint", nil, "label constraint KEY=VALUE (repeatable)")

	var linkName string
	provider := &cobra.Command{
		Use:   "provider <image-ref>",
		Short: "Collect bids for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			c, err := parseKeyValues(constraints)
			if err != nil {
				return err
			}
			bids, err := ctx.Client.AuctionProvider(ctx.Context, dto.ProviderAuctionRequest{
				ProviderRef: args[0],
				LinkName:    linkName,
				Constraints: c,
			}, opts.Wait)
			if err != nil {
				return err
			}
			return ctx.Formatter.Format(bids)
		}),
	}
	provider.Flags().StringVar(&linkName, "link-name", "", "link name (default \"default\")")

	cmd.AddCommand(&cobra.Command{
		Use:     "actor <image-ref>",
		Short:   "Collect bids for an actor",
		Example: `  latticed ctl auction actor ./echo.wasm --constraint zone=us-east-1`,
		Args:    cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			c, err := parseKeyValues(constraints)
			if err != nil {
				return err
			}
			bids, err := ctx.Client.AuctionActor(ctx.Context, dto.ActorAuctionRequest{ActorRef: args[0], Constraints: c}, opts.Wait)
			if err != nil {
				return err
			}
			return ctx.Formatter.Format(bids)
		}),
	}, provider)
	return cmd
}
