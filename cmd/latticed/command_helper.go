package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/reglet-dev/latticed/internal/infrastructure/control"
	"github.com/reglet-dev/latticed/internal/infrastructure/lattice"
	"github.com/reglet-dev/latticed/internal/infrastructure/output"
	"github.com/reglet-dev/latticed/internal/version"
	"github.com/spf13/cobra"
)

// CommandContext provides common ctl command dependencies.
type CommandContext struct {
	Client    *control.Client
	Formatter output.Formatter
	Logger    *slog.Logger
	Context   context.Context
	Options   *CommonOptions
}

// CommandHandler is a function that executes with a connected control client.
type CommandHandler func(*CommandContext, *cobra.Command, []string) error

// withClient wraps a handler with the lattice connection and output setup.
func withClient(opts *CommonOptions, handler CommandHandler) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		opts.Resolve()
		if err := opts.ValidateFlags(); err != nil {
			return err
		}

		formatter, err := output.NewFormatter(opts.Format, cmd.OutOrStdout(), output.Options{
			Indent: true,
			Color:  !color.NoColor,
		})
		if err != nil {
			return err
		}

		transport, err := lattice.Connect(lattice.NATSConfig{
			URL:            opts.NATSURL,
			Name:           "latticed-ctl/" + version.Get().Version,
			Credentials:    opts.Credentials,
			RequestTimeout: opts.Timeout,
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = transport.Close() // Best-effort cleanup
		}()

		ctx, cancel := opts.ApplyToContext(cmd.Context())
		defer cancel()

		return handler(&CommandContext{
			Client:    control.NewClient(transport, lattice.NewSubjects(opts.Lattice)),
			Formatter: formatter,
			Logger:    slog.Default(),
			Context:   ctx,
			Options:   opts,
		}, cmd, args)
	}
}

// targetHost returns --host, or the id of the only host that answers a ping.
func (c *CommandContext) targetHost() (string, error) {
	if c.Options.HostID != "" {
		return c.Options.HostID, nil
	}
	hosts, err := c.Client.Ping(c.Context, c.Options.Wait)
	if err != nil {
		return "", fmt.Errorf("failed to discover hosts: %w", err)
	}
	switch len(hosts) {
	case 0:
		return "", fmt.Errorf("no hosts responded on lattice %q", c.Options.Lattice)
	case 1:
		return hosts[0].HostID, nil
	default:
		return "", fmt.Errorf("%d hosts responded on lattice %q; pass --host", len(hosts), c.Options.Lattice)
	}
}

// ack prints a command acknowledgement and fails the command when the host
// rejected it.
func (c *CommandContext) ack(a dto.Ack, err error) error {
	if err != nil {
		return err
	}
	if err := c.Formatter.Format(a); err != nil {
		return err
	}
	if !a.Success {
		return fmt.Errorf("host rejected command: %s", a.Failure)
	}
	return nil
}
