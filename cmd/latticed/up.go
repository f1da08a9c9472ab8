package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reglet-dev/latticed/internal/infrastructure/container"
	"github.com/reglet-dev/latticed/internal/infrastructure/manifest"
	"github.com/reglet-dev/latticed/internal/infrastructure/system"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type upOptions struct {
	manifest        string
	embedded        bool
	lattice         string
	natsURL         string
	shutdownTimeout time.Duration
}

func newUpCmd() *cobra.Command {
	opts := upOptions{shutdownTimeout: 30 * time.Second}
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run a lattice host",
		Long: `Start a host, join it to the lattice and serve the control interface
until interrupted. A manifest, when given, is applied once the host is up.`,
		Example: `  latticed up --embedded --manifest app.yaml
  latticed up --config /etc/latticed/config.yaml --lattice prod`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUp(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.manifest, "manifest", "f", "", "manifest to apply after startup")
	cmd.Flags().BoolVar(&opts.embedded, "embedded", false, "run an in-process NATS server")
	cmd.Flags().StringVar(&opts.lattice, "lattice", "", "lattice prefix (overrides config)")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", "", "URL of the lattice NATS servers (overrides config)")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", opts.shutdownTimeout, "time allowed for a graceful stop")
	return cmd
}

func loadHostConfig(opts upOptions) (*system.HostConfig, error) {
	cfg, err := system.NewConfigLoader().Load(hostConfigPath())
	if err != nil {
		return nil, err
	}
	if opts.embedded {
		cfg.NATS.Embedded = true
	}
	if opts.lattice != "" {
		cfg.Lattice = opts.lattice
	}
	if opts.natsURL != "" {
		cfg.NATS.URL = opts.natsURL
	}
	return cfg, cfg.Validate()
}

func runUp(cmd *cobra.Command, opts upOptions) error {
	cfg, err := loadHostConfig(opts)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, container.Options{
		Config:     cfg,
		Logger:     slog.Default(),
		Redactions: redactions,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize host: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close(context.WithoutCancel(ctx))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Enabled {
		l, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
			return fmt.Errorf("failed to listen on admin address: %w", err)
		}
		g.Go(func() error { return c.ServeAdmin(l) })
	}
	if opts.manifest != "" {
		g.Go(func() error { return applyManifest(gctx, c, opts.manifest) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down host")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), opts.shutdownTimeout)
		defer cancel()
		return c.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applyManifest loads, substitutes and applies a manifest. Failures are
// logged without stopping the host.
func applyManifest(ctx context.Context, c *container.Container, path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	if err := manifest.NewSubstitutor(c.Secrets()).Substitute(m); err != nil {
		return fmt.Errorf("failed to substitute manifest variables: %w", err)
	}
	if err := manifest.Apply(ctx, m, c.Control()); err != nil {
		slog.Error("manifest applied with errors", "path", path, "error", err)
		return nil
	}
	slog.Info("manifest applied", "path", path)
	return nil
}
