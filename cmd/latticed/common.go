package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/reglet-dev/latticed/internal/infrastructure/output"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CommonOptions contains flags shared across ctl commands.
type CommonOptions struct {
	// Lattice connection
	Lattice     string
	NATSURL     string
	Credentials string
	HostID      string

	// Output
	Format string

	// Execution
	Timeout time.Duration
	Wait    time.Duration
}

// DefaultCommonOptions returns sensible defaults.
func DefaultCommonOptions() CommonOptions {
	return CommonOptions{
		Lattice: "default",
		NATSURL: "nats://127.0.0.1:4222",
		Format:  "table",
		Timeout: 2 * time.Second,
		Wait:    time.Second,
	}
}

// RegisterFlags adds common flags to a cobra command and binds them to
// LATTICED_* environment variables.
func (opts *CommonOptions) RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Lattice, "lattice", opts.Lattice, "lattice prefix")
	flags.StringVar(&opts.NATSURL, "nats-url", opts.NATSURL, "URL of the lattice NATS servers")
	flags.StringVar(&opts.Credentials, "nats-creds", opts.Credentials, "NATS credentials file")
	flags.StringVar(&opts.HostID, "host", opts.HostID, "target host id (default: the only responding host)")
	flags.StringVarP(&opts.Format, "output", "o", opts.Format,
		"Output format: "+strings.Join(output.SupportedFormats(), ", "))
	flags.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "control request timeout")
	flags.DurationVar(&opts.Wait, "wait", opts.Wait, "how long to collect replies from every host")

	for _, name := range []string{"lattice", "nats-url", "nats-creds", "host", "timeout"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// Resolve folds environment overrides bound in RegisterFlags back into opts.
func (opts *CommonOptions) Resolve() {
	opts.Lattice = viper.GetString("lattice")
	opts.NATSURL = viper.GetString("nats-url")
	opts.Credentials = viper.GetString("nats-creds")
	opts.HostID = viper.GetString("host")
	opts.Timeout = viper.GetDuration("timeout")
}

// ApplyToContext applies timeout to context.
// Returns new context and cancel function.
func (opts *CommonOptions) ApplyToContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if opts.Timeout > 0 {
		return context.WithTimeout(ctx, opts.Timeout+opts.Wait)
	}
	// No timeout - return no-op cancel
	return ctx, func() {}
}

// ValidateFlags validates common options.
func (opts *CommonOptions) ValidateFlags() error {
	if opts.Lattice == "" {
		return fmt.Errorf("--lattice must not be empty")
	}
	if !slices.Contains(output.SupportedFormats(), opts.Format) {
		return fmt.Errorf("invalid format: %s (valid: %s)", opts.Format, strings.Join(output.SupportedFormats(), ", "))
	}
	if opts.Wait <= 0 {
		return fmt.Errorf("--wait must be positive")
	}
	return nil
}

// parseKeyValues turns KEY=VALUE arguments into a map.
func parseKeyValues(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q: expected KEY=VALUE", arg)
		}
		out[key] = value
	}
	return out, nil
}
