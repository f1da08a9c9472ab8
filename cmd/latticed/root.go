package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/reglet-dev/latticed/internal/infrastructure/secrets"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool

	// redactions collects resolved secret values so log output never carries them.
	redactions = secrets.NewRegistry()
)

// rootCmd is the application entry point.
var rootCmd = &cobra.Command{
	Use:   "latticed",
	Short: "Lattice host for WebAssembly actors and capability providers",
	Long: `latticed runs a lattice host: it loads signed WebAssembly actors,
supervises capability provider processes, and routes invocations between
them over a shared NATS lattice. The ctl commands drive running hosts
through the lattice control interface.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging(viper.GetString("log-format"), "")
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "host config file (default is $HOME/.latticed/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(newUpCmd(), newCtlCmd(), newClaimsCmd(), newKeysCmd(), newVersionCmd())
}

// initConfig wires LATTICED_* environment variables into viper.
func initConfig() {
	viper.SetEnvPrefix("latticed")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// hostConfigPath returns the --config flag, LATTICED_CONFIG or the default path.
func hostConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := viper.GetString("config"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".latticed", "config.yaml")
}

// setupLogging installs the default logger. An empty level means info, or
// debug with --verbose.
func setupLogging(format, level string) {
	lvl := slog.LevelInfo
	if level != "" {
		_ = lvl.UnmarshalText([]byte(level))
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(newLogHandler(secrets.NewWriter(os.Stderr, redactions), format, lvl)))
}

func newLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
