// Package cli implements the actionlog command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/actionlog/actionlog/internal/config"
	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/actionlog/actionlog/internal/logging"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

// Exit codes.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitConfig = 2
)

type rootOptions struct {
	configFile  string
	logLevel    string
	logFormat   string
	metricsFile string
}

// NewRootCommand builds the actionlog command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "actionlog",
		Short: "Batch ETL for user-action logs",
		Long: `actionlog moves a user-action log batch from a local file through
object storage into a star-schema warehouse.

Stages run in the order init-db, ingest, transform, load. Each stage is its
own command so an external scheduler can run them separately; "run" executes
all of them.

Settings come from --config, then the environment (MINIO_ENDPOINT,
MINIO_ACCESS_KEY, MINIO_SECRET_KEY, MINIO_BUCKET, RAW_LOCAL_FILE, POSTGRES_*,
and ACTIONLOG_* for everything else).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml or json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: json, text")
	root.PersistentFlags().StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")

	root.AddCommand(
		newStageCommands(opts)...,
	)
	root.AddCommand(
		newRunCommand(opts),
		newSeedCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return root
}

// loadConfig reads configuration and applies flag overrides.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = o.logFormat
	}
	if flags.Changed("metrics-file") {
		cfg.Metrics.Textfile = o.metricsFile
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg and installs it as the default.
func newLogger(cmd *cobra.Command, cfg *config.Config) *logging.Logger {
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	return logger
}

// Execute runs the command line with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code: configuration errors
// exit 2, every other failure exits 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case perrors.IsConfig(err):
		return ExitConfig
	default:
		return ExitError
	}
}
