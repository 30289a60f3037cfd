// Package main implements the cartograph binary: the graph ingestion
// service, the collector trigger target and the checkpoint operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cartograph/cartograph/internal/config"
	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cartograph: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string

	consumerGroup      string
	streamURI          string
	checkpointStoreURI string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "cartograph",
		Short: "Ingest cloud asset intel into a property graph",
		Long: `cartograph collects cloud-resource metadata, streams it through a
durable log and applies it to a property graph as idempotent, ordered
upsert batches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.bind(root)

	root.AddCommand(
		newIngestCmd(opts),
		newCollectCmd(opts),
		newCheckpointCmd(opts),
		newVersionCmd(),
	)
	return root
}

// bind registers the shared flags on cmd.
func (o *rootOptions) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&o.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&o.logFormat, "log-format", "", "Log format: json or console")
	pf.StringVar(&o.consumerGroup, "consumer-group", "", "Consumer group owning the checkpoint")
	pf.StringVar(&o.streamURI, "stream-uri", "", "Stream URI (file://dir?partitions=N or nats://host:port/stream)")
	pf.StringVar(&o.checkpointStoreURI, "checkpoint-store-uri", "", "Checkpoint store URI")
}

// loadConfig applies defaults, then the config file, then CARTOGRAPH_*
// environment variables, then flags set on cmd.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if o.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(o.configFile)
		if err != nil {
			return nil, perrors.Wrap(perrors.ErrCategoryConfig, perrors.CodeInvalidConfig, "failed to load config file", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, perrors.Wrap(perrors.ErrCategoryConfig, perrors.CodeInvalidConfig, "invalid environment", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("consumer-group") {
		cfg.ConsumerGroup = o.consumerGroup
	}
	if flags.Changed("stream-uri") {
		cfg.StreamURI = o.streamURI
	}
	if flags.Changed("checkpoint-store-uri") {
		cfg.CheckpointStoreURI = o.checkpointStoreURI
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, perrors.Wrap(perrors.ErrCategoryConfig, perrors.CodeInvalidConfig, "invalid log configuration", err)
	}
	return logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cartograph version %s (commit: %s)\n", version, commit)
		},
	}
}
