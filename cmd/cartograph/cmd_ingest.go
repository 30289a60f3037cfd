package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cartograph/cartograph/internal/app"
	"github.com/cartograph/cartograph/internal/config"
)

type ingestOptions struct {
	graphStoreURI    string
	windowSize       time.Duration
	batchMaxSize     int
	batchMaxLatency  time.Duration
	retryMaxAttempts int
	concurrency      int
	httpAddr         string
	grpcAddr         string
}

func newIngestCmd(root *rootOptions) *cobra.Command {
	opts := &ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the graph ingestion service until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := a.NotifyContext(cmd.Context())
			defer stop()

			logger.Info("starting ingestion",
				zap.String("version", version),
				zap.Duration("window_size", cfg.Window.Size),
				zap.Int("batch_max_size", cfg.Batch.MaxSize),
				zap.Duration("batch_max_latency", cfg.Batch.MaxLatency),
				zap.Int("retry_max_attempts", cfg.Retry.MaxAttempts),
				zap.String("graph_store", cfg.GraphStoreURI),
				zap.String("checkpoint_store", cfg.CheckpointStoreURI),
			)
			if err := a.Run(ctx); err != nil {
				logger.Error("ingestion failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.graphStoreURI, "graph-store-uri", "", "Graph store URI (sqlite://path or neo4j://host:port)")
	f.DurationVar(&opts.windowSize, "window-size", 0, "Deduplication window per entity key (default 30s)")
	f.IntVar(&opts.batchMaxSize, "batch-max-size", 0, "Maximum upserts per graph transaction (default 500)")
	f.DurationVar(&opts.batchMaxLatency, "batch-max-latency", 0, "Maximum time a record waits in an open batch (default 1s)")
	f.IntVar(&opts.retryMaxAttempts, "retry-max-attempts", 0, "Attempts per batch on transient graph errors (default 5)")
	f.IntVar(&opts.concurrency, "concurrency", 0, "Batches in flight at once (default 4)")
	f.StringVar(&opts.httpAddr, "http-addr", "", "Address for /health, /ready and /metrics (empty disables)")
	f.StringVar(&opts.grpcAddr, "grpc-addr", "", "Address for the gRPC health service (enables it)")
	return cmd
}

// apply overrides cfg with the ingest flags that were set.
func (o *ingestOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("graph-store-uri") {
		cfg.GraphStoreURI = o.graphStoreURI
	}
	if flags.Changed("window-size") {
		cfg.Window.Size = o.windowSize
	}
	if flags.Changed("batch-max-size") {
		cfg.Batch.MaxSize = o.batchMaxSize
	}
	if flags.Changed("batch-max-latency") {
		cfg.Batch.MaxLatency = o.batchMaxLatency
	}
	if flags.Changed("retry-max-attempts") {
		cfg.Retry.MaxAttempts = o.retryMaxAttempts
	}
	if flags.Changed("concurrency") {
		cfg.Batch.Concurrency = o.concurrency
	}
	if flags.Changed("http-addr") {
		cfg.HTTP.Addr = o.httpAddr
	}
	if flags.Changed("grpc-addr") {
		cfg.GRPC.Addr = o.grpcAddr
		cfg.GRPC.Enabled = o.grpcAddr != ""
	}
}
