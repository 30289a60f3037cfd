// Package app manages the lifecycle of the ingestion service: it opens the
// stream, graph and checkpoint stores, starts the operator servers, runs the
// pipeline and releases everything on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cartograph/cartograph/internal/checkpoint"
	"github.com/cartograph/cartograph/internal/config"
	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/internal/events"
	"github.com/cartograph/cartograph/internal/graph"
	"github.com/cartograph/cartograph/internal/logging"
	"github.com/cartograph/cartograph/internal/observability"
	"github.com/cartograph/cartograph/internal/pipeline"
	"github.com/cartograph/cartograph/internal/retry"
	"github.com/cartograph/cartograph/internal/server"
	"github.com/cartograph/cartograph/internal/stream"
	"github.com/cartograph/cartograph/internal/upsert"
	"github.com/cartograph/cartograph/internal/window"
)

const (
	serviceName        = "cartograph-ingest"
	eventBufferSize    = 1024
	healthPollInterval = 500 * time.Millisecond
)

// App runs one ingestion service.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	events  *events.Bus

	shutdown *server.ShutdownManager
	pipeline *pipeline.Pipeline

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New validates cfg and creates an app.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, perrors.Wrap(perrors.ErrCategoryConfig, perrors.CodeInvalidConfig, "invalid configuration", err)
	}
	logger = logging.OrNop(logger)
	return &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.New(),
		events:   events.NewBus(eventBufferSize),
		shutdown: server.NewShutdownManager(server.ShutdownConfig{}, logger),
	}, nil
}

// PipelineConfig maps service configuration onto the pipeline stages.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}
	return pipeline.Config{
		Partitions: cfg.Stream.Partitions,
		Window: window.Config{
			Size:          cfg.Window.Size,
			MaxCandidates: cfg.Window.MaxCandidates,
			MaxPending:    cfg.Window.MaxPending,
			SweepInterval: cfg.Window.SweepInterval,
		},
		Engine: upsert.Config{
			MaxSize:     cfg.Batch.MaxSize,
			MaxLatency:  cfg.Batch.MaxLatency,
			Concurrency: cfg.Batch.Concurrency,
			Retry:       policy,
		},
		Checkpoint: checkpoint.Config{
			Group:         cfg.ConsumerGroup,
			FlushInterval: cfg.Checkpoint.FlushInterval,
			Retry:         policy,
		},
		Consumer: stream.ConsumerConfig{
			ReconnectInitialBackoff: cfg.Retry.InitialBackoff,
			ReconnectMaxBackoff:     cfg.Stream.ReconnectMaxBackoff,
		},
		DrainTimeout: cfg.Shutdown.DrainTimeout,
	}
}

// Ready reports whether the pipeline is consuming.
func (a *App) Ready() bool {
	a.mu.Lock()
	p := a.pipeline
	a.mu.Unlock()
	return p != nil && p.Ready()
}

// NotifyContext returns a context canceled on SIGINT or SIGTERM.
func (a *App) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return a.shutdown.NotifyContext(parent)
}

// Metrics returns the app's metrics.
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Run opens every dependency, serves the operator surface and ingests until
// ctx ends or the pipeline fails. Startup failures are returned before any
// record is consumed; a clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	defer func() {
		if err := a.shutdown.Shutdown("ingestion stopped"); err != nil {
			a.logger.Warn("shutdown completed with errors", zap.Error(err))
		}
		a.wg.Wait()
		a.logger.Info("cartograph stopped")
	}()

	src, graphStore, cpStore, err := a.open(ctx)
	if err != nil {
		return err
	}

	p := pipeline.New(PipelineConfig(a.cfg), src, graphStore, cpStore, pipeline.Options{
		Events:  a.events,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	a.mu.Lock()
	a.pipeline = p
	a.mu.Unlock()

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	if err := a.startServers(bgCtx); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		events.LogEvents(bgCtx, a.events, a.logger)
	}()

	a.logger.Info("cartograph started",
		zap.String("consumer_group", a.cfg.ConsumerGroup),
		zap.String("stream", a.cfg.StreamURI),
	)
	err = p.Run(ctx)
	stopBackground()
	return err
}

// open connects the checkpoint store, graph store and stream within the
// startup timeout. Whatever was opened is registered for shutdown.
func (a *App) open(ctx context.Context) (stream.Source, graph.Store, checkpoint.Store, error) {
	timeout := a.cfg.Stream.StartupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cpStore, err := checkpoint.Open(startCtx, a.cfg.CheckpointStoreURI)
	if err != nil {
		return nil, nil, nil, perrors.NewCheckpointUnavailable("failed to open checkpoint store", err)
	}
	a.shutdown.RegisterCloser("checkpoint store", cpStore)

	graphStore, err := graph.Open(startCtx, a.cfg.GraphStoreURI)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	a.shutdown.RegisterCloser("graph store", graphStore)

	src, err := stream.OpenSource(startCtx, a.cfg.StreamURI)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stream: %w", err)
	}
	a.shutdown.RegisterCloser("stream", src)

	return src, graphStore, cpStore, nil
}

// startServers binds the operator listeners up front so an unusable address
// fails startup.
func (a *App) startServers(ctx context.Context) error {
	probe := server.ProbeFunc(a.Ready)

	if a.cfg.HTTP.Addr != "" {
		lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on http address %s: %w", a.cfg.HTTP.Addr, err)
		}
		handler := server.NewHandler(serviceName, probe, a.metrics.Handler(), a.shutdown, a.logger)
		srv := server.NewHTTPServer(server.HTTPConfig{
			Addr:         a.cfg.HTTP.Addr,
			ReadTimeout:  a.cfg.HTTP.ReadTimeout,
			WriteTimeout: a.cfg.HTTP.WriteTimeout,
			IdleTimeout:  a.cfg.HTTP.IdleTimeout,
		}, handler)
		a.shutdown.RegisterCloser("http server", server.HTTPCloser(srv, 10*time.Second))

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.Info("http server listening", zap.String("addr", lis.Addr().String()))
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	if a.cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on grpc address %s: %w", a.cfg.GRPC.Addr, err)
		}
		g := server.NewGRPCHealth(probe, a.logger)
		a.shutdown.RegisterCloser("grpc server", g)

		a.wg.Add(2)
		go func() {
			defer a.wg.Done()
			if err := g.Serve(lis); err != nil {
				a.logger.Error("grpc server error", zap.Error(err))
			}
		}()
		go func() {
			defer a.wg.Done()
			g.Watch(ctx, healthPollInterval)
		}()
	}
	return nil
}
