// Package pipeline wires the ingestion stages together: partition readers
// feed the deduplication window, admissions flow through the batch upsert
// engine into the graph store, and the checkpoint manager tracks every
// delivered offset until it is resolved.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cartograph/cartograph/internal/checkpoint"
	"github.com/cartograph/cartograph/internal/events"
	"github.com/cartograph/cartograph/internal/graph"
	"github.com/cartograph/cartograph/internal/logging"
	"github.com/cartograph/cartograph/internal/observability"
	"github.com/cartograph/cartograph/internal/stream"
	"github.com/cartograph/cartograph/internal/upsert"
	"github.com/cartograph/cartograph/internal/window"
	"github.com/cartograph/cartograph/pkg/types"
)

const (
	admissionBuffer = 1024
	statsInterval   = time.Second
)

// Config configures a pipeline.
type Config struct {
	// Partitions restricts consumption to these partitions (empty = all)
	Partitions []int

	Window     window.Config
	Engine     upsert.Config
	Checkpoint checkpoint.Config
	Consumer   stream.ConsumerConfig

	// DrainTimeout bounds how long buffered admissions may take to commit
	// after shutdown begins.
	DrainTimeout time.Duration
}

// Options carries the pipeline's optional collaborators.
type Options struct {
	Events  *events.Bus
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Pipeline is one ingestion run over a stream source.
type Pipeline struct {
	cfg        Config
	src        stream.Source
	checkpoint *checkpoint.Manager
	window     *window.Window
	engine     *upsert.Engine
	events     *events.Bus
	metrics    *observability.Metrics
	logger     *zap.Logger

	ready   atomic.Bool
	running atomic.Bool
}

// New assembles a pipeline reading src, writing graphStore and persisting
// offsets to cpStore. The caller keeps ownership of all three.
func New(cfg Config, src stream.Source, graphStore graph.Store, cpStore checkpoint.Store, opts Options) *Pipeline {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.New()
	}
	logger := logging.OrNop(opts.Logger)

	p := &Pipeline{
		cfg:     cfg,
		src:     src,
		events:  opts.Events,
		metrics: metrics,
		logger:  logger.Named("pipeline"),
	}
	p.checkpoint = checkpoint.NewManager(cpStore, cfg.Checkpoint, checkpoint.Options{
		Events:  opts.Events,
		Metrics: metrics,
		Logger:  logger,
	})
	p.window = window.New(cfg.Window, p.checkpoint.Resolve, logger)
	p.engine = upsert.New(cfg.Engine, graphStore, upsert.Options{
		OnCommitted: p.checkpoint.Resolve,
		OnRejected:  p.checkpoint.Resolve,
		Events:      opts.Events,
		Metrics:     metrics,
		Logger:      logger,
	})
	return p
}

// Ready reports whether the pipeline recovered its checkpoint and is
// consuming.
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

// Checkpoint returns the pipeline's checkpoint manager.
func (p *Pipeline) Checkpoint() *checkpoint.Manager {
	return p.checkpoint
}

// Run ingests until ctx ends or a stage fails. Startup failures (checkpoint
// store or stream unreachable) are returned before anything is consumed.
// When ctx ends, readers stop at once, admissions already handed to the
// engine are committed within DrainTimeout, and the checkpoint is flushed a
// final time. Run returns nil after a clean shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline: already running")
	}
	defer p.running.Store(false)

	cp, err := p.checkpoint.Recover(ctx)
	if err != nil {
		return err
	}
	partitions, err := p.partitions(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("pipeline starting",
		zap.Ints("partitions", partitions),
		zap.Any("resume_from", cp),
	)

	// The checkpoint writer and engine outlive ctx: the writer performs the
	// final flush and the engine drains admissions already sent to it.
	cpCtx, stopCheckpoint := context.WithCancel(context.WithoutCancel(ctx))
	var cpDone sync.WaitGroup
	cpDone.Add(1)
	go func() {
		defer cpDone.Done()
		p.checkpoint.Run(cpCtx)
	}()

	drainCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()

	admissions := make(chan window.Admission, admissionBuffer)
	counted := make(chan window.Admission)
	engineErr := make(chan error, 1)
	go func() {
		engineErr <- p.engine.Run(drainCtx, counted)
	}()
	go p.countAdmissions(drainCtx, admissions, counted)

	consumer := stream.NewConsumer(p.src, p.checkpoint.ResumeFrom, p.consumerConfig(), p.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.window.Run(gctx, admissions)
		return nil
	})
	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})
	for _, partition := range partitions {
		g.Go(func() error {
			return consumer.Run(gctx, partition, p.handle)
		})
	}
	p.ready.Store(true)

	// Bound the drain once readers are gone.
	go func() {
		<-gctx.Done()
		p.ready.Store(false)
		t := time.NewTimer(p.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			p.logger.Warn("drain timeout reached, abandoning buffered admissions",
				zap.Duration("drain_timeout", p.cfg.DrainTimeout))
			stopEngine()
		case <-drainCtx.Done():
		}
	}()

	runErr := g.Wait()
	p.ready.Store(false)

	if err := <-engineErr; err != nil && runErr == nil {
		runErr = err
	}
	stopEngine()

	stopCheckpoint()
	cpDone.Wait()

	p.logger.Info("pipeline stopped", zap.Any("checkpoint", p.checkpoint.Persisted()))
	return runErr
}

func (p *Pipeline) partitions(ctx context.Context) ([]int, error) {
	if len(p.cfg.Partitions) > 0 {
		return p.cfg.Partitions, nil
	}
	partitions, err := p.src.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to list partitions: %w", err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("pipeline: stream has no partitions")
	}
	return partitions, nil
}

func (p *Pipeline) consumerConfig() stream.ConsumerConfig {
	cfg := p.cfg.Consumer
	next := cfg.OnReconnect
	cfg.OnReconnect = func(partition int, err error) {
		p.metrics.StreamReconnects.WithLabelValues(strconv.Itoa(partition)).Inc()
		if next != nil {
			next(partition, err)
		}
	}
	return cfg
}

// handle tracks every delivered offset before anything can resolve it, so
// the checkpoint never passes an offset still owned by a later stage.
func (p *Pipeline) handle(ctx context.Context, d stream.Delivery) error {
	p.metrics.RecordsReceived.WithLabelValues(strconv.Itoa(d.Offset.Partition)).Inc()
	p.checkpoint.Track(d.Offset)

	if d.Err != nil {
		p.metrics.SchemaViolations.Inc()
		e := events.Event{
			Type:    events.SchemaViolation,
			Offsets: []types.StreamOffset{d.Offset},
			Reason:  d.Err.Error(),
		}
		if d.Record != nil {
			e.EntityKey = d.Record.EntityKey
		}
		p.events.Publish(e)
		p.checkpoint.Resolve([]types.StreamOffset{d.Offset})
		return nil
	}

	outcome, err := p.window.Offer(ctx, window.Candidate{Record: d.Record, Offset: d.Offset})
	if err != nil {
		return err
	}
	p.metrics.WindowOutcomes.WithLabelValues(outcome.String()).Inc()
	return nil
}

// countAdmissions forwards admissions to the engine, preserving close.
func (p *Pipeline) countAdmissions(ctx context.Context, in <-chan window.Admission, out chan<- window.Admission) {
	defer close(out)
	for a := range in {
		p.metrics.Admissions.Inc()
		select {
		case out <- a:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) reportStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		st := p.window.Stats()
		p.metrics.WindowKeys.Set(float64(st.Keys))
		p.metrics.WindowOpen.Set(float64(st.Open))
		p.metrics.WindowPending.Set(float64(st.Pending))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
