// Package upsert batches admitted records and applies them to the graph
// store. Batches in flight at the same time never share a key and the
// admissions of one key are applied in order.
package upsert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/internal/events"
	"github.com/cartograph/cartograph/internal/graph"
	"github.com/cartograph/cartograph/internal/logging"
	"github.com/cartograph/cartograph/internal/observability"
	"github.com/cartograph/cartograph/internal/retry"
	"github.com/cartograph/cartograph/internal/window"
	"github.com/cartograph/cartograph/pkg/types"
)

// Config configures the engine.
type Config struct {
	// MaxSize seals the open batch when it holds this many records.
	MaxSize int

	// MaxLatency seals the open batch this long after its first record.
	MaxLatency time.Duration

	// Concurrency is the number of batches applied at once.
	Concurrency int

	// Retry bounds transient apply failures.
	Retry retry.Policy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:     500,
		MaxLatency:  time.Second,
		Concurrency: 4,
		Retry:       retry.DefaultPolicy(),
	}
}

// Options carries the engine's collaborators. All fields are optional.
type Options struct {
	// OnCommitted receives the offsets of every record in a committed batch,
	// including stale writes the store skipped.
	OnCommitted func([]types.StreamOffset)

	// OnRejected receives the offsets of a record the store permanently
	// rejected. The record is dropped.
	OnRejected func([]types.StreamOffset)

	Events  *events.Bus
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Engine applies admissions to a graph store in batches.
type Engine struct {
	cfg     Config
	store   graph.Store
	opts    Options
	metrics *observability.Metrics
	logger  *zap.Logger
}

// New creates an engine writing to store.
func New(cfg Config, store graph.Store, opts Options) *Engine {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if opts.OnCommitted == nil {
		opts.OnCommitted = func([]types.StreamOffset) {}
	}
	if opts.OnRejected == nil {
		opts.OnRejected = func([]types.StreamOffset) {}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.New()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		opts:    opts,
		metrics: metrics,
		logger:  logging.OrNop(opts.Logger).Named("upsert"),
	}
}

// Run reads admissions from in until it is closed, then flushes the open
// batch and returns once the last batch finished. ctx bounds every store
// call; when it ends, buffered admissions are abandoned unapplied.
//
// One batcher fills batches up to MaxSize or MaxLatency. Full batches wait
// in a queue of at most Concurrency entries and go to the first free worker
// unless they share a key with a batch in flight or one queued ahead of them.
func (e *Engine) Run(ctx context.Context, in <-chan window.Admission) error {
	jobs := make(chan *job, e.cfg.Concurrency)
	done := make(chan *job, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger := e.logger.With(zap.Int("worker", id))
			for j := range jobs {
				e.apply(ctx, j.batch, logger)
				done <- j
			}
		}(i)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	timer := time.NewTimer(e.cfg.MaxLatency)
	timer.Stop()
	defer timer.Stop()

	s := &scheduler{limit: e.cfg.Concurrency, inflight: make(map[string]struct{}), jobs: jobs}
	var open *pending
	seal := func() {
		timer.Stop()
		if open != nil {
			s.enqueue(open)
			open = nil
		}
	}

	closed := false
	for {
		s.dispatch()
		if closed && s.idle() {
			return nil
		}

		var input <-chan window.Admission
		var deadline <-chan time.Time
		if !closed && !s.full() {
			input = in
			if open != nil {
				deadline = timer.C
			}
		}

		select {
		case a, ok := <-input:
			if !ok {
				closed = true
				seal()
				continue
			}
			if open == nil {
				open = newPending()
				timer.Reset(e.cfg.MaxLatency)
			}
			open.add(a)
			if open.len() >= e.cfg.MaxSize {
				seal()
			}

		case <-deadline:
			seal()

		case j := <-done:
			s.finish(j)

		case <-ctx.Done():
			return nil
		}
	}
}

// job is a sealed batch and the keys it held when dispatched.
type job struct {
	batch *pending
	keys  []string
}

// scheduler hands sealed batches to workers. Batches in flight never share a
// key, and a batch never overtakes an earlier queued batch holding one of its
// keys, so the admissions of one key are applied in order.
type scheduler struct {
	limit    int
	queue    []*pending
	inflight map[string]struct{}
	busy     int
	jobs     chan<- *job
}

func (s *scheduler) enqueue(p *pending) {
	s.queue = append(s.queue, p)
}

func (s *scheduler) full() bool {
	return len(s.queue) >= s.limit
}

func (s *scheduler) idle() bool {
	return len(s.queue) == 0 && s.busy == 0
}

// dispatch starts every queued batch that may run now.
func (s *scheduler) dispatch() {
	held := make(map[string]struct{})
	kept := s.queue[:0]
	for _, p := range s.queue {
		if s.busy < s.limit && !p.overlaps(s.inflight) && !p.overlaps(held) {
			keys := append([]string(nil), p.keys...)
			for _, k := range keys {
				s.inflight[k] = struct{}{}
			}
			s.busy++
			s.jobs <- &job{batch: p, keys: keys}
			continue
		}
		for _, k := range p.keys {
			held[k] = struct{}{}
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
}

func (s *scheduler) finish(j *job) {
	for _, k := range j.keys {
		delete(s.inflight, k)
	}
	s.busy--
}

// apply writes one batch. Rejected records are removed and the remainder
// retried at once; transient failures are retried with backoff until the
// attempts run out.
func (e *Engine) apply(ctx context.Context, p *pending, logger *zap.Logger) {
	batch := p.batch()

	var res graph.Result
	attempts, err := retry.Do(ctx, e.cfg.Retry, perrors.IsRetryable, func(attempt int) error {
		if attempt > 0 {
			e.metrics.BatchRetries.Inc()
			logger.Debug("retrying batch", zap.String("batch_id", batch.ID), zap.Int("attempt", attempt+1))
		}
		for {
			if batch.Len() == 0 {
				res = graph.Result{}
				return nil
			}
			start := time.Now()
			r, err := e.store.ApplyBatch(ctx, batch)
			e.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
			if err == nil {
				res = r
				return nil
			}

			rej, ok := perrors.AsRecordRejected(err)
			if !ok || !p.has(rej.EntityKey) {
				return err
			}
			batch = batch.Without(rej.EntityKey)
			e.reject(batch.ID, rej, p.take(rej.EntityKey))
		}
	})

	if err != nil {
		e.fail(batch, p, attempts, err, logger)
		return
	}
	if batch.Len() == 0 {
		return
	}

	e.metrics.BatchesCommitted.Inc()
	e.metrics.BatchSize.Observe(float64(batch.Len()))
	e.metrics.RecordsWritten.WithLabelValues("written").Add(float64(res.Written))
	e.metrics.RecordsWritten.WithLabelValues("skipped").Add(float64(res.Skipped))

	offsets := p.allOffsets()
	e.opts.OnCommitted(offsets)
	e.opts.Events.Publish(events.Event{
		Type:    events.BatchCommitted,
		BatchID: batch.ID,
		Count:   batch.Len(),
		Offsets: offsets,
	})
	logger.Debug("batch committed",
		zap.String("batch_id", batch.ID),
		zap.Int("written", res.Written),
		zap.Int("skipped", res.Skipped),
		zap.Int("attempts", attempts),
	)
}

func (e *Engine) reject(batchID string, rej *perrors.RecordRejectedError, offsets []types.StreamOffset) {
	e.metrics.RecordsRejected.Inc()
	e.opts.OnRejected(offsets)
	e.opts.Events.Publish(events.Event{
		Type:      events.RecordRejected,
		EntityKey: rej.EntityKey,
		BatchID:   batchID,
		Offsets:   offsets,
		Reason:    rej.Reason,
	})
}

// fail reports a batch whose offsets stay unresolved; the records are
// redelivered on the next run.
func (e *Engine) fail(batch *graph.Batch, p *pending, attempts int, cause error, logger *zap.Logger) {
	err := perrors.NewBatchApplyFailure(fmt.Sprintf("batch %s failed after %d attempts", batch.ID, attempts), cause)
	e.metrics.BatchFailures.Inc()
	e.opts.Events.Publish(events.Event{
		Type:    events.BatchApplyFailure,
		BatchID: batch.ID,
		Count:   batch.Len(),
		Offsets: p.allOffsets(),
		Reason:  err.Error(),
	})
	logger.Error("batch apply failed",
		zap.String("batch_id", batch.ID),
		zap.Int("records", batch.Len()),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}
