// Package intel turns collector observations into AssetRecords and
// publishes them to the stream. Each Producer stamps its own ProducerID and
// a strictly increasing Sequence.
package intel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cartograph/cartograph/internal/codec"
	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/internal/logging"
	"github.com/cartograph/cartograph/internal/observability"
	"github.com/cartograph/cartograph/internal/stream"
	"github.com/cartograph/cartograph/pkg/types"
)

// Observation is one resource state seen by a collector.
type Observation struct {
	EntityKey  string
	EntityType types.EntityType
	Attributes map[string]any

	// ObservedAt defaults to the time Emit is called.
	ObservedAt time.Time
}

// Collector scans one provider and emits an observation per resource.
type Collector interface {
	// Name identifies the collector, e.g. "aws-ec2".
	Name() string

	// Collect calls emit for every resource found. An emit error stops the
	// scan and is returned.
	Collect(ctx context.Context, emit func(context.Context, Observation) error) error
}

// Options carries the producer's optional collaborators.
type Options struct {
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Producer publishes records under one ProducerID.
type Producer struct {
	pub       stream.Publisher
	id        string
	collector string
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu  sync.Mutex
	seq uint64
}

// NewProducer creates a producer for collector. The ProducerID is
// "<collector>/<run uuid>", so every run starts a fresh sequence space.
func NewProducer(collector string, pub stream.Publisher, opts Options) *Producer {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.New()
	}
	id := collector + "/" + uuid.NewString()
	return &Producer{
		pub:       pub,
		id:        id,
		collector: collector,
		metrics:   metrics,
		logger:    logging.OrNop(opts.Logger).Named("producer").With(zap.String("producer_id", id)),
		now:       time.Now,
	}
}

// ID returns the ProducerID.
func (p *Producer) ID() string {
	return p.id
}

// Emit stamps, validates, encodes and publishes one observation. Sequences
// are assigned under a lock held through the publish, so the stream sees
// them in increasing order.
func (p *Producer) Emit(ctx context.Context, o Observation) (types.StreamOffset, error) {
	observed := o.ObservedAt
	if observed.IsZero() {
		observed = p.now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &types.AssetRecord{
		EntityKey:  o.EntityKey,
		EntityType: o.EntityType,
		Attributes: o.Attributes,
		ObservedAt: observed.UTC(),
		ProducerID: p.id,
		Sequence:   p.seq + 1,
	}
	if rec.Attributes == nil {
		rec.Attributes = map[string]any{}
	}
	if err := rec.Validate(); err != nil {
		return types.StreamOffset{}, perrors.NewSchemaViolation(
			fmt.Sprintf("observation %s is invalid", o.EntityKey), err)
	}
	data, err := codec.Encode(rec)
	if err != nil {
		return types.StreamOffset{}, perrors.NewSchemaViolation(
			fmt.Sprintf("observation %s is not encodable", o.EntityKey), err)
	}

	// a failed publish still consumes its sequence number
	p.seq = rec.Sequence
	off, err := p.pub.Publish(ctx, rec.EntityKey, fmt.Sprintf("%s:%d", p.id, rec.Sequence), data)
	if err != nil {
		return types.StreamOffset{}, fmt.Errorf("intel: failed to publish %s: %w", rec.EntityKey, err)
	}
	p.metrics.PublishedRecords.WithLabelValues(p.collector).Inc()
	return off, nil
}

// Summary reports the outcome of one collector run.
type Summary struct {
	ProducerID string
	Published  int
	Invalid    int
	Duration   time.Duration
}

// Run scans c once and publishes every observation through a fresh
// producer. Invalid observations are logged and skipped; a publish error
// ends the run.
func Run(ctx context.Context, c Collector, pub stream.Publisher, opts Options) (Summary, error) {
	p := NewProducer(c.Name(), pub, opts)
	start := time.Now()
	sum := Summary{ProducerID: p.ID()}

	err := c.Collect(ctx, func(ctx context.Context, o Observation) error {
		_, err := p.Emit(ctx, o)
		if err != nil && perrors.HasCode(err, perrors.CodeSchemaViolation) {
			sum.Invalid++
			p.logger.Warn("skipping invalid observation", zap.String("entity_key", o.EntityKey), zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}
		sum.Published++
		return nil
	})
	sum.Duration = time.Since(start)
	if err != nil {
		return sum, fmt.Errorf("intel: %s collection failed: %w", c.Name(), err)
	}
	p.logger.Info("collection complete",
		zap.String("collector", c.Name()),
		zap.Int("published", sum.Published),
		zap.Int("invalid", sum.Invalid),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}
