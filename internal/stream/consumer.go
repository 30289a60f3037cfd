package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cartograph/cartograph/internal/codec"
	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/internal/logging"
	"github.com/cartograph/cartograph/internal/retry"
)

// ResumeFunc returns the last committed offset of a partition.
type ResumeFunc func(partition int) uint64

// Handler receives deliveries in offset order. Returning an error stops the
// partition loop.
type Handler func(ctx context.Context, d Delivery) error

// ConsumerConfig configures reconnect behaviour.
type ConsumerConfig struct {
	// ReconnectInitialBackoff is the delay before the first reconnect
	ReconnectInitialBackoff time.Duration

	// ReconnectMaxBackoff caps the delay between reconnects
	ReconnectMaxBackoff time.Duration

	// OnReconnect is called after a transport failure, before backing off
	OnReconnect func(partition int, err error)
}

// Consumer reads partitions of a Source and decodes records.
type Consumer struct {
	src    Source
	resume ResumeFunc
	cfg    ConsumerConfig
	logger *zap.Logger
}

// NewConsumer creates a consumer that resumes each partition after the offset
// returned by resume.
func NewConsumer(src Source, resume ResumeFunc, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.ReconnectInitialBackoff <= 0 {
		cfg.ReconnectInitialBackoff = 100 * time.Millisecond
	}
	if cfg.ReconnectMaxBackoff <= 0 {
		cfg.ReconnectMaxBackoff = 30 * time.Second
	}
	return &Consumer{
		src:    src,
		resume: resume,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("consumer"),
	}
}

// Run reads one partition until ctx ends or handle fails. Transport failures
// are retried forever with bounded exponential backoff; each reconnect
// resumes from the committed offset. Offsets already delivered during this
// run are suppressed, so handle sees every offset at most once per run.
func (c *Consumer) Run(ctx context.Context, partition int, handle Handler) error {
	policy := retry.Policy{
		InitialBackoff: c.cfg.ReconnectInitialBackoff,
		MaxBackoff:     c.cfg.ReconnectMaxBackoff,
	}
	logger := c.logger.With(zap.Int("partition", partition))

	var highest uint64
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		from := c.resume(partition) + 1
		r, err := c.src.Open(ctx, partition, from)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.transportFailure(logger, partition, perrors.NewTransientStreamError("open partition", err), failures)
			if retry.Sleep(ctx, policy.Backoff(failures)) != nil {
				return nil
			}
			failures++
			continue
		}
		logger.Debug("partition opened", zap.Uint64("from", from))

		err = c.read(ctx, r, &highest, &failures, handle)
		r.Close()
		if ctx.Err() != nil {
			return nil
		}
		if perrors.IsRetryable(err) {
			c.transportFailure(logger, partition, err, failures)
			if retry.Sleep(ctx, policy.Backoff(failures)) != nil {
				return nil
			}
			failures++
			continue
		}
		return err
	}
}

func (c *Consumer) read(ctx context.Context, r PartitionReader, highest *uint64, failures *int, handle Handler) error {
	for {
		msg, err := r.Next(ctx)
		if err != nil {
			return perrors.NewTransientStreamError("read partition", err)
		}
		*failures = 0
		if msg.Offset.Offset <= *highest {
			continue
		}
		*highest = msg.Offset.Offset

		rec, err := codec.Decode(msg.Data)
		if err := handle(ctx, Delivery{Offset: msg.Offset, Record: rec, Err: err}); err != nil {
			return err
		}
	}
}

func (c *Consumer) transportFailure(logger *zap.Logger, partition int, err error, failures int) {
	logger.Warn("stream transport failure, reconnecting",
		zap.Error(err),
		zap.Int("failures", failures+1),
	)
	if c.cfg.OnReconnect != nil {
		c.cfg.OnReconnect(partition, err)
	}
}
