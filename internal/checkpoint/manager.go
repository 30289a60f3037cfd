package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/internal/events"
	"github.com/cartograph/cartograph/internal/logging"
	"github.com/cartograph/cartograph/internal/observability"
	"github.com/cartograph/cartograph/internal/retry"
	"github.com/cartograph/cartograph/pkg/types"
)

// finalFlushTimeout bounds the flush performed when Run stops.
const finalFlushTimeout = 10 * time.Second

// Config configures a Manager.
type Config struct {
	// Group is the consumer group the checkpoint belongs to.
	Group string

	// FlushInterval is how often dirty watermarks are persisted.
	FlushInterval time.Duration

	// Retry is the backoff applied after failed writes, and the attempt
	// budget of the startup load.
	Retry retry.Policy
}

// Options carries the manager's optional collaborators.
type Options struct {
	Events  *events.Bus
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Manager owns a Tracker per partition and persists their watermarks.
type Manager struct {
	store   Store
	cfg     Config
	events  *events.Bus
	metrics *observability.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	trackers  map[int]*Tracker
	resumed   types.Checkpoint
	persisted types.Checkpoint
}

// NewManager creates a manager over store.
func NewManager(store Store, cfg Config, opts Options) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.New()
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		events:    opts.Events,
		metrics:   metrics,
		logger:    logging.OrNop(opts.Logger).Named("checkpoint"),
		trackers:  make(map[int]*Tracker),
		resumed:   types.Checkpoint{},
		persisted: types.Checkpoint{},
	}
}

// Recover loads the stored checkpoint. It must be called once before
// ingestion starts; a store that stays unreachable is fatal.
func (m *Manager) Recover(ctx context.Context) (types.Checkpoint, error) {
	var cp types.Checkpoint
	_, err := retry.Do(ctx, m.cfg.Retry, nil, func(int) error {
		var err error
		cp, err = m.store.Load(ctx, m.cfg.Group)
		return err
	})
	if err != nil {
		return nil, perrors.NewCheckpointUnavailable(
			fmt.Sprintf("failed to load checkpoint for group %s", m.cfg.Group), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed = cp.Clone()
	m.persisted = cp.Clone()
	m.trackers = make(map[int]*Tracker, len(cp))
	for p, off := range cp {
		m.trackers[p] = NewTracker(off)
		m.metrics.CheckpointOffset.WithLabelValues(strconv.Itoa(p)).Set(float64(off))
	}
	m.logger.Info("checkpoint recovered", zap.String("group", m.cfg.Group), zap.Any("offsets", cp))
	return cp.Clone(), nil
}

// ResumeFrom returns the last persisted offset of partition; reading resumes
// at the next offset. It starts at the recovered checkpoint and follows every
// successful flush. Zero means the partition has no checkpoint.
func (m *Manager) ResumeFrom(partition int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off := m.persisted[partition]; off > m.resumed[partition] {
		return off
	}
	return m.resumed[partition]
}

func (m *Manager) tracker(partition int) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[partition]
	if !ok {
		t = NewTracker(m.resumed[partition])
		m.trackers[partition] = t
	}
	return t
}

// Track registers a delivered offset as in flight.
func (m *Manager) Track(o types.StreamOffset) {
	m.tracker(o.Partition).Track(o.Offset)
}

// Resolve marks offsets as fully handled: applied, dropped as stale or
// duplicate, rejected or undecodable.
func (m *Manager) Resolve(offsets []types.StreamOffset) {
	for _, o := range offsets {
		m.tracker(o.Partition).Resolve(o.Offset)
	}
}

// Watermarks returns the current in-memory watermark of every partition.
func (m *Manager) Watermarks() types.Checkpoint {
	m.mu.Lock()
	trackers := make(map[int]*Tracker, len(m.trackers))
	for p, t := range m.trackers {
		trackers[p] = t
	}
	m.mu.Unlock()

	cp := make(types.Checkpoint, len(trackers))
	for p, t := range trackers {
		cp[p] = t.Watermark()
	}
	return cp
}

// Flush persists every watermark that moved past the last persisted value.
func (m *Manager) Flush(ctx context.Context) error {
	current := m.Watermarks()

	m.mu.Lock()
	dirty := make(types.Checkpoint)
	for p, off := range current {
		if off > m.persisted[p] {
			dirty[p] = off
		}
	}
	m.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}
	if err := m.store.Save(ctx, m.cfg.Group, dirty); err != nil {
		m.metrics.CheckpointErrors.Inc()
		return perrors.NewCheckpointUnavailable("failed to persist checkpoint", err)
	}

	m.mu.Lock()
	m.persisted = m.persisted.Merge(dirty)
	m.mu.Unlock()

	var offsets []types.StreamOffset
	for _, p := range dirty.Partitions() {
		m.metrics.CheckpointOffset.WithLabelValues(strconv.Itoa(p)).Set(float64(dirty[p]))
		offsets = append(offsets, types.StreamOffset{Partition: p, Offset: dirty[p]})
	}
	m.events.Publish(events.Event{Type: events.CheckpointPersisted, Offsets: offsets})
	m.logger.Debug("checkpoint persisted", zap.Any("offsets", dirty))
	return nil
}

// Persisted returns the last checkpoint written to the store.
func (m *Manager) Persisted() types.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persisted.Clone()
}

// Run flushes on FlushInterval until ctx ends, then performs a final flush.
// Failed writes are retried with backoff; ingestion is never blocked by
// them, the checkpoint only lags.
func (m *Manager) Run(ctx context.Context) {
	timer := time.NewTimer(m.cfg.FlushInterval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			if err := m.Flush(flushCtx); err != nil {
				m.logger.Error("final checkpoint flush failed", zap.Error(err))
			}
			cancel()
			return

		case <-timer.C:
			next := m.cfg.FlushInterval
			if err := m.Flush(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				failures++
				next = m.cfg.Retry.Backoff(failures - 1)
				m.logger.Warn("checkpoint flush failed",
					zap.Int("consecutive_failures", failures),
					zap.Duration("retry_in", next),
					zap.Error(err),
				)
			} else {
				failures = 0
			}
			timer.Reset(next)
		}
	}
}
