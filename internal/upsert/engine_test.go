package upsert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/internal/events"
	"github.com/cartograph/cartograph/internal/graph"
	"github.com/cartograph/cartograph/internal/observability"
	"github.com/cartograph/cartograph/internal/retry"
	"github.com/cartograph/cartograph/internal/window"
	"github.com/cartograph/cartograph/pkg/types"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeStore records every ApplyBatch call. fail, when set, is consulted
// before each call.
type fakeStore struct {
	mu    sync.Mutex
	calls [][]string
	fail  func(call int, b *graph.Batch) error
}

func (s *fakeStore) ApplyBatch(_ context.Context, b *graph.Batch) (graph.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, b.Len())
	for _, u := range b.Upserts {
		keys = append(keys, u.EntityKey)
	}
	s.calls = append(s.calls, keys)
	if s.fail != nil {
		if err := s.fail(len(s.calls), b); err != nil {
			return graph.Result{}, err
		}
	}
	return graph.Result{Written: b.Len()}, nil
}

func (s *fakeStore) GetNode(context.Context, string) (*graph.Node, error) {
	return nil, graph.ErrNodeNotFound
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) snapshot() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.calls))
	copy(out, s.calls)
	return out
}

type offsetSink struct {
	mu   sync.Mutex
	offs []types.StreamOffset
}

func (s *offsetSink) add(o []types.StreamOffset) {
	s.mu.Lock()
	s.offs = append(s.offs, o...)
	s.mu.Unlock()
}

func (s *offsetSink) sorted() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.offs))
	for _, o := range s.offs {
		out = append(out, o.Offset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func admission(key string, seq, offset uint64) window.Admission {
	return window.Admission{
		Record: &types.AssetRecord{
			EntityKey:  key,
			EntityType: types.EntityAWSEC2Instance,
			Attributes: map[string]any{"state": "running"},
			ObservedAt: base.Add(time.Duration(seq) * time.Second),
			ProducerID: "p",
			Sequence:   seq,
		},
		Offsets: []types.StreamOffset{{Partition: 0, Offset: offset}},
	}
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

type harness struct {
	store     *fakeStore
	committed *offsetSink
	rejected  *offsetSink
	bus       *events.Bus
	metrics   *observability.Metrics
	engine    *Engine
}

func newHarness(cfg Config, store *fakeStore) *harness {
	h := &harness{
		store:     store,
		committed: &offsetSink{},
		rejected:  &offsetSink{},
		bus:       events.NewBus(64),
		metrics:   observability.New(),
	}
	h.engine = New(cfg, store, Options{
		OnCommitted: h.committed.add,
		OnRejected:  h.rejected.add,
		Events:      h.bus,
		Metrics:     h.metrics,
	})
	return h
}

// runAll feeds every admission, closes the input and waits for Run.
func (h *harness) runAll(t *testing.T, adms ...window.Admission) {
	t.Helper()
	in := make(chan window.Admission, len(adms))
	for _, a := range adms {
		in <- a
	}
	close(in)
	require.NoError(t, h.engine.Run(context.Background(), in))
}

func TestEngine_BatchesBySize(t *testing.T) {
	h := newHarness(Config{MaxSize: 2, MaxLatency: time.Hour, Concurrency: 1, Retry: fastRetry(3)}, &fakeStore{})
	h.runAll(t, admission("k1", 1, 1), admission("k2", 1, 2), admission("k3", 1, 3))

	assert.Equal(t, [][]string{{"k1", "k2"}, {"k3"}}, h.store.snapshot())
	assert.Equal(t, []uint64{1, 2, 3}, h.committed.sorted())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.BatchesCommitted))
}

func TestEngine_FlushesOnLatency(t *testing.T) {
	h := newHarness(Config{MaxSize: 100, MaxLatency: 20 * time.Millisecond, Concurrency: 1, Retry: fastRetry(3)}, &fakeStore{})
	in := make(chan window.Admission, 1)
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background(), in) }()

	in <- admission("k1", 1, 1)
	require.Eventually(t, func() bool { return len(h.store.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1}, h.committed.sorted())

	close(in)
	require.NoError(t, <-done)
}

func TestEngine_SameKeyKeepsNewestAndMergesOffsets(t *testing.T) {
	store := &fakeStore{}
	var applied []*types.AssetRecord
	store.fail = func(_ int, b *graph.Batch) error {
		applied = append(applied, b.Upserts...)
		return nil
	}
	h := newHarness(Config{MaxSize: 10, MaxLatency: time.Hour, Concurrency: 1, Retry: fastRetry(3)}, store)
	h.runAll(t, admission("k1", 2, 5), admission("k1", 1, 3), admission("k2", 1, 4))

	require.Len(t, applied, 2)
	assert.Equal(t, "k1", applied[0].EntityKey)
	assert.Equal(t, uint64(2), applied[0].Sequence)
	assert.Equal(t, []uint64{3, 4, 5}, h.committed.sorted())
}

func TestEngine_RejectedRecordIsIsolated(t *testing.T) {
	store := &fakeStore{}
	store.fail = func(_ int, b *graph.Batch) error {
		for _, u := range b.Upserts {
			if u.EntityKey == "bad" {
				return perrors.NewRecordRejected("bad", "entity type conflict")
			}
		}
		return nil
	}
	h := newHarness(Config{MaxSize: 10, MaxLatency: time.Hour, Concurrency: 1, Retry: fastRetry(1)}, store)
	sub := h.bus.Subscribe()
	h.runAll(t, admission("k1", 1, 1), admission("bad", 1, 2), admission("k3", 1, 3))

	assert.Equal(t, [][]string{{"k1", "bad", "k3"}, {"k1", "k3"}}, store.snapshot())
	assert.Equal(t, []uint64{1, 3}, h.committed.sorted())
	assert.Equal(t, []uint64{2}, h.rejected.sorted())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecordsRejected))

	e := <-sub.Ch
	assert.Equal(t, events.RecordRejected, e.Type)
	assert.Equal(t, "bad", e.EntityKey)
	assert.Equal(t, events.BatchCommitted, (<-sub.Ch).Type)
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	store := &fakeStore{}
	store.fail = func(call int, _ *graph.Batch) error {
		if call < 3 {
			return perrors.NewTransientStoreError("sqlite: commit", errors.New("database is locked"))
		}
		return nil
	}
	h := newHarness(Config{MaxSize: 10, MaxLatency: time.Hour, Concurrency: 1, Retry: fastRetry(5)}, store)
	h.runAll(t, admission("k1", 1, 1))

	assert.Len(t, store.snapshot(), 3)
	assert.Equal(t, []uint64{1}, h.committed.sorted())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.BatchRetries))
}

func TestEngine_RetryExhaustionLeavesOffsetsUnresolved(t *testing.T) {
	store := &fakeStore{}
	store.fail = func(int, *graph.Batch) error {
		return perrors.NewTransientStoreError("sqlite: commit", errors.New("database is locked"))
	}
	h := newHarness(Config{MaxSize: 10, MaxLatency: time.Hour, Concurrency: 1, Retry: fastRetry(3)}, store)
	sub := h.bus.Subscribe()
	h.runAll(t, admission("k1", 1, 1), admission("k2", 1, 2))

	assert.Len(t, store.snapshot(), 3)
	assert.Empty(t, h.committed.sorted())
	assert.Empty(t, h.rejected.sorted())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BatchFailures))

	e := <-sub.Ch
	assert.Equal(t, events.BatchApplyFailure, e.Type)
	assert.Equal(t, 2, e.Count)
	assert.Contains(t, e.Reason, perrors.CodeBatchApplyFailure)
}

func TestEngine_InternalErrorIsNotRetried(t *testing.T) {
	store := &fakeStore{}
	store.fail = func(int, *graph.Batch) error {
		return perrors.NewInternalError("sqlite: upsert node", errors.New("malformed"))
	}
	h := newHarness(Config{MaxSize: 10, MaxLatency: time.Hour, Concurrency: 1, Retry: fastRetry(5)}, store)
	h.runAll(t, admission("k1", 1, 1))

	assert.Len(t, store.snapshot(), 1)
	assert.Empty(t, h.committed.sorted())
}

func TestEngine_DefaultConfigBatchesAcrossKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	cfg.MaxLatency = time.Hour
	h := newHarness(cfg, &fakeStore{})
	h.runAll(t,
		admission("aws:ec2:i-1", 1, 1),
		admission("aws:ec2:i-4", 1, 2),
		admission("aws:ec2:i-5", 1, 3),
	)

	calls := h.store.snapshot()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, [][]string{{"aws:ec2:i-1", "aws:ec2:i-4"}, {"aws:ec2:i-5"}}, calls)
	assert.Equal(t, []uint64{1, 2, 3}, h.committed.sorted())
}

// overlapStore fails the test if two concurrent batches share a key, and
// records the sequences applied per key.
type overlapStore struct {
	fakeStore
	t      *testing.T
	mu     sync.Mutex
	active map[string]bool
	seqs   map[string][]uint64
}

func (s *overlapStore) ApplyBatch(ctx context.Context, b *graph.Batch) (graph.Result, error) {
	s.mu.Lock()
	for _, u := range b.Upserts {
		if s.active[u.EntityKey] {
			s.t.Errorf("key %s applied by two batches at once", u.EntityKey)
		}
		s.active[u.EntityKey] = true
		s.seqs[u.EntityKey] = append(s.seqs[u.EntityKey], u.Sequence)
	}
	s.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	s.mu.Lock()
	for _, u := range b.Upserts {
		delete(s.active, u.EntityKey)
	}
	s.mu.Unlock()
	return s.fakeStore.ApplyBatch(ctx, b)
}

func TestEngine_InFlightBatchesNeverShareAKey(t *testing.T) {
	store := &overlapStore{t: t, active: make(map[string]bool), seqs: make(map[string][]uint64)}
	committed := &offsetSink{}
	e := New(Config{MaxSize: 3, MaxLatency: time.Hour, Concurrency: 4, Retry: fastRetry(3)}, store, Options{OnCommitted: committed.add})

	var adms []window.Admission
	off := uint64(0)
	for round := uint64(1); round <= 5; round++ {
		for i := 0; i < 6; i++ {
			off++
			adms = append(adms, admission(fmt.Sprintf("k%d", i), round, off))
		}
	}
	in := make(chan window.Admission, len(adms))
	for _, a := range adms {
		in <- a
	}
	close(in)
	require.NoError(t, e.Run(context.Background(), in))

	assert.Len(t, committed.sorted(), len(adms))
	for key, seqs := range store.seqs {
		assert.True(t, sort.SliceIsSorted(seqs, func(i, j int) bool { return seqs[i] < seqs[j] }),
			"key %s applied out of order: %v", key, seqs)
		assert.Equal(t, uint64(5), seqs[len(seqs)-1], key)
	}
}

func TestEngine_CancelAbandonsBufferedAdmissions(t *testing.T) {
	h := newHarness(Config{MaxSize: 100, MaxLatency: time.Hour, Concurrency: 1, Retry: fastRetry(3)}, &fakeStore{})
	in := make(chan window.Admission, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, in) }()

	in <- admission("k1", 1, 1)
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, h.committed.sorted())
}

func TestEngine_WithSQLiteStore(t *testing.T) {
	store, err := graph.NewSQLiteStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	defer store.Close()

	committed := &offsetSink{}
	e := New(Config{MaxSize: 2, MaxLatency: time.Hour, Concurrency: 2, Retry: fastRetry(3)}, store, Options{OnCommitted: committed.add})

	in := make(chan window.Admission, 4)
	in <- admission("k1", 2, 1)
	in <- admission("k2", 1, 2)
	in <- admission("k1", 1, 3) // older, skipped by the store guard
	close(in)
	require.NoError(t, e.Run(context.Background(), in))

	n, err := store.GetNode(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n.Sequence)
	assert.Equal(t, []uint64{1, 2, 3}, committed.sorted())
}
