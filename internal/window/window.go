// Package window resolves duplicate and out-of-order deliveries per entity key
// before records are handed to the batch upsert engine.
//
// Candidates for one key accumulate for the window size W (or until a key has
// MaxCandidates candidates). When the window closes, the greatest candidate by
// types.Compare is admitted and the offsets of every merged candidate travel
// with it. A candidate that is not newer than the key's admitted record is
// stale and its offset is resolved at once.
package window

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cartograph/cartograph/internal/logging"
	"github.com/cartograph/cartograph/pkg/types"
)

const stripeCount = 64

// Outcome describes what Offer did with a candidate.
type Outcome int

const (
	// Opened means the candidate opened a new window for its key.
	Opened Outcome = iota
	// Superseded means the candidate replaced the window's best candidate.
	Superseded
	// Merged means the candidate lost to the window's best candidate.
	Merged
	// Duplicate means the candidate equals the best or admitted record.
	Duplicate
	// Stale means the candidate is older than the admitted record and was dropped.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Opened:
		return "opened"
	case Superseded:
		return "superseded"
	case Merged:
		return "merged"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Config configures the window.
type Config struct {
	// Size is how long a key's window stays open
	Size time.Duration

	// MaxCandidates closes a window early once it holds this many candidates
	// (0 = no count limit)
	MaxCandidates int

	// MaxPending bounds candidates buffered across all keys
	MaxPending int

	// SweepInterval is how often expired windows are closed
	SweepInterval time.Duration
}

// Candidate is a decoded record at its stream position.
type Candidate struct {
	Record *types.AssetRecord
	Offset types.StreamOffset
}

// Admission is the winner of a closed window with the offsets of every
// candidate merged into it.
type Admission struct {
	Record  *types.AssetRecord
	Offsets []types.StreamOffset
}

// Stats is a point-in-time view of the window.
type Stats struct {
	Keys    int
	Open    int
	Pending int
}

type entry struct {
	admitted *types.AssetRecord
	lastSeen time.Time

	open     bool
	best     *types.AssetRecord
	offsets  []types.StreamOffset
	openedAt time.Time
}

type stripe struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// Window is the per-key deduplication and ordering window. Offer is safe for
// concurrent use by multiple partition readers.
type Window struct {
	cfg        Config
	stripes    [stripeCount]stripe
	sem        *semaphore.Weighted
	ready      chan struct{}
	onResolved func([]types.StreamOffset)
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a window. onResolved receives offsets that need no graph write
// (stale and duplicate candidates); it may be nil.
func New(cfg Config, onResolved func([]types.StreamOffset), logger *zap.Logger) *Window {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 100000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Size / 4
		if cfg.SweepInterval <= 0 {
			cfg.SweepInterval = 10 * time.Millisecond
		}
	}
	if onResolved == nil {
		onResolved = func([]types.StreamOffset) {}
	}
	w := &Window{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxPending)),
		ready:      make(chan struct{}, 1),
		onResolved: onResolved,
		logger:     logging.OrNop(logger).Named("window"),
		now:        time.Now,
	}
	for i := range w.stripes {
		w.stripes[i].keys = make(map[string]*entry)
	}
	return w
}

func (w *Window) stripeFor(key string) *stripe {
	return &w.stripes[murmur3.Sum32([]byte(key))%stripeCount]
}

// Offer adds a candidate. It blocks while MaxPending candidates are buffered
// and returns ctx.Err() if ctx ends first.
func (w *Window) Offer(ctx context.Context, c Candidate) (Outcome, error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	rec := c.Record
	s := w.stripeFor(rec.EntityKey)
	s.mu.Lock()
	now := w.now()
	e, ok := s.keys[rec.EntityKey]
	if !ok {
		e = &entry{}
		s.keys[rec.EntityKey] = e
	}
	e.lastSeen = now

	if e.admitted != nil {
		if cmp := types.Compare(rec, e.admitted); cmp <= 0 {
			s.mu.Unlock()
			w.sem.Release(1)
			w.onResolved([]types.StreamOffset{c.Offset})
			if cmp == 0 {
				return Duplicate, nil
			}
			return Stale, nil
		}
	}

	var outcome Outcome
	if !e.open {
		e.open = true
		e.best = rec
		e.offsets = []types.StreamOffset{c.Offset}
		e.openedAt = now
		outcome = Opened
	} else {
		e.offsets = append(e.offsets, c.Offset)
		switch cmp := types.Compare(rec, e.best); {
		case cmp > 0:
			e.best = rec
			outcome = Superseded
		case cmp == 0:
			outcome = Duplicate
		default:
			outcome = Merged
		}
	}
	full := w.cfg.MaxCandidates > 0 && len(e.offsets) >= w.cfg.MaxCandidates
	s.mu.Unlock()

	if full {
		select {
		case w.ready <- struct{}{}:
		default:
		}
	}
	return outcome, nil
}

func (w *Window) closable(e *entry, now time.Time) bool {
	if !e.open {
		return false
	}
	if w.cfg.MaxCandidates > 0 && len(e.offsets) >= w.cfg.MaxCandidates {
		return true
	}
	return now.Sub(e.openedAt) >= w.cfg.Size
}

// Sweep closes every window that reached its deadline or candidate limit and
// evicts keys idle for longer than the window size. Admissions are ordered by
// their earliest offset.
func (w *Window) Sweep(now time.Time) []Admission {
	var out []Admission
	released := 0
	for i := range w.stripes {
		s := &w.stripes[i]
		s.mu.Lock()
		for key, e := range s.keys {
			if w.closable(e, now) {
				out = append(out, Admission{Record: e.best, Offsets: e.offsets})
				released += len(e.offsets)
				e.admitted = e.best
				e.open = false
				e.best = nil
				e.offsets = nil
				continue
			}
			if !e.open && now.Sub(e.lastSeen) >= w.cfg.Size {
				delete(s.keys, key)
			}
		}
		s.mu.Unlock()
	}
	if released > 0 {
		w.sem.Release(int64(released))
		w.logger.Debug("windows closed", zap.Int("admitted", len(out)), zap.Int("candidates", released))
	}

	for i := range out {
		sortOffsets(out[i].Offsets)
	}
	sort.Slice(out, func(i, j int) bool {
		return offsetLess(out[i].Offsets[0], out[j].Offsets[0])
	})
	return out
}

// Run sweeps on an interval and whenever a window reaches its candidate
// limit, sending admissions to out. It closes out when ctx ends. Windows still
// open at that point are not emitted; their offsets stay unresolved.
func (w *Window) Run(ctx context.Context, out chan<- Admission) {
	defer close(out)

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.ready:
		}

		adms := w.Sweep(w.now())
		for i, a := range adms {
			select {
			case out <- a:
			case <-ctx.Done():
				w.logger.Debug("swept admissions left unsent at shutdown", zap.Int("admissions", len(adms)-i))
				return
			}
		}
	}
}

// Stats returns the number of retained keys, open windows and buffered
// candidates.
func (w *Window) Stats() Stats {
	var st Stats
	for i := range w.stripes {
		s := &w.stripes[i]
		s.mu.Lock()
		st.Keys += len(s.keys)
		for _, e := range s.keys {
			if e.open {
				st.Open++
				st.Pending += len(e.offsets)
			}
		}
		s.mu.Unlock()
	}
	return st
}

func offsetLess(a, b types.StreamOffset) bool {
	if a.Partition != b.Partition {
		return a.Partition < b.Partition
	}
	return a.Offset < b.Offset
}

func sortOffsets(offs []types.StreamOffset) {
	sort.Slice(offs, func(i, j int) bool { return offsetLess(offs[i], offs[j]) })
}
