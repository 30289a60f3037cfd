package checkpoint

import "sync"

// Tracker computes the commit watermark of one partition: the highest
// offset h such that every tracked offset <= h has been resolved. Offsets
// must be tracked in increasing order; they may resolve in any order.
type Tracker struct {
	mu        sync.Mutex
	watermark uint64
	last      uint64
	queue     []uint64
	resolved  map[uint64]struct{}
}

// NewTracker creates a tracker whose watermark starts at start, normally the
// stored checkpoint.
func NewTracker(start uint64) *Tracker {
	return &Tracker{
		watermark: start,
		last:      start,
		resolved:  make(map[uint64]struct{}),
	}
}

// Track registers an offset as in flight. Offsets at or below the last
// tracked one are ignored.
func (t *Tracker) Track(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offset <= t.last {
		return
	}
	t.last = offset
	t.queue = append(t.queue, offset)
}

// Resolve marks an offset done and advances the watermark over the resolved
// prefix.
func (t *Tracker) Resolve(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offset <= t.watermark || offset > t.last {
		return
	}
	t.resolved[offset] = struct{}{}

	advanced := 0
	for advanced < len(t.queue) {
		head := t.queue[advanced]
		if _, ok := t.resolved[head]; !ok {
			break
		}
		delete(t.resolved, head)
		t.watermark = head
		advanced++
	}
	if advanced > 0 {
		t.queue = t.queue[advanced:]
		if len(t.queue) == 0 {
			t.queue = nil
		}
	}
}

// Watermark returns the current watermark.
func (t *Tracker) Watermark() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// InFlight returns the number of tracked, unresolved offsets.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue) - len(t.resolved)
}
