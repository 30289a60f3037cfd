// Package events provides an in-process event bus for pipeline outcomes:
// committed batches, rejected records, failed batches and schema violations.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cartograph/cartograph/pkg/types"
)

// Type represents the type of event.
type Type int

const (
	BatchCommitted Type = iota
	RecordRejected
	BatchApplyFailure
	SchemaViolation
	CheckpointPersisted
)

// String returns the event type name.
func (t Type) String() string {
	switch t {
	case BatchCommitted:
		return "batch_committed"
	case RecordRejected:
		return "record_rejected"
	case BatchApplyFailure:
		return "batch_apply_failure"
	case SchemaViolation:
		return "schema_violation"
	case CheckpointPersisted:
		return "checkpoint_persisted"
	default:
		return "unknown"
	}
}

// Event is one pipeline outcome.
type Event struct {
	Type      Type
	EntityKey string // empty for batch-level events
	BatchID   string
	Offsets   []types.StreamOffset
	Count     int    // records in the batch, where relevant
	Reason    string // error text for failures
	Timestamp time.Time
}

// Bus is a non-blocking pub/sub bus. Publish never waits on a slow
// subscriber; events to a full subscriber channel are dropped.
type Bus struct {
	subscribers sync.Map
	bufferSize  int
}

// Subscriber receives events on Ch.
type Subscriber struct {
	ID       string
	Prefixes []string
	Ch       chan Event
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Bus{bufferSize: bufferSize}
}

// Publish sends e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.subscribers.Range(func(_, value any) bool {
		sub := value.(*Subscriber)
		if sub.matches(e.EntityKey) {
			select {
			case sub.Ch <- e:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber. With prefixes, only events whose entity
// key starts with one of them are delivered; batch-level events (no entity
// key) always are.
func (b *Bus) Subscribe(prefixes ...string) *Subscriber {
	sub := &Subscriber{
		ID:       "sub_" + uuid.NewString(),
		Prefixes: prefixes,
		Ch:       make(chan Event, b.bufferSize),
	}
	b.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	if value, ok := b.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).Ch)
	}
}

func (s *Subscriber) matches(key string) bool {
	if len(s.Prefixes) == 0 || key == "" {
		return true
	}
	for _, p := range s.Prefixes {
		if p == "" || strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
