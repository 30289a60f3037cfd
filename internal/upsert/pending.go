package upsert

import (
	"github.com/cartograph/cartograph/internal/graph"
	"github.com/cartograph/cartograph/internal/window"
	"github.com/cartograph/cartograph/pkg/types"
)

// pending is an open batch, one entry per entity key in arrival order.
type pending struct {
	keys    []string
	entries map[string]*pendingEntry
}

type pendingEntry struct {
	record  *types.AssetRecord
	offsets []types.StreamOffset
}

func newPending() *pending {
	return &pending{entries: make(map[string]*pendingEntry)}
}

// add merges a into the batch. A key already present keeps the newer record
// and the offsets of both.
func (p *pending) add(a window.Admission) {
	key := a.Record.EntityKey
	if e, ok := p.entries[key]; ok {
		if types.Newer(a.Record, e.record) {
			e.record = a.Record
		}
		e.offsets = append(e.offsets, a.Offsets...)
		return
	}
	p.keys = append(p.keys, key)
	p.entries[key] = &pendingEntry{
		record:  a.Record,
		offsets: append([]types.StreamOffset(nil), a.Offsets...),
	}
}

func (p *pending) len() int {
	return len(p.entries)
}

// overlaps reports whether the batch holds any key in set.
func (p *pending) overlaps(set map[string]struct{}) bool {
	if len(set) == 0 {
		return false
	}
	for _, k := range p.keys {
		if _, ok := set[k]; ok {
			return true
		}
	}
	return false
}

func (p *pending) has(key string) bool {
	_, ok := p.entries[key]
	return ok
}

// take removes key and returns its offsets.
func (p *pending) take(key string) []types.StreamOffset {
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	delete(p.entries, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
	return e.offsets
}

func (p *pending) batch() *graph.Batch {
	b := graph.NewBatch(len(p.keys))
	for _, k := range p.keys {
		b.Upserts = append(b.Upserts, p.entries[k].record)
	}
	return b
}

func (p *pending) allOffsets() []types.StreamOffset {
	var out []types.StreamOffset
	for _, k := range p.keys {
		out = append(out, p.entries[k].offsets...)
	}
	return out
}
