// Package graph applies upsert batches to a property graph.
//
// Every store implements the same write contract: a node is matched or
// created by entity_key, a node whose entity_type differs from the incoming
// record is rejected, and a write only happens when the incoming record is
// not older than the stored one by types.Compare. Attributes replace the
// node's previous attributes.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cartograph/cartograph/pkg/types"
)

// ErrNodeNotFound is returned by GetNode when no node has the key.
var ErrNodeNotFound = errors.New("graph: node not found")

// Batch is an ordered set of upserts with unique entity keys, applied in one
// transaction.
type Batch struct {
	ID      string
	Upserts []*types.AssetRecord
}

// NewBatch returns an empty batch with a fresh ID.
func NewBatch(capacity int) *Batch {
	return &Batch{ID: uuid.NewString(), Upserts: make([]*types.AssetRecord, 0, capacity)}
}

// Without returns a copy of the batch with the upsert for key removed.
func (b *Batch) Without(key string) *Batch {
	out := &Batch{ID: b.ID, Upserts: make([]*types.AssetRecord, 0, len(b.Upserts))}
	for _, u := range b.Upserts {
		if u.EntityKey != key {
			out.Upserts = append(out.Upserts, u)
		}
	}
	return out
}

// Len returns the number of upserts.
func (b *Batch) Len() int {
	return len(b.Upserts)
}

// Result reports what a committed batch did.
type Result struct {
	// Written is the number of nodes created or overwritten
	Written int
	// Skipped is the number of upserts older than the stored node
	Skipped int
}

// Node is the stored state of one entity.
type Node struct {
	EntityKey  string
	EntityType types.EntityType
	Attributes map[string]any
	ObservedAt time.Time
	ProducerID string
	Sequence   uint64
}

// Record returns the node as the record that produced it.
func (n *Node) Record() *types.AssetRecord {
	return &types.AssetRecord{
		EntityKey:  n.EntityKey,
		EntityType: n.EntityType,
		Attributes: n.Attributes,
		ObservedAt: n.ObservedAt,
		ProducerID: n.ProducerID,
		Sequence:   n.Sequence,
	}
}

// Store is a transactional property graph.
type Store interface {
	// ApplyBatch applies every upsert of b in one transaction. A
	// RecordRejectedError names the first upsert that can never succeed; the
	// transaction is rolled back and nothing is written. Transient failures are
	// reported as TRANSIENT_STORE_ERROR.
	ApplyBatch(ctx context.Context, b *Batch) (Result, error)

	// GetNode returns the node with the given key.
	GetNode(ctx context.Context, key string) (*Node, error)

	Close() error
}
