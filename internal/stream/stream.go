// Package stream defines the durable record stream consumed by the ingestion
// pipeline and the consumer loop that reads it.
package stream

import (
	"context"

	"github.com/spaolacci/murmur3"

	"github.com/cartograph/cartograph/pkg/types"
)

// Message is one raw entry read from a partition.
type Message = types.Message

// PartitionReader reads one partition in offset order.
type PartitionReader interface {
	// Next blocks until the next message is available or ctx ends.
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Source is a partitioned stream that can be read from any offset.
type Source interface {
	// Partitions returns the partition IDs of the stream.
	Partitions(ctx context.Context) ([]int, error)

	// Open returns a reader positioned at offset from (1 = beginning).
	Open(ctx context.Context, partition int, from uint64) (PartitionReader, error)

	Close() error
}

// Publisher appends encoded records to the stream.
type Publisher interface {
	// Publish appends data to the partition chosen for key. msgID identifies
	// the record for transports that suppress duplicate publishes.
	Publish(ctx context.Context, key, msgID string, data []byte) (types.StreamOffset, error)

	Close() error
}

// Partitioner maps entity keys to partitions so every record of one entity
// lands on the same partition.
type Partitioner struct {
	n int
}

// NewPartitioner returns a partitioner over n partitions.
func NewPartitioner(n int) Partitioner {
	if n < 1 {
		n = 1
	}
	return Partitioner{n: n}
}

// Partition returns the partition of key.
func (p Partitioner) Partition(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(p.n))
}

// Count returns the number of partitions.
func (p Partitioner) Count() int {
	return p.n
}

// Delivery is one consumed message. Err is set when the payload is not a valid
// record; Record is nil in that case.
type Delivery struct {
	Offset types.StreamOffset
	Record *types.AssetRecord
	Err    error
}
