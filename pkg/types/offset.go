package types

import (
	"fmt"
	"sort"
)

// StreamOffset identifies a record's position in the durable log.
// Offsets start at 1 and are strictly increasing within a partition.
type StreamOffset struct {
	Partition int    `json:"partition"`
	Offset    uint64 `json:"offset"`
}

// String returns the offset as "partition/offset".
func (o StreamOffset) String() string {
	return fmt.Sprintf("%d/%d", o.Partition, o.Offset)
}

// Checkpoint maps a partition to the last offset up to which every record
// has been fully applied. Resuming reads from Checkpoint[p]+1.
type Checkpoint map[int]uint64

// Clone returns a copy of the checkpoint.
func (c Checkpoint) Clone() Checkpoint {
	cp := make(Checkpoint, len(c))
	for p, o := range c {
		cp[p] = o
	}
	return cp
}

// Merge returns a checkpoint holding, per partition, the maximum of c and
// next. Partitions never move backwards through Merge.
func (c Checkpoint) Merge(next Checkpoint) Checkpoint {
	out := c.Clone()
	for p, o := range next {
		if o > out[p] {
			out[p] = o
		}
	}
	return out
}

// Partitions returns the partition IDs in ascending order.
func (c Checkpoint) Partitions() []int {
	ps := make([]int, 0, len(c))
	for p := range c {
		ps = append(ps, p)
	}
	sort.Ints(ps)
	return ps
}

// Message is one raw entry read from a stream partition.
type Message struct {
	Offset StreamOffset
	Data   []byte
}
