// Package checkpoint tracks which stream offsets have been fully applied and
// persists the per-partition watermark, so a restart resumes after the last
// committed record and replays everything else.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cartograph/cartograph/pkg/types"
)

// Store persists checkpoints keyed by consumer group.
type Store interface {
	// Load returns the stored checkpoint. A group with no checkpoint yields
	// an empty one.
	Load(ctx context.Context, group string) (types.Checkpoint, error)

	// Save stores cp. Partitions never move backwards: each stored offset
	// becomes the maximum of its current value and cp's.
	Save(ctx context.Context, group string, cp types.Checkpoint) error

	// Reset sets one partition's offset unconditionally. It is the only way
	// to lower a checkpoint.
	Reset(ctx context.Context, group string, partition int, offset uint64) error

	Close() error
}

// GroupLister is implemented by stores that can enumerate their consumer
// groups.
type GroupLister interface {
	Groups(ctx context.Context) ([]string, error)
}

// document is the JSON form used by object and KV stores.
type document struct {
	Group      string            `json:"group"`
	Partitions map[string]uint64 `json:"partitions"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func encodeDocument(group string, cp types.Checkpoint) ([]byte, error) {
	doc := document{
		Group:      group,
		Partitions: make(map[string]uint64, len(cp)),
		UpdatedAt:  time.Now().UTC(),
	}
	for p, o := range cp {
		doc.Partitions[strconv.Itoa(p)] = o
	}
	return json.Marshal(doc)
}

func decodeDocument(data []byte) (types.Checkpoint, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("checkpoint: invalid document: %w", err)
	}
	cp := make(types.Checkpoint, len(doc.Partitions))
	for k, o := range doc.Partitions {
		p, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: invalid partition %q: %w", k, err)
		}
		cp[p] = o
	}
	return cp, nil
}
