package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cartograph/cartograph/pkg/types"
)

// KVStore keeps one document per group in a JetStream key-value bucket.
// Writes are compare-and-set on the entry revision.
type KVStore struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// NewKVStore connects to url and opens (or creates) bucket.
func NewKVStore(ctx context.Context, url, bucket string) (*KVStore, error) {
	nc, err := nats.Connect(url, nats.Name("cartograph-checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("checkpoint: failed to create jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "cartograph consumer group checkpoints",
		History:     5,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("checkpoint: failed to open kv bucket %s: %w", bucket, err)
	}
	return &KVStore{nc: nc, kv: kv}, nil
}

// kvKey maps a group name onto the key alphabet JetStream accepts.
func kvKey(group string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, group)
}

// Load implements Store.
func (s *KVStore) Load(ctx context.Context, group string) (types.Checkpoint, error) {
	cp, _, err := s.load(ctx, group)
	return cp, err
}

func (s *KVStore) load(ctx context.Context, group string) (types.Checkpoint, uint64, error) {
	entry, err := s.kv.Get(ctx, kvKey(group))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return types.Checkpoint{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint: failed to load %s: %w", group, err)
	}
	cp, err := decodeDocument(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	return cp, entry.Revision(), nil
}

// Groups implements GroupLister. Names come back in their key form.
func (s *KVStore) Groups(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to list groups: %w", err)
	}
	defer lister.Stop()

	var groups []string
	for k := range lister.Keys() {
		groups = append(groups, k)
	}
	sort.Strings(groups)
	return groups, nil
}

// Save implements Store.
func (s *KVStore) Save(ctx context.Context, group string, cp types.Checkpoint) error {
	return s.update(ctx, group, func(current types.Checkpoint) types.Checkpoint {
		return current.Merge(cp)
	})
}

// Reset implements Store.
func (s *KVStore) Reset(ctx context.Context, group string, partition int, offset uint64) error {
	return s.update(ctx, group, func(current types.Checkpoint) types.Checkpoint {
		next := current.Clone()
		next[partition] = offset
		return next
	})
}

func (s *KVStore) update(ctx context.Context, group string, apply func(types.Checkpoint) types.Checkpoint) error {
	key := kvKey(group)
	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, rev, err := s.load(ctx, group)
		if err != nil {
			return err
		}
		data, err := encodeDocument(group, apply(current))
		if err != nil {
			return fmt.Errorf("checkpoint: failed to encode %s: %w", group, err)
		}

		if rev == 0 {
			_, err = s.kv.Create(ctx, key, data)
		} else {
			_, err = s.kv.Update(ctx, key, data, rev)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a lost race shows up as ErrKeyExists or a wrong-revision API error
		lastErr = err
	}
	return fmt.Errorf("checkpoint: failed to save %s: %w", group, lastErr)
}

// Close closes the connection.
func (s *KVStore) Close() error {
	s.nc.Close()
	return nil
}
