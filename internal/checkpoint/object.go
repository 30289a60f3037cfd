package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cartograph/cartograph/internal/storage"
	"github.com/cartograph/cartograph/pkg/types"
)

// maxCASAttempts bounds read-modify-write loops against concurrent writers.
const maxCASAttempts = 8

// ObjectStore keeps one JSON document per group in object storage. Writes
// are read-modify-write guarded by the object's ETag.
type ObjectStore struct {
	objects storage.ObjectStorage
	prefix  string
}

// NewObjectStore stores documents under prefix in objects.
func NewObjectStore(objects storage.ObjectStorage, prefix string) *ObjectStore {
	return &ObjectStore{objects: objects, prefix: prefix}
}

func (s *ObjectStore) key(group string) string {
	return path.Join(s.prefix, group+".json")
}

// Load implements Store.
func (s *ObjectStore) Load(ctx context.Context, group string) (types.Checkpoint, error) {
	cp, _, err := s.load(ctx, group)
	return cp, err
}

func (s *ObjectStore) load(ctx context.Context, group string) (types.Checkpoint, string, error) {
	data, etag, err := s.objects.Get(ctx, s.key(group))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return types.Checkpoint{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("checkpoint: failed to load %s: %w", group, err)
	}
	cp, err := decodeDocument(data)
	if err != nil {
		return nil, "", err
	}
	return cp, etag, nil
}

// Groups implements GroupLister.
func (s *ObjectStore) Groups(ctx context.Context) ([]string, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to list groups: %w", err)
	}
	var groups []string
	for _, k := range keys {
		name := strings.TrimPrefix(k, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		groups = append(groups, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(groups)
	return groups, nil
}

// Save implements Store.
func (s *ObjectStore) Save(ctx context.Context, group string, cp types.Checkpoint) error {
	return s.update(ctx, group, func(current types.Checkpoint) types.Checkpoint {
		return current.Merge(cp)
	})
}

// Reset implements Store.
func (s *ObjectStore) Reset(ctx context.Context, group string, partition int, offset uint64) error {
	return s.update(ctx, group, func(current types.Checkpoint) types.Checkpoint {
		next := current.Clone()
		next[partition] = offset
		return next
	})
}

func (s *ObjectStore) update(ctx context.Context, group string, apply func(types.Checkpoint) types.Checkpoint) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, etag, err := s.load(ctx, group)
		if err != nil {
			return err
		}
		data, err := encodeDocument(group, apply(current))
		if err != nil {
			return fmt.Errorf("checkpoint: failed to encode %s: %w", group, err)
		}

		cond := storage.Condition{IfMatch: etag, IfAbsent: etag == ""}
		_, err = s.objects.Put(ctx, s.key(group), data, cond)
		if errors.Is(err, storage.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			return fmt.Errorf("checkpoint: failed to save %s: %w", group, err)
		}
		return nil
	}
	return fmt.Errorf("checkpoint: concurrent writers on %s: %w", group, storage.ErrPreconditionFailed)
}

// Close implements Store.
func (s *ObjectStore) Close() error {
	return nil
}
