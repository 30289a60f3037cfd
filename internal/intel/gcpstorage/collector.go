// Package gcpstorage collects Google Cloud Storage buckets.
package gcpstorage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/cartograph/cartograph/internal/intel"
	"github.com/cartograph/cartograph/pkg/types"
)

// Name is the collector name.
const Name = "gcp-storage"

// BucketIterator yields bucket attributes until iterator.Done.
type BucketIterator interface {
	Next() (*storage.BucketAttrs, error)
}

// API lists the buckets of a project.
type API interface {
	Buckets(ctx context.Context, project string) BucketIterator
}

type clientAPI struct {
	client *storage.Client
}

func (c clientAPI) Buckets(ctx context.Context, project string) BucketIterator {
	return c.client.Buckets(ctx, project)
}

// Collector lists every bucket of one project.
type Collector struct {
	api     API
	project string
	closer  func() error
}

// New creates a collector over api for project.
func New(api API, project string) *Collector {
	return &Collector{api: api, project: project, closer: func() error { return nil }}
}

// NewFromClient creates a collector using an existing storage client.
func NewFromClient(client *storage.Client, project string) *Collector {
	c := New(clientAPI{client: client}, project)
	c.closer = client.Close
	return c
}

// Dial creates a storage client with application default credentials, or
// with the service account key at credentialsFile when set.
func Dial(ctx context.Context, project, credentialsFile string) (*Collector, error) {
	if project == "" {
		return nil, fmt.Errorf("gcpstorage: project is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcpstorage: failed to create storage client: %w", err)
	}
	return NewFromClient(client, project), nil
}

// Name implements intel.Collector.
func (c *Collector) Name() string { return Name }

// Close releases the underlying client.
func (c *Collector) Close() error { return c.closer() }

// Collect implements intel.Collector.
func (c *Collector) Collect(ctx context.Context, emit func(context.Context, intel.Observation) error) error {
	it := c.api.Buckets(ctx, c.project)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gcpstorage: list buckets of %s: %w", c.project, err)
		}
		if err := emit(ctx, c.observe(attrs, time.Now())); err != nil {
			return err
		}
	}
}

func (c *Collector) observe(b *storage.BucketAttrs, observed time.Time) intel.Observation {
	attrs := map[string]any{
		"name":          b.Name,
		"project":       c.project,
		"location":      b.Location,
		"location_type": b.LocationType,
		"storage_class": b.StorageClass,
		"versioning":    b.VersioningEnabled,
	}
	if !b.Created.IsZero() {
		attrs["created"] = b.Created.UTC().Format(time.RFC3339)
	}
	attrs["uniform_access"] = b.UniformBucketLevelAccess.Enabled
	if b.PublicAccessPrevention != storage.PublicAccessPreventionUnknown {
		attrs["public_access_prevention"] = b.PublicAccessPrevention.String()
	}
	for k, v := range b.Labels {
		if k = strings.TrimSpace(k); k != "" {
			attrs["label:"+k] = v
		}
	}
	return intel.Observation{
		EntityKey:  fmt.Sprintf("gcp:%s:storage:%s", c.project, b.Name),
		EntityType: types.EntityGCPStorageBucket,
		Attributes: attrs,
		ObservedAt: observed,
	}
}
