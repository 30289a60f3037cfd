// Package awss3 collects S3 buckets.
package awss3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cartograph/cartograph/internal/intel"
	"github.com/cartograph/cartograph/pkg/types"
)

// Name is the collector name.
const Name = "aws-s3"

// API is the subset of the S3 client used by the collector.
type API interface {
	ListBuckets(ctx context.Context, in *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

// Collector lists every bucket visible to the account. Bucket names are
// global, so keys use the "global" scope.
type Collector struct {
	api    API
	region string
}

// New creates a collector over api. region is the region the client
// talks to and is recorded on each bucket that reports none.
func New(api API, region string) *Collector {
	return &Collector{api: api, region: region}
}

// NewFromConfig creates a collector from the default AWS credential chain.
func NewFromConfig(ctx context.Context, region string) (*Collector, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("awss3: failed to load AWS config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), region), nil
}

// Name implements intel.Collector.
func (c *Collector) Name() string { return Name }

// Collect implements intel.Collector.
func (c *Collector) Collect(ctx context.Context, emit func(context.Context, intel.Observation) error) error {
	paginator := s3.NewListBucketsPaginator(c.api, &s3.ListBucketsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("awss3: list buckets: %w", err)
		}
		observed := time.Now()
		var owner string
		if page.Owner != nil {
			owner = aws.ToString(page.Owner.ID)
		}
		for _, b := range page.Buckets {
			if b.Name == nil {
				continue
			}
			if err := emit(ctx, c.observe(b, owner, observed)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) observe(b s3types.Bucket, owner string, observed time.Time) intel.Observation {
	name := aws.ToString(b.Name)
	attrs := map[string]any{"name": name}
	if region := aws.ToString(b.BucketRegion); region != "" {
		attrs["region"] = region
	} else if c.region != "" {
		attrs["region"] = c.region
	}
	if b.CreationDate != nil {
		attrs["creation_date"] = b.CreationDate.UTC().Format(time.RFC3339)
	}
	if owner != "" {
		attrs["owner_id"] = owner
	}
	return intel.Observation{
		EntityKey:  "aws:global:s3:" + name,
		EntityType: types.EntityAWSS3Bucket,
		Attributes: attrs,
		ObservedAt: observed,
	}
}
