// Package types provides core data types for the cartograph ingestion pipeline.
package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Graph stores compare observed_at as Unix nanoseconds.
var (
	minObservedAt = time.Unix(0, math.MinInt64)
	maxObservedAt = time.Unix(0, math.MaxInt64)
)

// EntityType identifies the kind of cloud resource an AssetRecord describes.
type EntityType string

const (
	// EntityAWSEC2Instance is an EC2 virtual machine.
	EntityAWSEC2Instance EntityType = "aws:ec2:instance"

	// EntityAWSS3Bucket is an S3 bucket.
	EntityAWSS3Bucket EntityType = "aws:s3:bucket"

	// EntityGCPStorageBucket is a Google Cloud Storage bucket.
	EntityGCPStorageBucket EntityType = "gcp:storage:bucket"
)

var entityLabels = map[EntityType]string{
	EntityAWSEC2Instance:   "AWSEC2Instance",
	EntityAWSS3Bucket:      "AWSS3Bucket",
	EntityGCPStorageBucket: "GCPStorageBucket",
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := entityLabels[t]
	return ok
}

// Label returns the graph node label for the entity type.
// Unknown types return an empty string.
func (t EntityType) Label() string {
	return entityLabels[t]
}

// EntityTypes returns all known entity types.
func EntityTypes() []EntityType {
	return []EntityType{EntityAWSEC2Instance, EntityAWSS3Bucket, EntityGCPStorageBucket}
}

// Reserved property names written by the graph store alongside the attributes.
// Attributes must not use them.
const (
	PropEntityKey  = "entity_key"
	PropEntityType = "entity_type"
	PropObservedAt = "observed_at"
	PropProducerID = "producer_id"
	PropSequence   = "sequence"
)

var reservedProps = map[string]struct{}{
	PropEntityKey:  {},
	PropEntityType: {},
	PropObservedAt: {},
	PropProducerID: {},
	PropSequence:   {},
}

// AssetRecord is the unit of intel emitted by producers and consumed by the
// ingestion service.
type AssetRecord struct {
	// EntityKey is globally unique per resource and stable across rescans,
	// e.g. "aws:us-east-1:ec2:i-0abc".
	EntityKey string `json:"entity_key"`

	// EntityType is the kind of resource.
	EntityType EntityType `json:"entity_type"`

	// Attributes holds scalar properties: string, bool, int64, float64 or nil.
	Attributes map[string]any `json:"attributes"`

	// ObservedAt is when the producer observed the resource state.
	ObservedAt time.Time `json:"observed_at"`

	// ProducerID identifies the emitting producer instance.
	ProducerID string `json:"producer_id"`

	// Sequence is strictly increasing per ProducerID. It is not comparable
	// across producers.
	Sequence uint64 `json:"sequence"`
}

// Validate checks the record against the schema invariants.
func (r *AssetRecord) Validate() error {
	if r.EntityKey == "" {
		return ErrMissingEntityKey
	}
	if !r.EntityType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, r.EntityType)
	}
	if r.ProducerID == "" {
		return ErrMissingProducerID
	}
	if r.Sequence == 0 {
		return ErrZeroSequence
	}
	if r.ObservedAt.IsZero() {
		return ErrMissingObservedAt
	}
	if r.ObservedAt.Before(minObservedAt) || r.ObservedAt.After(maxObservedAt) {
		return fmt.Errorf("%w: %s", ErrObservedAtOutOfRange, r.ObservedAt.UTC().Format(time.RFC3339))
	}
	for name, v := range r.Attributes {
		if name == "" || strings.TrimSpace(name) != name {
			return fmt.Errorf("%w: %q", ErrInvalidAttributeName, name)
		}
		if _, ok := reservedProps[name]; ok {
			return fmt.Errorf("%w: %q", ErrReservedAttribute, name)
		}
		if !IsScalar(v) {
			return fmt.Errorf("%w: %q has type %T", ErrNonScalarAttribute, name, v)
		}
	}
	return nil
}

// IsScalar reports whether v is an allowed attribute value.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int64, float64:
		return true
	default:
		return false
	}
}

// Compare orders two records for the same entity: by ObservedAt, then
// ProducerID lexicographically, then Sequence. It returns -1, 0 or +1.
func Compare(a, b *AssetRecord) int {
	switch {
	case a.ObservedAt.Before(b.ObservedAt):
		return -1
	case a.ObservedAt.After(b.ObservedAt):
		return 1
	}
	if c := strings.Compare(a.ProducerID, b.ProducerID); c != 0 {
		return c
	}
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	}
	return 0
}

// Newer reports whether a strictly supersedes b.
func Newer(a, b *AssetRecord) bool {
	return Compare(a, b) > 0
}

// Clone returns a deep copy of the record.
func (r *AssetRecord) Clone() *AssetRecord {
	cp := *r
	if r.Attributes != nil {
		cp.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}
