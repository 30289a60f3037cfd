package graph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/pkg/types"
)

func TestGroupByType_StableOrder(t *testing.T) {
	bucket := &types.AssetRecord{EntityKey: "b1", EntityType: types.EntityGCPStorageBucket}
	b := batchOf(
		instance("i-1", "x", base, "p", 1),
		bucket,
		instance("i-2", "x", base, "p", 2),
	)
	groups := groupByType(b)
	require.Len(t, groups, 2)
	assert.Equal(t, types.EntityAWSEC2Instance, groups[0].entityType)
	assert.Len(t, groups[0].upserts, 2)
	assert.Equal(t, types.EntityGCPStorageBucket, groups[1].entityType)
}

func TestNeo4jRow_RoundTripsThroughProps(t *testing.T) {
	r := instance("i-1", "running", base, "a", 7)
	r.Attributes["gone"] = nil

	row := neo4jRow(r)
	props := row["props"].(map[string]any)
	assert.NotContains(t, props, "gone")

	n := nodeFromProps(props)
	assert.Equal(t, "i-1", n.EntityKey)
	assert.Equal(t, types.EntityAWSEC2Instance, n.EntityType)
	assert.True(t, base.Equal(n.ObservedAt))
	assert.Equal(t, "a", n.ProducerID)
	assert.Equal(t, uint64(7), n.Sequence)
	assert.Equal(t, map[string]any{"state": "running", "vcpus": int64(2)}, n.Attributes)
}

// TestNeo4jStore_Live runs against CARTOGRAPH_TEST_NEO4J_URI when set.
func TestNeo4jStore_Live(t *testing.T) {
	uri := os.Getenv("CARTOGRAPH_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("CARTOGRAPH_TEST_NEO4J_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, uri)
	require.NoError(t, err)
	defer s.Close()

	key := "aws:test:ec2:" + uuid.NewString()
	_, err = s.ApplyBatch(ctx, batchOf(instance(key, "stopped", base.Add(time.Minute), "b", 1)))
	require.NoError(t, err)

	res, err := s.ApplyBatch(ctx, batchOf(instance(key, "running", base, "a", 1)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	n, err := s.GetNode(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "stopped", n.Attributes["state"])

	conflict := &types.AssetRecord{
		EntityKey: key, EntityType: types.EntityAWSS3Bucket, Attributes: map[string]any{},
		ObservedAt: base.Add(time.Hour), ProducerID: "c", Sequence: 1,
	}
	_, err = s.ApplyBatch(ctx, batchOf(conflict))
	_, ok := perrors.AsRecordRejected(err)
	assert.True(t, ok)
}
