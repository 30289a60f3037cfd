package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/pkg/types"
)

func sampleRecord() *types.AssetRecord {
	return &types.AssetRecord{
		EntityKey:  "aws:us-east-1:ec2:i-1",
		EntityType: types.EntityAWSEC2Instance,
		Attributes: map[string]any{
			"state":     "running",
			"cpu_count": int64(4),
			"load":      0.5,
			"public":    false,
			"public_ip": nil,
		},
		ObservedAt: time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC),
		ProducerID: "aws-ec2-intel/run-1",
		Sequence:   7,
	}
}

func TestEncodeDecode_PreservesScalarTypes(t *testing.T) {
	in := sampleRecord()
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.IsType(t, int64(0), out.Attributes["cpu_count"])
	assert.IsType(t, float64(0), out.Attributes["load"])
}

func TestEncode_RejectsInvalidRecord(t *testing.T) {
	r := sampleRecord()
	r.EntityKey = ""
	_, err := Encode(r)
	assert.True(t, errors.Is(err, perrors.SchemaViolation))
}

func TestDecode_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":         `{{{`,
		"wrong version":    `{"v":9,"entity_key":"k","entity_type":"aws:s3:bucket","observed_at":"2024-01-01T00:00:00Z","producer_id":"p","sequence":1}`,
		"unknown type":     `{"v":1,"entity_key":"k","entity_type":"azure:vm","observed_at":"2024-01-01T00:00:00Z","producer_id":"p","sequence":1}`,
		"nested attribute": `{"v":1,"entity_key":"k","entity_type":"aws:s3:bucket","attributes":{"tags":{"a":"b"}},"observed_at":"2024-01-01T00:00:00Z","producer_id":"p","sequence":1}`,
		"array attribute":  `{"v":1,"entity_key":"k","entity_type":"aws:s3:bucket","attributes":{"ips":[1,2]},"observed_at":"2024-01-01T00:00:00Z","producer_id":"p","sequence":1}`,
		"reserved name":    `{"v":1,"entity_key":"k","entity_type":"aws:s3:bucket","attributes":{"entity_key":"x"},"observed_at":"2024-01-01T00:00:00Z","producer_id":"p","sequence":1}`,
		"zero sequence":    `{"v":1,"entity_key":"k","entity_type":"aws:s3:bucket","observed_at":"2024-01-01T00:00:00Z","producer_id":"p","sequence":0}`,
		"missing time":     `{"v":1,"entity_key":"k","entity_type":"aws:s3:bucket","producer_id":"p","sequence":1}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, perrors.SchemaViolation), "got %v", err)
		})
	}
}

func TestAttributes_RoundTrip(t *testing.T) {
	in := map[string]any{"n": int64(3), "f": 1.5, "s": "x", "b": true, "z": nil}
	data, err := MarshalAttributes(in)
	require.NoError(t, err)

	out, err := UnmarshalAttributes(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	data, err = MarshalAttributes(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
