// Package codec implements the wire format for AssetRecords on the stream.
//
// Records are JSON objects with a schema version field. Integer attribute
// values survive the round trip as int64, other numbers become float64.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/pkg/types"
)

// SchemaVersion is the wire schema version written by Encode.
const SchemaVersion = 1

// wireRecord is the serialized form of an AssetRecord.
type wireRecord struct {
	Version    int                        `json:"v"`
	EntityKey  string                     `json:"entity_key"`
	EntityType types.EntityType           `json:"entity_type"`
	Attributes map[string]json.RawMessage `json:"attributes"`
	ObservedAt time.Time                  `json:"observed_at"`
	ProducerID string                     `json:"producer_id"`
	Sequence   uint64                     `json:"sequence"`
}

// Encode validates and serializes a record.
func Encode(r *types.AssetRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, perrors.NewSchemaViolation("refusing to encode invalid record", err)
	}
	attrs := make(map[string]json.RawMessage, len(r.Attributes))
	for k, v := range r.Attributes {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("codec: failed to encode attribute %q: %w", k, err)
		}
		attrs[k] = b
	}
	return json.Marshal(wireRecord{
		Version:    SchemaVersion,
		EntityKey:  r.EntityKey,
		EntityType: r.EntityType,
		Attributes: attrs,
		ObservedAt: r.ObservedAt.UTC(),
		ProducerID: r.ProducerID,
		Sequence:   r.Sequence,
	})
}

// Decode parses and validates a record. Any failure is a SchemaViolation.
func Decode(data []byte) (*types.AssetRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, perrors.NewSchemaViolation("malformed record", err)
	}
	if w.Version != SchemaVersion {
		return nil, perrors.NewSchemaViolation(fmt.Sprintf("unsupported schema version %d", w.Version), nil)
	}

	attrs := make(map[string]any, len(w.Attributes))
	for k, raw := range w.Attributes {
		v, err := decodeScalar(raw)
		if err != nil {
			return nil, perrors.NewSchemaViolation(fmt.Sprintf("attribute %q", k), err)
		}
		attrs[k] = v
	}

	r := &types.AssetRecord{
		EntityKey:  w.EntityKey,
		EntityType: w.EntityType,
		Attributes: attrs,
		ObservedAt: w.ObservedAt.UTC(),
		ProducerID: w.ProducerID,
		Sequence:   w.Sequence,
	}
	if err := r.Validate(); err != nil {
		return nil, perrors.NewSchemaViolation("invalid record", err)
	}
	return r, nil
}

func decodeScalar(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil, string, bool:
		return t, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %T", types.ErrNonScalarAttribute, v)
	}
}

// MarshalAttributes encodes scalar attributes as a JSON object.
func MarshalAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return json.Marshal(attrs)
}

// UnmarshalAttributes decodes a JSON object written by MarshalAttributes,
// restoring integers as int64.
func UnmarshalAttributes(data []byte) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: malformed attributes: %w", err)
	}
	attrs := make(map[string]any, len(raw))
	for k, v := range raw {
		s, err := decodeScalar(v)
		if err != nil {
			return nil, fmt.Errorf("codec: attribute %q: %w", k, err)
		}
		attrs[k] = s
	}
	return attrs, nil
}
