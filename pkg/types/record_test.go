package types

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func validRecord() *AssetRecord {
	return &AssetRecord{
		EntityKey:  "gcp:proj-1:storage:logs",
		EntityType: EntityGCPStorageBucket,
		Attributes: map[string]any{"location": "US", "versioning": true},
		ObservedAt: time.Unix(1700000000, 0).UTC(),
		ProducerID: "gcp-storage-intel/a",
		Sequence:   1,
	}
}

func TestAssetRecord_Validate(t *testing.T) {
	if err := validRecord().Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *AssetRecord)
		want   error
	}{
		{"missing key", func(r *AssetRecord) { r.EntityKey = "" }, ErrMissingEntityKey},
		{"unknown type", func(r *AssetRecord) { r.EntityType = "azure:vm" }, ErrUnknownEntityType},
		{"missing producer", func(r *AssetRecord) { r.ProducerID = "" }, ErrMissingProducerID},
		{"zero sequence", func(r *AssetRecord) { r.Sequence = 0 }, ErrZeroSequence},
		{"zero time", func(r *AssetRecord) { r.ObservedAt = time.Time{} }, ErrMissingObservedAt},
		{"far future time", func(r *AssetRecord) { r.ObservedAt = time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC) }, ErrObservedAtOutOfRange},
		{"far past time", func(r *AssetRecord) { r.ObservedAt = time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC) }, ErrObservedAtOutOfRange},
		{"reserved attribute", func(r *AssetRecord) { r.Attributes["sequence"] = int64(1) }, ErrReservedAttribute},
		{"padded name", func(r *AssetRecord) { r.Attributes[" x"] = "y" }, ErrInvalidAttributeName},
		{"nested value", func(r *AssetRecord) { r.Attributes["tags"] = map[string]any{} }, ErrNonScalarAttribute},
		{"int value", func(r *AssetRecord) { r.Attributes["n"] = 3 }, ErrNonScalarAttribute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(r)
			if err := r.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCompare_TieBreak(t *testing.T) {
	base := time.Unix(1700000000, 0)
	a := &AssetRecord{ObservedAt: base, ProducerID: "a", Sequence: 9}
	b := &AssetRecord{ObservedAt: base, ProducerID: "b", Sequence: 1}
	c := &AssetRecord{ObservedAt: base.Add(time.Nanosecond), ProducerID: "a", Sequence: 1}

	if !Newer(b, a) {
		t.Error("producer id breaks observed_at ties")
	}
	if !Newer(c, b) {
		t.Error("observed_at dominates producer id")
	}
	a2 := &AssetRecord{ObservedAt: base, ProducerID: "a", Sequence: 10}
	if !Newer(a2, a) {
		t.Error("sequence breaks ties within a producer")
	}
	if Compare(a, a) != 0 || Newer(a, a) {
		t.Error("a record is not newer than itself")
	}
}

// TestProperty_CompareIsTotalOrder checks antisymmetry and transitivity of
// the record ordering used by the window and the graph store.
func TestProperty_CompareIsTotalOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genRecord := gopter.CombineGens(
		gen.Int64Range(0, 5),
		gen.OneConstOf("a", "b", "c"),
		gen.UInt64Range(1, 4),
	).Map(func(vals []interface{}) *AssetRecord {
		return &AssetRecord{
			ObservedAt: time.Unix(vals[0].(int64), 0),
			ProducerID: vals[1].(string),
			Sequence:   vals[2].(uint64),
		}
	})

	properties.Property("compare is antisymmetric", prop.ForAll(
		func(a, b *AssetRecord) bool {
			return Compare(a, b) == -Compare(b, a)
		},
		genRecord, genRecord,
	))

	properties.Property("compare is transitive", prop.ForAll(
		func(a, b, c *AssetRecord) bool {
			if Compare(a, b) <= 0 && Compare(b, c) <= 0 {
				return Compare(a, c) <= 0
			}
			return true
		},
		genRecord, genRecord, genRecord,
	))

	properties.TestingRun(t)
}

func TestCheckpoint_MergeNeverRegresses(t *testing.T) {
	cp := Checkpoint{0: 10, 1: 5}
	merged := cp.Merge(Checkpoint{0: 7, 1: 9, 2: 1})
	if merged[0] != 10 || merged[1] != 9 || merged[2] != 1 {
		t.Fatalf("unexpected merge result %v", merged)
	}
	if cp[1] != 5 {
		t.Fatal("Merge must not mutate the receiver")
	}
	if got := merged.Partitions(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("unexpected partitions %v", got)
	}
}
