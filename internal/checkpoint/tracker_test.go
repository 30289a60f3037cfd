package checkpoint

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestTracker_WatermarkStopsAtFirstUnresolved(t *testing.T) {
	tr := NewTracker(10)
	for _, o := range []uint64{11, 12, 13, 14} {
		tr.Track(o)
	}
	assert.Equal(t, uint64(10), tr.Watermark())

	tr.Resolve(12)
	tr.Resolve(13)
	assert.Equal(t, uint64(10), tr.Watermark())
	assert.Equal(t, 2, tr.InFlight())

	tr.Resolve(11)
	assert.Equal(t, uint64(13), tr.Watermark())

	tr.Resolve(14)
	assert.Equal(t, uint64(14), tr.Watermark())
	assert.Equal(t, 0, tr.InFlight())
}

func TestTracker_IgnoresOldAndUnknownOffsets(t *testing.T) {
	tr := NewTracker(5)
	tr.Track(5)
	tr.Track(3)
	tr.Track(7)
	tr.Track(7)
	assert.Equal(t, 1, tr.InFlight())

	tr.Resolve(4)
	tr.Resolve(9)
	assert.Equal(t, uint64(5), tr.Watermark())

	tr.Resolve(7)
	tr.Resolve(7)
	assert.Equal(t, uint64(7), tr.Watermark())
}

func TestTracker_GapsInOffsets(t *testing.T) {
	tr := NewTracker(0)
	tr.Track(3)
	tr.Track(8)
	tr.Resolve(3)
	assert.Equal(t, uint64(3), tr.Watermark())
	tr.Resolve(8)
	assert.Equal(t, uint64(8), tr.Watermark())
}

// TestProperty_WatermarkIsResolvedPrefix checks that, for any resolution
// order, the watermark is the last offset of the fully resolved prefix.
func TestProperty_WatermarkIsResolvedPrefix(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("watermark equals resolved prefix", prop.ForAll(
		func(n int, seed int64, cut int) bool {
			tr := NewTracker(0)
			for o := 1; o <= n; o++ {
				tr.Track(uint64(o))
			}
			order := rand.New(rand.NewSource(seed)).Perm(n)
			if cut > n {
				cut = n
			}
			done := make(map[uint64]bool)
			for _, i := range order[:cut] {
				off := uint64(i + 1)
				tr.Resolve(off)
				done[off] = true
			}

			want := uint64(0)
			for o := uint64(1); o <= uint64(n) && done[o]; o++ {
				want = o
			}
			return tr.Watermark() == want
		},
		gen.IntRange(1, 60),
		gen.Int64(),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}
