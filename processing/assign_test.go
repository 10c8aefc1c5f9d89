package processing

import (
	"math/rand"
	"testing"

	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareAssigner(t *testing.T, policy config.ClassificationPolicy) *RegionAssigner {
	table := &BoundaryTable{
		BoundW: []float64{0, 3, 6},
		BoundH: []float64{0, 3, 6},
	}
	assigner, err := NewRegionAssigner(table, policy, 1e-6)
	require.NoError(t, err)
	return assigner
}

func TestRegionAssigner_InnermostBin(t *testing.T) {
	assigner := squareAssigner(t, config.ClassificationCovered)
	roi := RegionOfInterest{Class: 1, X1: 0, Y1: 0, X2: 10, Y2: 10}

	got := assigner.Assign(roi.Distances(8, 8, 1))
	require.Len(t, got.Regression, 2)

	right := got.Regression[0]
	assert.Equal(t, AxisX, right.Axis)
	assert.Equal(t, 2, right.Index)
	assert.True(t, right.Valid)
	assert.InDelta(t, (3.0-2.0)/3.0-0.5, right.Fraction, 1e-12)
	assert.Equal(t, 2, right.RegIndex(4))

	bottom := got.Regression[1]
	assert.Equal(t, AxisY, bottom.Axis)
	assert.Equal(t, 2, bottom.Index)
	assert.Equal(t, 6, bottom.RegIndex(4))

	assert.Equal(t, []int{0, 1, 2, 4, 5, 6, 8, 9, 10}, got.Positives)
	assert.Zero(t, got.Degenerate)
}

func TestRegionAssigner_LegacyPolicy(t *testing.T) {
	assigner := squareAssigner(t, config.ClassificationLegacy)
	roi := RegionOfInterest{Class: 1, X1: 0, Y1: 0, X2: 10, Y2: 10}

	got := assigner.Assign(roi.Distances(8, 8, 1))
	assert.Equal(t, []int{2, 3, 6, 7, 10, 11}, got.Positives)
	// regression targets do not depend on the classification policy
	require.Len(t, got.Regression, 2)
	assert.Equal(t, 2, got.Regression[0].Index)
}

func TestRegionAssigner_HalfOpenBins(t *testing.T) {
	assigner := squareAssigner(t, config.ClassificationCovered)

	got := assigner.Assign(EdgeDistances{Left: 3, Right: 0, Top: 6, Bottom: 5.999})
	require.Len(t, got.Regression, 3)

	left := got.Regression[0]
	assert.Equal(t, 0, left.Index)
	assert.InDelta(t, 0.5, left.Fraction, 1e-12)

	right := got.Regression[1]
	assert.Equal(t, 2, right.Index)
	assert.InDelta(t, 0.5, right.Fraction, 1e-12)

	// top at the outermost bound has no bin
	bottom := got.Regression[2]
	assert.Equal(t, AxisY, bottom.Axis)
	assert.Equal(t, 3, bottom.Index)
}

func TestRegionAssigner_Degenerate(t *testing.T) {
	table := &BoundaryTable{
		BoundW: []float64{0, 1e-9, 5},
		BoundH: []float64{0, 2, 5},
	}
	assigner, err := NewRegionAssigner(table, config.ClassificationCovered, 1e-6)
	require.NoError(t, err)

	got := assigner.Assign(EdgeDistances{Left: 0, Right: 1, Top: 1, Bottom: 1})
	assert.Equal(t, 1, got.Degenerate)
	require.Len(t, got.Regression, 4)
	assert.False(t, got.Regression[0].Valid)
	assert.Zero(t, got.Regression[0].Fraction)
	assert.True(t, got.Regression[1].Valid)
}

func TestRegionAssigner_FractionRange(t *testing.T) {
	table := &BoundaryTable{
		BoundW: []float64{0, 1.5, 4, 9, 20},
		BoundH: []float64{0, 2, 2.5, 7, 30},
	}
	assigner, err := NewRegionAssigner(table, config.ClassificationCovered, 1e-6)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		d := EdgeDistances{
			Left:   rng.Float64() * 35,
			Right:  rng.Float64() * 35,
			Top:    rng.Float64() * 35,
			Bottom: rng.Float64() * 35,
		}
		got := assigner.Assign(d)
		for _, target := range got.Regression {
			assert.GreaterOrEqual(t, target.Fraction, -0.5)
			assert.LessOrEqual(t, target.Fraction, 0.5)
			assert.GreaterOrEqual(t, target.Index, 0)
			assert.Less(t, target.Index, assigner.Side())
		}
		for _, r := range got.Positives {
			assert.Less(t, r, assigner.Side()*assigner.Side())
		}
	}
}

func TestRegionAssigner_OffsetRoundTrip(t *testing.T) {
	table := testTable()
	sample, err := SampleOffsets(table, 4, 9, 1)
	require.NoError(t, err)
	assigner, err := NewRegionAssigner(table, config.ClassificationCovered, 1e-6)
	require.NoError(t, err)

	for region := 0; region < sample.NumRegions(); region++ {
		for _, off := range sample.Cluster(region) {
			xInd, yInd, ok := assigner.LocateOffset(float64(off.DX), float64(off.DY))
			require.True(t, ok)
			assert.Equal(t, region, yInd*assigner.Side()+xInd, "offset %+v", off)
		}
	}
}

func TestNewRegionAssigner_Invalid(t *testing.T) {
	_, err := NewRegionAssigner(nil, config.ClassificationCovered, 0)
	assert.ErrorIs(t, err, ErrUnseenClass)

	_, err = NewRegionAssigner(testTable(), "nearest", 0)
	assert.ErrorIs(t, err, config.ErrInvalidParams)
}
