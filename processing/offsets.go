package processing

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type Offset struct {
	DX int
	DY int
}

// OffsetSample holds numSamples probe offsets for each of the side*side bins.
// Cluster r covers region r = y_ind*side + x_ind.
type OffsetSample struct {
	Side       int
	NumSamples int
	Offsets    []Offset
}

func (o *OffsetSample) NumRegions() int {
	return o.Side * o.Side
}

func (o *OffsetSample) Len() int {
	return len(o.Offsets)
}

func (o *OffsetSample) Cluster(region int) []Offset {
	return o.Offsets[region*o.NumSamples : (region+1)*o.NumSamples]
}

// Dense returns the offsets as a (len, 2) matrix of (dx, dy) rows.
func (o *OffsetSample) Dense() *mat.Dense {
	m := mat.NewDense(len(o.Offsets), 2, nil)
	for i, off := range o.Offsets {
		m.Set(i, 0, float64(off.DX))
		m.Set(i, 1, float64(off.DY))
	}
	return m
}

func OffsetSampleFromDense(m mat.Matrix, side, numSamples int) (*OffsetSample, error) {
	rows, cols := m.Dims()
	if cols != 2 || rows != side*side*numSamples {
		return nil, errors.Errorf("sampled offsets must be (%d, 2), got (%d, %d)", side*side*numSamples, rows, cols)
	}
	sample := &OffsetSample{
		Side:       side,
		NumSamples: numSamples,
		Offsets:    make([]Offset, rows),
	}
	for i := 0; i < rows; i++ {
		sample.Offsets[i] = Offset{
			DX: int(math.Round(m.At(i, 0))),
			DY: int(math.Round(m.At(i, 1))),
		}
	}
	return sample, nil
}

// SampleOffsets lays an n*n grid (n = sqrt(numSamples)) of interior points
// inside every bin rectangle, rounded inward to whole pixels, then scales
// the points by spatialScale and rounds half to even.
func SampleOffsets(table *BoundaryTable, side, numSamples int, spatialScale float64) (*OffsetSample, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if side != 2*table.Bins() {
		return nil, errors.Wrapf(ErrInvalidTable, "table has %d bins per side, grid side is %d", table.Bins(), side)
	}
	n := int(math.Sqrt(float64(numSamples)))
	if n*n != numSamples || n == 0 {
		return nil, errors.Errorf("num_samples must be a positive perfect square, got %d", numSamples)
	}

	sample := &OffsetSample{
		Side:       side,
		NumSamples: numSamples,
		Offsets:    make([]Offset, side*side*numSamples),
	}

	for yInd := 0; yInd < side; yInd++ {
		y1, y2 := binInterval(table.BoundH, side, yInd)
		ys := linspaceInterior(math.Ceil(y1), math.Floor(y2), n)
		for xInd := 0; xInd < side; xInd++ {
			x1, x2 := binInterval(table.BoundW, side, xInd)
			xs := linspaceInterior(math.Ceil(x1), math.Floor(x2), n)

			cluster := sample.Cluster(yInd*side + xInd)
			for row := 0; row < n; row++ {
				for col := 0; col < n; col++ {
					cluster[row*n+col] = Offset{
						DX: int(math.RoundToEven(xs[col] * spatialScale)),
						DY: int(math.RoundToEven(ys[row] * spatialScale)),
					}
				}
			}
		}
	}
	return sample, nil
}

// binInterval mirrors the half-axis bounds into the signed interval of bin ind.
func binInterval(bound []float64, side, ind int) (lo, hi float64) {
	half := side / 2
	if ind < half {
		return -bound[half-ind], -bound[half-ind-1]
	}
	return bound[ind-half], bound[ind-half+1]
}

// linspaceInterior returns n evenly spaced points strictly between lo and hi.
func linspaceInterior(lo, hi float64, n int) []float64 {
	step := (hi - lo) / float64(n+1)
	points := make([]float64, n)
	for i := range points {
		points[i] = lo + step*float64(i+1)
	}
	return points
}
