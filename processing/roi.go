package processing

import (
	"math"

	"github.com/okieraised/go-rfcn-regions/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// RegionOfInterest is a labelled box. Coordinates are in the RoI source's
// space until Scale is applied.
type RegionOfInterest struct {
	Class int
	X1    float64
	Y1    float64
	X2    float64
	Y2    float64
}

func (r RegionOfInterest) Scale(s float64) RegionOfInterest {
	return RegionOfInterest{
		Class: r.Class,
		X1:    r.X1 * s,
		Y1:    r.Y1 * s,
		X2:    r.X2 * s,
		Y2:    r.Y2 * s,
	}
}

func (r RegionOfInterest) Area() float64 {
	return (r.X2 - r.X1) * (r.Y2 - r.Y1)
}

// PixelBounds returns the inclusive integer pixel range covered by the box,
// clamped to a height x width map. ok is false when no pixel is covered.
func (r RegionOfInterest) PixelBounds(height, width int) (x0, y0, x1, y1 int, ok bool) {
	x0 = max(int(math.Ceil(r.X1)), 0)
	y0 = max(int(math.Ceil(r.Y1)), 0)
	x1 = min(int(math.Floor(r.X2)), width-1)
	y1 = min(int(math.Floor(r.Y2)), height-1)
	return x0, y0, x1, y1, x0 <= x1 && y0 <= y1
}

// Distances returns the point's distances to the box edges divided by unit.
func (r RegionOfInterest) Distances(x, y, unit float64) EdgeDistances {
	return EdgeDistances{
		Left:   (x - r.X1) / unit,
		Right:  (r.X2 - x) / unit,
		Top:    (y - r.Y1) / unit,
		Bottom: (r.Y2 - y) / unit,
	}
}

// RoIsFromTensor reads a (N, 5) or (N, 5, 1, 1) tensor of rows
// (x1, y1, x2, y2, class).
func RoIsFromTensor(t *tensor.Dense) ([]RegionOfInterest, error) {
	dims, err := utils.SqueezeTrailing(t.Shape(), 2)
	if err != nil {
		return nil, err
	}
	if dims[1] != 5 {
		return nil, errors.Errorf("rois must have 5 columns, got shape %v", t.Shape())
	}
	data, err := utils.Float32Backing(t)
	if err != nil {
		return nil, err
	}

	rois := make([]RegionOfInterest, dims[0])
	for i := range rois {
		row := data[i*5 : i*5+5]
		rois[i] = RegionOfInterest{
			X1:    float64(row[0]),
			Y1:    float64(row[1]),
			X2:    float64(row[2]),
			Y2:    float64(row[3]),
			Class: int(math.Round(float64(row[4]))),
		}
	}
	return rois, nil
}

// ClipRoIs clamps the coordinate columns of an (N, 5) RoI tensor in place to
// a map of imgShape = (height, width). Views are written through to their
// parent.
func ClipRoIs(rois *tensor.Dense, imgShape []int) (*tensor.Dense, error) {
	dims, err := utils.SqueezeTrailing(rois.Shape(), 2)
	if err != nil {
		return nil, err
	}
	if dims[1] != 5 {
		return nil, errors.Errorf("rois must have 5 columns, got shape %v", rois.Shape())
	}
	width := float64(imgShape[1] - 1)
	height := float64(imgShape[0] - 1)
	limits := []float64{width, height, width, height}
	clip := func(v float32, limit float64) float32 {
		return float32(math.Max(math.Min(float64(v), limit), 0))
	}

	if !rois.IsView() {
		data, err := utils.Float32Backing(rois)
		if err != nil {
			return nil, err
		}
		for i := 0; i+5 <= len(data); i += 5 {
			for col, limit := range limits {
				data[i+col] = clip(data[i+col], limit)
			}
		}
		return rois, nil
	}

	if rois.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("expected a float32 tensor, got %v", rois.Dtype())
	}
	coords := make([]int, rois.Dims())
	for i := 0; i < dims[0]; i++ {
		coords[0] = i
		for col, limit := range limits {
			coords[1] = col
			v, err := rois.At(coords...)
			if err != nil {
				return nil, err
			}
			if err := rois.SetAt(clip(v.(float32), limit), coords...); err != nil {
				return nil, err
			}
		}
	}
	return rois, nil
}
