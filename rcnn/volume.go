package rcnn

import (
	"github.com/okieraised/go-rfcn-regions/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var ErrVolumeShape = errors.New("unexpected volume shape")

// ConfidenceVolume is a read-only (H, W, S, S, C) confidence map.
type ConfidenceVolume struct {
	Height  int
	Width   int
	SubGrid int
	Classes int
	data    []float32
}

// NewConfidenceVolume wraps a (H, W, S, S, C) or (1, H, W, S, S, C) float32 tensor.
func NewConfidenceVolume(t *tensor.Dense) (*ConfidenceVolume, error) {
	dims, err := utils.SqueezeLeading(t.Shape(), 5)
	if err != nil {
		return nil, errors.Wrap(ErrVolumeShape, err.Error())
	}
	if dims[2] != dims[3] {
		return nil, errors.Wrapf(ErrVolumeShape, "sub-grid must be square, got %dx%d", dims[2], dims[3])
	}
	data, err := utils.Float32Backing(t)
	if err != nil {
		return nil, err
	}
	return &ConfidenceVolume{
		Height:  dims[0],
		Width:   dims[1],
		SubGrid: dims[2],
		Classes: dims[4],
		data:    data,
	}, nil
}

func (v *ConfidenceVolume) SubRegions() int {
	return v.SubGrid * v.SubGrid
}

func (v *ConfidenceVolume) Contains(y, x int) bool {
	return y >= 0 && y < v.Height && x >= 0 && x < v.Width
}

func (v *ConfidenceVolume) At(y, x, row, col, class int) float32 {
	return v.data[(((y*v.Width+x)*v.SubGrid+row)*v.SubGrid+col)*v.Classes+class]
}

// SubRegionScores copies the S*S confidences of class at (y, x) into dst in
// row-major sub-grid order.
func (v *ConfidenceVolume) SubRegionScores(y, x, class int, dst []float32) []float32 {
	k := v.SubRegions()
	if cap(dst) < k {
		dst = make([]float32, k)
	}
	dst = dst[:k]
	base := (y*v.Width + x) * k * v.Classes
	for r := 0; r < k; r++ {
		dst[r] = v.data[base+r*v.Classes+class]
	}
	return dst
}

// FeatureVolume is a read-only (S*S*F, H, W) feature map.
type FeatureVolume struct {
	Channels int
	Height   int
	Width    int
	data     []float32
}

// NewFeatureVolume wraps a (C, H, W) or (1, C, H, W) float32 tensor.
func NewFeatureVolume(t *tensor.Dense) (*FeatureVolume, error) {
	dims, err := utils.SqueezeLeading(t.Shape(), 3)
	if err != nil {
		return nil, errors.Wrap(ErrVolumeShape, err.Error())
	}
	data, err := utils.Float32Backing(t)
	if err != nil {
		return nil, err
	}
	return &FeatureVolume{
		Channels: dims[0],
		Height:   dims[1],
		Width:    dims[2],
		data:     data,
	}, nil
}

func (v *FeatureVolume) Contains(y, x int) bool {
	return y >= 0 && y < v.Height && x >= 0 && x < v.Width
}

func (v *FeatureVolume) At(c, y, x int) float32 {
	return v.data[(c*v.Height+y)*v.Width+x]
}

func (v *FeatureVolume) index(c, y, x int) int {
	return (c*v.Height+y)*v.Width + x
}

// Vector returns the numFeatures channels of sub-region region at (y, x).
func (v *FeatureVolume) Vector(region, numFeatures, y, x int) []float32 {
	out := make([]float32, numFeatures)
	for f := range out {
		out[f] = v.At(region*numFeatures+f, y, x)
	}
	return out
}
