package utils

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ArgSortAscending returns indices that order data ascending. Equal values
// keep their original index order.
func ArgSortAscending(data []float32) []int {
	indices := make([]int, len(data))
	for i := range indices {
		indices[i] = i
	}

	sort.SliceStable(indices, func(i, j int) bool {
		return data[indices[i]] < data[indices[j]]
	})

	return indices
}

// TopK returns the indices of the k largest values in ascending order of
// value, so the last index points at the maximum.
func TopK(data []float32, k int) []int {
	order := ArgSortAscending(data)
	if k >= len(order) {
		return order
	}
	if k <= 0 {
		return []int{}
	}
	return order[len(order)-k:]
}

// ArgMax returns the first index holding the maximum value, or -1 for empty input.
func ArgMax(data []float32) int {
	if len(data) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(data); i++ {
		if data[i] > data[best] {
			best = i
		}
	}
	return best
}

func MaxFloat32(data []float32) float32 {
	m := float32(math.Inf(-1))
	for _, v := range data {
		if v > m {
			m = v
		}
	}
	return m
}

// BytesToFloat32s decodes little-endian IEEE-754 float32 values.
func BytesToFloat32s(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, errors.Errorf("raw buffer length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// Float32Backing returns the contiguous float32 backing of t, materializing views.
func Float32Backing(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("expected a float32 tensor, got %v", t.Dtype())
	}
	if t.IsView() {
		t = t.Materialize().(*tensor.Dense)
	}
	return t.Float32s(), nil
}

// SqueezeLeading drops leading unit dimensions until the shape has want dims.
func SqueezeLeading(shape tensor.Shape, want int) ([]int, error) {
	dims := []int(shape.Clone())
	for len(dims) > want && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != want {
		return nil, errors.Errorf("expected a %dD tensor, got shape %v", want, shape)
	}
	return dims, nil
}

// SqueezeTrailing drops trailing unit dimensions until the shape has want dims.
func SqueezeTrailing(shape tensor.Shape, want int) ([]int, error) {
	dims := []int(shape.Clone())
	for len(dims) > want && dims[len(dims)-1] == 1 {
		dims = dims[:len(dims)-1]
	}
	if len(dims) != want {
		return nil, errors.Errorf("expected a %dD tensor, got shape %v", want, shape)
	}
	return dims, nil
}

func NewFloat32(shape ...int) *tensor.Dense {
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape...),
	)
}

func NewFloat32Filled(value float32, shape ...int) *tensor.Dense {
	size := 1
	for _, s := range shape {
		size *= s
	}
	backing := make([]float32, size)
	for i := range backing {
		backing[i] = value
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape...),
		tensor.WithBacking(backing),
	)
}
