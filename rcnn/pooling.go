package rcnn

import (
	"math"

	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/pkg/errors"
)

// PoolingInput describes one region pooling pass over items seeds.
//
// Weights is (items, len(Offsets[i]), K) with K sub-regions; the feature
// volume carries K*numFeatures channels. Seeds are in feature map pixels.
// Offsets are in confidence map pixels and are divided by Stride.
type PoolingInput struct {
	Features *FeatureVolume
	Seeds    []SeedPoint
	Offsets  [][]processing.Offset
	Weights  []float32
	K        int
	Stride   float64
}

func (in *PoolingInput) numFeatures() (int, error) {
	if in.K <= 0 || in.Features.Channels%in.K != 0 {
		return 0, errors.Errorf("feature channels %d not divisible by %d sub-regions", in.Features.Channels, in.K)
	}
	if len(in.Seeds) != len(in.Offsets) {
		return 0, errors.Errorf("%d seeds but %d offset sets", len(in.Seeds), len(in.Offsets))
	}
	return in.Features.Channels / in.K, nil
}

func (in *PoolingInput) samples() int {
	if len(in.Offsets) == 0 {
		return 0
	}
	return len(in.Offsets[0])
}

func (in *PoolingInput) validate() (int, error) {
	f, err := in.numFeatures()
	if err != nil {
		return 0, err
	}
	n := in.samples()
	for i, offs := range in.Offsets {
		if len(offs) != n {
			return 0, errors.Errorf("item %d has %d offsets, want %d", i, len(offs), n)
		}
	}
	if len(in.Weights) != len(in.Seeds)*n*in.K {
		return 0, errors.Errorf("weights length %d, want %d", len(in.Weights), len(in.Seeds)*n*in.K)
	}
	return f, nil
}

func (in *PoolingInput) position(item, sample int) (y, x int) {
	off := in.Offsets[item][sample]
	seed := in.Seeds[item]
	x = seed.X + int(math.Floor(float64(off.DX)/in.Stride))
	y = seed.Y + int(math.Floor(float64(off.DY)/in.Stride))
	return y, x
}

// PoolRegions computes out[i, o, f] = sum_k w[i, o, k] * feat[k*F+f, y, x]
// with (y, x) the sampled position of offset o, or zero when it is outside
// the feature map. The output is (items, len(offsets), F) row-major.
func PoolRegions(in *PoolingInput) ([]float32, error) {
	numFeatures, err := in.validate()
	if err != nil {
		return nil, err
	}
	n := in.samples()
	feat := in.Features
	out := make([]float32, len(in.Seeds)*n*numFeatures)

	for i := range in.Seeds {
		for o := 0; o < n; o++ {
			y, x := in.position(i, o)
			if !feat.Contains(y, x) {
				continue
			}
			w := in.Weights[(i*n+o)*in.K : (i*n+o+1)*in.K]
			dst := out[(i*n+o)*numFeatures : (i*n+o+1)*numFeatures]
			for k, wk := range w {
				if wk == 0 {
					continue
				}
				for f := range dst {
					dst[f] += wk * feat.At(k*numFeatures+f, y, x)
				}
			}
		}
	}
	return out, nil
}

// PoolRegionsBackward returns the gradients of PoolRegions with respect to the
// feature volume (C*H*W) and the weights, given gradOut shaped like its output.
func PoolRegionsBackward(in *PoolingInput, gradOut []float32) (gradFeat, gradWeights []float32, err error) {
	numFeatures, err := in.validate()
	if err != nil {
		return nil, nil, err
	}
	n := in.samples()
	if len(gradOut) != len(in.Seeds)*n*numFeatures {
		return nil, nil, errors.Errorf("gradient length %d, want %d", len(gradOut), len(in.Seeds)*n*numFeatures)
	}
	feat := in.Features
	gradFeat = make([]float32, len(feat.data))
	gradWeights = make([]float32, len(in.Weights))

	for i := range in.Seeds {
		for o := 0; o < n; o++ {
			y, x := in.position(i, o)
			if !feat.Contains(y, x) {
				continue
			}
			g := gradOut[(i*n+o)*numFeatures : (i*n+o+1)*numFeatures]
			base := (i*n + o) * in.K
			for k := 0; k < in.K; k++ {
				wk := in.Weights[base+k]
				var dw float32
				for f, gf := range g {
					c := k*numFeatures + f
					dw += feat.At(c, y, x) * gf
					gradFeat[feat.index(c, y, x)] += wk * gf
				}
				gradWeights[base+k] = dw
			}
		}
	}
	return gradFeat, gradWeights, nil
}
