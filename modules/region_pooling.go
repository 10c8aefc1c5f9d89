package modules

import (
	"math"

	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/okieraised/go-rfcn-regions/rcnn"
	"github.com/okieraised/go-rfcn-regions/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const BlobRegionFeatures = "region_features"

// RegionPoolingStage gathers weighted feature vectors at every sampled
// position around each seed. Compute caches its inputs for Propagate.
type RegionPoolingStage struct {
	params *config.RegionParams

	input      *rcnn.PoolingInput
	featShape  tensor.Shape
	numItems   int
	numOffsets int
}

func NewRegionPoolingStage() *RegionPoolingStage {
	return &RegionPoolingStage{}
}

func (s *RegionPoolingStage) Configure(params *config.RegionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.params = params.Clone()
	return nil
}

// Compute reads rfcn_features, seed_points, sampled_id and rfcn_region_weights
// and writes region_features of shape (N, num_regions, num_samples, num_features).
func (s *RegionPoolingStage) Compute(inputs *Blobs) (*Blobs, error) {
	if s.params == nil {
		return nil, ErrNotConfigured
	}
	p := s.params

	featBlob, err := blob(inputs, BlobFeatures)
	if err != nil {
		return nil, err
	}
	feat, err := rcnn.NewFeatureVolume(featBlob)
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	if feat.Channels != p.NumRfcnRegions*p.NumFeatures {
		return nil, errors.Wrapf(ErrShapeMismatch, "features have %d channels, want %d", feat.Channels, p.NumRfcnRegions*p.NumFeatures)
	}

	seeds, err := s.seeds(inputs)
	if err != nil {
		return nil, err
	}
	numItems := len(seeds)
	numOffsets := p.NumRegions * p.NumSamples

	offsets, err := s.offsets(inputs, numItems, numOffsets)
	if err != nil {
		return nil, err
	}

	weightBlob, err := blob(inputs, BlobRegionWeights)
	if err != nil {
		return nil, err
	}
	weights, err := utils.Float32Backing(weightBlob)
	if err != nil {
		return nil, err
	}
	if len(weights) != numItems*numOffsets*p.NumRfcnRegions {
		return nil, errors.Wrapf(ErrShapeMismatch, "region weights shape %v", weightBlob.Shape())
	}

	in := &rcnn.PoolingInput{
		Features: feat,
		Seeds:    seeds,
		Offsets:  offsets,
		Weights:  weights,
		K:        p.NumRfcnRegions,
		Stride:   p.PoolingStride,
	}
	pooled, err := rcnn.PoolRegions(in)
	if err != nil {
		return nil, err
	}

	s.input = in
	s.featShape = featBlob.Shape().Clone()
	s.numItems = numItems
	s.numOffsets = numOffsets

	out := NewBlobs()
	out.Set(BlobRegionFeatures, tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(numItems, p.NumRegions, p.NumSamples, p.NumFeatures),
		tensor.WithBacking(pooled),
	))
	return out, nil
}

// Propagate maps the region_features gradient to gradients of rfcn_features
// and rfcn_region_weights for the inputs of the last Compute call.
func (s *RegionPoolingStage) Propagate(gradients *Blobs) (*Blobs, error) {
	if s.input == nil {
		return nil, errors.Wrap(ErrNotConfigured, "propagate before compute")
	}
	p := s.params
	gradBlob, err := blob(gradients, BlobRegionFeatures)
	if err != nil {
		return nil, err
	}
	gradOut, err := utils.Float32Backing(gradBlob)
	if err != nil {
		return nil, err
	}
	gradFeat, gradWeights, err := rcnn.PoolRegionsBackward(s.input, gradOut)
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}

	out := NewBlobs()
	out.Set(BlobFeatures, tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(s.featShape...),
		tensor.WithBacking(gradFeat),
	))
	out.Set(BlobRegionWeights, tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(s.numItems, p.NumRegions, p.NumSamples, p.NumRfcnRegions),
		tensor.WithBacking(gradWeights),
	))
	return out, nil
}

func (s *RegionPoolingStage) seeds(inputs *Blobs) ([]rcnn.SeedPoint, error) {
	pointBlob, err := blob(inputs, BlobSeedPoints)
	if err != nil {
		return nil, err
	}
	dims, err := utils.SqueezeTrailing(pointBlob.Shape(), 2)
	if err != nil || dims[1] != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "seed points shape %v", pointBlob.Shape())
	}
	points, err := utils.Float32Backing(pointBlob)
	if err != nil {
		return nil, err
	}
	// seed points are in confidence map pixels
	seeds := make([]rcnn.SeedPoint, dims[0])
	for n := range seeds {
		seed := rcnn.SeedPoint{
			X: int(math.Round(float64(points[n*2]))),
			Y: int(math.Round(float64(points[n*2+1]))),
		}
		seed.Y, seed.X = FeaturePosition(seed, s.params.PoolingStride)
		seeds[n] = seed
	}
	return seeds, nil
}

func (s *RegionPoolingStage) offsets(inputs *Blobs, numItems, numOffsets int) ([][]processing.Offset, error) {
	idBlob, err := blob(inputs, BlobSampledID)
	if err != nil {
		return nil, err
	}
	ids, err := utils.Float32Backing(idBlob)
	if err != nil {
		return nil, err
	}
	if len(ids) != numItems*numOffsets*2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "sampled ids shape %v", idBlob.Shape())
	}
	offsets := make([][]processing.Offset, numItems)
	for n := range offsets {
		offsets[n] = make([]processing.Offset, numOffsets)
		for o := range offsets[n] {
			base := (n*numOffsets + o) * 2
			offsets[n][o] = processing.Offset{
				DX: int(math.Round(float64(ids[base]))),
				DY: int(math.Round(float64(ids[base+1]))),
			}
		}
	}
	return offsets, nil
}
