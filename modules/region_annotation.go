package modules

import (
	"math"

	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/okieraised/go-rfcn-regions/rcnn"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

const (
	BlobConfidence    = "rfcn_confidence"
	BlobFeatures      = "rfcn_features"
	BlobRoIs          = "rois"
	BlobSeedPoints    = "seed_points"
	BlobRegionWeights = "rfcn_region_weights"
	BlobClsLabels     = "bbox_cls_labels"
	BlobClsInWeights  = "bbox_cls_inweights"
	BlobClsOutWeights = "bbox_cls_outweights"
	BlobRegLabels     = "bbox_reg_labels"
	BlobRegInWeights  = "bbox_reg_inweights"
	BlobRegOutWeights = "bbox_reg_outweights"
	BlobSeedFeatures  = "seed_points_features"
	BlobSampledID     = "sampled_id"
)

// TableSource resolves the immutable per-class tables by class label.
type TableSource interface {
	Assigner(class int) (*processing.RegionAssigner, error)
	Offsets(class int) (*processing.OffsetSample, error)
}

// RegionAnnotation is the per-seed output of one minibatch. Item n = roi*M + m;
// rows of RoIs with fewer than M seeds stay zero.
type RegionAnnotation struct {
	Seeds        []rcnn.SeedPoint
	SeedValid    []bool
	Offsets      []*processing.OffsetSample
	Weights      []float32 // (N, num_regions, num_samples, num_rfcn_regions)
	Targets      *processing.TargetTensors
	SeedFeatures []float32 // (N, num_features), empty without a feature volume
	Diagnostics  rcnn.Diagnostics
}

type RegionAnnotationStage struct {
	params *config.RegionParams
	tables TableSource
	logger *zap.Logger
	// Diagnostics of the last Compute call.
	Diagnostics rcnn.Diagnostics
}

func NewRegionAnnotationStage(tables TableSource, logger *zap.Logger) *RegionAnnotationStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegionAnnotationStage{
		tables: tables,
		logger: logger,
	}
}

func (s *RegionAnnotationStage) Configure(params *config.RegionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.params = params.Clone()
	return nil
}

// Compute reads rfcn_confidence, rois and optionally rfcn_features.
func (s *RegionAnnotationStage) Compute(inputs *Blobs) (*Blobs, error) {
	if s.params == nil {
		return nil, ErrNotConfigured
	}
	confBlob, err := blob(inputs, BlobConfidence)
	if err != nil {
		return nil, err
	}
	conf, err := rcnn.NewConfidenceVolume(confBlob)
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	roiBlob, err := blob(inputs, BlobRoIs)
	if err != nil {
		return nil, err
	}
	rois, err := processing.RoIsFromTensor(roiBlob)
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}

	var feat *rcnn.FeatureVolume
	if featBlob, ok := inputs.Get(BlobFeatures); ok && featBlob != nil {
		feat, err = rcnn.NewFeatureVolume(featBlob)
		if err != nil {
			return nil, errors.Wrap(ErrShapeMismatch, err.Error())
		}
	}

	annotation, err := s.Annotate(conf, feat, rois)
	if err != nil {
		return nil, err
	}
	return annotation.Blobs(s.params, feat != nil)
}

func (s *RegionAnnotationStage) Propagate(*Blobs) (*Blobs, error) {
	return nil, ErrNotDifferentiable
}

// Annotate selects seeds, aggregates region weights and builds targets for
// every RoI. RoIs are given in RoI source coordinates.
func (s *RegionAnnotationStage) Annotate(conf *rcnn.ConfidenceVolume, feat *rcnn.FeatureVolume, rois []processing.RegionOfInterest) (*RegionAnnotation, error) {
	if s.params == nil {
		return nil, ErrNotConfigured
	}
	p := s.params
	if len(rois) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "minibatch has no rois")
	}
	if err := s.checkVolumes(conf, feat); err != nil {
		return nil, err
	}

	numItems := len(rois) * p.M
	numOffsets := p.NumRegions * p.NumSamples
	k := p.NumRfcnRegions
	out := &RegionAnnotation{
		Seeds:     make([]rcnn.SeedPoint, numItems),
		SeedValid: make([]bool, numItems),
		Offsets:   make([]*processing.OffsetSample, numItems),
		Weights:   make([]float32, numItems*numOffsets*k),
	}
	if feat != nil {
		out.SeedFeatures = make([]float32, numItems*p.NumFeatures)
	}
	builder := processing.NewTargetBuilder(p, len(rois))

	for i, roi := range rois {
		if roi.Class < 1 || roi.Class >= p.NumClasses {
			out.Diagnostics.SkippedRoIs++
			continue
		}
		assigner, err := s.tables.Assigner(roi.Class)
		if errors.Is(err, processing.ErrUnseenClass) {
			out.Diagnostics.SkippedRoIs++
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "roi %d", i)
		}
		offsets, err := s.tables.Offsets(roi.Class)
		if err != nil {
			return nil, errors.Wrapf(err, "roi %d", i)
		}
		if offsets.Len() != numOffsets {
			return nil, errors.Wrapf(ErrShapeMismatch, "class %d has %d offsets, want %d", roi.Class, offsets.Len(), numOffsets)
		}

		scaled := roi.Scale(p.RoIScale)
		seeds := rcnn.SelectSeeds(conf, scaled, p.M)
		if len(seeds) == 0 {
			out.Diagnostics.EmptyRoIs++
			continue
		}
		if len(seeds) < p.M {
			out.Diagnostics.InsufficientSeeds++
		}

		for m, seed := range seeds {
			item := i*p.M + m
			out.Seeds[item] = seed
			out.SeedValid[item] = true
			out.Offsets[item] = offsets

			dst := out.Weights[item*numOffsets*k : (item+1)*numOffsets*k]
			out.Diagnostics.OutOfBoundsSamples += rcnn.AggregateWeightsInto(dst, conf, seed, roi.Class, offsets.Offsets, p.NormalizeWeights)

			if _, err := builder.AddPoint(item, scaled, float64(seed.X), float64(seed.Y), len(seeds), assigner); err != nil {
				return nil, errors.Wrapf(err, "roi %d seed %d", i, m)
			}
			if feat != nil {
				fy, fx := FeaturePosition(seed, p.PoolingStride)
				if feat.Contains(fy, fx) {
					copy(out.SeedFeatures[item*p.NumFeatures:], feat.Vector(seed.Region, p.NumFeatures, fy, fx))
				}
			}
		}
	}

	out.Diagnostics.DegenerateBoundaries = builder.Degenerate
	out.Targets = builder.Tensors()
	s.Diagnostics = out.Diagnostics
	if !out.Diagnostics.Empty() {
		s.logger.Debug("region annotation degraded", out.Diagnostics.Fields()...)
	}
	return out, nil
}

func (s *RegionAnnotationStage) checkVolumes(conf *rcnn.ConfidenceVolume, feat *rcnn.FeatureVolume) error {
	p := s.params
	if conf.SubRegions() != p.NumRfcnRegions {
		return errors.Wrapf(ErrShapeMismatch, "confidence sub-grid %dx%d, want %d regions", conf.SubGrid, conf.SubGrid, p.NumRfcnRegions)
	}
	if conf.Classes != p.NumClasses {
		return errors.Wrapf(ErrShapeMismatch, "confidence has %d classes, want %d", conf.Classes, p.NumClasses)
	}
	if feat == nil {
		return nil
	}
	if feat.Channels != p.NumRfcnRegions*p.NumFeatures {
		return errors.Wrapf(ErrShapeMismatch, "features have %d channels, want %d", feat.Channels, p.NumRfcnRegions*p.NumFeatures)
	}
	if !strided(feat.Height, conf.Height, p.PoolingStride) || !strided(feat.Width, conf.Width, p.PoolingStride) {
		return errors.Wrapf(ErrShapeMismatch, "features are %dx%d, confidence is %dx%d at stride %v",
			feat.Height, feat.Width, conf.Height, conf.Width, p.PoolingStride)
	}
	return nil
}

// strided reports whether a feature extent matches a confidence extent
// divided by stride, rounded either way.
func strided(featExtent, confExtent int, stride float64) bool {
	v := float64(confExtent) / stride
	return featExtent == int(math.Floor(v)) || featExtent == int(math.Ceil(v))
}

// FeaturePosition maps a seed in confidence map pixels onto a feature map
// that is stride times coarser.
func FeaturePosition(seed rcnn.SeedPoint, stride float64) (y, x int) {
	return int(math.Floor(float64(seed.Y) / stride)), int(math.Floor(float64(seed.X) / stride))
}

// Blobs lays the annotation out as named output tensors.
func (a *RegionAnnotation) Blobs(params *config.RegionParams, withFeatures bool) (*Blobs, error) {
	numItems := len(a.Seeds)
	points := make([]float32, numItems*2)
	for n, seed := range a.Seeds {
		if !a.SeedValid[n] {
			continue
		}
		points[n*2] = float32(seed.X)
		points[n*2+1] = float32(seed.Y)
	}
	sampledID, err := rcnn.SampledIDs(a.Offsets, params.NumRegions*params.NumSamples)
	if err != nil {
		return nil, err
	}

	out := NewBlobs()
	out.Set(BlobSeedPoints, tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(numItems, 2),
		tensor.WithBacking(points),
	))
	out.Set(BlobRegionWeights, tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(numItems, params.NumRegions, params.NumSamples, params.NumRfcnRegions),
		tensor.WithBacking(a.Weights),
	))
	out.Set(BlobClsLabels, a.Targets.ClsLabels)
	out.Set(BlobClsInWeights, a.Targets.ClsInWeights)
	out.Set(BlobClsOutWeights, a.Targets.ClsOutWeights)
	out.Set(BlobRegLabels, a.Targets.RegLabels)
	out.Set(BlobRegInWeights, a.Targets.RegInWeights)
	out.Set(BlobRegOutWeights, a.Targets.RegOutWeights)
	if withFeatures {
		out.Set(BlobSeedFeatures, tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(numItems, params.NumFeatures),
			tensor.WithBacking(a.SeedFeatures),
		))
	}
	out.Set(BlobSampledID, sampledID)
	return out, nil
}
