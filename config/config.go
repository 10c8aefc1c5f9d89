package config

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidParams = errors.New("invalid parameters")

type WeightNorm string

const (
	WeightNormNone      WeightNorm = "none"
	WeightNormSeedCount WeightNorm = "seed_count"
	WeightNormArea      WeightNorm = "area"
)

type ClassificationPolicy string

const (
	// ClassificationCovered marks every bin whose inner edge lies inside the box on both axes.
	ClassificationCovered ClassificationPolicy = "covered"
	// ClassificationLegacy reproduces the original layer's index arithmetic.
	ClassificationLegacy ClassificationPolicy = "legacy"
)

var WeightNormMapper = map[WeightNorm]string{
	WeightNormNone:      "None",
	WeightNormSeedCount: "SeedCount",
	WeightNormArea:      "Area",
}

type RegionParams struct {
	NumClasses           int                  `json:"num_classes" yaml:"num_classes"`
	NumRegions           int                  `json:"num_regions" yaml:"num_regions"`
	NumSamples           int                  `json:"num_samples" yaml:"num_samples"`
	NumRfcnRegions       int                  `json:"num_rfcn_regions" yaml:"num_rfcn_regions"`
	NumFeatures          int                  `json:"num_features" yaml:"num_features"`
	M                    int                  `json:"m" yaml:"m"`
	SpatialScale         float64              `json:"spatial_scale" yaml:"spatial_scale"`
	RoIScale             float64              `json:"roi_scale" yaml:"roi_scale"`
	PoolingStride        float64              `json:"pooling_stride" yaml:"pooling_stride"`
	AgnosticBox          bool                 `json:"agnostic_box" yaml:"agnostic_box"`
	NormalizeWeights     bool                 `json:"normalize_weights" yaml:"normalize_weights"`
	SkipUnseenClasses    bool                 `json:"skip_unseen_classes" yaml:"skip_unseen_classes"`
	Epsilon              float64              `json:"epsilon" yaml:"epsilon"`
	ClsInWeightNorm      WeightNorm           `json:"cls_inweight_norm" yaml:"cls_inweight_norm"`
	RegOutWeightNorm     WeightNorm           `json:"reg_outweight_norm" yaml:"reg_outweight_norm"`
	ClassificationPolicy ClassificationPolicy `json:"classification_policy" yaml:"classification_policy"`
}

var DefaultRegionParams = &RegionParams{
	NumClasses:           21,
	NumRegions:           64,
	NumSamples:           9,
	NumRfcnRegions:       49,
	NumFeatures:          4,
	M:                    4,
	SpatialScale:         0.0625,
	RoIScale:             0.0625,
	PoolingStride:        1,
	AgnosticBox:          false,
	NormalizeWeights:     false,
	SkipUnseenClasses:    false,
	Epsilon:              1e-6,
	ClsInWeightNorm:      WeightNormSeedCount,
	RegOutWeightNorm:     WeightNormNone,
	ClassificationPolicy: ClassificationCovered,
}

func NewRegionParams(numClasses, numRegions, numSamples, numRfcnRegions, numFeatures, m int, spatialScale, roiScale float64) *RegionParams {
	params := DefaultRegionParams.Clone()
	params.NumClasses = numClasses
	params.NumRegions = numRegions
	params.NumSamples = numSamples
	params.NumRfcnRegions = numRfcnRegions
	params.NumFeatures = numFeatures
	params.M = m
	params.SpatialScale = spatialScale
	params.RoIScale = roiScale
	return params
}

func (p *RegionParams) Clone() *RegionParams {
	c := *p
	return &c
}

// Side is the number of bins along one axis of the region grid.
func (p *RegionParams) Side() int {
	return isqrt(p.NumRegions)
}

// Bins is the number of bins on each half-axis, K = side/2.
func (p *RegionParams) Bins() int {
	return p.Side() / 2
}

func (p *RegionParams) SubGridSide() int {
	return isqrt(p.NumRfcnRegions)
}

func (p *RegionParams) SampleSide() int {
	return isqrt(p.NumSamples)
}

// ClassesBox is the number of class slots in the box targets.
func (p *RegionParams) ClassesBox() int {
	if p.AgnosticBox {
		return 1
	}
	return p.NumClasses - 1
}

// BoxSlot maps a foreground class label to its slot in the box targets.
func (p *RegionParams) BoxSlot(class int) int {
	if p.AgnosticBox {
		return 0
	}
	return class - 1
}

func (p *RegionParams) Validate() error {
	if p.NumClasses < 2 {
		return errors.Wrapf(ErrInvalidParams, "num_classes must count background plus at least one class, got %d", p.NumClasses)
	}
	for name, v := range map[string]int{
		"num_regions":      p.NumRegions,
		"num_samples":      p.NumSamples,
		"num_rfcn_regions": p.NumRfcnRegions,
	} {
		if v <= 0 || isqrt(v)*isqrt(v) != v {
			return errors.Wrapf(ErrInvalidParams, "%s must be a positive perfect square, got %d", name, v)
		}
	}
	if p.Side()%2 != 0 {
		return errors.Wrapf(ErrInvalidParams, "region grid side must be even, got %d", p.Side())
	}
	if p.M <= 0 {
		return errors.Wrapf(ErrInvalidParams, "m must be positive, got %d", p.M)
	}
	if p.NumFeatures <= 0 {
		return errors.Wrapf(ErrInvalidParams, "num_features must be positive, got %d", p.NumFeatures)
	}
	if p.SpatialScale <= 0 || p.RoIScale <= 0 || p.PoolingStride <= 0 {
		return errors.Wrapf(ErrInvalidParams, "scales must be positive, got spatial=%v roi=%v pooling=%v",
			p.SpatialScale, p.RoIScale, p.PoolingStride)
	}
	if p.Epsilon < 0 {
		return errors.Wrapf(ErrInvalidParams, "epsilon must not be negative, got %v", p.Epsilon)
	}
	for _, norm := range []WeightNorm{p.ClsInWeightNorm, p.RegOutWeightNorm} {
		if _, ok := WeightNormMapper[norm]; !ok {
			return errors.Wrapf(ErrInvalidParams, "unknown weight norm %q", norm)
		}
	}
	switch p.ClassificationPolicy {
	case ClassificationCovered, ClassificationLegacy:
	default:
		return errors.Wrapf(ErrInvalidParams, "unknown classification policy %q", p.ClassificationPolicy)
	}
	return nil
}

type TritonParams struct {
	URL              string        `json:"url" yaml:"url"`
	ModelName        string        `json:"model_name" yaml:"model_name"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	ConfidenceOutput string        `json:"confidence_output" yaml:"confidence_output"`
	FeatureOutput    string        `json:"feature_output" yaml:"feature_output"`
}

var DefaultTritonParams = &TritonParams{
	ModelName:        "rfcn_region_head",
	Timeout:          20 * time.Second,
	ConfidenceOutput: "rfcn_confidence",
	FeatureOutput:    "rfcn_features",
}

func NewTritonParams(url, modelName string, timeout time.Duration, confidenceOutput, featureOutput string) *TritonParams {
	return &TritonParams{
		URL:              url,
		ModelName:        modelName,
		Timeout:          timeout,
		ConfidenceOutput: confidenceOutput,
		FeatureOutput:    featureOutput,
	}
}

type PipelineParams struct {
	PrefetchDepth int  `json:"prefetch_depth" yaml:"prefetch_depth"`
	RegionPooling bool `json:"region_pooling" yaml:"region_pooling"`
}

var DefaultPipelineParams = &PipelineParams{
	PrefetchDepth: 2,
	RegionPooling: true,
}

func NewPipelineParams(prefetchDepth int, regionPooling bool) *PipelineParams {
	return &PipelineParams{
		PrefetchDepth: prefetchDepth,
		RegionPooling: regionPooling,
	}
}

func isqrt(v int) int {
	if v <= 0 {
		return 0
	}
	r := int(math.Sqrt(float64(v)))
	for r*r > v {
		r--
	}
	for (r+1)*(r+1) <= v {
		r++
	}
	return r
}
