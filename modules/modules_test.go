package modules

import (
	"testing"

	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/okieraised/go-rfcn-regions/rcnn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

type staticTables struct {
	assigners map[int]*processing.RegionAssigner
	offsets   map[int]*processing.OffsetSample
}

func (s *staticTables) Assigner(class int) (*processing.RegionAssigner, error) {
	a, ok := s.assigners[class]
	if !ok {
		return nil, processing.ErrUnseenClass
	}
	return a, nil
}

func (s *staticTables) Offsets(class int) (*processing.OffsetSample, error) {
	o, ok := s.offsets[class]
	if !ok {
		return nil, processing.ErrUnseenClass
	}
	return o, nil
}

// 2x2 region grid, one sample per region, 2x2 sub-grid, 2 features.
func stageParams() *config.RegionParams {
	return config.NewRegionParams(3, 4, 1, 4, 2, 2, 1, 1)
}

func newTables(t *testing.T) *staticTables {
	table := &processing.BoundaryTable{BoundW: []float64{0, 4}, BoundH: []float64{0, 4}}
	assigner, err := processing.NewRegionAssigner(table, config.ClassificationCovered, 1e-6)
	require.NoError(t, err)
	offsets, err := processing.SampleOffsets(table, 2, 1, 1)
	require.NoError(t, err)
	return &staticTables{
		assigners: map[int]*processing.RegionAssigner{1: assigner},
		offsets:   map[int]*processing.OffsetSample{1: offsets},
	}
}

func tensorOf(shape []int, fill func(idx []int) float32) *tensor.Dense {
	size := 1
	for _, s := range shape {
		size *= s
	}
	backing := make([]float32, size)
	idx := make([]int, len(shape))
	for i := range backing {
		rem := i
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d] = rem % shape[d]
			rem /= shape[d]
		}
		backing[i] = fill(idx)
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// confidence (1, 6, 6, 2, 2, 3): class 1 is 0.1 everywhere except two peaks.
func stageConfidence() *tensor.Dense {
	return tensorOf([]int{1, 6, 6, 2, 2, 3}, func(i []int) float32 {
		y, x, r, c, cls := i[1], i[2], i[3], i[4], i[5]
		if cls != 1 {
			return 0
		}
		switch {
		case y == 2 && x == 3 && r == 0 && c == 1:
			return 0.9
		case y == 3 && x == 2 && r == 1 && c == 0:
			return 0.8
		}
		return 0.1
	})
}

func mustConfidence(t *testing.T) *rcnn.ConfidenceVolume {
	conf, err := rcnn.NewConfidenceVolume(stageConfidence())
	require.NoError(t, err)
	return conf
}

// features (1, 8, 6, 6) with value channel*100 + y*10 + x.
func stageFeatures() *tensor.Dense {
	return tensorOf([]int{1, 8, 6, 6}, func(i []int) float32 {
		return float32(i[1]*100 + i[2]*10 + i[3])
	})
}

func stageRoIs() *tensor.Dense {
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(3, 5),
		tensor.WithBacking([]float32{
			1, 1, 4, 4, 1,
			0, 0, 5, 5, 0,
			0, 0, 5, 5, 2,
		}),
	)
}

func at(t *testing.T, d *tensor.Dense, coords ...int) float32 {
	v, err := d.At(coords...)
	require.NoError(t, err)
	return v.(float32)
}

func annotationInputs() *Blobs {
	inputs := NewBlobs()
	inputs.Set(BlobConfidence, stageConfidence())
	inputs.Set(BlobFeatures, stageFeatures())
	inputs.Set(BlobRoIs, stageRoIs())
	return inputs
}

func TestRegionAnnotationStage_Compute(t *testing.T) {
	stage := NewRegionAnnotationStage(newTables(t), nil)
	require.NoError(t, stage.Configure(stageParams()))

	out, err := stage.Compute(annotationInputs())
	require.NoError(t, err)
	assert.Equal(t, []string{
		BlobSeedPoints, BlobRegionWeights,
		BlobClsLabels, BlobClsInWeights, BlobClsOutWeights,
		BlobRegLabels, BlobRegInWeights, BlobRegOutWeights,
		BlobSeedFeatures, BlobSampledID,
	}, out.Keys())
	assert.Equal(t, 2, stage.Diagnostics.SkippedRoIs)
	assert.Zero(t, stage.Diagnostics.InsufficientSeeds)

	points, _ := out.Get(BlobSeedPoints)
	assert.Equal(t, tensor.Shape{6, 2}, points.Shape())
	assert.Equal(t, []float32{2, 3, 3, 2, 0, 0}, points.Data().([]float32)[:6])

	weights, _ := out.Get(BlobRegionWeights)
	assert.Equal(t, tensor.Shape{6, 4, 1, 4}, weights.Shape())
	// item 1 seeds at (3, 2) in sub-region (0, 1); offset (-2, -2) hides row 1
	assert.Equal(t, float32(0.1), at(t, weights, 1, 0, 0, 0))
	assert.Equal(t, float32(0.1), at(t, weights, 1, 0, 0, 1))
	assert.Equal(t, float32(0), at(t, weights, 1, 0, 0, 2))

	cls, _ := out.Get(BlobClsLabels)
	assert.Equal(t, tensor.Shape{6, 8}, cls.Shape())
	for r := 0; r < 4; r++ {
		assert.Equal(t, float32(1), at(t, cls, 1, r))
		assert.Equal(t, float32(0), at(t, cls, 1, 4+r))
		assert.Equal(t, float32(0), at(t, cls, 2, r))
	}
	inWeights, _ := out.Get(BlobClsInWeights)
	assert.Equal(t, float32(0.5), at(t, inWeights, 1, 0))

	reg, _ := out.Get(BlobRegLabels)
	assert.Equal(t, tensor.Shape{6, 4, 2, 1}, reg.Shape())
	assert.InDelta(t, 0.25, at(t, reg, 1, 1, 0, 0), 1e-6)
	assert.InDelta(t, 0.25, at(t, reg, 1, 2, 0, 0), 1e-6)
	assert.InDelta(t, 0, at(t, reg, 1, 0, 0, 0), 1e-6)
	regIn, _ := out.Get(BlobRegInWeights)
	assert.Equal(t, float32(1), at(t, regIn, 1, 0, 0, 0))
	assert.Equal(t, float32(0), at(t, regIn, 1, 0, 1, 0))

	feats, _ := out.Get(BlobSeedFeatures)
	assert.Equal(t, []float32{223, 323}, feats.Data().([]float32)[2:4])

	ids, _ := out.Get(BlobSampledID)
	assert.Equal(t, tensor.Shape{6, 4, 2}, ids.Shape())
	assert.Equal(t, float32(2), at(t, ids, 1, 3, 0))
	assert.Equal(t, float32(-2), at(t, ids, 1, 0, 1))
	assert.Equal(t, float32(0), at(t, ids, 2, 3, 0))
}

func TestRegionAnnotationStage_Deterministic(t *testing.T) {
	stage := NewRegionAnnotationStage(newTables(t), nil)
	require.NoError(t, stage.Configure(stageParams()))

	a, err := stage.Compute(annotationInputs())
	require.NoError(t, err)
	b, err := stage.Compute(annotationInputs())
	require.NoError(t, err)
	for _, key := range a.Keys() {
		ta, _ := a.Get(key)
		tb, _ := b.Get(key)
		assert.Equal(t, ta.Data(), tb.Data(), key)
	}
}

func TestRegionAnnotationStage_Errors(t *testing.T) {
	stage := NewRegionAnnotationStage(newTables(t), nil)
	_, err := stage.Compute(annotationInputs())
	assert.ErrorIs(t, err, ErrNotConfigured)

	require.NoError(t, stage.Configure(stageParams()))
	_, err = stage.Propagate(NewBlobs())
	assert.ErrorIs(t, err, ErrNotDifferentiable)

	inputs := annotationInputs()
	inputs.Delete(BlobRoIs)
	_, err = stage.Compute(inputs)
	assert.ErrorIs(t, err, ErrMissingBlob)

	inputs = annotationInputs()
	inputs.Set(BlobConfidence, tensorOf([]int{6, 6, 2, 2, 4}, func([]int) float32 { return 0 }))
	_, err = stage.Compute(inputs)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	inputs = annotationInputs()
	inputs.Set(BlobFeatures, tensorOf([]int{6, 6, 6}, func([]int) float32 { return 0 }))
	_, err = stage.Compute(inputs)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	bad := stageParams()
	bad.NumRegions = 5
	assert.True(t, errors.Is(stage.Configure(bad), config.ErrInvalidParams))
}

func TestRegionAnnotationStage_InsufficientSeeds(t *testing.T) {
	params := stageParams()
	params.M = 4
	stage := NewRegionAnnotationStage(newTables(t), nil)
	require.NoError(t, stage.Configure(params))

	conf, err := stage.Annotate(mustConfidence(t), nil, []processing.RegionOfInterest{
		{Class: 1, X1: 2, Y1: 2, X2: 3, Y2: 2},
		{Class: 1, X1: 2.2, Y1: 2, X2: 2.8, Y2: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, conf.Diagnostics.InsufficientSeeds)
	assert.Equal(t, 1, conf.Diagnostics.EmptyRoIs)
	assert.Equal(t, []bool{true, true, false, false, false, false, false, false}, conf.SeedValid)
	assert.Nil(t, conf.SeedFeatures)

	inWeights := conf.Targets.ClsInWeights.Data().([]float32)
	assert.Equal(t, float32(0.5), inWeights[0])
}

func TestRegionPoolingStage(t *testing.T) {
	params := stageParams()
	annotation := NewRegionAnnotationStage(newTables(t), nil)
	require.NoError(t, annotation.Configure(params))
	annotated, err := annotation.Compute(annotationInputs())
	require.NoError(t, err)

	pooling := NewRegionPoolingStage()
	require.NoError(t, pooling.Configure(params))
	_, err = pooling.Propagate(NewBlobs())
	assert.Error(t, err)

	inputs := NewBlobs()
	inputs.Set(BlobFeatures, stageFeatures())
	for _, key := range []string{BlobSeedPoints, BlobSampledID, BlobRegionWeights} {
		v, _ := annotated.Get(key)
		inputs.Set(key, v)
	}
	out, err := pooling.Compute(inputs)
	require.NoError(t, err)
	pooled, ok := out.Get(BlobRegionFeatures)
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{6, 4, 1, 2}, pooled.Shape())
	// item 1, region 0 samples (y=0, x=1) with weights [0.1 0.1 0 0]
	assert.InDelta(t, 0.1*1+0.1*201, at(t, pooled, 1, 0, 0, 0), 1e-4)
	assert.InDelta(t, 0.1*101+0.1*301, at(t, pooled, 1, 0, 0, 1), 1e-4)
	assert.Equal(t, float32(0), at(t, pooled, 2, 0, 0, 0))

	grads := NewBlobs()
	grads.Set(BlobRegionFeatures, tensorOf([]int{6, 4, 1, 2}, func([]int) float32 { return 1 }))
	back, err := pooling.Propagate(grads)
	require.NoError(t, err)
	gradFeat, _ := back.Get(BlobFeatures)
	assert.Equal(t, tensor.Shape{1, 8, 6, 6}, gradFeat.Shape())
	gradW, _ := back.Get(BlobRegionWeights)
	assert.Equal(t, tensor.Shape{6, 4, 1, 4}, gradW.Shape())
	// dW[1, 0, 0, k=0] = feat[0, 0, 1] + feat[1, 0, 1]
	assert.InDelta(t, 1+101, at(t, gradW, 1, 0, 0, 0), 1e-4)
}

func TestDenseAnnotationStage(t *testing.T) {
	stage := NewDenseAnnotationStage(newTables(t), nil)
	require.NoError(t, stage.Configure(stageParams()))

	inputs := NewBlobs()
	inputs.Set(BlobScoreMap, tensorOf([]int{1, 3, 6, 6}, func([]int) float32 { return 0 }))
	inputs.Set(BlobRoIs, stageRoIs())
	out, err := stage.Compute(inputs)
	require.NoError(t, err)
	assert.Equal(t, 2, stage.Diagnostics.SkippedRoIs)

	category, _ := out.Get(BlobCategoryLabels)
	assert.Equal(t, tensor.Shape{1, 3, 6, 6}, category.Shape())
	assert.Equal(t, float32(1), at(t, category, 0, 1, 2, 2))
	assert.Equal(t, float32(0), at(t, category, 0, 1, 5, 5))

	cls, _ := out.Get(BlobClsLabels)
	assert.Equal(t, tensor.Shape{1, 8, 6, 6}, cls.Shape())
	reg, _ := out.Get(BlobRegLabels)
	assert.Equal(t, tensor.Shape{1, 8, 6, 6}, reg.Shape())
	// pixel (x=3, y=2) matches the seed targets of the same point
	assert.InDelta(t, 0.25, at(t, reg, 0, 1, 2, 3), 1e-6)

	_, err = stage.Propagate(NewBlobs())
	assert.ErrorIs(t, err, ErrNotDifferentiable)
}
