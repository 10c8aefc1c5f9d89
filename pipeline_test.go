package go_rfcn_regions

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/modules"
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/okieraised/go-rfcn-regions/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func testParams() *config.RegionParams {
	params := config.NewRegionParams(3, 4, 1, 4, 2, 2, 1, 1)
	params.SkipUnseenClasses = true
	return params
}

func testStatistics(t *testing.T) *processing.ClassStatistics {
	stats := processing.NewClassStatistics(3)
	for _, v := range []float64{2, 4, 6, 8} {
		require.NoError(t, stats.Add(1, v, v/2))
	}
	return stats
}

func testContext(t *testing.T) *Context {
	rc, err := NewContext(testParams(), testStatistics(t), nil)
	require.NoError(t, err)
	return rc
}

func testInput(x1 float32) *MinibatchInput {
	return &MinibatchInput{
		Confidence: utils.NewFloat32Filled(0.5, 1, 8, 8, 2, 2, 3),
		Features:   utils.NewFloat32Filled(1, 1, 8, 8, 8),
		RoIs: tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(2, 5),
			tensor.WithBacking([]float32{
				x1, 1, 6, 6, 1,
				0, 0, 4, 4, 2,
			}),
		),
	}
}

func TestTrainingPipeline_Prepare(t *testing.T) {
	pipeline, err := NewTrainingPipeline(testContext(t), nil, config.DefaultPipelineParams, nil)
	require.NoError(t, err)

	out, diag, err := pipeline.Prepare(testInput(1))
	require.NoError(t, err)
	assert.Equal(t, 1, diag.SkippedRoIs)
	pooled, ok := out.Get(modules.BlobRegionFeatures)
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{4, 4, 1, 2}, pooled.Shape())
	_, ok = out.Get(modules.BlobClsLabels)
	assert.True(t, ok)

	clipped := testInput(-3)
	clipped.ImageShape = []int{5, 5}
	_, _, err = pipeline.Prepare(clipped)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 4, 4, 1}, clipped.RoIs.Float32s()[:5])

	_, _, err = pipeline.Prepare(&MinibatchInput{RoIs: testInput(1).RoIs})
	assert.ErrorIs(t, err, modules.ErrMissingBlob)
}

func TestTrainingPipeline_EmptyCrop(t *testing.T) {
	pipeline, err := NewTrainingPipeline(testContext(t), nil, config.DefaultPipelineParams, nil)
	require.NoError(t, err)

	in := testInput(1)
	in.RoIs = tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, 5),
		tensor.WithBacking([]float32{20, 20, 30, 30, 1}),
	)
	_, diag, err := pipeline.Prepare(in)
	require.NoError(t, err)
	assert.Equal(t, 1, diag.EmptyRoIs)
	assert.Equal(t, 0, diag.SkippedRoIs)
}

func TestTrainingPipeline_StridedFeatures(t *testing.T) {
	params := testParams()
	params.PoolingStride = 2
	rc, err := NewContext(params, testStatistics(t), nil)
	require.NoError(t, err)
	pipeline, err := NewTrainingPipeline(rc, nil, config.DefaultPipelineParams, nil)
	require.NoError(t, err)

	// value channel*100 + y*10 + x on a 4x4 map, half the confidence size
	backing := make([]float32, 8*4*4)
	for c := 0; c < 8; c++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				backing[(c*4+y)*4+x] = float32(c*100 + y*10 + x)
			}
		}
	}
	in := testInput(1)
	in.Features = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 8, 4, 4), tensor.WithBacking(backing))

	out, _, err := pipeline.Prepare(in)
	require.NoError(t, err)
	pooled, ok := out.Get(modules.BlobRegionFeatures)
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{4, 4, 1, 2}, pooled.Shape())

	// seeds (5, 6) and (6, 6) read the feature map at (x=2, y=3) and (x=3, y=3)
	seedFeatures, ok := out.Get(modules.BlobSeedFeatures)
	require.True(t, ok)
	assert.Equal(t, []float32{32, 132, 33, 133}, seedFeatures.Float32s()[:4])

	in = testInput(1)
	in.Features = utils.NewFloat32Filled(1, 1, 8, 3, 3)
	_, _, err = pipeline.Prepare(in)
	assert.ErrorIs(t, err, modules.ErrShapeMismatch)
}

type fakeProducer struct {
	calls int
}

func (f *fakeProducer) Produce(*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	f.calls++
	in := testInput(1)
	return in.Confidence, in.Features, nil
}

func TestTrainingPipeline_Producer(t *testing.T) {
	producer := &fakeProducer{}
	pipeline, err := NewTrainingPipeline(testContext(t), producer, config.NewPipelineParams(0, false), nil)
	require.NoError(t, err)

	in := testInput(1)
	in.Confidence, in.Features = nil, nil
	out, _, err := pipeline.Prepare(in)
	require.NoError(t, err)
	assert.Equal(t, 1, producer.calls)
	_, ok := out.Get(modules.BlobRegionFeatures)
	assert.False(t, ok)
	_, ok = out.Get(modules.BlobSeedFeatures)
	assert.True(t, ok)
}

type sliceSource struct {
	mu     sync.Mutex
	inputs []*MinibatchInput
	errAt  int
	calls  int32
}

func (s *sliceSource) Next() (*MinibatchInput, error) {
	n := atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errAt > 0 && int(n) == s.errAt {
		return nil, errors.New("corrupt record")
	}
	if len(s.inputs) == 0 {
		return nil, io.EOF
	}
	in := s.inputs[0]
	s.inputs = s.inputs[1:]
	return in, nil
}

func TestPrefetcher_FIFO(t *testing.T) {
	pipeline, err := NewTrainingPipeline(testContext(t), nil, config.DefaultPipelineParams, nil)
	require.NoError(t, err)

	source := &sliceSource{}
	for i := 0; i < 5; i++ {
		source.inputs = append(source.inputs, testInput(float32(i)))
	}
	// the third roi set only holds an out-of-range class label
	source.inputs[2].RoIs = tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, 5),
		tensor.WithBacking([]float32{3, 3, 2, 2, 9}),
	)

	prefetcher := NewPrefetcher(context.Background(), source, pipeline, 2, nil)
	var indices []int
	for batch := range prefetcher.C() {
		indices = append(indices, batch.Index)
		if batch.Index == 2 {
			assert.NoError(t, batch.Err)
			assert.Equal(t, 1, batch.Diagnostics.SkippedRoIs)
			continue
		}
		require.NoError(t, batch.Err)
		assert.NotNil(t, batch.Blobs)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indices)
	assert.Equal(t, 5, prefetcher.Totals().SkippedRoIs)
}

func TestPrefetcher_Backpressure(t *testing.T) {
	pipeline, err := NewTrainingPipeline(testContext(t), nil, config.DefaultPipelineParams, nil)
	require.NoError(t, err)

	source := &sliceSource{}
	for i := 0; i < 10; i++ {
		source.inputs = append(source.inputs, testInput(1))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prefetcher := NewPrefetcher(ctx, source, pipeline, 1, nil)

	// one buffered minibatch plus one blocked in send
	require.Eventually(t, func() bool { return atomic.LoadInt32(&source.calls) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&source.calls))

	batch, ok := prefetcher.Next()
	require.True(t, ok)
	assert.Equal(t, 0, batch.Index)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&source.calls) == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	for range prefetcher.C() {
	}
	assert.Less(t, atomic.LoadInt32(&source.calls), int32(10))
}

func TestPrefetcher_SourceError(t *testing.T) {
	pipeline, err := NewTrainingPipeline(testContext(t), nil, config.DefaultPipelineParams, nil)
	require.NoError(t, err)

	source := &sliceSource{errAt: 2}
	for i := 0; i < 4; i++ {
		source.inputs = append(source.inputs, testInput(1))
	}
	prefetcher := NewPrefetcher(context.Background(), source, pipeline, 4, nil)

	var batches []*Minibatch
	for batch := range prefetcher.C() {
		batches = append(batches, batch)
	}
	require.Len(t, batches, 2)
	assert.NoError(t, batches[0].Err)
	assert.Error(t, batches[1].Err)
	assert.Equal(t, 1, batches[1].Index)
}
