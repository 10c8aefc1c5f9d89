package go_rfcn_regions

import (
	"context"
	"io"

	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/modules"
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/okieraised/go-rfcn-regions/rcnn"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// MinibatchInput is one unit of work. When Confidence is nil the pipeline's
// producer computes confidence and features from Input. A non-empty
// ImageShape (height, width) clips RoIs to the image in place.
type MinibatchInput struct {
	Input      *tensor.Dense
	Confidence *tensor.Dense
	Features   *tensor.Dense
	RoIs       *tensor.Dense
	ImageShape []int
}

// MinibatchSource yields minibatch inputs and returns io.EOF when exhausted.
type MinibatchSource interface {
	Next() (*MinibatchInput, error)
}

type Minibatch struct {
	Index       int
	Blobs       *modules.Blobs
	Diagnostics rcnn.Diagnostics
	Err         error
}

type TrainingPipeline struct {
	producer   modules.ConfidenceProducer
	annotation *modules.RegionAnnotationStage
	pooling    *modules.RegionPoolingStage
	logger     *zap.Logger
}

// NewTrainingPipeline initializes the per-minibatch stages over rc. producer
// may be nil when every input carries its own confidence volume.
func NewTrainingPipeline(rc *Context, producer modules.ConfidenceProducer, pipelineParams *config.PipelineParams, logger *zap.Logger) (*TrainingPipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &TrainingPipeline{
		producer: producer,
		logger:   logger,
	}

	params := rc.Params()
	client.annotation = modules.NewRegionAnnotationStage(rc, logger)
	if err := client.annotation.Configure(params); err != nil {
		return nil, err
	}

	if pipelineParams.RegionPooling {
		client.pooling = modules.NewRegionPoolingStage()
		if err := client.pooling.Configure(params); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// Prepare runs the producer if needed, then region annotation and pooling.
func (p *TrainingPipeline) Prepare(in *MinibatchInput) (*modules.Blobs, rcnn.Diagnostics, error) {
	confidence, features := in.Confidence, in.Features
	if confidence == nil {
		if p.producer == nil {
			return nil, rcnn.Diagnostics{}, errors.Wrap(modules.ErrMissingBlob, "no confidence volume and no producer")
		}
		var err error
		confidence, features, err = p.producer.Produce(in.Input)
		if err != nil {
			return nil, rcnn.Diagnostics{}, errors.Wrap(err, "produce confidence")
		}
	}

	rois := in.RoIs
	if len(in.ImageShape) == 2 && rois != nil {
		var err error
		rois, err = processing.ClipRoIs(rois, in.ImageShape)
		if err != nil {
			return nil, rcnn.Diagnostics{}, errors.Wrap(modules.ErrShapeMismatch, err.Error())
		}
	}

	inputs := modules.NewBlobs()
	inputs.Set(modules.BlobConfidence, confidence)
	if features != nil {
		inputs.Set(modules.BlobFeatures, features)
	}
	inputs.Set(modules.BlobRoIs, rois)

	out, err := p.annotation.Compute(inputs)
	if err != nil {
		return nil, rcnn.Diagnostics{}, err
	}
	diag := p.annotation.Diagnostics

	if p.pooling != nil && features != nil {
		poolInputs := modules.NewBlobs()
		poolInputs.Set(modules.BlobFeatures, features)
		for _, key := range []string{modules.BlobSeedPoints, modules.BlobSampledID, modules.BlobRegionWeights} {
			v, _ := out.Get(key)
			poolInputs.Set(key, v)
		}
		pooled, err := p.pooling.Compute(poolInputs)
		if err != nil {
			return nil, diag, err
		}
		for _, key := range pooled.Keys() {
			v, _ := pooled.Get(key)
			out.Set(key, v)
		}
	}
	return out, diag, nil
}

// Prefetcher prepares minibatches in one background goroutine and hands them
// out in production order through a channel of bounded depth.
type Prefetcher struct {
	out    chan *Minibatch
	totals rcnn.Diagnostics
	logger *zap.Logger
}

// NewPrefetcher starts the producer goroutine. Cancelling ctx stops it before
// the next minibatch; a minibatch in flight is finished first.
func NewPrefetcher(ctx context.Context, source MinibatchSource, pipeline *TrainingPipeline, depth int, logger *zap.Logger) *Prefetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if depth < 0 {
		depth = 0
	}
	p := &Prefetcher{
		out:    make(chan *Minibatch, depth),
		logger: logger,
	}
	go p.run(ctx, source, pipeline)
	return p
}

func (p *Prefetcher) run(ctx context.Context, source MinibatchSource, pipeline *TrainingPipeline) {
	defer close(p.out)
	defer func() {
		p.logger.Debug("prefetcher done", p.totals.Fields()...)
	}()

	for index := 0; ; index++ {
		select {
		case <-ctx.Done():
			p.logger.Debug("prefetcher stopped", zap.Int("index", index))
			return
		default:
		}

		in, err := source.Next()
		if errors.Is(err, io.EOF) {
			return
		}

		batch := &Minibatch{Index: index}
		if err != nil {
			batch.Err = errors.Wrap(err, "read minibatch")
		} else {
			batch.Blobs, batch.Diagnostics, batch.Err = pipeline.Prepare(in)
		}
		if batch.Err != nil {
			p.logger.Warn("minibatch failed", zap.Int("index", index), zap.Error(batch.Err))
		}
		p.totals.Merge(batch.Diagnostics)
		if batch.Err == nil && !batch.Diagnostics.Empty() {
			p.logger.Debug("minibatch prepared", append(batch.Diagnostics.Fields(), zap.Int("index", index))...)
		}

		select {
		case p.out <- batch:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// C returns the channel of prepared minibatches. It is closed when the
// source is exhausted, the source fails, or the context is cancelled.
func (p *Prefetcher) C() <-chan *Minibatch {
	return p.out
}

// Totals sums the diagnostics of every prepared minibatch. It may only be
// read after C is closed.
func (p *Prefetcher) Totals() rcnn.Diagnostics {
	return p.totals
}

// Next blocks for the next minibatch. ok is false once the prefetcher is done.
func (p *Prefetcher) Next() (batch *Minibatch, ok bool) {
	batch, ok = <-p.out
	return batch, ok
}
