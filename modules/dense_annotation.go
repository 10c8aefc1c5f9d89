package modules

import (
	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/okieraised/go-rfcn-regions/rcnn"
	"github.com/okieraised/go-rfcn-regions/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

const (
	BlobScoreMap       = "cls_score"
	BlobCategoryLabels = "category_cls_labels"
)

// DenseAnnotationStage builds per-pixel targets for every pixel inside a RoI.
// The score map only fixes the output height and width.
type DenseAnnotationStage struct {
	params *config.RegionParams
	tables TableSource
	logger *zap.Logger

	Diagnostics rcnn.Diagnostics
}

func NewDenseAnnotationStage(tables TableSource, logger *zap.Logger) *DenseAnnotationStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DenseAnnotationStage{
		tables: tables,
		logger: logger,
	}
}

func (s *DenseAnnotationStage) Configure(params *config.RegionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.params = params.Clone()
	return nil
}

// Compute reads cls_score (C, H, W) or (1, C, H, W) and rois, and writes
// (1, C', H, W) label and weight maps.
func (s *DenseAnnotationStage) Compute(inputs *Blobs) (*Blobs, error) {
	if s.params == nil {
		return nil, ErrNotConfigured
	}
	scoreBlob, err := blob(inputs, BlobScoreMap)
	if err != nil {
		return nil, err
	}
	dims, err := utils.SqueezeLeading(scoreBlob.Shape(), 3)
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

	targets, err := s.Annotate(dims[1], dims[2], rois)
	if err != nil {
		return nil, err
	}

	out := NewBlobs()
	for _, entry := range []struct {
		name string
		t    *tensor.Dense
	}{
		{BlobCategoryLabels, targets.CategoryLabels},
		{BlobClsLabels, targets.ClsLabels},
		{BlobRegLabels, targets.RegLabels},
		{BlobRegInWeights, targets.RegInWeights},
		{BlobRegOutWeights, targets.RegOutWeights},
	} {
		shape := append([]int{1}, entry.t.Shape()...)
		if err := entry.t.Reshape(shape...); err != nil {
			return nil, err
		}
		out.Set(entry.name, entry.t)
	}
	return out, nil
}

func (s *DenseAnnotationStage) Propagate(*Blobs) (*Blobs, error) {
	return nil, ErrNotDifferentiable
}

// Annotate builds dense targets over a height x width map for RoIs in RoI
// source coordinates.
func (s *DenseAnnotationStage) Annotate(height, width int, rois []processing.RegionOfInterest) (*processing.DenseTargets, error) {
	if s.params == nil {
		return nil, ErrNotConfigured
	}
	p := s.params
	var diag rcnn.Diagnostics
	builder := processing.NewDenseTargetBuilder(p, height, width)

	for i, roi := range rois {
		if roi.Class < 1 || roi.Class >= p.NumClasses {
			diag.SkippedRoIs++
			continue
		}
		assigner, err := s.tables.Assigner(roi.Class)
		if errors.Is(err, processing.ErrUnseenClass) {
			diag.SkippedRoIs++
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "roi %d", i)
		}
		if err := builder.AddRoI(roi.Scale(p.RoIScale), assigner); err != nil {
			return nil, errors.Wrapf(err, "roi %d", i)
		}
	}

	diag.DegenerateBoundaries = builder.Degenerate
	diag.EmptyRoIs = builder.EmptyRoIs
	s.Diagnostics = diag
	if !diag.Empty() {
		s.logger.Debug("dense annotation degraded", diag.Fields()...)
	}
	return builder.Targets(), nil
}
