package processing

import (
	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DenseTargets are per-pixel targets laid out as (C, H, W) maps.
type DenseTargets struct {
	CategoryLabels *tensor.Dense // (NumClasses, H, W)
	ClsLabels      *tensor.Dense // (classesBox*num_regions, H, W)
	RegLabels      *tensor.Dense // (classesBox*2*side, H, W)
	RegInWeights   *tensor.Dense
	RegOutWeights  *tensor.Dense
}

// DenseTargetBuilder treats every pixel inside a RoI as a target point.
type DenseTargetBuilder struct {
	params     *config.RegionParams
	height     int
	width      int
	side       int
	classesBox int

	category  []float32
	clsLabels []float32
	regLabels []float32
	regIn     []float32

	Degenerate int
	EmptyRoIs  int
}

func NewDenseTargetBuilder(params *config.RegionParams, height, width int) *DenseTargetBuilder {
	plane := height * width
	side := params.Side()
	classesBox := params.ClassesBox()
	return &DenseTargetBuilder{
		params:     params,
		height:     height,
		width:      width,
		side:       side,
		classesBox: classesBox,
		category:   make([]float32, params.NumClasses*plane),
		clsLabels:  make([]float32, classesBox*params.NumRegions*plane),
		regLabels:  make([]float32, classesBox*2*side*plane),
		regIn:      make([]float32, classesBox*2*side*plane),
	}
}

// AddRoI writes targets for every pixel covered by the already scaled roi.
// A later RoI overwrites the regression targets of overlapping pixels.
func (b *DenseTargetBuilder) AddRoI(roi RegionOfInterest, assigner *RegionAssigner) error {
	if roi.Class < 1 || roi.Class >= b.params.NumClasses {
		return errors.Wrapf(ErrClassOutOfRange, "class %d not in [1, %d)", roi.Class, b.params.NumClasses)
	}
	if assigner.Side() != b.side {
		return errors.Wrapf(ErrInvalidTable, "assigner side %d, grid side %d", assigner.Side(), b.side)
	}
	x0, y0, x1, y1, ok := roi.PixelBounds(b.height, b.width)
	if !ok {
		b.EmptyRoIs++
		return nil
	}

	slot := b.params.BoxSlot(roi.Class)
	plane := b.height * b.width
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			pix := y*b.width + x
			b.category[roi.Class*plane+pix] = 1

			assignment := assigner.Assign(roi.Distances(float64(x), float64(y), b.params.RoIScale))
			b.Degenerate += assignment.Degenerate
			for _, r := range assignment.Positives {
				b.clsLabels[(slot*b.params.NumRegions+r)*plane+pix] = 1
			}
			for _, target := range assignment.Regression {
				if !target.Valid {
					continue
				}
				idx := (slot*2*b.side+target.RegIndex(b.side))*plane + pix
				b.regLabels[idx] = float32(target.Fraction)
				b.regIn[idx] = 1
			}
		}
	}
	return nil
}

func (b *DenseTargetBuilder) Targets() *DenseTargets {
	regChannels := b.classesBox * 2 * b.side
	return &DenseTargets{
		CategoryLabels: denseOf(b.category, []int{b.params.NumClasses, b.height, b.width}),
		ClsLabels:      denseOf(b.clsLabels, []int{b.classesBox * b.params.NumRegions, b.height, b.width}),
		RegLabels:      denseOf(b.regLabels, []int{regChannels, b.height, b.width}),
		RegInWeights:   denseOf(b.regIn, []int{regChannels, b.height, b.width}),
		RegOutWeights:  denseOf(filled(regChannels*b.height*b.width, 1), []int{regChannels, b.height, b.width}),
	}
}
