package processing

import (
	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// TargetTensors are the per-seed training targets of one minibatch.
// Classification tensors are (N, classesBox*num_regions); regression
// tensors are (N, 2*side, classesBox, 1) with N = num_rois*M.
type TargetTensors struct {
	ClsLabels     *tensor.Dense
	ClsInWeights  *tensor.Dense
	ClsOutWeights *tensor.Dense
	RegLabels     *tensor.Dense
	RegInWeights  *tensor.Dense
	RegOutWeights *tensor.Dense
}

// TargetBuilder scatters region assignments into flat target buffers.
type TargetBuilder struct {
	params     *config.RegionParams
	numItems   int
	side       int
	numRegions int
	classesBox int

	clsLabels []float32
	clsIn     []float32
	clsOut    []float32
	regLabels []float32
	regIn     []float32
	regOut    []float32

	// Degenerate counts regression hits dropped for zero-width bins.
	Degenerate int
}

func NewTargetBuilder(params *config.RegionParams, numRoIs int) *TargetBuilder {
	numItems := numRoIs * params.M
	side := params.Side()
	classesBox := params.ClassesBox()
	clsSize := numItems * classesBox * params.NumRegions
	regSize := numItems * 2 * side * classesBox

	return &TargetBuilder{
		params:     params,
		numItems:   numItems,
		side:       side,
		numRegions: params.NumRegions,
		classesBox: classesBox,
		clsLabels:  make([]float32, clsSize),
		clsIn:      make([]float32, clsSize),
		clsOut:     filled(clsSize, 1),
		regLabels:  make([]float32, regSize),
		regIn:      make([]float32, regSize),
		regOut:     filled(regSize, 1),
	}
}

func (b *TargetBuilder) NumItems() int {
	return b.numItems
}

// AddPoint writes the targets of one seed at (x, y) of the already scaled roi
// into row item. seedCount is the number of seeds actually selected for the RoI.
func (b *TargetBuilder) AddPoint(item int, roi RegionOfInterest, x, y float64, seedCount int, assigner *RegionAssigner) (Assignment, error) {
	if item < 0 || item >= b.numItems {
		return Assignment{}, errors.Errorf("target row %d out of range [0, %d)", item, b.numItems)
	}
	slot, err := b.slot(roi.Class)
	if err != nil {
		return Assignment{}, err
	}
	if assigner.Side() != b.side {
		return Assignment{}, errors.Wrapf(ErrInvalidTable, "assigner side %d, grid side %d", assigner.Side(), b.side)
	}

	assignment := assigner.Assign(roi.Distances(x, y, b.params.RoIScale))
	b.Degenerate += assignment.Degenerate

	clsBase := (item*b.classesBox + slot) * b.numRegions
	inWeight := weightNorm(b.params.ClsInWeightNorm, seedCount, roi.Area())
	for r := 0; r < b.numRegions; r++ {
		b.clsIn[clsBase+r] = inWeight
	}
	for _, r := range assignment.Positives {
		b.clsLabels[clsBase+r] = 1
	}

	outWeight := weightNorm(b.params.RegOutWeightNorm, seedCount, roi.Area())
	for ri := 0; ri < 2*b.side; ri++ {
		b.regOut[b.regOffset(item, ri, slot)] = outWeight
	}
	for _, target := range assignment.Regression {
		if !target.Valid {
			continue
		}
		idx := b.regOffset(item, target.RegIndex(b.side), slot)
		b.regLabels[idx] = float32(target.Fraction)
		b.regIn[idx] = 1
	}
	return assignment, nil
}

func (b *TargetBuilder) Tensors() *TargetTensors {
	clsShape := []int{b.numItems, b.classesBox * b.numRegions}
	regShape := []int{b.numItems, 2 * b.side, b.classesBox, 1}
	return &TargetTensors{
		ClsLabels:     denseOf(b.clsLabels, clsShape),
		ClsInWeights:  denseOf(b.clsIn, clsShape),
		ClsOutWeights: denseOf(b.clsOut, clsShape),
		RegLabels:     denseOf(b.regLabels, regShape),
		RegInWeights:  denseOf(b.regIn, regShape),
		RegOutWeights: denseOf(b.regOut, regShape),
	}
}

func (b *TargetBuilder) regOffset(item, regIndex, slot int) int {
	return (item*2*b.side+regIndex)*b.classesBox + slot
}

func (b *TargetBuilder) slot(class int) (int, error) {
	if class < 1 || class >= b.params.NumClasses {
		return 0, errors.Wrapf(ErrClassOutOfRange, "class %d not in [1, %d)", class, b.params.NumClasses)
	}
	return b.params.BoxSlot(class), nil
}

func weightNorm(norm config.WeightNorm, seedCount int, area float64) float32 {
	switch norm {
	case config.WeightNormSeedCount:
		if seedCount > 0 {
			return 1 / float32(seedCount)
		}
	case config.WeightNormArea:
		if area > 0 {
			return float32(1 / area)
		}
	}
	return 1
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func denseOf(data []float32, shape []int) *tensor.Dense {
	backing := append([]float32(nil), data...)
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape...),
		tensor.WithBacking(backing),
	)
}
