package processing

import (
	"sort"

	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/pkg/errors"
)

type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	if a == AxisY {
		return "y"
	}
	return "x"
}

// EdgeDistances are the distances from a point to the four RoI edges,
// expressed in the units of the boundary table.
type EdgeDistances struct {
	Left   float64
	Right  float64
	Top    float64
	Bottom float64
}

// RegressionTarget is the interpolated position of one box edge inside its bin.
// Index is the bin index along Axis, in [0, side).
type RegressionTarget struct {
	Axis     Axis
	Index    int
	Fraction float64
	// Valid is false when the bin is narrower than the assigner's epsilon;
	// such a hit only contributes to classification.
	Valid bool
}

// RegIndex returns the position of the target in a 2*side regression vector.
func (t RegressionTarget) RegIndex(side int) int {
	if t.Axis == AxisY {
		return side + t.Index
	}
	return t.Index
}

type Assignment struct {
	Regression []RegressionTarget
	// Positives are the flattened regions y_ind*side + x_ind marked positive, ascending.
	Positives  []int
	Degenerate int
}

type RegionAssigner struct {
	table   *BoundaryTable
	side    int
	policy  config.ClassificationPolicy
	epsilon float64
}

func NewRegionAssigner(table *BoundaryTable, policy config.ClassificationPolicy, epsilon float64) (*RegionAssigner, error) {
	if table == nil {
		return nil, ErrUnseenClass
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	switch policy {
	case config.ClassificationCovered, config.ClassificationLegacy:
	default:
		return nil, errors.Wrapf(config.ErrInvalidParams, "unknown classification policy %q", policy)
	}
	return &RegionAssigner{
		table:   table,
		side:    2 * table.Bins(),
		policy:  policy,
		epsilon: epsilon,
	}, nil
}

func (a *RegionAssigner) Side() int {
	return a.side
}

func (a *RegionAssigner) Assign(d EdgeDistances) Assignment {
	var out Assignment
	half := a.side / 2

	edges := []struct {
		axis     Axis
		bound    []float64
		dist     float64
		negative bool
	}{
		{AxisX, a.table.BoundW, d.Left, true},
		{AxisX, a.table.BoundW, d.Right, false},
		{AxisY, a.table.BoundH, d.Top, true},
		{AxisY, a.table.BoundH, d.Bottom, false},
	}
	for _, e := range edges {
		i, ok := locateBin(e.bound, e.dist)
		if !ok {
			continue
		}
		index := half + i
		if e.negative {
			index = half - i - 1
		}
		target := RegressionTarget{Axis: e.axis, Index: index}
		width := e.bound[i+1] - e.bound[i]
		if width < a.epsilon {
			out.Degenerate++
		} else {
			target.Fraction = (e.bound[i+1]-e.dist)/width - 0.5
			target.Valid = true
		}
		out.Regression = append(out.Regression, target)
	}

	out.Positives = a.positives(d)
	return out
}

// LocateOffset assigns a signed offset from the object center: a
// non-negative dx is measured against the right edge, a negative one against
// the left edge, likewise for dy with bottom and top.
func (a *RegionAssigner) LocateOffset(dx, dy float64) (xInd, yInd int, ok bool) {
	xInd, okX := a.locateSigned(a.table.BoundW, dx)
	yInd, okY := a.locateSigned(a.table.BoundH, dy)
	return xInd, yInd, okX && okY
}

func (a *RegionAssigner) locateSigned(bound []float64, v float64) (int, bool) {
	half := a.side / 2
	if v < 0 {
		i, ok := locateBin(bound, -v)
		return half - i - 1, ok
	}
	i, ok := locateBin(bound, v)
	return half + i, ok
}

func (a *RegionAssigner) positives(d EdgeDistances) []int {
	half := a.side / 2
	k := a.table.Bins()

	var xs, ys []int
	switch a.policy {
	case config.ClassificationLegacy:
		bound := a.table.BoundW
		for i := 0; i < k; i++ {
			if bound[i] < d.Left || bound[i] < d.Right {
				xs = append(xs, half+i)
			}
			if bound[i] < d.Top {
				ys = append(ys, half-i-1)
			}
			if bound[i] < d.Bottom {
				ys = append(ys, half+i)
			}
		}
	default:
		for i := 0; i < k; i++ {
			if a.table.BoundW[i] < d.Left {
				xs = append(xs, half-i-1)
			}
			if a.table.BoundW[i] < d.Right {
				xs = append(xs, half+i)
			}
			if a.table.BoundH[i] < d.Top {
				ys = append(ys, half-i-1)
			}
			if a.table.BoundH[i] < d.Bottom {
				ys = append(ys, half+i)
			}
		}
	}

	seen := make(map[int]struct{}, len(xs)*len(ys))
	regions := make([]int, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			r := y*a.side + x
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			regions = append(regions, r)
		}
	}
	sort.Ints(regions)
	return regions
}

// locateBin returns i with bound[i] <= v < bound[i+1].
func locateBin(bound []float64, v float64) (int, bool) {
	if v < bound[0] {
		return 0, false
	}
	// first index with bound[j] > v
	j := sort.Search(len(bound), func(j int) bool { return bound[j] > v })
	if j == 0 || j == len(bound) {
		return 0, false
	}
	return j - 1, true
}
