package processing

import (
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrEmptyStatistics = errors.New("class has no observed boxes")
	ErrClassOutOfRange = errors.New("class label out of range")
	ErrUnseenClass     = errors.New("class has no boundary table")
	ErrInvalidTable    = errors.New("invalid boundary table")
)

// ClassStatistics collects observed box half-widths and half-heights per class label.
type ClassStatistics struct {
	widths  [][]float64
	heights [][]float64
}

func NewClassStatistics(numClasses int) *ClassStatistics {
	return &ClassStatistics{
		widths:  make([][]float64, numClasses),
		heights: make([][]float64, numClasses),
	}
}

func (s *ClassStatistics) NumClasses() int {
	return len(s.widths)
}

func (s *ClassStatistics) Add(class int, halfWidth, halfHeight float64) error {
	if class < 0 || class >= len(s.widths) {
		return errors.Wrapf(ErrClassOutOfRange, "class %d not in [0, %d)", class, len(s.widths))
	}
	s.widths[class] = append(s.widths[class], halfWidth)
	s.heights[class] = append(s.heights[class], halfHeight)
	return nil
}

func (s *ClassStatistics) Count(class int) int {
	if class < 0 || class >= len(s.widths) {
		return 0
	}
	return len(s.widths[class])
}

func (s *ClassStatistics) Observations(class int) (widths, heights []float64) {
	if class < 0 || class >= len(s.widths) {
		return nil, nil
	}
	return append([]float64(nil), s.widths[class]...), append([]float64(nil), s.heights[class]...)
}

// BoundaryTable holds the K+1 quantile cut points of one class, bound[0] = 0.
type BoundaryTable struct {
	BoundW []float64
	BoundH []float64
}

// Bins returns K, the number of bins on each half-axis.
func (b *BoundaryTable) Bins() int {
	return len(b.BoundW) - 1
}

func (b *BoundaryTable) Clone() *BoundaryTable {
	return &BoundaryTable{
		BoundW: append([]float64(nil), b.BoundW...),
		BoundH: append([]float64(nil), b.BoundH...),
	}
}

func (b *BoundaryTable) Validate() error {
	if len(b.BoundW) < 2 || len(b.BoundW) != len(b.BoundH) {
		return errors.Wrapf(ErrInvalidTable, "bound lengths %d and %d", len(b.BoundW), len(b.BoundH))
	}
	for _, axis := range []struct {
		name  string
		bound []float64
	}{
		{"bound_w", b.BoundW},
		{"bound_h", b.BoundH},
	} {
		name, bound := axis.name, axis.bound
		if bound[0] != 0 {
			return errors.Wrapf(ErrInvalidTable, "%s[0] is %v, not 0", name, bound[0])
		}
		for i := 0; i+1 < len(bound); i++ {
			if bound[i] > bound[i+1] {
				return errors.Wrapf(ErrInvalidTable, "%s decreases at %d: %v > %v", name, i, bound[i], bound[i+1])
			}
		}
	}
	return nil
}

// EstimateBoundary computes the equal-frequency cut points for one class:
// bound[i] = sorted[ceil(N*i/K) - 1] for i in 1..K.
func EstimateBoundary(halfWidths, halfHeights []float64, k int) (*BoundaryTable, error) {
	if k <= 0 {
		return nil, errors.Wrapf(ErrInvalidTable, "bins per side must be positive, got %d", k)
	}
	if len(halfWidths) == 0 || len(halfHeights) == 0 {
		return nil, ErrEmptyStatistics
	}
	return &BoundaryTable{
		BoundW: quantileBounds(halfWidths, k),
		BoundH: quantileBounds(halfHeights, k),
	}, nil
}

// EstimateBoundaries computes a table for every foreground class (labels
// 1..NumClasses-1). Entry 0 (background) is always nil. A class without
// observations fails the whole estimate unless skipUnseen is set, in which
// case its entry stays nil.
func EstimateBoundaries(stats *ClassStatistics, k int, skipUnseen bool) ([]*BoundaryTable, error) {
	tables := make([]*BoundaryTable, stats.NumClasses())
	for class := 1; class < stats.NumClasses(); class++ {
		table, err := EstimateBoundary(stats.widths[class], stats.heights[class], k)
		if errors.Is(err, ErrEmptyStatistics) && skipUnseen {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "class %d", class)
		}
		tables[class] = table
	}
	return tables, nil
}

func quantileBounds(observations []float64, k int) []float64 {
	sorted := append([]float64(nil), observations...)
	sort.Float64s(sorted)
	n := len(sorted)

	bound := make([]float64, k+1)
	for i := 1; i <= k; i++ {
		idx := (n*i+k-1)/k - 1
		if idx < 0 {
			idx = 0
		}
		bound[i] = sorted[idx]
	}
	return bound
}
