package rcnn

import (
	"github.com/okieraised/go-rfcn-regions/processing"
)

// AggregateWeights reads the S*S class confidences at seed+offset for every
// offset and masks out the sub-grid half that lies behind the seed's own
// sub-region along the offset direction. The result is (len(offsets), S*S)
// row-major. Offsets landing outside the volume give zero rows and are counted.
func AggregateWeights(conf *ConfidenceVolume, seed SeedPoint, class int, offsets []processing.Offset, normalize bool) ([]float32, int) {
	dst := make([]float32, len(offsets)*conf.SubRegions())
	outOfBounds := AggregateWeightsInto(dst, conf, seed, class, offsets, normalize)
	return dst, outOfBounds
}

// AggregateWeightsInto is AggregateWeights writing into a caller-provided,
// zeroed dst of length len(offsets)*S*S.
func AggregateWeightsInto(dst []float32, conf *ConfidenceVolume, seed SeedPoint, class int, offsets []processing.Offset, normalize bool) int {
	s := conf.SubGrid
	k := conf.SubRegions()
	seedRow, seedCol := seed.Region/s, seed.Region%s

	outOfBounds := 0
	for i, off := range offsets {
		row := dst[i*k : (i+1)*k]
		y, x := seed.Y+off.DY, seed.X+off.DX
		if !conf.Contains(y, x) {
			outOfBounds++
			continue
		}
		conf.SubRegionScores(y, x, class, row)

		var sum float32
		for r := 0; r < s; r++ {
			for c := 0; c < s; c++ {
				if masked(off.DX, c, seedCol) || masked(off.DY, r, seedRow) {
					row[r*s+c] = 0
				}
				sum += row[r*s+c]
			}
		}
		if normalize && sum > 0 {
			for j := range row {
				row[j] /= sum
			}
		}
	}
	return outOfBounds
}

// masked reports whether sub-grid index idx is hidden for an offset component d
// relative to the seed's own index own.
func masked(d, idx, own int) bool {
	if d > 0 {
		return idx <= own
	}
	return idx > own
}
