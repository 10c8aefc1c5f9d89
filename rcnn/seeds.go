package rcnn

import (
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/okieraised/go-rfcn-regions/utils"
)

// SeedPoint is a high-confidence pixel inside a RoI, in confidence map coordinates.
type SeedPoint struct {
	X int
	Y int
	// Region is the sub-region with the highest confidence at (X, Y).
	Region     int
	Confidence float32
}

// SelectSeeds returns up to m seeds from the pixels covered by the scaled roi,
// ordered by ascending confidence so the last seed is the maximum. Ties keep
// row-major pixel order.
func SelectSeeds(conf *ConfidenceVolume, roi processing.RegionOfInterest, m int) []SeedPoint {
	if roi.Class < 0 || roi.Class >= conf.Classes {
		return nil
	}
	x0, y0, x1, y1, ok := roi.PixelBounds(conf.Height, conf.Width)
	if !ok {
		return nil
	}
	cropW := x1 - x0 + 1
	cropH := y1 - y0 + 1

	maxConf := make([]float32, cropW*cropH)
	scores := make([]float32, conf.SubRegions())
	for y := 0; y < cropH; y++ {
		for x := 0; x < cropW; x++ {
			scores = conf.SubRegionScores(y0+y, x0+x, roi.Class, scores)
			maxConf[y*cropW+x] = utils.MaxFloat32(scores)
		}
	}

	top := utils.TopK(maxConf, m)
	seeds := make([]SeedPoint, len(top))
	for i, idx := range top {
		x := x0 + idx%cropW
		y := y0 + idx/cropW
		scores = conf.SubRegionScores(y, x, roi.Class, scores)
		seeds[i] = SeedPoint{
			X:          x,
			Y:          y,
			Region:     utils.ArgMax(scores),
			Confidence: maxConf[idx],
		}
	}
	return seeds
}
