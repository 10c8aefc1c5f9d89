package rcnn

import "go.uber.org/zap"

// Diagnostics counts the per-minibatch conditions that degrade to zero
// contribution instead of failing.
type Diagnostics struct {
	OutOfBoundsSamples   int
	InsufficientSeeds    int
	DegenerateBoundaries int
	SkippedRoIs          int
	EmptyRoIs            int
}

func (d *Diagnostics) Merge(other Diagnostics) {
	d.OutOfBoundsSamples += other.OutOfBoundsSamples
	d.InsufficientSeeds += other.InsufficientSeeds
	d.DegenerateBoundaries += other.DegenerateBoundaries
	d.SkippedRoIs += other.SkippedRoIs
	d.EmptyRoIs += other.EmptyRoIs
}

func (d Diagnostics) Empty() bool {
	return d == Diagnostics{}
}

func (d Diagnostics) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("out_of_bounds_samples", d.OutOfBoundsSamples),
		zap.Int("insufficient_seeds", d.InsufficientSeeds),
		zap.Int("degenerate_boundaries", d.DegenerateBoundaries),
		zap.Int("skipped_rois", d.SkippedRoIs),
		zap.Int("empty_rois", d.EmptyRoIs),
	}
}
