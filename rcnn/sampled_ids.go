package rcnn

import (
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// SampledIDs stacks the offset table used by every item into a
// (items, numOffsets, 2) tensor of (dx, dy). Items without a table stay zero.
func SampledIDs(perItem []*processing.OffsetSample, numOffsets int) (*tensor.Dense, error) {
	ids := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(perItem), numOffsets, 2),
	)

	for n, sample := range perItem {
		if sample == nil {
			continue
		}
		if sample.Len() != numOffsets {
			return nil, errors.Errorf("item %d has %d offsets, want %d", n, sample.Len(), numOffsets)
		}
		for o, off := range sample.Offsets {
			err := ids.SetAt(float32(off.DX), n, o, 0)
			if err != nil {
				return nil, err
			}
			err = ids.SetAt(float32(off.DY), n, o, 1)
			if err != nil {
				return nil, err
			}
		}
	}

	return ids, nil
}
