package modules

import (
	"github.com/elliotchance/orderedmap/v2"
	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var (
	ErrShapeMismatch     = errors.New("blob shape mismatch")
	ErrMissingBlob       = errors.New("missing blob")
	ErrNotDifferentiable = errors.New("stage is not differentiable")
	ErrNotConfigured     = errors.New("stage is not configured")
)

// Blobs maps blob names to tensors in insertion order.
type Blobs = orderedmap.OrderedMap[string, *tensor.Dense]

func NewBlobs() *Blobs {
	return orderedmap.NewOrderedMap[string, *tensor.Dense]()
}

// Stage is one step of the region training graph. Compute maps named input
// blobs to named outputs; Propagate maps gradients of the outputs to
// gradients of the inputs.
type Stage interface {
	Configure(params *config.RegionParams) error
	Compute(inputs *Blobs) (*Blobs, error)
	Propagate(gradients *Blobs) (*Blobs, error)
}

func blob(blobs *Blobs, name string) (*tensor.Dense, error) {
	t, ok := blobs.Get(name)
	if !ok || t == nil {
		return nil, errors.Wrapf(ErrMissingBlob, "%q", name)
	}
	return t, nil
}
