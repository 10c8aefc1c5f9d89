package modules

import (
	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/utils"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

type BlobStats struct {
	Min      float64
	Max      float64
	Mean     float64
	Variance float64
}

// Summarize returns the population statistics of a float32 tensor.
func Summarize(t *tensor.Dense) (BlobStats, error) {
	data, err := utils.Float32Backing(t)
	if err != nil {
		return BlobStats{}, err
	}
	if len(data) == 0 {
		return BlobStats{}, nil
	}
	values := make([]float64, len(data))
	for i, v := range data {
		values[i] = float64(v)
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	return BlobStats{
		Min:      floats.Min(values),
		Max:      floats.Max(values),
		Mean:     mean,
		Variance: variance,
	}, nil
}

// InspectStage passes blobs through unchanged, logging their statistics on
// the way forward and their mean gradient on the way back.
type InspectStage struct {
	name   string
	logger *zap.Logger
}

func NewInspectStage(name string, logger *zap.Logger) *InspectStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InspectStage{
		name:   name,
		logger: logger,
	}
}

func (s *InspectStage) Configure(*config.RegionParams) error {
	return nil
}

func (s *InspectStage) Compute(inputs *Blobs) (*Blobs, error) {
	for _, key := range inputs.Keys() {
		t, _ := inputs.Get(key)
		st, err := Summarize(t)
		if err != nil {
			return nil, err
		}
		s.logger.Info("forward",
			zap.String("stage", s.name),
			zap.String("blob", key),
			zap.Ints("shape", t.Shape()),
			zap.Float64("min", st.Min),
			zap.Float64("max", st.Max),
			zap.Float64("mean", st.Mean),
			zap.Float64("var", st.Variance),
		)
	}
	return inputs, nil
}

func (s *InspectStage) Propagate(gradients *Blobs) (*Blobs, error) {
	for _, key := range gradients.Keys() {
		t, _ := gradients.Get(key)
		st, err := Summarize(t)
		if err != nil {
			return nil, err
		}
		s.logger.Info("backward",
			zap.String("stage", s.name),
			zap.String("blob", key),
			zap.Float64("diff", st.Mean),
		)
	}
	return gradients, nil
}
