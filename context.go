package go_rfcn_regions

import (
	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Context holds the per-class boundary and offset tables of a training run.
// It is built once and read-only afterwards, so it is safe for concurrent use.
type Context struct {
	params    *config.RegionParams
	tables    []*processing.BoundaryTable
	offsets   []*processing.OffsetSample
	assigners []*processing.RegionAssigner
}

// NewContext estimates boundaries from stats and samples offsets for every
// foreground class.
func NewContext(params *config.RegionParams, stats *processing.ClassStatistics, logger *zap.Logger) (*Context, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if stats.NumClasses() != params.NumClasses {
		return nil, errors.Wrapf(config.ErrInvalidParams, "statistics cover %d classes, want %d", stats.NumClasses(), params.NumClasses)
	}
	tables, err := processing.EstimateBoundaries(stats, params.Bins(), params.SkipUnseenClasses)
	if err != nil {
		return nil, err
	}
	for class := 1; class < len(tables); class++ {
		if tables[class] == nil {
			logger.Warn("class has no observed boxes, its rois will be skipped", zap.Int("class", class))
			continue
		}
		logger.Debug("estimated boundaries",
			zap.Int("class", class),
			zap.Int("observations", stats.Count(class)),
			zap.Float64s("bound_w", tables[class].BoundW),
			zap.Float64s("bound_h", tables[class].BoundH),
		)
	}
	return NewContextFromTables(params, tables, nil)
}

// NewContextFromTables builds a context from precomputed tables. offsets may
// be nil, or hold a nil entry, in which case the offsets are sampled from the table.
func NewContextFromTables(params *config.RegionParams, tables []*processing.BoundaryTable, offsets []*processing.OffsetSample) (*Context, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(tables) != params.NumClasses {
		return nil, errors.Wrapf(config.ErrInvalidParams, "%d tables for %d classes", len(tables), params.NumClasses)
	}

	c := &Context{
		params:    params.Clone(),
		tables:    make([]*processing.BoundaryTable, params.NumClasses),
		offsets:   make([]*processing.OffsetSample, params.NumClasses),
		assigners: make([]*processing.RegionAssigner, params.NumClasses),
	}
	for class := 1; class < params.NumClasses; class++ {
		table := tables[class]
		if table == nil {
			if !params.SkipUnseenClasses {
				return nil, errors.Wrapf(processing.ErrUnseenClass, "class %d", class)
			}
			continue
		}
		if table.Bins() != params.Bins() {
			return nil, errors.Wrapf(processing.ErrInvalidTable, "class %d has %d bins, want %d", class, table.Bins(), params.Bins())
		}
		assigner, err := processing.NewRegionAssigner(table, params.ClassificationPolicy, params.Epsilon)
		if err != nil {
			return nil, errors.Wrapf(err, "class %d", class)
		}

		var sample *processing.OffsetSample
		if class < len(offsets) {
			sample = offsets[class]
		}
		if sample == nil {
			sample, err = processing.SampleOffsets(table, params.Side(), params.NumSamples, params.SpatialScale)
			if err != nil {
				return nil, errors.Wrapf(err, "class %d", class)
			}
		} else if sample.Len() != params.NumRegions*params.NumSamples {
			return nil, errors.Wrapf(processing.ErrInvalidTable, "class %d has %d offsets, want %d", class, sample.Len(), params.NumRegions*params.NumSamples)
		}

		c.tables[class] = table
		c.offsets[class] = sample
		c.assigners[class] = assigner
	}
	return c, nil
}

func (c *Context) Params() *config.RegionParams {
	return c.params.Clone()
}

func (c *Context) NumClasses() int {
	return len(c.tables)
}

func (c *Context) checkClass(class int) error {
	if class < 0 || class >= len(c.tables) {
		return errors.Wrapf(processing.ErrClassOutOfRange, "class %d not in [0, %d)", class, len(c.tables))
	}
	if c.tables[class] == nil {
		return errors.Wrapf(processing.ErrUnseenClass, "class %d", class)
	}
	return nil
}

func (c *Context) Seen(class int) bool {
	return c.checkClass(class) == nil
}

// Table returns a copy of the boundary table of class.
func (c *Context) Table(class int) (*processing.BoundaryTable, error) {
	if err := c.checkClass(class); err != nil {
		return nil, err
	}
	return c.tables[class].Clone(), nil
}

// Offsets returns the shared offset sample of class. Callers must not modify it.
func (c *Context) Offsets(class int) (*processing.OffsetSample, error) {
	if err := c.checkClass(class); err != nil {
		return nil, err
	}
	return c.offsets[class], nil
}

func (c *Context) Assigner(class int) (*processing.RegionAssigner, error) {
	if err := c.checkClass(class); err != nil {
		return nil, err
	}
	return c.assigners[class], nil
}
