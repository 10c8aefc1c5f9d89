package go_rfcn_regions

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/processing"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"github.com/spf13/afero"
	"gonum.org/v1/gonum/mat"
)

// TableStore persists per-class tables as .npy files under a directory.
type TableStore struct {
	fs  afero.Fs
	dir string
}

func NewTableStore(fs afero.Fs, dir string) *TableStore {
	return &TableStore{
		fs:  fs,
		dir: dir,
	}
}

func (s *TableStore) path(name string, class int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.npy", name, class))
}

// Save writes bound_w_<k>.npy, bound_h_<k>.npy and sampled_id_<k>.npy for
// every seen class of rc.
func (s *TableStore) Save(rc *Context) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", s.dir)
	}
	for class := 1; class < rc.NumClasses(); class++ {
		if !rc.Seen(class) {
			continue
		}
		table := rc.tables[class]
		if err := s.write(s.path("bound_w", class), table.BoundW); err != nil {
			return err
		}
		if err := s.write(s.path("bound_h", class), table.BoundH); err != nil {
			return err
		}
		if err := s.write(s.path("sampled_id", class), rc.offsets[class].Dense()); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the tables of every foreground class. A class without files is
// unseen, which is an error unless params.SkipUnseenClasses is set.
func (s *TableStore) Load(params *config.RegionParams) (*Context, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	tables := make([]*processing.BoundaryTable, params.NumClasses)
	offsets := make([]*processing.OffsetSample, params.NumClasses)

	for class := 1; class < params.NumClasses; class++ {
		exists, err := afero.Exists(s.fs, s.path("bound_w", class))
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		table := &processing.BoundaryTable{}
		if err := s.read(s.path("bound_w", class), &table.BoundW); err != nil {
			return nil, err
		}
		if err := s.read(s.path("bound_h", class), &table.BoundH); err != nil {
			return nil, err
		}
		if err := table.Validate(); err != nil {
			return nil, errors.Wrapf(err, "class %d", class)
		}

		sampled := &mat.Dense{}
		if err := s.read(s.path("sampled_id", class), sampled); err != nil {
			return nil, err
		}
		sample, err := processing.OffsetSampleFromDense(sampled, params.Side(), params.NumSamples)
		if err != nil {
			return nil, errors.Wrapf(err, "class %d", class)
		}

		tables[class] = table
		offsets[class] = sample
	}
	return NewContextFromTables(params, tables, offsets)
}

func (s *TableStore) write(path string, v interface{}) (err error) {
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()
	if err = npyio.Write(f, v); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func (s *TableStore) read(path string, ptr interface{}) error {
	f, err := s.fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "read header %s", path)
	}
	if err := r.Read(ptr); err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return nil
}

// ReadStatistics loads an (N, 3) .npy matrix of ground-truth boxes, one
// (class, width, height) row per box, and accumulates the half sizes.
func ReadStatistics(fs afero.Fs, path string, numClasses int) (*processing.ClassStatistics, error) {
	boxes := &mat.Dense{}
	if err := NewTableStore(fs, "").read(path, boxes); err != nil {
		return nil, err
	}
	rows, cols := boxes.Dims()
	if cols != 3 {
		return nil, errors.Wrapf(processing.ErrInvalidTable, "%s must be (N, 3), got (%d, %d)", path, rows, cols)
	}

	stats := processing.NewClassStatistics(numClasses)
	for i := 0; i < rows; i++ {
		class := int(boxes.At(i, 0))
		if err := stats.Add(class, boxes.At(i, 1)/2, boxes.At(i, 2)/2); err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
	}
	return stats, nil
}
