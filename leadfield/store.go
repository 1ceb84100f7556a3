package leadfield

import (
	"fmt"
	"os"

	"github.com/TMSKit/simnibs"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// Electrode describes one stimulation electrode, reference first.
type Electrode struct {
	Name string     `yaml:"name"`
	Tag  int        `yaml:"tag"`
	Pos  [3]float64 `yaml:"pos"`
}

// Meta is the sidecar metadata of a leadfield container, stored next to
// the npz file as <path>.meta.yaml.
type Meta struct {
	FieldName  string      `yaml:"field"`
	FieldUnits string      `yaml:"units"`
	Electrodes []Electrode `yaml:"electrodes"`
}

// Store is a described-but-not-yet-loaded leadfield. Describe reads only
// the cheap metadata; the bulk array is read once by Load and cached.
// There is no hidden I/O in any accessor.
type Store struct {
	Path    string
	Dataset string
	Meta    Meta

	loaded *Leadfield
}

// Describe opens the metadata sidecar of a leadfield container. The
// dataset names the npz member holding the (E-1) x M x 3 array.
func Describe(path, dataset string) (*Store, error) {
	raw, err := os.ReadFile(path + ".meta.yaml")
	if err != nil {
		return nil, fmt.Errorf("leadfield: reading metadata: %w", err)
	}
	var meta Meta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("leadfield: parsing metadata: %w", err)
	}
	if len(meta.Electrodes) < 2 {
		return nil, fmt.Errorf("leadfield: metadata lists %d electrodes, need at least 2: %w",
			len(meta.Electrodes), simnibs.ErrPrecondition)
	}
	if meta.FieldName == "" {
		meta.FieldName = "E"
	}
	if meta.FieldUnits == "" {
		meta.FieldUnits = "V/m"
	}
	return &Store{Path: path, Dataset: dataset, Meta: meta}, nil
}

// Loaded reports whether the bulk array has been read.
func (s *Store) Loaded() bool { return s.loaded != nil }

// Load reads the leadfield array from the npz container. Subsequent calls
// return the cached result.
func (s *Store) Load() (*Leadfield, error) {
	if s.loaded != nil {
		return s.loaded, nil
	}
	r, err := npz.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("leadfield: opening %s: %w", s.Path, err)
	}
	defer r.Close()

	// numpy stores member "x" as "x.npy"; accept either spelling.
	name := s.Dataset
	hdr := r.Header(name)
	if hdr == nil || len(hdr.Descr.Shape) == 0 {
		name += ".npy"
		hdr = r.Header(name)
	}
	var shape []int
	if hdr != nil {
		shape = hdr.Descr.Shape
	}
	if len(shape) != 3 || shape[2] != 3 {
		return nil, fmt.Errorf("leadfield: dataset %s has shape %v, want (E-1, M, 3): %w",
			s.Dataset, shape, simnibs.ErrPrecondition)
	}
	if shape[0] != len(s.Meta.Electrodes)-1 {
		return nil, fmt.Errorf("leadfield: dataset has %d rows but metadata lists %d electrodes: %w",
			shape[0], len(s.Meta.Electrodes), simnibs.ErrPrecondition)
	}
	var data []float64
	if err := r.Read(name, &data); err != nil {
		return nil, fmt.Errorf("leadfield: reading dataset %s: %w", s.Dataset, err)
	}

	names := make([]string, len(s.Meta.Electrodes))
	tags := make([]int, len(s.Meta.Electrodes))
	pos := make([]r3.Vec, len(s.Meta.Electrodes))
	for i, el := range s.Meta.Electrodes {
		names[i] = el.Name
		tags[i] = el.Tag
		pos[i] = r3.Vec{X: el.Pos[0], Y: el.Pos[1], Z: el.Pos[2]}
	}

	lf, err := FromArray(data, len(s.Meta.Electrodes), shape[1], names)
	if err != nil {
		return nil, err
	}
	lf.FieldName = s.Meta.FieldName
	lf.FieldUnits = s.Meta.FieldUnits
	lf.Tags = tags
	lf.Positions = pos
	s.loaded = lf
	return lf, nil
}
