// Package leadfield holds the dense electrode-to-field linear operator and
// its electrode metadata, with explicit two-phase loading from the npz
// containers produced by the FEM pipeline.
package leadfield

import (
	"fmt"
	"math"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Kind states whether leadfield entries live on mesh nodes or elements.
type Kind uint8

const (
	Unknown Kind = iota
	NodeBased
	ElementBased
)

func (k Kind) String() string {
	switch k {
	case NodeBased:
		return "node"
	case ElementBased:
		return "element"
	}
	return "unknown"
}

// SumTolerance is the allowed deviation of a currents vector from zero sum.
const SumTolerance = 1e-5

// Leadfield is an immutable (E-1) x M x 3 operator mapping electrode
// currents to the electric field at M mesh entities. The reference
// electrode contributes no row; its current is the negated sum of the
// others. Electrode metadata (length E, reference first) rides along.
type Leadfield struct {
	NumElectrodes int // E, reference included
	M             int
	FieldName     string
	FieldUnits    string
	Names         []string
	Tags          []int
	Positions     []r3.Vec

	data []float64 // row-major (E-1) x M x 3
}

// FromArray wraps an in-memory (E-1) x M x 3 array, row-major with the
// vector components fastest. The metadata slices must have length E; empty
// metadata is filled with placeholders.
func FromArray(data []float64, numElectrodes, m int, names []string) (*Leadfield, error) {
	if numElectrodes < 2 {
		return nil, fmt.Errorf("leadfield: need at least 2 electrodes, got %d: %w",
			numElectrodes, simnibs.ErrPrecondition)
	}
	if want := (numElectrodes - 1) * m * 3; len(data) != want {
		return nil, fmt.Errorf("leadfield: data length %d does not match (%d-1)x%dx3=%d: %w",
			len(data), numElectrodes, m, want, simnibs.ErrPrecondition)
	}
	if names == nil {
		names = make([]string, numElectrodes)
		for i := range names {
			names[i] = fmt.Sprintf("El%d", i)
		}
	}
	if len(names) != numElectrodes {
		return nil, fmt.Errorf("leadfield: %d electrode names for %d electrodes: %w",
			len(names), numElectrodes, simnibs.ErrPrecondition)
	}
	return &Leadfield{
		NumElectrodes: numElectrodes,
		M:             m,
		FieldName:     "E",
		FieldUnits:    "V/m",
		Names:         names,
		data:          data,
	}, nil
}

// At returns the field vector of reduced electrode row e (0 <= e < E-1) at
// entity m (0-based).
func (lf *Leadfield) At(e, m int) r3.Vec {
	o := (e*lf.M + m) * 3
	return r3.Vec{X: lf.data[o], Y: lf.data[o+1], Z: lf.data[o+2]}
}

// KindFor derives node/element typing from the mesh: the second dimension
// must equal exactly one of the entity counts.
func (lf *Leadfield) KindFor(m *mesh.Mesh) (Kind, error) {
	switch lf.M {
	case m.NodeCount():
		return NodeBased, nil
	case m.ElementCount():
		return ElementBased, nil
	}
	return Unknown, fmt.Errorf(
		"leadfield: %d entities match neither %d nodes nor %d elements: %w",
		lf.M, m.NodeCount(), m.ElementCount(), simnibs.ErrPrecondition)
}

// Field computes the electric field at every entity for a full-length
// currents vector (index 0 = reference electrode). The currents must sum
// to zero within SumTolerance.
func (lf *Leadfield) Field(currents []float64) ([]r3.Vec, error) {
	if len(currents) != lf.NumElectrodes {
		return nil, fmt.Errorf("leadfield: %d currents for %d electrodes: %w",
			len(currents), lf.NumElectrodes, simnibs.ErrPrecondition)
	}
	sum := 0.0
	for _, c := range currents {
		sum += c
	}
	if math.Abs(sum) > SumTolerance {
		return nil, fmt.Errorf("leadfield: currents sum to %g, expected 0: %w",
			sum, simnibs.ErrPrecondition)
	}
	field := make([]r3.Vec, lf.M)
	for e := 0; e < lf.NumElectrodes-1; e++ {
		c := currents[e+1]
		if c == 0 {
			continue
		}
		base := e * lf.M * 3
		for m := 0; m < lf.M; m++ {
			o := base + m*3
			field[m].X += c * lf.data[o]
			field[m].Y += c * lf.data[o+1]
			field[m].Z += c * lf.data[o+2]
		}
	}
	return field, nil
}
