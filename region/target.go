package region

import (
	"fmt"
	"math"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultRadius is the ball expansion radius (mm) applied to targets and
// avoid regions unless overridden.
const DefaultRadius = 2.0

// DefaultIntensity is the default target field intensity in V/m.
const DefaultIntensity = 0.2

// Target specifies a stimulation target: where (positions or explicit
// indices, optionally restricted to tissues and dilated by Radius), in
// which direction, and how strongly. Intensity carries sign. MaxAngle > 0
// constrains the angle between the achieved field and the direction and is
// only meaningful outside magnitude-only mode.
type Target struct {
	Positions []r3.Vec
	Indices   []int
	Tissues   []int
	Radius    float64

	Mode      DirectionMode
	Vectors   []r3.Vec
	Intensity float64
	MaxAngle  float64 // degrees, 0 = unconstrained
}

// NewTarget returns a target with the customary defaults: surface-normal
// direction, 0.2 V/m, 2 mm radius.
func NewTarget() *Target {
	return &Target{Radius: DefaultRadius, Intensity: DefaultIntensity, Mode: DirectionNormal}
}

// Resolve produces the 1-based entity IDs and (possibly nil) unit
// directions of the target.
func (t *Target) Resolve(m *mesh.Mesh, kind leadfield.Kind) (indices []int, dirs []r3.Vec, err error) {
	if t.MaxAngle > 0 && t.Mode == DirectionNone {
		return nil, nil, fmt.Errorf("region: cannot constrain angle in magnitude optimization: %w",
			simnibs.ErrPrecondition)
	}
	indices, mapping, err := ResolveIndices(m, kind, ResolveSpec{
		Positions: t.Positions,
		Indices:   t.Indices,
		Tissues:   t.Tissues,
		Radius:    t.Radius,
	})
	if err != nil {
		return nil, nil, err
	}
	dirs, err = ResolveDirections(m, kind, t.Mode, t.Vectors, indices, mapping)
	if err != nil {
		return nil, nil, err
	}
	return indices, dirs, nil
}

// EntityWeights returns the per-entity area or volume weights matching the
// leadfield kind, indexed 0-based over all entities.
func EntityWeights(m *mesh.Mesh, kind leadfield.Kind) []float64 {
	if kind == leadfield.NodeBased {
		return m.NodeAreasOrVolumes()
	}
	return m.ElementAreasOrVolumes()
}

// Field renders the target as a per-entity vector field: intensity-scaled
// directions inside the target, zero elsewhere. Magnitude-only targets get
// the intensity in the X component.
func (t *Target) Field(m *mesh.Mesh, kind leadfield.Kind) ([]r3.Vec, error) {
	indices, dirs, err := t.Resolve(m, kind)
	if err != nil {
		return nil, err
	}
	n := m.NodeCount()
	if kind == leadfield.ElementBased {
		n = m.ElementCount()
	}
	field := make([]r3.Vec, n)
	for i, id := range indices {
		if dirs == nil {
			field[id-1] = r3.Vec{X: t.Intensity}
		} else {
			field[id-1] = r3.Scale(t.Intensity, dirs[i])
		}
	}
	return field, nil
}

// MeanIntensity computes the entity-weighted mean of the field inside the
// target, projected on the target directions (or the magnitude for
// magnitude-only targets).
func (t *Target) MeanIntensity(m *mesh.Mesh, kind leadfield.Kind, field []r3.Vec) (float64, error) {
	indices, dirs, err := t.Resolve(m, kind)
	if err != nil {
		return 0, err
	}
	weights := EntityWeights(m, kind)
	var num, den float64
	for i, id := range indices {
		w := weights[id-1]
		var comp float64
		if dirs == nil {
			comp = r3.Norm(field[id-1])
		} else {
			comp = r3.Dot(field[id-1], dirs[i])
		}
		num += w * comp
		den += w
	}
	if den == 0 {
		return 0, fmt.Errorf("region: target has zero total weight: %w", simnibs.ErrEmptyRegion)
	}
	return num / den, nil
}

// MeanAngle computes the field-magnitude-weighted mean angle (degrees)
// between the field and the target directions. NaN for magnitude-only
// targets.
func (t *Target) MeanAngle(m *mesh.Mesh, kind leadfield.Kind, field []r3.Vec) (float64, error) {
	indices, dirs, err := t.Resolve(m, kind)
	if err != nil {
		return 0, err
	}
	if dirs == nil {
		return math.NaN(), nil
	}
	sign := 1.0
	if t.Intensity < 0 {
		sign = -1
	}
	weights := EntityWeights(m, kind)
	var num, den float64
	for i, id := range indices {
		f := field[id-1]
		norm := r3.Norm(f)
		comp := sign * r3.Dot(f, dirs[i])
		tangent := math.Sqrt(math.Max(norm*norm-comp*comp, 0))
		angle := math.Atan2(tangent, comp) * 180 / math.Pi
		w := weights[id-1] * norm
		num += w * angle
		den += w
	}
	if den == 0 {
		return 0, nil
	}
	return num / den, nil
}
