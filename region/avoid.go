package region

import (
	"fmt"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultAvoidWeight is the multiplier applied to avoid regions.
const DefaultAvoidWeight = 1e3

// Avoid marks a region whose field intensity should be suppressed. With
// neither positions nor indices set, the tissues select the whole region.
// Weight multiplies the optimization weight at the selected entities and
// must be at least 1, anything smaller would attract field to the region;
// overlapping avoids stack multiplicatively.
type Avoid struct {
	Positions []r3.Vec
	Indices   []int
	Tissues   []int
	Radius    float64
	Weight    float64
}

// NewAvoid returns an avoid region with the customary defaults.
func NewAvoid() *Avoid {
	return &Avoid{Radius: DefaultRadius, Weight: DefaultAvoidWeight}
}

// resolve returns the 1-based entity IDs of the avoid region.
func (a *Avoid) resolve(m *mesh.Mesh, kind leadfield.Kind) ([]int, error) {
	if a.Positions != nil || a.Indices != nil {
		indices, _, err := ResolveIndices(m, kind, ResolveSpec{
			Positions: a.Positions,
			Indices:   a.Indices,
			Tissues:   a.Tissues,
			Radius:    a.Radius,
		})
		return indices, err
	}
	if a.Tissues != nil {
		var ids []int
		if kind == leadfield.ElementBased {
			ids = m.ElementsWithTags(a.Tissues)
		} else {
			ids = m.NodesWithTags(a.Tissues)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("region: avoid tissues select nothing: %w", simnibs.ErrEmptyRegion)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("region: avoid needs positions, indices or tissues: %w", simnibs.ErrPrecondition)
}

// WeightField returns a per-entity multiplier field: Weight inside the
// region, 1 outside.
func (a *Avoid) WeightField(m *mesh.Mesh, kind leadfield.Kind) ([]float64, error) {
	if a.Weight < 1 {
		return nil, fmt.Errorf("region: avoid weight must be >= 1: %w", simnibs.ErrPrecondition)
	}
	indices, err := a.resolve(m, kind)
	if err != nil {
		return nil, err
	}
	n := m.NodeCount()
	if kind == leadfield.ElementBased {
		n = m.ElementCount()
	}
	field := make([]float64, n)
	for i := range field {
		field[i] = 1
	}
	for _, id := range indices {
		field[id-1] = a.Weight
	}
	return field, nil
}

// MeanFieldNorm computes the entity-weighted mean field magnitude inside
// the avoid region.
func (a *Avoid) MeanFieldNorm(m *mesh.Mesh, kind leadfield.Kind, field []r3.Vec) (float64, error) {
	indices, err := a.resolve(m, kind)
	if err != nil {
		return 0, err
	}
	weights := EntityWeights(m, kind)
	var num, den float64
	for _, id := range indices {
		w := weights[id-1]
		num += w * r3.Norm(field[id-1])
		den += w
	}
	if den == 0 {
		return 0, fmt.Errorf("region: avoid region has zero total weight: %w", simnibs.ErrEmptyRegion)
	}
	return num / den, nil
}
