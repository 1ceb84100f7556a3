// Package region maps user-level target and avoid specifications
// (positions, tissue tags, explicit indices) onto concrete mesh entity
// index sets and stimulation directions.
package region

import (
	"fmt"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// radiusEps is the radius below which no ball expansion happens.
const radiusEps = 1e-9

// ResolveSpec selects mesh entities. Exactly one of Positions or Indices
// must be set. Tissues restricts the candidate entities; Radius expands
// each position match to a ball around it.
type ResolveSpec struct {
	Positions []r3.Vec
	Indices   []int // 1-based entity IDs, returned verbatim
	Tissues   []int
	Radius    float64
}

// ResolveIndices resolves the spec to 1-based entity IDs plus a mapping
// tracing each returned ID back to the originating seed position. For
// explicit indices the mapping is the identity.
func ResolveIndices(m *mesh.Mesh, kind leadfield.Kind, spec ResolveSpec) (indices, mapping []int, err error) {
	if (spec.Positions == nil) == (spec.Indices == nil) {
		return nil, nil, fmt.Errorf("region: define either positions or indices: %w", simnibs.ErrPrecondition)
	}
	if spec.Indices != nil {
		n := m.NodeCount()
		if kind == leadfield.ElementBased {
			n = m.ElementCount()
		}
		for _, id := range spec.Indices {
			if id < 1 || id > n {
				return nil, nil, fmt.Errorf("region: entity index %d outside [1, %d]: %w",
					id, n, simnibs.ErrPrecondition)
			}
		}
		mapping = make([]int, len(spec.Indices))
		for i := range mapping {
			mapping[i] = i
		}
		return spec.Indices, mapping, nil
	}
	if spec.Radius < 0 {
		return nil, nil, fmt.Errorf("region: radius must be >= 0: %w", simnibs.ErrPrecondition)
	}

	candIDs, candPos, err := candidates(m, kind, spec.Tissues)
	if err != nil {
		return nil, nil, err
	}
	tree := mesh.NewPointTree(candPos)

	nearest := make([]int, len(spec.Positions)) // indices into candIDs
	for i, p := range spec.Positions {
		nearest[i], _ = tree.Nearest(p)
	}

	if spec.Radius <= radiusEps {
		mapping = make([]int, len(nearest))
		indices = make([]int, len(nearest))
		for i, c := range nearest {
			indices[i] = candIDs[c]
			mapping[i] = i
		}
		return indices, mapping, nil
	}

	// Ball expansion around each matched candidate. On duplicates across
	// seeds, the first seed wins.
	seedOf := make(map[int]int) // candidate index -> seed
	var order []int
	for seed, c := range nearest {
		for _, inBall := range tree.InBall(candPos[c], spec.Radius) {
			if _, ok := seedOf[inBall]; ok {
				continue
			}
			seedOf[inBall] = seed
			order = append(order, inBall)
		}
	}
	for _, c := range order {
		indices = append(indices, candIDs[c])
		mapping = append(mapping, seedOf[c])
	}
	return indices, mapping, nil
}

// candidates lists the 1-based entity IDs and coordinates eligible for
// position matching, optionally restricted to tissues.
func candidates(m *mesh.Mesh, kind leadfield.Kind, tissues []int) ([]int, []r3.Vec, error) {
	var ids []int
	var pos []r3.Vec
	switch kind {
	case leadfield.NodeBased:
		if tissues != nil {
			ids = m.NodesWithTags(tissues)
		} else {
			ids = make([]int, m.NodeCount())
			for i := range ids {
				ids[i] = i + 1
			}
		}
		pos = make([]r3.Vec, len(ids))
		for i, id := range ids {
			pos[i] = m.NodeCoord(id)
		}
	case leadfield.ElementBased:
		bar := m.Barycenters()
		if tissues != nil {
			ids = m.ElementsWithTags(tissues)
		} else {
			ids = make([]int, m.ElementCount())
			for i := range ids {
				ids[i] = i + 1
			}
		}
		pos = make([]r3.Vec, len(ids))
		for i, id := range ids {
			pos[i] = bar[id-1]
		}
	default:
		return nil, nil, fmt.Errorf("region: leadfield kind not set: %w", simnibs.ErrPrecondition)
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("region: no entities with the given tissue tags: %w", simnibs.ErrEmptyRegion)
	}
	return ids, pos, nil
}

// DirectionMode selects how target directions are produced.
type DirectionMode uint8

const (
	// DirectionNormal uses negated outward surface normals.
	DirectionNormal DirectionMode = iota
	// DirectionNone means a magnitude-only objective; no directions.
	DirectionNone
	// DirectionExplicit uses user-supplied vectors, normalized to unit
	// length and broadcast over radius-expanded index sets via mapping.
	DirectionExplicit
)

// ResolveDirections produces one unit direction per resolved index, or nil
// for magnitude-only targets. vectors is only consulted in explicit mode:
// one vector for all entities, one per seed (broadcast by mapping), or one
// per resolved index.
func ResolveDirections(m *mesh.Mesh, kind leadfield.Kind, mode DirectionMode,
	vectors []r3.Vec, indices, mapping []int) ([]r3.Vec, error) {

	switch mode {
	case DirectionNone:
		return nil, nil

	case DirectionNormal:
		if m.Kind == mesh.Tet {
			return nil, fmt.Errorf("region: normal directions undefined for volumetric data: %w",
				simnibs.ErrUnsupported)
		}
		var normals []r3.Vec
		var err error
		if kind == leadfield.NodeBased {
			normals, err = m.NodeNormals()
		} else {
			normals, err = m.TriangleNormals()
		}
		if err != nil {
			return nil, err
		}
		out := make([]r3.Vec, len(indices))
		for i, id := range indices {
			out[i] = r3.Scale(-1, normals[id-1])
		}
		return out, nil

	case DirectionExplicit:
		if len(vectors) == 0 {
			return nil, fmt.Errorf("region: explicit direction mode without vectors: %w",
				simnibs.ErrPrecondition)
		}
		unit := make([]r3.Vec, len(vectors))
		for i, v := range vectors {
			n := r3.Norm(v)
			if n == 0 {
				return nil, fmt.Errorf("region: zero-length direction vector %d: %w",
					i, simnibs.ErrPrecondition)
			}
			unit[i] = r3.Scale(1/n, v)
		}
		out := make([]r3.Vec, len(indices))
		switch {
		case len(unit) == 1:
			for i := range out {
				out[i] = unit[0]
			}
		case len(unit) == len(indices):
			copy(out, unit)
		case mapping != nil:
			for i := range indices {
				s := mapping[i]
				if s < 0 || s >= len(unit) {
					return nil, fmt.Errorf("region: mapping refers to direction %d of %d: %w",
						s, len(unit), simnibs.ErrPrecondition)
				}
				out[i] = unit[s]
			}
		default:
			return nil, fmt.Errorf("region: %d directions for %d indices and no mapping: %w",
				len(unit), len(indices), simnibs.ErrPrecondition)
		}
		return out, nil
	}
	return nil, fmt.Errorf("region: unknown direction mode %d: %w", mode, simnibs.ErrPrecondition)
}
