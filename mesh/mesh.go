// Package mesh provides the read-only triangular/tetrahedral mesh handle
// consumed by the optimizers: geometry and tag queries, entity weights,
// surface normals, and the voxelized distance oracle.
//
// Entity IDs (nodes and elements) are 1-based in every exported API.
// Connectivity is stored 0-based internally.
package mesh

import (
	"fmt"
	"sort"
	"strings"

	"github.com/TMSKit/simnibs"
	"gonum.org/v1/gonum/spatial/r3"
)

// ElementKind discriminates surface from volume meshes.
type ElementKind uint8

const (
	Tri ElementKind = iota // 3-node surface triangles
	Tet                    // 4-node volume tetrahedra
)

func (k ElementKind) String() string {
	if k == Tri {
		return "triangle"
	}
	return "tetrahedron"
}

// Mesh is an immutable mesh with homogeneous element type. The optimizers
// only ever read geometry and tags; topology is never mutated.
type Mesh struct {
	Kind  ElementKind
	nodes []r3.Vec
	conn  [][]int // 0-based node indices, 3 or 4 per element
	tags  []int   // tissue tag per element
}

// New validates and wraps mesh data. Every element must have the same node
// count (3 for triangles, 4 for tetrahedra); mixed meshes are rejected
// because a leadfield cannot span both entity families.
func New(nodes []r3.Vec, elements [][]int, tags []int) (*Mesh, error) {
	if len(nodes) == 0 || len(elements) == 0 {
		return nil, fmt.Errorf("mesh: empty node or element list: %w", simnibs.ErrPrecondition)
	}
	if len(tags) != len(elements) {
		return nil, fmt.Errorf("mesh: %d tags for %d elements: %w",
			len(tags), len(elements), simnibs.ErrPrecondition)
	}
	size := len(elements[0])
	var kind ElementKind
	switch size {
	case 3:
		kind = Tri
	case 4:
		kind = Tet
	default:
		return nil, fmt.Errorf("mesh: elements must have 3 or 4 nodes, got %d: %w",
			size, simnibs.ErrPrecondition)
	}
	for i, el := range elements {
		if len(el) != size {
			return nil, fmt.Errorf("mesh: mixed element types (element %d has %d nodes, expected %d): %w",
				i+1, len(el), size, simnibs.ErrPrecondition)
		}
		for _, n := range el {
			if n < 0 || n >= len(nodes) {
				return nil, fmt.Errorf("mesh: element %d references node %d outside [0,%d): %w",
					i+1, n, len(nodes), simnibs.ErrPrecondition)
			}
		}
	}
	return &Mesh{Kind: kind, nodes: nodes, conn: elements, tags: tags}, nil
}

func (m *Mesh) NodeCount() int    { return len(m.nodes) }
func (m *Mesh) ElementCount() int { return len(m.conn) }

// NodeCoord returns the coordinates of a 1-based node ID.
func (m *Mesh) NodeCoord(id int) r3.Vec { return m.nodes[id-1] }

// NodeCoords returns all node coordinates, indexed 0-based.
func (m *Mesh) NodeCoords() []r3.Vec { return m.nodes }

// ElementNodes returns the 1-based node IDs of a 1-based element ID.
func (m *Mesh) ElementNodes(id int) []int {
	el := m.conn[id-1]
	out := make([]int, len(el))
	for i, n := range el {
		out[i] = n + 1
	}
	return out
}

// ElementTag returns the tissue tag of a 1-based element ID.
func (m *Mesh) ElementTag(id int) int { return m.tags[id-1] }

// Barycenters returns the element barycenters, indexed 0-based.
func (m *Mesh) Barycenters() []r3.Vec {
	bar := make([]r3.Vec, len(m.conn))
	inv := 1.0 / float64(len(m.conn[0]))
	for i, el := range m.conn {
		var c r3.Vec
		for _, n := range el {
			c = r3.Add(c, m.nodes[n])
		}
		bar[i] = r3.Scale(inv, c)
	}
	return bar
}

// ElementsWithTags returns the 1-based IDs of elements whose tag is in tags.
func (m *Mesh) ElementsWithTags(tags []int) []int {
	want := make(map[int]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	var out []int
	for i, t := range m.tags {
		if want[t] {
			out = append(out, i+1)
		}
	}
	return out
}

// NodesWithTags returns the sorted 1-based IDs of nodes belonging to at
// least one element whose tag is in tags.
func (m *Mesh) NodesWithTags(tags []int) []int {
	want := make(map[int]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	seen := make(map[int]bool)
	for i, el := range m.conn {
		if !want[m.tags[i]] {
			continue
		}
		for _, n := range el {
			seen[n+1] = true
		}
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ElementAreasOrVolumes returns triangle areas (mm2) or tetrahedron
// volumes (mm3), indexed 0-based.
func (m *Mesh) ElementAreasOrVolumes() []float64 {
	w := make([]float64, len(m.conn))
	for i, el := range m.conn {
		if m.Kind == Tri {
			a, b, c := m.nodes[el[0]], m.nodes[el[1]], m.nodes[el[2]]
			w[i] = 0.5 * r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
		} else {
			a, b, c, d := m.nodes[el[0]], m.nodes[el[1]], m.nodes[el[2]], m.nodes[el[3]]
			v := r3.Dot(r3.Sub(b, a), r3.Cross(r3.Sub(c, a), r3.Sub(d, a))) / 6.0
			if v < 0 {
				v = -v
			}
			w[i] = v
		}
	}
	return w
}

// NodeAreasOrVolumes returns per-node lumped weights: each element
// distributes its area or volume equally over its nodes. Indexed 0-based.
func (m *Mesh) NodeAreasOrVolumes() []float64 {
	ew := m.ElementAreasOrVolumes()
	w := make([]float64, len(m.nodes))
	share := 1.0 / float64(len(m.conn[0]))
	for i, el := range m.conn {
		for _, n := range el {
			w[n] += ew[i] * share
		}
	}
	return w
}

// TriangleNormals returns the unit normal of each element following the
// winding order. Volumetric meshes have no surface normals.
func (m *Mesh) TriangleNormals() ([]r3.Vec, error) {
	if m.Kind != Tri {
		return nil, fmt.Errorf("mesh: normals undefined for volumetric data: %w", simnibs.ErrUnsupported)
	}
	normals := make([]r3.Vec, len(m.conn))
	for i, el := range m.conn {
		a, b, c := m.nodes[el[0]], m.nodes[el[1]], m.nodes[el[2]]
		normals[i] = r3.Unit(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
	}
	return normals, nil
}

// NodeNormals returns per-node unit normals as the area-weighted average
// of the adjacent triangle normals.
func (m *Mesh) NodeNormals() ([]r3.Vec, error) {
	tn, err := m.TriangleNormals()
	if err != nil {
		return nil, err
	}
	areas := m.ElementAreasOrVolumes()
	normals := make([]r3.Vec, len(m.nodes))
	for i, el := range m.conn {
		for _, n := range el {
			normals[n] = r3.Add(normals[n], r3.Scale(areas[i], tn[i]))
		}
	}
	for i := range normals {
		if r3.Norm(normals[i]) > 0 {
			normals[i] = r3.Unit(normals[i])
		}
	}
	return normals, nil
}

// Transformed returns a copy of the mesh with f applied to every node.
// Connectivity and tags are shared with the receiver.
func (m *Mesh) Transformed(f func(r3.Vec) r3.Vec) *Mesh {
	nodes := make([]r3.Vec, len(m.nodes))
	for i, p := range m.nodes {
		nodes[i] = f(p)
	}
	return &Mesh{Kind: m.Kind, nodes: nodes, conn: m.conn, tags: m.tags}
}

// Bounds returns the axis-aligned bounding box of the mesh nodes.
func (m *Mesh) Bounds() (lo, hi r3.Vec) {
	lo, hi = m.nodes[0], m.nodes[0]
	for _, p := range m.nodes[1:] {
		lo.X, hi.X = minf(lo.X, p.X), maxf(hi.X, p.X)
		lo.Y, hi.Y = minf(lo.Y, p.Y), maxf(hi.Y, p.Y)
		lo.Z, hi.Z = minf(lo.Z, p.Z), maxf(hi.Z, p.Z)
	}
	return lo, hi
}

// String returns a summary of the mesh properties.
func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString("=== Mesh Summary ===\n")
	sb.WriteString(fmt.Sprintf("  Element type: %s\n", m.Kind))
	sb.WriteString(fmt.Sprintf("  Nodes: %d\n", len(m.nodes)))
	sb.WriteString(fmt.Sprintf("  Elements: %d\n", len(m.conn)))
	uniq := make(map[int]int)
	for _, t := range m.tags {
		uniq[t]++
	}
	tags := make([]int, 0, len(uniq))
	for t := range uniq {
		tags = append(tags, t)
	}
	sort.Ints(tags)
	for _, t := range tags {
		sb.WriteString(fmt.Sprintf("  Tag %d: %d elements\n", t, uniq[t]))
	}
	return sb.String()
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
