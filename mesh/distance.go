package mesh

import (
	"fmt"
	"math"

	"github.com/TMSKit/simnibs"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// SurfaceTree answers signed distance queries against a triangle surface.
// Queries locate candidate triangles through a k-d tree over the triangle
// centroids and then evaluate exact point-triangle distances. The sign
// follows the triangle winding: negative inside, positive outside, for
// outward-wound closed surfaces.
type SurfaceTree struct {
	mesh      *Mesh
	centroids *PointTree
	normals   []r3.Vec
	maxRadius float64 // largest centroid-to-vertex distance over all triangles
}

// NewSurfaceTree builds the distance structure for a triangle mesh.
func NewSurfaceTree(m *Mesh) (*SurfaceTree, error) {
	if m.Kind != Tri {
		return nil, fmt.Errorf("mesh: distance queries need a surface mesh: %w", simnibs.ErrUnsupported)
	}
	normals, err := m.TriangleNormals()
	if err != nil {
		return nil, err
	}
	cent := m.Barycenters()
	maxR := 0.0
	for i, el := range m.conn {
		for _, n := range el {
			if d := r3.Norm(r3.Sub(m.nodes[n], cent[i])); d > maxR {
				maxR = d
			}
		}
	}
	return &SurfaceTree{
		mesh:      m,
		centroids: NewPointTree(cent),
		normals:   normals,
		maxRadius: maxR,
	}, nil
}

// SignedDistance returns the signed distance from p to the surface,
// negative inside.
func (t *SurfaceTree) SignedDistance(p r3.Vec) float64 {
	near, dc := t.centroids.Nearest(p)
	best := math.Inf(1)
	bestTri := near
	var bestPt r3.Vec
	// Any triangle closer than the current best must have its centroid
	// within bestDist+maxRadius of p.
	cand := t.centroids.InBall(p, dc+2*t.maxRadius)
	if len(cand) == 0 {
		cand = []int{near}
	}
	for _, i := range cand {
		q := t.closestOnTriangle(i, p)
		if d := r3.Norm(r3.Sub(p, q)); d < best {
			best, bestTri, bestPt = d, i, q
		}
	}
	if r3.Dot(t.normals[bestTri], r3.Sub(p, bestPt)) < 0 {
		return -best
	}
	return best
}

// MinDistance evaluates the signed distance at each query point.
func (t *SurfaceTree) MinDistance(points []r3.Vec) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = t.SignedDistance(p)
	}
	return out
}

// closestOnTriangle returns the point of triangle i (0-based) closest to p.
// Standard barycentric region walk (Ericson, Real-Time Collision Detection).
func (t *SurfaceTree) closestOnTriangle(i int, p r3.Vec) r3.Vec {
	el := t.mesh.conn[i]
	a, b, c := t.mesh.nodes[el[0]], t.mesh.nodes[el[1]], t.mesh.nodes[el[2]]

	ab := r3.Sub(b, a)
	ac := r3.Sub(c, a)
	ap := r3.Sub(p, a)
	d1 := r3.Dot(ab, ap)
	d2 := r3.Dot(ac, ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}

	bp := r3.Sub(p, b)
	d3 := r3.Dot(ab, bp)
	d4 := r3.Dot(ac, bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		v := d1 / (d1 - d3)
		return r3.Add(a, r3.Scale(v, ab))
	}

	cp := r3.Sub(p, c)
	d5 := r3.Dot(ab, cp)
	d6 := r3.Dot(ac, cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		w := d2 / (d2 - d6)
		return r3.Add(a, r3.Scale(w, ac))
	}

	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return r3.Add(b, r3.Scale(w, r3.Sub(c, b)))
	}

	denom := 1.0 / (va + vb + vc)
	v := vb * denom
	w := vc * denom
	return r3.Add(a, r3.Add(r3.Scale(v, ab), r3.Scale(w, ac)))
}

// DistanceField is a signed distance sampled on a regular voxel grid.
type DistanceField struct {
	Data    []float64 // len = Dims[0]*Dims[1]*Dims[2], x fastest
	Dims    [3]int
	Origin  r3.Vec // world position of voxel (0,0,0)
	Spacing float64
}

// At returns the sample at voxel (i,j,k) without bounds checking.
func (f *DistanceField) At(i, j, k int) float64 {
	return f.Data[i+f.Dims[0]*(j+f.Dims[1]*k)]
}

func (f *DistanceField) set(i, j, k int, v float64) {
	f.Data[i+f.Dims[0]*(j+f.Dims[1]*k)] = v
}

// InBounds reports whether voxel (i,j,k) lies inside the grid.
func (f *DistanceField) InBounds(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < f.Dims[0] && j < f.Dims[1] && k < f.Dims[2]
}

// VoxelIndex maps a world position to the enclosing voxel indices.
func (f *DistanceField) VoxelIndex(p r3.Vec) (i, j, k int) {
	return int(math.Floor((p.X - f.Origin.X) / f.Spacing)),
		int(math.Floor((p.Y - f.Origin.Y) / f.Spacing)),
		int(math.Floor((p.Z - f.Origin.Z) / f.Spacing))
}

// Affine returns the voxel-to-world transform as a 4x4 matrix.
func (f *DistanceField) Affine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	a.Set(0, 0, f.Spacing)
	a.Set(1, 1, f.Spacing)
	a.Set(2, 2, f.Spacing)
	a.Set(0, 3, f.Origin.X)
	a.Set(1, 3, f.Origin.Y)
	a.Set(2, 3, f.Origin.Z)
	a.Set(3, 3, 1)
	return a
}

// InsideDepth returns a copy of the field holding max(-d, 0): the
// penetration depth inside the surface, zero outside.
func (f *DistanceField) InsideDepth() *DistanceField {
	out := &DistanceField{
		Data:    make([]float64, len(f.Data)),
		Dims:    f.Dims,
		Origin:  f.Origin,
		Spacing: f.Spacing,
	}
	for i, d := range f.Data {
		if d < 0 {
			out.Data[i] = -d
		}
	}
	return out
}

// MinDistanceOnGrid samples the signed distance of the surface on a voxel
// grid with the given spacing (mm), padded by pad voxels on every side.
// It returns the field and the surface tree used to build it.
func (m *Mesh) MinDistanceOnGrid(spacing float64, pad int) (*DistanceField, *SurfaceTree, error) {
	if spacing <= 0 {
		return nil, nil, fmt.Errorf("mesh: spacing must be > 0: %w", simnibs.ErrPrecondition)
	}
	tree, err := NewSurfaceTree(m)
	if err != nil {
		return nil, nil, err
	}
	lo, hi := m.Bounds()
	origin := r3.Vec{
		X: lo.X - float64(pad)*spacing,
		Y: lo.Y - float64(pad)*spacing,
		Z: lo.Z - float64(pad)*spacing,
	}
	dims := [3]int{
		int(math.Ceil((hi.X-origin.X)/spacing)) + pad + 1,
		int(math.Ceil((hi.Y-origin.Y)/spacing)) + pad + 1,
		int(math.Ceil((hi.Z-origin.Z)/spacing)) + pad + 1,
	}
	field := &DistanceField{
		Data:    make([]float64, dims[0]*dims[1]*dims[2]),
		Dims:    dims,
		Origin:  origin,
		Spacing: spacing,
	}
	for k := 0; k < dims[2]; k++ {
		for j := 0; j < dims[1]; j++ {
			for i := 0; i < dims[0]; i++ {
				p := r3.Vec{
					X: origin.X + (float64(i)+0.5)*spacing,
					Y: origin.Y + (float64(j)+0.5)*spacing,
					Z: origin.Z + (float64(k)+0.5)*spacing,
				}
				field.set(i, j, k, tree.SignedDistance(p))
			}
		}
	}
	return field, tree, nil
}
