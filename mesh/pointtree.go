package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// PointTree is a k-d tree over a fixed point set that answers nearest and
// ball queries with indices into the original slice.
type PointTree struct {
	tree *kdtree.Tree
	pts  []r3.Vec
}

type treePoint struct {
	pos r3.Vec
	idx int
}

func (p treePoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.pos.X
	case 1:
		return p.pos.Y
	default:
		return p.pos.Z
	}
}

func (p treePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(treePoint)
	return p.coord(d) - q.coord(d)
}

func (p treePoint) Dims() int { return 3 }

func (p treePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(treePoint)
	return r3.Norm2(r3.Sub(p.pos, q.pos))
}

type treePoints []treePoint

func (p treePoints) Index(i int) kdtree.Comparable { return p[i] }
func (p treePoints) Len() int                      { return len(p) }
func (p treePoints) Pivot(d kdtree.Dim) int {
	return treePlane{Dim: d, treePoints: p}.Pivot()
}
func (p treePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type treePlane struct {
	kdtree.Dim
	treePoints
}

func (p treePlane) Less(i, j int) bool {
	return p.treePoints[i].coord(p.Dim) < p.treePoints[j].coord(p.Dim)
}
func (p treePlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p treePlane) Slice(start, end int) kdtree.SortSlicer {
	p.treePoints = p.treePoints[start:end]
	return p
}
func (p treePlane) Swap(i, j int) {
	p.treePoints[i], p.treePoints[j] = p.treePoints[j], p.treePoints[i]
}

// NewPointTree builds a k-d tree over pts. The slice is not retained
// beyond what the queries need; indices returned by queries refer to pts.
func NewPointTree(pts []r3.Vec) *PointTree {
	data := make(treePoints, len(pts))
	for i, p := range pts {
		data[i] = treePoint{pos: p, idx: i}
	}
	return &PointTree{tree: kdtree.New(data, false), pts: pts}
}

// Nearest returns the index of the point closest to q and the Euclidean
// distance to it.
func (t *PointTree) Nearest(q r3.Vec) (idx int, dist float64) {
	got, d2 := t.tree.Nearest(treePoint{pos: q})
	return got.(treePoint).idx, math.Sqrt(d2)
}

// InBall returns the indices of all points within radius of center.
func (t *PointTree) InBall(center r3.Vec, radius float64) []int {
	keep := kdtree.NewDistKeeper(radius * radius)
	t.tree.NearestSet(keep, treePoint{pos: center})
	var out []int
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, cd.Comparable.(treePoint).idx)
	}
	return out
}
