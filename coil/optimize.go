package coil

import (
	"fmt"
	"math"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/direct"
	"github.com/TMSKit/simnibs/mesh"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// FieldEvaluator computes the field magnitude per region-of-interest
// entity for a whole-coil pose, typically by running an external FEM
// solve. The call is synchronous and expensive.
type FieldEvaluator interface {
	UpdateField(affine mat.Matrix) ([]float64, error)
}

const (
	DefaultSpacing             = 1.0  // mm
	DefaultDitherSkip          = 2    // keep every 2nd occupied voxel per axis
	DefaultFEMEvaluationCutoff = 1000 // skip FEM while the penalty exceeds this

	// fieldWeight scales the mean ROI field term against the geometric
	// penalties.
	fieldWeight = 100
)

// Options tunes the pose search. A global range with min == max is
// disabled; enabled global ranges add synthetic whole-coil deformations
// that are folded into the result affine and removed afterwards.
type Options struct {
	Spacing        float64
	DitherSkip     int
	MaxEvaluations int

	GlobalTranslation [3][2]float64 // mm, per axis
	GlobalRotation    [3][2]float64 // degrees, per axis through the coil center

	FEMEvaluationCutoff float64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Spacing <= 0 {
		out.Spacing = DefaultSpacing
	}
	if out.DitherSkip <= 0 {
		out.DitherSkip = DefaultDitherSkip
	}
	if out.MaxEvaluations <= 0 {
		out.MaxEvaluations = direct.DefaultMaxEvaluations
	}
	if out.FEMEvaluationCutoff <= 0 {
		out.FEMEvaluationCutoff = DefaultFEMEvaluationCutoff
	}
	return out
}

// Result reports the pose search outcome. Affine is the supplied base
// composed with the optimized global deformations; element-level
// deformation values are left in their ranges for FreezeDeformations.
type Result struct {
	InitialCost float64
	BestCost    float64
	Affine      *mat.Dense
	Field       []float64 // per ROI entity, field variant only
	Evaluations int
}

// evalPart is one voxelized body entering the penalty: an element with a
// casing, or the coil-level casing (elem == nil).
type evalPart struct {
	elem         *Element
	grid         *mesh.VoxelGrid
	centers      []r3.Vec // local-frame centers of the dithered voxels
	ditherFactor float64
}

type poseSearch struct {
	coil *Coil
	base *mat.Dense
	opts Options

	depth *mesh.DistanceField
	tree  *mesh.SurfaceTree

	ranges  []*DeformationRange // element ranges, then globals
	globals []Deformation

	parts     []*evalPart
	partIndex map[int]int // coil element index (0 = casing) -> parts slot

	evaluator FieldEvaluator
	evalErr   error
}

func newPoseSearch(c *Coil, head *mesh.Mesh, base *mat.Dense, opts Options, ev FieldEvaluator) (*poseSearch, error) {
	opts = opts.withDefaults()
	if base == nil {
		base = Identity()
	}

	s := &poseSearch{coil: c, base: base, opts: opts, evaluator: ev, partIndex: map[int]int{}}
	s.ranges = c.DeformationRanges()
	if err := s.addGlobals(); err != nil {
		return nil, err
	}
	if len(s.ranges) == 0 {
		return nil, fmt.Errorf("coil: nothing to optimize, no deformation ranges and no global ranges: %w",
			simnibs.ErrUnsupported)
	}
	if !c.hasGeometry() {
		return nil, fmt.Errorf("coil: no casing or min-distance points anywhere on the coil: %w",
			simnibs.ErrUnsupported)
	}
	if err := c.validateGroups(); err != nil {
		return nil, err
	}

	field, tree, err := head.MinDistanceOnGrid(opts.Spacing, 1)
	if err != nil {
		return nil, err
	}
	s.depth = field.InsideDepth()
	s.tree = tree

	if c.Casing != nil {
		if err := s.addPart(0, nil, c.Casing); err != nil {
			return nil, err
		}
	}
	for i, e := range c.Elements {
		if e.Casing == nil {
			continue
		}
		if err := s.addPart(i+1, e, e.Casing); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// addGlobals appends the enabled synthetic whole-coil deformations, each
// starting at zero (or the bound closest to zero).
func (s *poseSearch) addGlobals() error {
	center := s.coil.center()
	add := func(d Deformation) {
		s.globals = append(s.globals, d)
		s.ranges = append(s.ranges, d.Range())
	}
	axes := [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}
	for axis := 0; axis < 3; axis++ {
		b := s.opts.GlobalTranslation[axis]
		if b[0] < b[1] {
			r, err := NewDeformationRange(clampf(0, b[0], b[1]), b[0], b[1])
			if err != nil {
				return err
			}
			add(&Translation{Axis: axis, R: r})
		}
	}
	for axis := 0; axis < 3; axis++ {
		b := s.opts.GlobalRotation[axis]
		if b[0] < b[1] {
			r, err := NewDeformationRange(clampf(0, b[0], b[1]), b[0], b[1])
			if err != nil {
				return err
			}
			add(&Rotation{Point1: center, Point2: r3.Add(center, axes[axis]), R: r})
		}
	}
	return nil
}

func (s *poseSearch) addPart(coilIndex int, elem *Element, casing *mesh.Mesh) error {
	grid, err := casing.VoxelVolume(s.opts.Spacing, s.opts.DitherSkip)
	if err != nil {
		return err
	}
	if len(grid.Inside) == 0 {
		return fmt.Errorf("coil: casing enclosed no voxels at spacing %g: %w",
			s.opts.Spacing, simnibs.ErrPrecondition)
	}
	centers := make([]r3.Vec, len(grid.Inside))
	for i, v := range grid.Inside {
		centers[i] = grid.Center(v[0], v[1], v[2])
	}
	s.partIndex[coilIndex] = len(s.parts)
	s.parts = append(s.parts, &evalPart{
		elem:         elem,
		grid:         grid,
		centers:      centers,
		ditherFactor: float64(grid.FullCount) / float64(len(grid.Inside)),
	})
	return nil
}

// globalAffine returns base composed with the global deformations at their
// current values.
func (s *poseSearch) globalAffine() *mat.Dense {
	out := s.base
	for _, g := range s.globals {
		out = mulAffine(out, g.Matrix())
	}
	return out
}

func (s *poseSearch) partAffine(p *evalPart, baseG *mat.Dense) *mat.Dense {
	if p.elem == nil {
		return baseG
	}
	return p.elem.Transform(baseG)
}

// penalty evaluates the geometric cost at the current range values:
// depth-weighted scalp penetration of every casing voxel, pairwise
// self-intersection volume per declared group, and the mean scalp distance
// of the min-distance points.
func (s *poseSearch) penalty() float64 {
	baseG := s.globalAffine()
	vox := s.opts.Spacing * s.opts.Spacing * s.opts.Spacing

	affines := make([]*mat.Dense, len(s.parts))
	for i, p := range s.parts {
		affines[i] = s.partAffine(p, baseG)
	}

	pen := 0.0
	for i, p := range s.parts {
		sum := 0.0
		for _, c := range p.centers {
			w := applyAffine(affines[i], c)
			vi, vj, vk := s.depth.VoxelIndex(w)
			if s.depth.InBounds(vi, vj, vk) {
				sum += s.depth.At(vi, vj, vk)
			}
		}
		// Depth (mm) times the voxel cross-section gives a depth-weighted
		// overlap volume.
		pen += p.ditherFactor * sum * s.opts.Spacing * s.opts.Spacing
	}

	for _, group := range s.coil.SelfIntersection {
		for a := 0; a < len(group); a++ {
			for b := a + 1; b < len(group); b++ {
				pa, okA := s.partIndex[group[a]]
				pb, okB := s.partIndex[group[b]]
				if !okA || !okB {
					continue
				}
				pen += s.overlap(s.parts[pa], affines[pa], s.parts[pb], affines[pb]) * vox
			}
		}
	}

	if pts := s.minDistancePoints(baseG); len(pts) > 0 {
		sum := 0.0
		for _, p := range pts {
			sum += math.Abs(s.tree.SignedDistance(p))
		}
		pen += sum / float64(len(pts))
	}
	return pen
}

// overlap counts the dithered voxels of part a that fall inside part b's
// occupancy grid, compensated for a's decimation.
func (s *poseSearch) overlap(a *evalPart, aAff *mat.Dense, b *evalPart, bAff *mat.Dense) float64 {
	bInv, err := invAffine(bAff)
	if err != nil {
		return 0
	}
	toB := mulAffine(bInv, aAff)
	count := 0
	for _, c := range a.centers {
		q := applyAffine(toB, c)
		i, j, k := b.grid.VoxelIndex(q)
		if b.grid.InBounds(i, j, k) && b.grid.At(i, j, k) {
			count++
		}
	}
	return float64(count) * a.ditherFactor
}

// minDistancePoints gathers all min-distance points in world coordinates.
func (s *poseSearch) minDistancePoints(baseG *mat.Dense) []r3.Vec {
	var out []r3.Vec
	for _, p := range s.coil.MinDistancePoints {
		out = append(out, applyAffine(baseG, p))
	}
	for _, e := range s.coil.Elements {
		if len(e.MinDistancePoints) == 0 {
			continue
		}
		aff := e.Transform(baseG)
		for _, p := range e.MinDistancePoints {
			out = append(out, applyAffine(aff, p))
		}
	}
	return out
}

// objective writes the trial vector into the ranges and evaluates the
// cost. With a field evaluator attached, poses whose geometric penalty is
// already above the cutoff skip the FEM call.
func (s *poseSearch) objective(x []float64) float64 {
	for i, r := range s.ranges {
		if err := r.Set(clampf(x[i], r.min, r.max)); err != nil {
			s.evalErr = err
			return math.Inf(1)
		}
	}
	pen := s.penalty()
	if s.evaluator == nil || pen >= s.opts.FEMEvaluationCutoff {
		return pen
	}
	field, err := s.evaluator.UpdateField(s.globalAffine())
	if err != nil {
		s.evalErr = err
		return math.Inf(1)
	}
	mean := 0.0
	for _, v := range field {
		mean += v
	}
	if len(field) > 0 {
		mean /= float64(len(field))
	}
	return pen - fieldWeight*mean
}

func (s *poseSearch) run() (*Result, error) {
	x0 := make([]float64, len(s.ranges))
	lower := make([]float64, len(s.ranges))
	upper := make([]float64, len(s.ranges))
	for i, r := range s.ranges {
		x0[i] = r.current
		lower[i] = r.min
		upper[i] = r.max
	}

	initial := s.objective(x0)
	if s.evalErr != nil {
		return nil, s.evalErr
	}

	res, err := direct.Minimize(s.objective, lower, upper, direct.Options{
		MaxEvaluations: s.opts.MaxEvaluations,
	})
	if err != nil {
		return nil, err
	}
	if s.evalErr != nil {
		return nil, s.evalErr
	}
	polishBudget := s.opts.MaxEvaluations / 10
	if polishBudget < 1 {
		polishBudget = 1
	}
	polished, err := direct.Polish(s.objective, lower, upper, res.X, polishBudget)
	if err != nil {
		return nil, err
	}
	if s.evalErr != nil {
		return nil, s.evalErr
	}

	best, bestF := polished.X, polished.F
	if initial <= bestF {
		best, bestF = x0, initial
	}
	for i, r := range s.ranges {
		if err := r.Set(best[i]); err != nil {
			return nil, err
		}
	}

	out := &Result{
		InitialCost: initial,
		BestCost:    bestF,
		Affine:      s.globalAffine(),
		Evaluations: res.Evaluations + polished.Evaluations + 1,
	}
	if s.evaluator != nil {
		field, err := s.evaluator.UpdateField(out.Affine)
		if err != nil {
			return nil, err
		}
		out.Field = field
	}
	return out, nil
}

// OptimizeDistance searches the deformation parameter box (plus any
// enabled global pose ranges) for the pose with minimal scalp penetration,
// self intersection and min-distance-point gap. The global deformations
// are folded into the returned affine; element-level deformation values
// stay in their ranges until FreezeDeformations.
func (c *Coil) OptimizeDistance(head *mesh.Mesh, base *mat.Dense, opts Options) (*Result, error) {
	s, err := newPoseSearch(c, head, base, opts, nil)
	if err != nil {
		return nil, err
	}
	return s.run()
}

// OptimizeFieldMagnitude adds a field term to the distance cost: whenever
// the geometric penalty is below the FEM evaluation cutoff, the evaluator
// runs once per trial pose and the mean ROI field magnitude (weighted by
// 100) is subtracted from the cost. Result.Field holds the magnitudes at
// the returned pose.
func (c *Coil) OptimizeFieldMagnitude(head *mesh.Mesh, base *mat.Dense, ev FieldEvaluator, opts Options) (*Result, error) {
	if ev == nil {
		return nil, fmt.Errorf("coil: field optimization needs a field evaluator: %w", simnibs.ErrPrecondition)
	}
	s, err := newPoseSearch(c, head, base, opts, ev)
	if err != nil {
		return nil, err
	}
	return s.run()
}

// center estimates the coil center from the casing, falling back to the
// element point clouds.
func (c *Coil) center() r3.Vec {
	var sum r3.Vec
	n := 0
	add := func(pts []r3.Vec) {
		for _, p := range pts {
			sum = r3.Add(sum, p)
			n++
		}
	}
	if c.Casing != nil {
		add(c.Casing.NodeCoords())
	}
	for _, e := range c.Elements {
		if e.Casing != nil {
			add(e.Casing.NodeCoords())
		}
		add(e.Points)
	}
	if n == 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/float64(n), sum)
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
