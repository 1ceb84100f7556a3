package coil

import (
	"math"
	"testing"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// boxMesh is an outward-wound closed box spanning lo..lo+s per axis.
func boxMesh(t *testing.T, lo r3.Vec, s float64) *mesh.Mesh {
	t.Helper()
	p := func(dx, dy, dz float64) r3.Vec {
		return r3.Vec{X: lo.X + dx*s, Y: lo.Y + dy*s, Z: lo.Z + dz*s}
	}
	nodes := []r3.Vec{
		p(0, 0, 0), p(1, 0, 0), p(1, 1, 0), p(0, 1, 0),
		p(0, 0, 1), p(1, 0, 1), p(1, 1, 1), p(0, 1, 1),
	}
	conn := [][]int{
		{0, 2, 1}, {0, 3, 2},
		{4, 5, 6}, {4, 6, 7},
		{0, 1, 5}, {0, 5, 4},
		{2, 3, 7}, {2, 7, 6},
		{0, 4, 7}, {0, 7, 3},
		{1, 2, 6}, {1, 6, 5},
	}
	tags := make([]int, len(conn))
	for i := range tags {
		tags[i] = 1
	}
	m, err := mesh.New(nodes, conn, tags)
	require.NoError(t, err)
	return m
}

func TestDeformationRange(t *testing.T) {
	_, err := NewDeformationRange(0, 5, 5)
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)

	_, err = NewDeformationRange(10, 0, 5)
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)

	r, err := NewDeformationRange(1, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Current())

	require.NoError(t, r.Set(4))
	assert.Equal(t, 4.0, r.Current())
	assert.ErrorIs(t, r.Set(6), simnibs.ErrPrecondition)
	assert.Equal(t, 4.0, r.Current())
}

func TestTranslationMatrix(t *testing.T) {
	r, err := NewDeformationRange(3, -10, 10)
	require.NoError(t, err)
	tr, err := NewTranslation(2, r)
	require.NoError(t, err)

	p := applyAffine(tr.Matrix(), r3.Vec{X: 1, Y: 2, Z: 3})
	assert.InDelta(t, 6.0, p.Z, 1e-12)
	assert.InDelta(t, 1.0, p.X, 1e-12)

	_, err = NewTranslation(3, r)
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
}

func TestRotationMatrix(t *testing.T) {
	r, err := NewDeformationRange(90, -180, 180)
	require.NoError(t, err)
	rot, err := NewRotation(r3.Vec{}, r3.Vec{Z: 1}, r)
	require.NoError(t, err)

	// 90 degrees about +z takes +x to +y.
	p := applyAffine(rot.Matrix(), r3.Vec{X: 1})
	assert.InDelta(t, 0.0, p.X, 1e-12)
	assert.InDelta(t, 1.0, p.Y, 1e-12)

	// An off-origin axis conjugates by the translation.
	rot2, err := NewRotation(r3.Vec{X: 1}, r3.Vec{X: 1, Z: 1}, r)
	require.NoError(t, err)
	p = applyAffine(rot2.Matrix(), r3.Vec{X: 1})
	assert.InDelta(t, 1.0, p.X, 1e-12)
	assert.InDelta(t, 0.0, p.Y, 1e-12)

	_, err = NewRotation(r3.Vec{X: 1}, r3.Vec{X: 1}, r)
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
}

func TestSharedRangePropagates(t *testing.T) {
	r, err := NewDeformationRange(0, -10, 10)
	require.NoError(t, err)
	t1, err := NewTranslation(2, r)
	require.NoError(t, err)
	t2, err := NewTranslation(2, r)
	require.NoError(t, err)

	e1 := &Element{Points: []r3.Vec{{}}, Deformations: []Deformation{t1}}
	e2 := &Element{Points: []r3.Vec{{}}, Deformations: []Deformation{t2}}
	c := &Coil{Elements: []*Element{e1, e2}}

	// One shared range, listed once.
	ranges := c.DeformationRanges()
	require.Len(t, ranges, 1)
	assert.Same(t, r, ranges[0])

	// A single Set moves both elements.
	require.NoError(t, r.Set(5))
	p1 := applyAffine(e1.Transform(Identity()), r3.Vec{})
	p2 := applyAffine(e2.Transform(Identity()), r3.Vec{})
	assert.InDelta(t, 5.0, p1.Z, 1e-12)
	assert.InDelta(t, 5.0, p2.Z, 1e-12)
}

func TestFreezeDeformations(t *testing.T) {
	r, err := NewDeformationRange(2, -10, 10)
	require.NoError(t, err)
	tr, err := NewTranslation(0, r)
	require.NoError(t, err)

	casing := boxMesh(t, r3.Vec{}, 1)
	e := &Element{
		Points:            []r3.Vec{{X: 1}},
		MinDistancePoints: []r3.Vec{{Y: 1}},
		Casing:            casing,
		Deformations:      []Deformation{tr},
	}
	c := &Coil{Elements: []*Element{e}}
	c.FreezeDeformations()

	assert.Nil(t, e.Deformations)
	assert.Empty(t, c.DeformationRanges())
	assert.InDelta(t, 3.0, e.Points[0].X, 1e-12)
	assert.InDelta(t, 2.0, e.MinDistancePoints[0].X, 1e-12)
	lo, _ := e.Casing.Bounds()
	assert.InDelta(t, 2.0, lo.X, 1e-12)
	// The original casing mesh is untouched.
	lo, _ = casing.Bounds()
	assert.InDelta(t, 0.0, lo.X, 1e-12)
}

func TestOptimizeUnsupportedCases(t *testing.T) {
	head := boxMesh(t, r3.Vec{}, 20)

	// No deformation ranges and no globals: rejected before any voxel
	// work.
	c := &Coil{Elements: []*Element{{Casing: boxMesh(t, r3.Vec{}, 2)}}}
	_, err := c.OptimizeDistance(head, nil, Options{})
	assert.ErrorIs(t, err, simnibs.ErrUnsupported)

	// Ranges but nothing to measure against the scalp.
	r, err := NewDeformationRange(0, -5, 5)
	require.NoError(t, err)
	tr, err := NewTranslation(2, r)
	require.NoError(t, err)
	bare := &Coil{Elements: []*Element{{Points: []r3.Vec{{}}, Deformations: []Deformation{tr}}}}
	_, err = bare.OptimizeDistance(head, nil, Options{})
	assert.ErrorIs(t, err, simnibs.ErrUnsupported)
}

func TestSelfIntersectionGroupValidation(t *testing.T) {
	head := boxMesh(t, r3.Vec{}, 20)
	r, err := NewDeformationRange(0, -5, 5)
	require.NoError(t, err)
	tr, err := NewTranslation(2, r)
	require.NoError(t, err)

	c := &Coil{
		Elements: []*Element{{
			Casing:       boxMesh(t, r3.Vec{}, 2),
			Deformations: []Deformation{tr},
		}},
		SelfIntersection: [][]int{{0, 1}}, // 0 = coil casing, which is unset
	}
	_, err = c.OptimizeDistance(head, nil, Options{})
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
}

func TestOptimizeDistanceLiftsCoil(t *testing.T) {
	head := boxMesh(t, r3.Vec{}, 20)

	// Coil casing 4 mm wide, initially penetrating 2 mm into the head
	// top. The translation range can lift it clear.
	r, err := NewDeformationRange(0, 0, 15)
	require.NoError(t, err)
	tr, err := NewTranslation(2, r)
	require.NoError(t, err)
	e := &Element{
		Casing:       boxMesh(t, r3.Vec{}, 4),
		Deformations: []Deformation{tr},
	}
	c := &Coil{Elements: []*Element{e}}

	base := translationMatrix(0, 8)
	base.Set(1, 3, 8)
	base.Set(2, 3, 18)

	res, err := c.OptimizeDistance(head, base, Options{
		Spacing:        2,
		DitherSkip:     1,
		MaxEvaluations: 120,
	})
	require.NoError(t, err)
	assert.Greater(t, res.InitialCost, 0.0)
	assert.LessOrEqual(t, res.BestCost, res.InitialCost)
	assert.Less(t, res.BestCost, res.InitialCost/2)
	require.NotNil(t, res.Affine)
	// No globals were enabled, so the returned affine is the base.
	assert.InDelta(t, 18.0, res.Affine.At(2, 3), 1e-12)
	// The winning lift is stored in the range for freezing.
	assert.Greater(t, r.Current(), 0.0)
}

func TestOptimizeDistanceTinyBudget(t *testing.T) {
	head := boxMesh(t, r3.Vec{}, 20)
	r, err := NewDeformationRange(0, 0, 15)
	require.NoError(t, err)
	tr, err := NewTranslation(2, r)
	require.NoError(t, err)
	e := &Element{
		Casing:       boxMesh(t, r3.Vec{}, 4),
		Deformations: []Deformation{tr},
	}
	c := &Coil{Elements: []*Element{e}}

	base := translationMatrix(0, 8)
	base.Set(1, 3, 8)
	base.Set(2, 3, 18)

	// A budget below 10 still gives the polish stage at least one call;
	// the total evaluation count stays near the budget instead of falling
	// back to a solver default.
	res, err := c.OptimizeDistance(head, base, Options{
		Spacing:        2,
		DitherSkip:     1,
		MaxEvaluations: 5,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.BestCost, res.InitialCost)
	assert.LessOrEqual(t, res.Evaluations, 30)
}

type fakeEvaluator struct {
	calls int
	field []float64
}

func (ev *fakeEvaluator) UpdateField(affine mat.Matrix) ([]float64, error) {
	ev.calls++
	return ev.field, nil
}

func TestOptimizeFieldMagnitude(t *testing.T) {
	head := boxMesh(t, r3.Vec{}, 20)

	r, err := NewDeformationRange(0, 0, 10)
	require.NoError(t, err)
	tr, err := NewTranslation(2, r)
	require.NoError(t, err)
	e := &Element{
		Casing:       boxMesh(t, r3.Vec{}, 4),
		Deformations: []Deformation{tr},
	}
	c := &Coil{Elements: []*Element{e}}

	base := translationMatrix(0, 8)
	base.Set(1, 3, 8)
	base.Set(2, 3, 22) // clear of the head, penalty 0

	ev := &fakeEvaluator{field: []float64{1, 3}}
	res, err := c.OptimizeFieldMagnitude(head, base, ev, Options{
		Spacing:        2,
		DitherSkip:     1,
		MaxEvaluations: 60,
	})
	require.NoError(t, err)
	assert.Greater(t, ev.calls, 1)
	assert.Equal(t, []float64{1, 3}, res.Field)
	// Penalty 0 and mean field 2: cost is the weighted field term.
	assert.InDelta(t, -fieldWeight*2.0, res.BestCost, 1e-9)

	// Nil evaluator is rejected.
	_, err = c.OptimizeFieldMagnitude(head, base, nil, Options{})
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
}

func TestFieldEvaluatorShortCircuit(t *testing.T) {
	head := boxMesh(t, r3.Vec{}, 20)

	r, err := NewDeformationRange(0, 0, 10)
	require.NoError(t, err)
	tr, err := NewTranslation(2, r)
	require.NoError(t, err)
	e := &Element{
		Casing:       boxMesh(t, r3.Vec{}, 4),
		Deformations: []Deformation{tr},
	}
	c := &Coil{Elements: []*Element{e}}

	// Deep inside the head: every pose's penalty exceeds the tiny cutoff,
	// so the only FEM call is the final one at the best pose.
	base := translationMatrix(0, 8)
	base.Set(1, 3, 8)
	base.Set(2, 3, 4)

	ev := &fakeEvaluator{field: []float64{1}}
	_, err = c.OptimizeFieldMagnitude(head, base, ev, Options{
		Spacing:             2,
		DitherSkip:          1,
		MaxEvaluations:      40,
		FEMEvaluationCutoff: 1e-9,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ev.calls)
}

func TestMathSanity(t *testing.T) {
	a := translationMatrix(0, 2)
	b := translationMatrix(1, 3)
	p := applyAffine(mulAffine(a, b), r3.Vec{})
	assert.InDelta(t, 2.0, p.X, 1e-12)
	assert.InDelta(t, 3.0, p.Y, 1e-12)

	inv, err := invAffine(a)
	require.NoError(t, err)
	q := applyAffine(inv, p)
	assert.InDelta(t, 0.0, q.X, 1e-12)
	assert.InDelta(t, 3.0, q.Y, 1e-12)

	assert.InDelta(t, 1.0, math.Abs(Identity().At(0, 0)), 1e-15)
}
