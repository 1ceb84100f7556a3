package tes

import (
	"math"
	"testing"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// constantImage covers [0,n]^3 with a uniform value.
func constantImage(t *testing.T, n int, value float64) *Image {
	t.Helper()
	dims := [3]int{n + 1, n + 1, n + 1}
	data := make([]float64, dims[0]*dims[1]*dims[2])
	for i := range data {
		data[i] = value
	}
	img, err := NewImage(data, dims, identityAffine())
	require.NoError(t, err)
	return img
}

func identityAffine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		a.Set(i, i, 1)
	}
	return a
}

func TestImageSample(t *testing.T) {
	img := constantImage(t, 4, 2.5)
	assert.InDelta(t, 2.5, img.Sample(r3.Vec{X: 1.5, Y: 2, Z: 0.25}), 1e-12)

	// Far outside the volume the zero padding dominates.
	assert.InDelta(t, 0.0, img.Sample(r3.Vec{X: 100}), 1e-12)

	// NaN voxels read as zero.
	img.Data[0] = math.NaN()
	v := img.Sample(r3.Vec{X: 0, Y: 0, Z: 0})
	assert.False(t, math.IsNaN(v))

	_, err := NewImage(make([]float64, 3), [3]int{2, 2, 2}, identityAffine())
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
}

func TestTargetDistribution(t *testing.T) {
	m := gridSurface(t, 5) // nodes span [0,4]^2 at z=0
	lf := syntheticLeadfield(t, m, 3)
	img := constantImage(t, 4, 1.0)

	p := NewDistributedProblem(m, lf, img)
	y, W, err := p.TargetDistribution()
	require.NoError(t, err)
	require.Len(t, y, m.NodeCount())
	for i := range y {
		assert.InDelta(t, p.Intensity, y[i], 1e-9)
		assert.InDelta(t, 1.0, W[i], 1e-9)
	}
}

func TestTargetDistributionDegenerate(t *testing.T) {
	m := gridSurface(t, 5)
	lf := syntheticLeadfield(t, m, 3)
	img := constantImage(t, 4, 1.0)

	p := NewDistributedProblem(m, lf, img)
	p.MinImgValue = 2.0 // every interpolated value sits below the floor
	_, _, err := p.TargetDistribution()
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
}

func TestTargetDistributionZeroImage(t *testing.T) {
	m := gridSurface(t, 5)
	lf := syntheticLeadfield(t, m, 3)
	img := constantImage(t, 4, 0.0)

	// An identically zero map is degenerate even with a zero floor, and
	// says so instead of blaming the floor.
	p := NewDistributedProblem(m, lf, img)
	_, _, err := p.TargetDistribution()
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
	assert.ErrorContains(t, err, "zero everywhere")
}

func TestTargetDistributionEyeExclusion(t *testing.T) {
	// Rebuild the grid with one element tagged as eye tissue.
	nodes := make([]r3.Vec, 0, 9)
	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			nodes = append(nodes, r3.Vec{X: float64(i), Y: float64(j)})
		}
	}
	conn := [][]int{{0, 1, 3}, {1, 4, 3}, {1, 2, 4}, {2, 5, 4}, {3, 4, 6}, {4, 7, 6}, {4, 5, 7}, {5, 8, 7}}
	tags := []int{EyeTissueTag, 1005, 1005, 1005, 1005, 1005, 1005, 1005}
	m, err := mesh.New(nodes, conn, tags)
	require.NoError(t, err)

	lf := syntheticLeadfield(t, m, 3)
	img := constantImage(t, 2, 1.0)

	p := NewDistributedProblem(m, lf, img)
	y, _, err := p.TargetDistribution()
	require.NoError(t, err)

	// Nodes 1, 2 and 4 (1-based) belong to the eye element and are zeroed.
	assert.Equal(t, 0.0, y[0])
	assert.Equal(t, 0.0, y[1])
	assert.Equal(t, 0.0, y[3])
	assert.InDelta(t, p.Intensity, y[8], 1e-9)
}

func TestDistributedRequiresSurface(t *testing.T) {
	nodes := []r3.Vec{{}, {X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 1, Z: 1}}
	m, err := mesh.New(nodes, [][]int{{0, 1, 2, 3}, {1, 2, 3, 4}}, []int{2, 2})
	require.NoError(t, err)

	data := make([]float64, 2*2*3)
	lf, err := leadfield.FromArray(data, 3, 2, nil)
	require.NoError(t, err)

	p := NewDistributedProblem(m, lf, constantImage(t, 4, 1.0))
	_, _, err = p.TargetDistribution()
	assert.ErrorIs(t, err, simnibs.ErrUnsupported)
}

func TestDistributedOptimize(t *testing.T) {
	m := gridSurface(t, 5)
	lf := syntheticLeadfield(t, m, 4)
	img := constantImage(t, 4, 1.0)

	p := NewDistributedProblem(m, lf, img)
	currents, err := p.Optimize()
	require.NoError(t, err)

	sum, maxAbs := 0.0, 0.0
	for _, c := range currents {
		sum += c
		if a := math.Abs(c); a > maxAbs {
			maxAbs = a
		}
	}
	assert.InDelta(t, 0.0, sum, leadfield.SumTolerance)
	assert.LessOrEqual(t, maxAbs, p.MaxIndividualCurrent+1e-9)

	// Doing nothing scores zero; the optimized currents must not be worse.
	zero := make([]float64, lf.NumElectrodes)
	base, err := p.ERNI(zero)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, base, 1e-12)

	opt, err := p.ERNI(currents)
	require.NoError(t, err)
	assert.LessOrEqual(t, opt, 1e-6)
}

func TestDistributedMNITransform(t *testing.T) {
	m := gridSurface(t, 5)
	lf := syntheticLeadfield(t, m, 3)
	img := constantImage(t, 4, 1.0)

	p := NewDistributedProblem(m, lf, img)
	// Shift every query far outside the image: all values drop below any
	// positive floor.
	p.MNITransform = func(v r3.Vec) r3.Vec { return r3.Add(v, r3.Vec{X: 1000}) }
	p.MinImgValue = 0.5
	_, _, err := p.TargetDistribution()
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
}
