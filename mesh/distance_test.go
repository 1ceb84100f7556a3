package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// closedCube is an outward-wound 12-triangle cube spanning [0,s]^3.
func closedCube(t *testing.T, s float64) *Mesh {
	t.Helper()
	nodes := []r3.Vec{
		{}, {X: s}, {X: s, Y: s}, {Y: s},
		{Z: s}, {X: s, Z: s}, {X: s, Y: s, Z: s}, {Y: s, Z: s},
	}
	conn := [][]int{
		{0, 2, 1}, {0, 3, 2}, // bottom, -z
		{4, 5, 6}, {4, 6, 7}, // top, +z
		{0, 1, 5}, {0, 5, 4}, // front, -y
		{2, 3, 7}, {2, 7, 6}, // back, +y
		{0, 4, 7}, {0, 7, 3}, // left, -x
		{1, 2, 6}, {1, 6, 5}, // right, +x
	}
	tags := make([]int, len(conn))
	for i := range tags {
		tags[i] = 1005
	}
	m, err := New(nodes, conn, tags)
	require.NoError(t, err)
	return m
}

func TestSignedDistance(t *testing.T) {
	cube := closedCube(t, 10)
	tree, err := NewSurfaceTree(cube)
	require.NoError(t, err)

	// Center of the cube: 5 mm from every face, inside.
	assert.InDelta(t, -5.0, tree.SignedDistance(r3.Vec{X: 5, Y: 5, Z: 5}), 1e-9)

	// Outside along +x.
	assert.InDelta(t, 5.0, tree.SignedDistance(r3.Vec{X: 15, Y: 5, Z: 5}), 1e-9)

	// Near a corner the closest feature is the corner itself.
	d := tree.SignedDistance(r3.Vec{X: 12, Y: 12, Z: 12})
	assert.InDelta(t, 2*1.7320508075688772, d, 1e-9)

	// Just inside a face.
	assert.InDelta(t, -0.5, tree.SignedDistance(r3.Vec{X: 0.5, Y: 5, Z: 5}), 1e-9)

	ds := tree.MinDistance([]r3.Vec{{X: 5, Y: 5, Z: 5}, {X: 15, Y: 5, Z: 5}})
	require.Len(t, ds, 2)
	assert.Less(t, ds[0], 0.0)
	assert.Greater(t, ds[1], 0.0)
}

func TestSurfaceTreeRejectsVolume(t *testing.T) {
	tet := singleTet(t)
	_, err := NewSurfaceTree(tet)
	assert.Error(t, err)
}

func TestMinDistanceOnGrid(t *testing.T) {
	cube := closedCube(t, 10)
	field, tree, err := cube.MinDistanceOnGrid(2.0, 1)
	require.NoError(t, err)
	require.NotNil(t, tree)

	// The sampled distance at a voxel center must match the exact query.
	i, j, k := field.VoxelIndex(r3.Vec{X: 5, Y: 5, Z: 5})
	center := r3.Vec{
		X: field.Origin.X + (float64(i)+0.5)*field.Spacing,
		Y: field.Origin.Y + (float64(j)+0.5)*field.Spacing,
		Z: field.Origin.Z + (float64(k)+0.5)*field.Spacing,
	}
	assert.InDelta(t, tree.SignedDistance(center), field.At(i, j, k), 1e-9)
	assert.Less(t, field.At(i, j, k), 0.0)

	depth := field.InsideDepth()
	assert.InDelta(t, -field.At(i, j, k), depth.At(i, j, k), 1e-12)
	for _, v := range depth.Data {
		assert.GreaterOrEqual(t, v, 0.0)
	}

	// The affine maps voxel indices to world coordinates.
	aff := field.Affine()
	x := aff.At(0, 0)*float64(i) + aff.At(0, 3)
	assert.InDelta(t, field.Origin.X+float64(i)*field.Spacing, x, 1e-12)
}

func TestVoxelVolume(t *testing.T) {
	cube := closedCube(t, 10)

	full, err := cube.VoxelVolume(2.0, 1)
	require.NoError(t, err)
	assert.Greater(t, full.FullCount, 0)
	assert.Equal(t, full.FullCount, len(full.Inside))
	for _, v := range full.Inside {
		assert.True(t, full.At(v[0], v[1], v[2]))
	}

	// Dithering decimates Inside but never FullCount.
	dith, err := cube.VoxelVolume(2.0, 2)
	require.NoError(t, err)
	assert.Equal(t, full.FullCount, dith.FullCount)
	assert.Less(t, len(dith.Inside), len(full.Inside))
	assert.Greater(t, len(dith.Inside), 0)

	_, err = cube.VoxelVolume(0, 1)
	assert.Error(t, err)
}
