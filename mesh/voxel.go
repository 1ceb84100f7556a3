package mesh

import (
	"fmt"

	"github.com/TMSKit/simnibs"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// VoxelGrid is a boolean occupancy sampling of the volume enclosed by a
// closed surface mesh, on a regular grid in the mesh's local frame.
type VoxelGrid struct {
	Occupied []bool // len = Dims[0]*Dims[1]*Dims[2], x fastest
	Dims     [3]int
	Origin   r3.Vec
	Spacing  float64

	// Inside holds the voxel indices of occupied voxels, decimated by the
	// dither stride used at construction.
	Inside [][3]int

	// FullCount is the undecimated number of occupied voxels, used to
	// compensate penalties for the decimation.
	FullCount int
}

// At reports occupancy at voxel (i,j,k) without bounds checking.
func (g *VoxelGrid) At(i, j, k int) bool {
	return g.Occupied[i+g.Dims[0]*(j+g.Dims[1]*k)]
}

// InBounds reports whether voxel (i,j,k) lies inside the grid.
func (g *VoxelGrid) InBounds(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < g.Dims[0] && j < g.Dims[1] && k < g.Dims[2]
}

// Center returns the world position of the center of voxel (i,j,k).
func (g *VoxelGrid) Center(i, j, k int) r3.Vec {
	return r3.Vec{
		X: g.Origin.X + (float64(i)+0.5)*g.Spacing,
		Y: g.Origin.Y + (float64(j)+0.5)*g.Spacing,
		Z: g.Origin.Z + (float64(k)+0.5)*g.Spacing,
	}
}

// VoxelIndex maps a local-frame position to the enclosing voxel indices.
func (g *VoxelGrid) VoxelIndex(p r3.Vec) (i, j, k int) {
	return int((p.X - g.Origin.X) / g.Spacing),
		int((p.Y - g.Origin.Y) / g.Spacing),
		int((p.Z - g.Origin.Z) / g.Spacing)
}

// Affine returns the voxel-to-local transform as a 4x4 matrix.
func (g *VoxelGrid) Affine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	a.Set(0, 0, g.Spacing)
	a.Set(1, 1, g.Spacing)
	a.Set(2, 2, g.Spacing)
	a.Set(0, 3, g.Origin.X)
	a.Set(1, 3, g.Origin.Y)
	a.Set(2, 3, g.Origin.Z)
	a.Set(3, 3, 1)
	return a
}

// VoxelVolume samples the inside of a closed surface mesh on a grid with
// the given spacing. ditherSkip > 1 keeps only every ditherSkip-th
// occupied voxel (per axis) in Inside to speed up intersection tests;
// FullCount always reflects the undecimated volume.
func (m *Mesh) VoxelVolume(spacing float64, ditherSkip int) (*VoxelGrid, error) {
	if spacing <= 0 {
		return nil, fmt.Errorf("mesh: spacing must be > 0: %w", simnibs.ErrPrecondition)
	}
	field, _, err := m.MinDistanceOnGrid(spacing, 1)
	if err != nil {
		return nil, err
	}
	grid := &VoxelGrid{
		Occupied: make([]bool, len(field.Data)),
		Dims:     field.Dims,
		Origin:   field.Origin,
		Spacing:  field.Spacing,
	}
	for k := 0; k < grid.Dims[2]; k++ {
		for j := 0; j < grid.Dims[1]; j++ {
			for i := 0; i < grid.Dims[0]; i++ {
				if field.At(i, j, k) > 0 {
					continue
				}
				grid.Occupied[i+grid.Dims[0]*(j+grid.Dims[1]*k)] = true
				grid.FullCount++
				if ditherSkip > 1 && (i%ditherSkip != 0 || j%ditherSkip != 0 || k%ditherSkip != 0) {
					continue
				}
				grid.Inside = append(grid.Inside, [3]int{i, j, k})
			}
		}
	}
	return grid, nil
}
