package tes

import (
	"fmt"
	"math"

	"github.com/TMSKit/simnibs"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Image is a 3D scalar intensity volume with a voxel-to-world affine,
// sampled by trilinear interpolation. NaNs in the data read as zero.
type Image struct {
	Data   []float64 // x fastest
	Dims   [3]int
	Affine *mat.Dense // 4x4 voxel-to-world

	inv mat.Dense // world-to-voxel, cached
}

// NewImage validates the volume dimensions and caches the world-to-voxel
// transform.
func NewImage(data []float64, dims [3]int, affine *mat.Dense) (*Image, error) {
	if len(data) != dims[0]*dims[1]*dims[2] {
		return nil, fmt.Errorf("tes: image data length %d does not match dims %v: %w",
			len(data), dims, simnibs.ErrPrecondition)
	}
	if r, c := affine.Dims(); r != 4 || c != 4 {
		return nil, fmt.Errorf("tes: image affine must be 4x4: %w", simnibs.ErrPrecondition)
	}
	img := &Image{Data: data, Dims: dims, Affine: affine}
	if err := img.inv.Inverse(affine); err != nil {
		return nil, fmt.Errorf("tes: image affine not invertible: %w", simnibs.ErrPrecondition)
	}
	return img, nil
}

func (img *Image) at(i, j, k int) float64 {
	if i < 0 || j < 0 || k < 0 || i >= img.Dims[0] || j >= img.Dims[1] || k >= img.Dims[2] {
		return 0
	}
	v := img.Data[i+img.Dims[0]*(j+img.Dims[1]*k)]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// Sample interpolates the image at world position p.
func (img *Image) Sample(p r3.Vec) float64 {
	vx := img.inv.At(0, 0)*p.X + img.inv.At(0, 1)*p.Y + img.inv.At(0, 2)*p.Z + img.inv.At(0, 3)
	vy := img.inv.At(1, 0)*p.X + img.inv.At(1, 1)*p.Y + img.inv.At(1, 2)*p.Z + img.inv.At(1, 3)
	vz := img.inv.At(2, 0)*p.X + img.inv.At(2, 1)*p.Y + img.inv.At(2, 2)*p.Z + img.inv.At(2, 3)

	i0, j0, k0 := int(math.Floor(vx)), int(math.Floor(vy)), int(math.Floor(vz))
	fx, fy, fz := vx-float64(i0), vy-float64(j0), vz-float64(k0)

	var v float64
	for di := 0; di <= 1; di++ {
		for dj := 0; dj <= 1; dj++ {
			for dk := 0; dk <= 1; dk++ {
				wx := 1 - fx
				if di == 1 {
					wx = fx
				}
				wy := 1 - fy
				if dj == 1 {
					wy = fy
				}
				wz := 1 - fz
				if dk == 1 {
					wz = fz
				}
				v += wx * wy * wz * img.at(i0+di, j0+dj, k0+dk)
			}
		}
	}
	return v
}
