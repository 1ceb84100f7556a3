package coil

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity returns a 4x4 identity affine.
func Identity() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		a.Set(i, i, 1)
	}
	return a
}

func mulAffine(a, b *mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Mul(a, b)
	return out
}

func invAffine(a *mat.Dense) (*mat.Dense, error) {
	var out mat.Dense
	if err := out.Inverse(a); err != nil {
		return nil, err
	}
	return &out, nil
}

func applyAffine(a *mat.Dense, p r3.Vec) r3.Vec {
	return r3.Vec{
		X: a.At(0, 0)*p.X + a.At(0, 1)*p.Y + a.At(0, 2)*p.Z + a.At(0, 3),
		Y: a.At(1, 0)*p.X + a.At(1, 1)*p.Y + a.At(1, 2)*p.Z + a.At(1, 3),
		Z: a.At(2, 0)*p.X + a.At(2, 1)*p.Y + a.At(2, 2)*p.Z + a.At(2, 3),
	}
}

// translationMatrix builds the affine moving by dist along the given axis
// (0 = x, 1 = y, 2 = z).
func translationMatrix(axis int, dist float64) *mat.Dense {
	a := Identity()
	a.Set(axis, 3, dist)
	return a
}

// rotationMatrix builds the affine rotating by angle (degrees) about the
// axis through p1 towards p2, using Rodrigues' formula.
func rotationMatrix(p1, p2 r3.Vec, angleDeg float64) *mat.Dense {
	axis := r3.Unit(r3.Sub(p2, p1))
	rad := angleDeg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	x, y, z := axis.X, axis.Y, axis.Z
	t := 1 - c

	r := mat.NewDense(4, 4, []float64{
		t*x*x + c, t*x*y - s*z, t*x*z + s*y, 0,
		t*x*y + s*z, t*y*y + c, t*y*z - s*x, 0,
		t*x*z - s*y, t*y*z + s*x, t*z*z + c, 0,
		0, 0, 0, 1,
	})
	// Conjugate by the translation moving p1 to the origin.
	toOrigin := Identity()
	toOrigin.Set(0, 3, -p1.X)
	toOrigin.Set(1, 3, -p1.Y)
	toOrigin.Set(2, 3, -p1.Z)
	back := Identity()
	back.Set(0, 3, p1.X)
	back.Set(1, 3, p1.Y)
	back.Set(2, 3, p1.Z)
	return mulAffine(back, mulAffine(r, toOrigin))
}
