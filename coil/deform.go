package coil

import (
	"fmt"

	"github.com/TMSKit/simnibs"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DeformationRange is a bounded scalar deformation parameter. The value is
// owned here exactly once; every deformation referencing the range sees
// updates immediately. Not safe for concurrent mutation.
type DeformationRange struct {
	min, max float64
	current  float64
}

// NewDeformationRange validates the bounds and the initial value.
func NewDeformationRange(initial, min, max float64) (*DeformationRange, error) {
	if min >= max {
		return nil, fmt.Errorf("coil: deformation range [%g, %g] is empty: %w",
			min, max, simnibs.ErrPrecondition)
	}
	r := &DeformationRange{min: min, max: max}
	if err := r.Set(initial); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *DeformationRange) Min() float64     { return r.min }
func (r *DeformationRange) Max() float64     { return r.max }
func (r *DeformationRange) Current() float64 { return r.current }

// Set writes a new current value, rejecting values outside the bounds.
func (r *DeformationRange) Set(v float64) error {
	if v < r.min || v > r.max {
		return fmt.Errorf("coil: value %g outside deformation range [%g, %g]: %w",
			v, r.min, r.max, simnibs.ErrPrecondition)
	}
	r.current = v
	return nil
}

// Deformation is a rigid transform driven by a deformation range's current
// value.
type Deformation interface {
	Range() *DeformationRange
	// Matrix returns the 4x4 affine of the deformation at the range's
	// current value.
	Matrix() *mat.Dense
}

// Translation moves along a coordinate axis by the range's current value
// (mm).
type Translation struct {
	Axis int // 0 = x, 1 = y, 2 = z
	R    *DeformationRange
}

func NewTranslation(axis int, r *DeformationRange) (*Translation, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("coil: translation axis must be 0, 1 or 2: %w", simnibs.ErrPrecondition)
	}
	if r == nil {
		return nil, fmt.Errorf("coil: translation needs a deformation range: %w", simnibs.ErrPrecondition)
	}
	return &Translation{Axis: axis, R: r}, nil
}

func (t *Translation) Range() *DeformationRange { return t.R }
func (t *Translation) Matrix() *mat.Dense       { return translationMatrix(t.Axis, t.R.current) }

// Rotation turns about the axis from Point1 towards Point2 by the range's
// current value (degrees).
type Rotation struct {
	Point1, Point2 r3.Vec
	R              *DeformationRange
}

func NewRotation(p1, p2 r3.Vec, r *DeformationRange) (*Rotation, error) {
	if r3.Norm(r3.Sub(p2, p1)) < 1e-12 {
		return nil, fmt.Errorf("coil: rotation axis points coincide: %w", simnibs.ErrPrecondition)
	}
	if r == nil {
		return nil, fmt.Errorf("coil: rotation needs a deformation range: %w", simnibs.ErrPrecondition)
	}
	return &Rotation{Point1: p1, Point2: p2, R: r}, nil
}

func (r *Rotation) Range() *DeformationRange { return r.R }
func (r *Rotation) Matrix() *mat.Dense       { return rotationMatrix(r.Point1, r.Point2, r.R.current) }
