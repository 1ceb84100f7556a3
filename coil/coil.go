// Package coil models a stimulator coil as deformable elements with casing
// geometry, and optimizes the deformation parameters (plus an optional
// whole-coil pose) against a scalp surface: minimal penetration, minimal
// self intersection, close fit, and optionally maximal field in a region
// of interest through an injected field evaluator.
package coil

import (
	"fmt"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/mesh"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Element is a rigid part of the coil: a point cloud (e.g. dipole
// positions), an optional closed casing surface, optional points whose
// distance to the scalp is controlled, and the deformations that move the
// element. Deformation ranges may be shared across elements.
type Element struct {
	Name              string
	Points            []r3.Vec
	Casing            *mesh.Mesh
	MinDistancePoints []r3.Vec
	Deformations      []Deformation
}

// Transform composes the base affine with the element's deformations in
// list order: base @ d1 @ d2 @ ... @ dN.
func (e *Element) Transform(base *mat.Dense) *mat.Dense {
	out := base
	for _, d := range e.Deformations {
		out = mulAffine(out, d.Matrix())
	}
	return out
}

// freeze bakes the current deformation values into the element geometry
// and drops the deformation list.
func (e *Element) freeze() {
	if len(e.Deformations) == 0 {
		return
	}
	t := e.Transform(Identity())
	apply := func(p r3.Vec) r3.Vec { return applyAffine(t, p) }
	for i, p := range e.Points {
		e.Points[i] = apply(p)
	}
	for i, p := range e.MinDistancePoints {
		e.MinDistancePoints[i] = apply(p)
	}
	if e.Casing != nil {
		e.Casing = e.Casing.Transformed(apply)
	}
	e.Deformations = nil
}

// Coil is a set of elements plus an optional coil-level casing.
// SelfIntersection lists groups of element indices that must not overlap
// pairwise; index 0 stands for the coil-level casing, index i > 0 for
// Elements[i-1].
type Coil struct {
	Name     string
	Elements []*Element
	Casing   *mesh.Mesh

	MinDistancePoints []r3.Vec
	SelfIntersection  [][]int
}

// DeformationRanges returns the distinct ranges referenced by the coil's
// elements, in first-seen order.
func (c *Coil) DeformationRanges() []*DeformationRange {
	seen := make(map[*DeformationRange]bool)
	var out []*DeformationRange
	for _, e := range c.Elements {
		for _, d := range e.Deformations {
			if r := d.Range(); !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// FreezeDeformations bakes every element's current deformation values into
// static geometry and clears all deformation lists. The coil has no
// deformation ranges afterwards.
func (c *Coil) FreezeDeformations() {
	for _, e := range c.Elements {
		e.freeze()
	}
}

// hasGeometry reports whether anything on the coil can be measured against
// the scalp.
func (c *Coil) hasGeometry() bool {
	if c.Casing != nil || len(c.MinDistancePoints) > 0 {
		return true
	}
	for _, e := range c.Elements {
		if e.Casing != nil || len(e.MinDistancePoints) > 0 {
			return true
		}
	}
	return false
}

func (c *Coil) validateGroups() error {
	for _, group := range c.SelfIntersection {
		for _, i := range group {
			if i < 0 || i > len(c.Elements) {
				return fmt.Errorf("coil: self-intersection index %d outside [0, %d]: %w",
					i, len(c.Elements), simnibs.ErrPrecondition)
			}
			if i == 0 && c.Casing == nil {
				return fmt.Errorf("coil: self-intersection group references the coil casing but none is set: %w",
					simnibs.ErrPrecondition)
			}
			if i > 0 && c.Elements[i-1].Casing == nil {
				return fmt.Errorf("coil: self-intersection group references element %d which has no casing: %w",
					i, simnibs.ErrPrecondition)
			}
		}
	}
	return nil
}
