package tes

import (
	"fmt"
	"math"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"github.com/TMSKit/simnibs/region"
	"gonum.org/v1/gonum/spatial/r3"
)

// EyeTissueTag marks optical tissue; target values there are zeroed.
const EyeTissueTag = 1006

// DistributedProblem optimizes currents against a continuous spatial
// target (e.g. an fMRI-derived statistical map) instead of point targets,
// using the ERNI objective (error relative to no intervention).
//
// MNITransform, when set, maps mesh coordinates into the image's
// reference space before interpolation.
type DistributedProblem struct {
	Mesh      *mesh.Mesh
	Leadfield *leadfield.Leadfield

	MaxTotalCurrent      float64
	MaxIndividualCurrent float64
	MaxActiveElectrodes  int

	TargetImage  *Image
	Intensity    float64
	MinImgValue  float64
	MNITransform func(r3.Vec) r3.Vec
}

// NewDistributedProblem returns a problem with the default bounds and
// target intensity.
func NewDistributedProblem(m *mesh.Mesh, lf *leadfield.Leadfield, img *Image) *DistributedProblem {
	return &DistributedProblem{
		Mesh:                 m,
		Leadfield:            lf,
		MaxTotalCurrent:      DefaultMaxTotalCurrent,
		MaxIndividualCurrent: DefaultMaxIndividualCurrent,
		TargetImage:          img,
		Intensity:            region.DefaultIntensity,
	}
}

func (p *DistributedProblem) validate() (leadfield.Kind, error) {
	if p.Mesh == nil {
		return leadfield.Unknown, fmt.Errorf("tes: mesh not defined: %w", simnibs.ErrPrecondition)
	}
	if p.Leadfield == nil {
		return leadfield.Unknown, fmt.Errorf("tes: leadfield not defined: %w", simnibs.ErrPrecondition)
	}
	if p.TargetImage == nil {
		return leadfield.Unknown, fmt.Errorf("tes: target image not defined: %w", simnibs.ErrPrecondition)
	}
	if p.MinImgValue < 0 {
		return leadfield.Unknown, fmt.Errorf("tes: min image value must be >= 0: %w", simnibs.ErrPrecondition)
	}
	if p.MaxActiveElectrodes == 1 {
		return leadfield.Unknown, fmt.Errorf("tes: max active electrodes must be at least 2: %w", simnibs.ErrPrecondition)
	}
	if p.MaxTotalCurrent <= 0 || p.MaxIndividualCurrent <= 0 {
		return leadfield.Unknown, fmt.Errorf("tes: current bounds must be > 0: %w", simnibs.ErrPrecondition)
	}
	if p.Mesh.Kind != mesh.Tri {
		return leadfield.Unknown, fmt.Errorf("tes: distributed optimization needs surface data: %w", simnibs.ErrUnsupported)
	}
	return p.Leadfield.KindFor(p.Mesh)
}

// TargetDistribution interpolates the target image onto the mesh entities
// and returns the signed target field y (intensity-scaled) and the
// importance weights W = max(|value|, MinImgValue). Entities in eye
// tissue are zeroed; if every value falls below MinImgValue the target is
// degenerate and the call fails.
func (p *DistributedProblem) TargetDistribution() (y, W []float64, err error) {
	kind, err := p.validate()
	if err != nil {
		return nil, nil, err
	}
	var coords []r3.Vec
	if kind == leadfield.NodeBased {
		coords = p.Mesh.NodeCoords()
	} else {
		coords = p.Mesh.Barycenters()
	}

	vals := make([]float64, len(coords))
	for i, c := range coords {
		if p.MNITransform != nil {
			c = p.MNITransform(c)
		}
		vals[i] = p.TargetImage.Sample(c)
	}

	// Optical tissue exclusion.
	eyes := map[int]bool{}
	if kind == leadfield.NodeBased {
		for _, id := range p.Mesh.NodesWithTags([]int{EyeTissueTag}) {
			eyes[id-1] = true
		}
	} else {
		for _, id := range p.Mesh.ElementsWithTags([]int{EyeTissueTag}) {
			eyes[id-1] = true
		}
	}
	for i := range vals {
		if eyes[i] {
			vals[i] = 0
		}
	}

	y = make([]float64, len(vals))
	W = make([]float64, len(vals))
	anyAbove, anyNonzero := false, false
	for i, v := range vals {
		a := math.Abs(v)
		W[i] = math.Max(a, p.MinImgValue)
		if a > 0 {
			anyNonzero = true
		}
		if a >= p.MinImgValue && a > 0 {
			y[i] = v * p.Intensity
			anyAbove = true
		}
	}
	if !anyNonzero {
		return nil, nil, fmt.Errorf("tes: target image is zero everywhere on the mesh: %w", simnibs.ErrPrecondition)
	}
	if !anyAbove {
		return nil, nil, fmt.Errorf("tes: target image values are all below the minimum: %w", simnibs.ErrPrecondition)
	}
	return y, W, nil
}

// Optimize solves the distributed problem and returns the full-length
// currents vector.
func (p *DistributedProblem) Optimize() ([]float64, error) {
	kind, err := p.validate()
	if err != nil {
		return nil, err
	}
	y, W, err := p.TargetDistribution()
	if err != nil {
		return nil, err
	}
	normals, err := p.normals(kind)
	if err != nil {
		return nil, err
	}
	weights := region.EntityWeights(p.Mesh, kind)

	n := p.Leadfield.NumElectrodes - 1
	form := newQuadForm(n)
	row := make([]float64, n)
	for m := 0; m < p.Leadfield.M; m++ {
		for e := 0; e < n; e++ {
			row[e] = W[m] * r3.Dot(p.Leadfield.At(e, m), normals[m])
		}
		form.addRow(row, y[m], weights[m])
	}

	b := newBounds(p.Leadfield.NumElectrodes, p.MaxTotalCurrent, p.MaxIndividualCurrent)
	solve := func(b *bounds) ([]float64, error) {
		x0 := make([]float64, p.Leadfield.NumElectrodes)
		return projectedGradient(form.objective(), b, x0, solverIters)
	}
	if p.MaxActiveElectrodes == 0 {
		return solve(b)
	}
	return solveElecConstrained(solve, b, p.MaxActiveElectrodes)
}

// normals returns the negated outward normals per entity.
func (p *DistributedProblem) normals(kind leadfield.Kind) ([]r3.Vec, error) {
	var normals []r3.Vec
	var err error
	if kind == leadfield.NodeBased {
		normals, err = p.Mesh.NodeNormals()
	} else {
		normals, err = p.Mesh.TriangleNormals()
	}
	if err != nil {
		return nil, err
	}
	out := make([]r3.Vec, len(normals))
	for i, nv := range normals {
		out[i] = r3.Scale(-1, nv)
	}
	return out, nil
}

// ERNI computes the summary statistic: sum((y - W*e_n)^2 - y^2) scaled by
// len(y)/sum(W^2), where e_n is the normal field component.
func (p *DistributedProblem) ERNI(currents []float64) (float64, error) {
	kind, err := p.validate()
	if err != nil {
		return 0, err
	}
	y, W, err := p.TargetDistribution()
	if err != nil {
		return 0, err
	}
	normals, err := p.normals(kind)
	if err != nil {
		return 0, err
	}
	field, err := p.Leadfield.Field(currents)
	if err != nil {
		return 0, err
	}
	var erni, wsq float64
	for m := range y {
		en := r3.Dot(field[m], normals[m])
		d := y[m] - W[m]*en
		erni += d*d - y[m]*y[m]
		wsq += W[m] * W[m]
	}
	if wsq == 0 {
		return 0, fmt.Errorf("tes: degenerate weights: %w", simnibs.ErrNumerical)
	}
	return erni * float64(len(y)) / wsq, nil
}
