// Package tes solves the constrained electrode-current optimization
// problems: linear (directional least squares), norm-constrained
// (magnitude), angle-constrained, their sparse-electrode counterparts, and
// the distributed-source (ERNI) objective.
package tes

import (
	"fmt"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"github.com/TMSKit/simnibs/region"
	"gonum.org/v1/gonum/spatial/r3"
)

// Defaults for the safety bounds, in Amperes.
const (
	DefaultMaxTotalCurrent      = 2e-3
	DefaultMaxIndividualCurrent = 1e-3
)

// Problem is one current-optimization set-up. Mesh and leadfield are read
// only; each Optimize call is an independent, stateless solve.
type Problem struct {
	Mesh      *mesh.Mesh
	Leadfield *leadfield.Leadfield

	MaxTotalCurrent      float64
	MaxIndividualCurrent float64
	MaxActiveElectrodes  int // 0 = unlimited, otherwise must be >= 2

	Targets []*region.Target
	Avoids  []*region.Avoid
}

// NewProblem returns a problem with the default safety bounds.
func NewProblem(m *mesh.Mesh, lf *leadfield.Leadfield) *Problem {
	return &Problem{
		Mesh:                 m,
		Leadfield:            lf,
		MaxTotalCurrent:      DefaultMaxTotalCurrent,
		MaxIndividualCurrent: DefaultMaxIndividualCurrent,
	}
}

// variantKind tags the optimization mode. The mode is decided once during
// validation; illegal combinations are rejected there and nowhere else.
type variantKind uint8

const (
	variantLinear variantKind = iota
	variantNorm
	variantAngle
)

func (k variantKind) String() string {
	switch k {
	case variantNorm:
		return "norm-constrained"
	case variantAngle:
		return "angle-constrained"
	}
	return "linear"
}

// resolvedTarget is a target after index/direction resolution, with
// 0-based leadfield indices.
type resolvedTarget struct {
	idx       []int
	dirs      []r3.Vec // nil in norm mode
	weights   []float64
	intensity float64
	maxAngle  float64 // degrees, angle variant only
}

// plan is the validated, fully resolved solve plan.
type plan struct {
	kind    variantKind
	weights []float64 // entity weights x stacked avoid multipliers, len M
	targets []resolvedTarget
	lfKind  leadfield.Kind
}

// validate runs every precondition check and resolves all regions before
// any numerical work. It returns the tagged solve plan.
func (p *Problem) validate() (*plan, error) {
	if p.Mesh == nil {
		return nil, fmt.Errorf("tes: mesh not defined: %w", simnibs.ErrPrecondition)
	}
	if p.Leadfield == nil {
		return nil, fmt.Errorf("tes: leadfield not defined: %w", simnibs.ErrPrecondition)
	}
	if len(p.Targets) == 0 {
		return nil, fmt.Errorf("tes: no target defined: %w", simnibs.ErrPrecondition)
	}
	if p.MaxActiveElectrodes == 1 {
		return nil, fmt.Errorf("tes: max active electrodes must be at least 2: %w", simnibs.ErrPrecondition)
	}
	if p.MaxActiveElectrodes < 0 {
		return nil, fmt.Errorf("tes: max active electrodes must be >= 0: %w", simnibs.ErrPrecondition)
	}
	if p.MaxTotalCurrent <= 0 {
		return nil, fmt.Errorf("tes: max total current must be > 0: %w", simnibs.ErrPrecondition)
	}
	if p.MaxIndividualCurrent <= 0 {
		return nil, fmt.Errorf("tes: max individual current must be > 0: %w", simnibs.ErrPrecondition)
	}
	kind, err := p.Leadfield.KindFor(p.Mesh)
	if err != nil {
		return nil, err
	}

	// Mode selection, in precedence order: angle, norm, linear.
	nAngle, nNone := 0, 0
	for _, t := range p.Targets {
		if t.MaxAngle > 0 {
			nAngle++
		}
		if t.Mode == region.DirectionNone {
			nNone++
		}
	}
	var vk variantKind
	switch {
	case nAngle > 0:
		if len(p.Targets) > 1 {
			return nil, fmt.Errorf("tes: angle constraints need exactly one target: %w", simnibs.ErrUnsupported)
		}
		if p.Targets[0].Mode == region.DirectionNone {
			return nil, fmt.Errorf("tes: cannot constrain angle in magnitude optimization: %w", simnibs.ErrPrecondition)
		}
		vk = variantAngle
	case nNone > 0:
		if nNone != len(p.Targets) {
			return nil, fmt.Errorf("tes: cannot mix norm and linear constrained targets: %w", simnibs.ErrPrecondition)
		}
		for _, t := range p.Targets {
			if t.Intensity <= 0 {
				return nil, fmt.Errorf("tes: intensity must be > 0 in norm-constrained mode: %w", simnibs.ErrPrecondition)
			}
		}
		vk = variantNorm
	default:
		vk = variantLinear
	}

	weights := region.EntityWeights(p.Mesh, kind)
	for _, a := range p.Avoids {
		f, err := a.WeightField(p.Mesh, kind)
		if err != nil {
			return nil, err
		}
		for i := range weights {
			weights[i] *= f[i]
		}
	}

	pl := &plan{kind: vk, weights: weights, lfKind: kind}
	entityW := region.EntityWeights(p.Mesh, kind)
	for _, t := range p.Targets {
		idx, dirs, err := t.Resolve(p.Mesh, kind)
		if err != nil {
			return nil, err
		}
		rt := resolvedTarget{
			idx:       make([]int, len(idx)),
			dirs:      dirs,
			weights:   make([]float64, len(idx)),
			intensity: t.Intensity,
			maxAngle:  t.MaxAngle,
		}
		// 1-based mesh IDs become 0-based leadfield indices here, at the
		// leadfield boundary only.
		for i, id := range idx {
			rt.idx[i] = id - 1
			rt.weights[i] = entityW[id-1]
		}
		pl.targets = append(pl.targets, rt)
	}
	return pl, nil
}

// Optimize solves the problem and returns the full-length currents vector
// (index 0 = reference electrode). The result sums to zero within the
// leadfield tolerance and respects both current bounds.
func (p *Problem) Optimize() ([]float64, error) {
	pl, err := p.validate()
	if err != nil {
		return nil, err
	}
	b := newBounds(p.Leadfield.NumElectrodes, p.MaxTotalCurrent, p.MaxIndividualCurrent)
	var solve func(*bounds) ([]float64, error)
	switch pl.kind {
	case variantAngle:
		solve = func(b *bounds) ([]float64, error) { return p.solveAngle(pl, b) }
	case variantNorm:
		solve = func(b *bounds) ([]float64, error) { return p.solveNorm(pl, b) }
	default:
		solve = func(b *bounds) ([]float64, error) { return p.solveLinear(pl, b) }
	}
	if p.MaxActiveElectrodes == 0 {
		return solve(b)
	}
	return solveElecConstrained(solve, b, p.MaxActiveElectrodes)
}
