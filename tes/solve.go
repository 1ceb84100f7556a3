package tes

import (
	"fmt"
	"math"

	"github.com/TMSKit/simnibs"
	"gonum.org/v1/gonum/spatial/r3"
)

const solverIters = 3000

// lfRow gathers the reduced leadfield column of entity m (0-based)
// projected onto dir into out (length E-1).
func (p *Problem) lfRow(m int, dir r3.Vec, out []float64) {
	for e := range out {
		out[e] = r3.Dot(p.Leadfield.At(e, m), dir)
	}
}

// solveLinear minimizes the weighted squared deviation from the
// directional target field plus the weighted squared field magnitude
// everywhere else (avoid multipliers folded into the weights).
func (p *Problem) solveLinear(pl *plan, b *bounds) ([]float64, error) {
	n := p.Leadfield.NumElectrodes - 1
	form := newQuadForm(n)

	inTarget := make(map[int]int) // entity -> target index position
	for ti, t := range pl.targets {
		for _, m := range t.idx {
			if _, ok := inTarget[m]; !ok {
				inTarget[m] = ti
			}
		}
	}

	row := make([]float64, n)
	for m := 0; m < p.Leadfield.M; m++ {
		w := pl.weights[m]
		if w == 0 {
			continue
		}
		if ti, ok := inTarget[m]; ok {
			t := pl.targets[ti]
			var dir r3.Vec
			for i, idx := range t.idx {
				if idx == m {
					dir = t.dirs[i]
					break
				}
			}
			p.lfRow(m, dir, row)
			form.addRow(row, t.intensity, w)
			continue
		}
		// Field energy outside the targets, one row per component.
		p.lfRow(m, r3.Vec{X: 1}, row)
		form.addRow(row, 0, w)
		p.lfRow(m, r3.Vec{Y: 1}, row)
		form.addRow(row, 0, w)
		p.lfRow(m, r3.Vec{Z: 1}, row)
		form.addRow(row, 0, w)
	}

	x0 := make([]float64, p.Leadfield.NumElectrodes)
	return projectedGradient(form.objective(), b, x0, solverIters)
}

// solveNorm minimizes total current subject to each target's weighted mean
// field magnitude reaching its intensity, via penalty continuation.
func (p *Problem) solveNorm(pl *plan, b *bounds) ([]float64, error) {
	n := p.Leadfield.NumElectrodes - 1

	obj := func(mu float64) objectiveFunc {
		return func(c []float64, grad []float64) float64 {
			x := c[1:]
			f := 0.0
			if grad != nil {
				for i := range grad {
					grad[i] = 0
				}
			}
			for i, v := range x {
				f += v * v
				if grad != nil {
					grad[i+1] += 2 * v
				}
			}
			for _, t := range pl.targets {
				totW := 0.0
				mean := 0.0
				norms := make([]float64, len(t.idx))
				fields := make([]r3.Vec, len(t.idx))
				for i, m := range t.idx {
					var e r3.Vec
					for j := 0; j < n; j++ {
						e = r3.Add(e, r3.Scale(x[j], p.Leadfield.At(j, m)))
					}
					fields[i] = e
					norms[i] = r3.Norm(e)
					mean += t.weights[i] * norms[i]
					totW += t.weights[i]
				}
				mean /= totW
				gap := t.intensity - mean
				if gap <= 0 {
					continue
				}
				f += mu * gap * gap
				if grad != nil {
					for i, m := range t.idx {
						if norms[i] < 1e-14 {
							continue
						}
						scale := -2 * mu * gap * t.weights[i] / (totW * norms[i])
						for j := 0; j < n; j++ {
							grad[j+1] += scale * r3.Dot(fields[i], p.Leadfield.At(j, m))
						}
					}
				}
			}
			return f
		}
	}

	c := make([]float64, p.Leadfield.NumElectrodes)
	var err error
	for mu := 1.0; mu <= 1e6; mu *= 10 {
		c, err = projectedGradient(obj(mu), b, c, solverIters)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// solveAngle handles the single angle-constrained target: the linear
// objective plus a penalty-continuation enforcement of the second-order
// cone bound on the angle between the field and the target direction.
func (p *Problem) solveAngle(pl *plan, b *bounds) ([]float64, error) {
	if len(pl.targets) != 1 {
		return nil, fmt.Errorf("tes: angle variant needs exactly one target: %w", simnibs.ErrUnsupported)
	}
	t := pl.targets[0]
	if t.maxAngle <= 0 {
		return nil, fmt.Errorf("tes: max angle must be > 0: %w", simnibs.ErrPrecondition)
	}
	n := p.Leadfield.NumElectrodes - 1
	tanA := math.Tan(t.maxAngle * math.Pi / 180)

	inTarget := make(map[int]r3.Vec, len(t.idx))
	for i, m := range t.idx {
		inTarget[m] = t.dirs[i]
	}

	obj := func(mu float64) objectiveFunc {
		return func(c []float64, grad []float64) float64 {
			x := c[1:]
			if grad != nil {
				for i := range grad {
					grad[i] = 0
				}
			}
			f := 0.0
			for m := 0; m < p.Leadfield.M; m++ {
				w := pl.weights[m]
				if w == 0 {
					continue
				}
				var e r3.Vec
				for j := 0; j < n; j++ {
					e = r3.Add(e, r3.Scale(x[j], p.Leadfield.At(j, m)))
				}
				dir, isTarget := inTarget[m]
				if !isTarget {
					f += w * r3.Norm2(e)
					if grad != nil {
						for j := 0; j < n; j++ {
							grad[j+1] += 2 * w * r3.Dot(e, p.Leadfield.At(j, m))
						}
					}
					continue
				}
				comp := r3.Dot(e, dir)
				dev := comp - t.intensity
				f += w * dev * dev
				if grad != nil {
					for j := 0; j < n; j++ {
						grad[j+1] += 2 * w * dev * r3.Dot(dir, p.Leadfield.At(j, m))
					}
				}
				// Cone violation: ||e_perp|| <= tan(angle) * (e . dir).
				perp := r3.Sub(e, r3.Scale(comp, dir))
				pn := r3.Norm(perp)
				h := pn - tanA*comp
				if h <= 0 {
					continue
				}
				f += mu * w * h * h
				if grad != nil && pn > 1e-14 {
					for j := 0; j < n; j++ {
						lj := p.Leadfield.At(j, m)
						dcomp := r3.Dot(dir, lj)
						dperp := r3.Dot(perp, r3.Sub(lj, r3.Scale(dcomp, dir))) / pn
						grad[j+1] += 2 * mu * w * h * (dperp - tanA*dcomp)
					}
				}
			}
			return f
		}
	}

	c := make([]float64, p.Leadfield.NumElectrodes)
	var err error
	for mu := 1.0; mu <= 1e6; mu *= 10 {
		c, err = projectedGradient(obj(mu), b, c, solverIters)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// solveElecConstrained prunes the weakest active electrode and re-solves
// until at most limit electrodes (reference included) carry current.
// Greedy, feasible by construction; no global optimality claim.
func solveElecConstrained(solve func(*bounds) ([]float64, error), b *bounds, limit int) ([]float64, error) {
	work := b.clone()
	for {
		c, err := solve(work)
		if err != nil {
			return nil, err
		}
		active := 0
		weakest := -1
		weakestAbs := math.Inf(1)
		for i, v := range c {
			if math.Abs(v) <= activeTol {
				continue
			}
			active++
			// The reference electrode balances the rest; prune only
			// the free electrodes.
			if i == 0 {
				continue
			}
			if a := math.Abs(v); a < weakestAbs {
				weakestAbs, weakest = a, i
			}
		}
		if active <= limit {
			return c, nil
		}
		if weakest < 0 {
			return nil, fmt.Errorf("tes: cannot reduce active electrodes below %d: %w",
				active, simnibs.ErrNumerical)
		}
		work.forceZero(weakest)
	}
}
