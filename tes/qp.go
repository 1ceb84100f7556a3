package tes

import (
	"fmt"
	"math"
	"sort"

	"github.com/TMSKit/simnibs"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// activeTol is the current magnitude below which an electrode counts as
// inactive.
const activeTol = 1e-8

// bounds describes the convex feasible set of a full-length currents
// vector c (reference electrode at index 0):
//
//	sum(c) = 0
//	sum(|c_i|) <= 2 * maxTotal
//	|c_i| <= box[i]
//
// Forcing an electrode to zero shrinks its box entry to 0; the
// elec-constrained variants use that to prune electrodes.
type bounds struct {
	maxTotal float64
	box      []float64
}

func newBounds(numElectrodes int, maxTotal, maxIndividual float64) *bounds {
	b := &bounds{maxTotal: maxTotal, box: make([]float64, numElectrodes)}
	for i := range b.box {
		b.box[i] = maxIndividual
	}
	return b
}

func (b *bounds) clone() *bounds {
	nb := &bounds{maxTotal: b.maxTotal, box: make([]float64, len(b.box))}
	copy(nb.box, b.box)
	return nb
}

func (b *bounds) forceZero(i int) { b.box[i] = 0 }

// project replaces c with its Euclidean projection onto the feasible set,
// computed with Dykstra's alternating projection over the hyperplane, the
// l1 ball and the box.
func (b *bounds) project(c []float64) {
	n := len(c)
	pPlane := make([]float64, n)
	pBall := make([]float64, n)
	pBox := make([]float64, n)
	work := make([]float64, n)
	const iters = 200
	for it := 0; it < iters; it++ {
		prev := floats.Norm(c, 2)

		floats.AddTo(work, c, pPlane)
		projectHyperplane(work)
		for i := range c {
			pPlane[i] = c[i] + pPlane[i] - work[i]
		}
		copy(c, work)

		floats.AddTo(work, c, pBall)
		projectL1Ball(work, 2*b.maxTotal)
		for i := range c {
			pBall[i] = c[i] + pBall[i] - work[i]
		}
		copy(c, work)

		floats.AddTo(work, c, pBox)
		for i := range work {
			work[i] = clamp(work[i], -b.box[i], b.box[i])
		}
		for i := range c {
			pBox[i] = c[i] + pBox[i] - work[i]
		}
		copy(c, work)

		if it > 10 && math.Abs(floats.Norm(c, 2)-prev) < 1e-14 {
			break
		}
	}
	// Final cleanup so the invariants hold exactly to tolerance. The zero
	// sum is restored over the unpinned coordinates only, keeping forced
	// zeros and saturated boxes intact.
	for i := range c {
		c[i] = clamp(c[i], -b.box[i], b.box[i])
	}
	for it := 0; it < 50; it++ {
		sum := floats.Sum(c)
		if math.Abs(sum) < 1e-12 {
			break
		}
		free := 0
		for i := range c {
			if b.box[i] > 0 {
				free++
			}
		}
		if free == 0 {
			break
		}
		shift := sum / float64(free)
		for i := range c {
			if b.box[i] > 0 {
				c[i] = clamp(c[i]-shift, -b.box[i], b.box[i])
			}
		}
	}
}

// projectHyperplane projects onto sum(c) = 0; subtracting the mean is the
// exact Euclidean projection.
func projectHyperplane(c []float64) {
	shift := floats.Sum(c) / float64(len(c))
	for i := range c {
		c[i] -= shift
	}
}

// projectL1Ball projects c onto the l1 ball of the given radius
// (Duchi et al. 2008, sort-based).
func projectL1Ball(c []float64, radius float64) {
	l1 := 0.0
	for _, v := range c {
		l1 += math.Abs(v)
	}
	if l1 <= radius {
		return
	}
	abs := make([]float64, len(c))
	for i, v := range c {
		abs[i] = math.Abs(v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(abs)))
	var cum, theta float64
	for i, v := range abs {
		cum += v
		t := (cum - radius) / float64(i+1)
		if v-t <= 0 {
			break
		}
		theta = t
	}
	for i, v := range c {
		a := math.Abs(v) - theta
		if a < 0 {
			a = 0
		}
		if v < 0 {
			a = -a
		}
		c[i] = a
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// objectiveFunc evaluates the objective at the full-length currents c and,
// when grad is non-nil, writes the gradient into it.
type objectiveFunc func(c []float64, grad []float64) float64

// projectedGradient minimizes obj over the feasible set with monotone
// projected gradient descent and Armijo backtracking. x0 is projected
// first and overwritten with the solution.
func projectedGradient(obj objectiveFunc, b *bounds, x0 []float64, maxIters int) ([]float64, error) {
	n := len(x0)
	c := make([]float64, n)
	copy(c, x0)
	b.project(c)

	grad := make([]float64, n)
	trial := make([]float64, n)
	step := 1.0
	f := obj(c, grad)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("tes: objective not finite at start: %w", simnibs.ErrNumerical)
	}
	for it := 0; it < maxIters; it++ {
		gn := floats.Norm(grad, 2)
		if gn < 1e-14 {
			break
		}
		accepted := false
		for ls := 0; ls < 40; ls++ {
			for i := range trial {
				trial[i] = c[i] - step*grad[i]
			}
			b.project(trial)
			ft := obj(trial, nil)
			if ft <= f {
				moved := 0.0
				for i := range c {
					d := trial[i] - c[i]
					moved += d * d
				}
				copy(c, trial)
				f = obj(c, grad)
				accepted = true
				step *= 1.3
				if math.Sqrt(moved) < 1e-12 {
					return c, nil
				}
				break
			}
			step *= 0.5
		}
		if !accepted {
			break
		}
	}
	return c, nil
}

// quadForm is the quadratic objective x^T Q x - 2 b^T x over the reduced
// currents x = c[1:] (the reference row does not enter the field).
type quadForm struct {
	Q *mat.SymDense
	b []float64
}

func newQuadForm(n int) *quadForm {
	return &quadForm{Q: mat.NewSymDense(n, nil), b: make([]float64, n)}
}

// addRow accumulates weight * (a^T x - target)^2.
func (q *quadForm) addRow(a []float64, target, weight float64) {
	q.Q.SymRankOne(q.Q, weight, mat.NewVecDense(len(a), a))
	if target != 0 {
		floats.AddScaled(q.b, weight*target, a)
	}
}

// objective returns the objectiveFunc of the accumulated form, expressed
// over full-length currents.
func (q *quadForm) objective() objectiveFunc {
	n := len(q.b)
	qx := make([]float64, n)
	return func(c []float64, grad []float64) float64 {
		x := c[1:]
		xv := mat.NewVecDense(n, x)
		qv := mat.NewVecDense(n, qx)
		qv.MulVec(q.Q, xv)
		f := floats.Dot(qx, x) - 2*floats.Dot(q.b, x)
		if grad != nil {
			grad[0] = 0
			for i := 0; i < n; i++ {
				grad[i+1] = 2 * (qx[i] - q.b[i])
			}
		}
		return f
	}
}
