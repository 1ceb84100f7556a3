// Package direct implements the DIRECT (DIviding RECTangles) global
// optimizer of Jones, Perttunen and Stuckman for box-constrained problems
// whose objectives are expensive and gradient-free, plus a local polish
// step. The search is the globally unbiased variant: potentially optimal
// rectangles are selected from the lower convex hull over all scales, so
// the method keeps exploring large unexplored regions instead of
// clustering around the incumbent.
package direct

import (
	"fmt"
	"math"
	"sort"

	"github.com/TMSKit/simnibs"
	"gonum.org/v1/gonum/optimize"
)

// Options controls the search budget and hull selection.
type Options struct {
	// MaxEvaluations bounds the number of objective calls. Zero means
	// DefaultMaxEvaluations.
	MaxEvaluations int
	// MaxIterations bounds the number of division rounds. Zero means no
	// bound beyond MaxEvaluations.
	MaxIterations int
	// Epsilon is the minimum relative improvement a rectangle must
	// promise to be divided. Zero means DefaultEpsilon.
	Epsilon float64
}

const (
	DefaultMaxEvaluations = 2000
	DefaultEpsilon        = 1e-4
)

// Result holds the best point found and the evaluation count spent.
type Result struct {
	X           []float64
	F           float64
	Evaluations int
}

// rect is a hyperrectangle in the unit cube, tracked by its center and
// per-dimension third-splitting levels.
type rect struct {
	center []float64
	levels []int
	f      float64
	size   float64
}

func (r *rect) measure() float64 {
	var s float64
	for _, l := range r.levels {
		h := 0.5 * math.Pow(3, -float64(l))
		s += h * h
	}
	return math.Sqrt(s)
}

// Minimize searches for the minimum of f over the box [lower, upper].
func Minimize(f func([]float64) float64, lower, upper []float64, opts Options) (*Result, error) {
	n := len(lower)
	if n == 0 || len(upper) != n {
		return nil, fmt.Errorf("direct: bounds must be non-empty and equal length: %w", simnibs.ErrPrecondition)
	}
	for i := range lower {
		if !(upper[i] > lower[i]) {
			return nil, fmt.Errorf("direct: upper bound must exceed lower bound in dimension %d: %w",
				i, simnibs.ErrPrecondition)
		}
	}
	maxEval := opts.MaxEvaluations
	if maxEval <= 0 {
		maxEval = DefaultMaxEvaluations
	}
	eps := opts.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}

	evals := 0
	eval := func(unit []float64) float64 {
		x := make([]float64, n)
		for i := range x {
			x[i] = lower[i] + unit[i]*(upper[i]-lower[i])
		}
		evals++
		v := f(x)
		if math.IsNaN(v) {
			v = math.Inf(1)
		}
		return v
	}

	first := &rect{center: make([]float64, n), levels: make([]int, n)}
	for i := range first.center {
		first.center[i] = 0.5
	}
	first.f = eval(first.center)
	first.size = first.measure()

	rects := []*rect{first}
	best := first

	for it := 0; evals < maxEval; it++ {
		if opts.MaxIterations > 0 && it >= opts.MaxIterations {
			break
		}
		selected := potentiallyOptimal(rects, best.f, eps)
		if len(selected) == 0 {
			break
		}
		progressed := false
		for _, si := range selected {
			if evals >= maxEval {
				break
			}
			children := divide(rects[si], eval)
			if len(children) == 0 {
				continue
			}
			progressed = true
			rects = append(rects, children...)
			for _, c := range children {
				if c.f < best.f {
					best = c
				}
			}
		}
		if !progressed {
			break
		}
	}

	x := make([]float64, n)
	for i := range x {
		x[i] = lower[i] + best.center[i]*(upper[i]-lower[i])
	}
	return &Result{X: x, F: best.f, Evaluations: evals}, nil
}

// potentiallyOptimal returns the indices of rectangles on the lower convex
// hull of (size, f), filtered by the epsilon improvement condition.
func potentiallyOptimal(rects []*rect, fmin, eps float64) []int {
	// Best rectangle per distinct size.
	bySize := map[float64]int{}
	for i, r := range rects {
		if j, ok := bySize[r.size]; !ok || r.f < rects[j].f {
			bySize[r.size] = i
		}
	}
	cand := make([]int, 0, len(bySize))
	for _, i := range bySize {
		cand = append(cand, i)
	}
	sort.Slice(cand, func(a, b int) bool { return rects[cand[a]].size < rects[cand[b]].size })

	// Lower convex hull, scanning from small to large size.
	hull := make([]int, 0, len(cand))
	for _, i := range cand {
		for len(hull) >= 2 {
			a, b := rects[hull[len(hull)-2]], rects[hull[len(hull)-1]]
			c := rects[i]
			if cross(a.size, a.f, b.size, b.f, c.size, c.f) <= 0 {
				hull = hull[:len(hull)-1]
			} else {
				break
			}
		}
		// A hull point is dominated if a smaller rectangle has lower f.
		if len(hull) > 0 && rects[hull[len(hull)-1]].f <= rects[i].f && rects[hull[len(hull)-1]].size >= rects[i].size {
			continue
		}
		hull = append(hull, i)
	}

	out := hull[:0:0]
	for k, i := range hull {
		r := rects[i]
		// Slope to the next hull point bounds the achievable improvement.
		if k+1 < len(hull) {
			nxt := rects[hull[k+1]]
			slope := (nxt.f - r.f) / (nxt.size - r.size)
			if r.f-slope*r.size > fmin-eps*math.Abs(fmin) {
				continue
			}
		}
		out = append(out, i)
	}
	if len(out) == 0 && len(hull) > 0 {
		// Always divide the largest rectangle so the search stays global.
		out = append(out, hull[len(hull)-1])
	}
	return out
}

func cross(x1, y1, x2, y2, x3, y3 float64) float64 {
	return (x2-x1)*(y3-y1) - (y2-y1)*(x3-x1)
}

type sample struct {
	dim  int
	lo   *rect
	hi   *rect
	best float64
}

// divide trisects r along its longest dimensions, sampling two new centers
// per dimension and splitting the best dimensions into the smallest
// rectangles first.
func divide(r *rect, eval func([]float64) float64) []*rect {
	minLevel := r.levels[0]
	for _, l := range r.levels {
		if l < minLevel {
			minLevel = l
		}
	}
	var samples []sample
	for d, l := range r.levels {
		if l != minLevel {
			continue
		}
		delta := math.Pow(3, -float64(l+1))
		lo := &rect{center: append([]float64(nil), r.center...), levels: append([]int(nil), r.levels...)}
		hi := &rect{center: append([]float64(nil), r.center...), levels: append([]int(nil), r.levels...)}
		lo.center[d] -= delta
		hi.center[d] += delta
		lo.f = eval(lo.center)
		hi.f = eval(hi.center)
		samples = append(samples, sample{dim: d, lo: lo, hi: hi, best: math.Min(lo.f, hi.f)})
	}
	if len(samples) == 0 {
		return nil
	}
	sort.Slice(samples, func(a, b int) bool { return samples[a].best < samples[b].best })

	// Children carved out later inherit the splits of every dimension
	// divided before them; the parent shrinks along all of them.
	out := make([]*rect, 0, 2*len(samples))
	for i, s := range samples {
		for j := 0; j <= i; j++ {
			s.lo.levels[samples[j].dim]++
			s.hi.levels[samples[j].dim]++
		}
		s.lo.size = s.lo.measure()
		s.hi.size = s.hi.measure()
		out = append(out, s.lo, s.hi)
		r.levels[s.dim]++
	}
	r.size = r.measure()
	return out
}

// Polish refines x with a box-clamped Nelder-Mead local search, spending at
// most maxEval objective calls. It returns the better of x and the refined
// point.
func Polish(f func([]float64) float64, lower, upper, x []float64, maxEval int) (*Result, error) {
	n := len(x)
	if len(lower) != n || len(upper) != n {
		return nil, fmt.Errorf("direct: bounds must match the point length: %w", simnibs.ErrPrecondition)
	}
	if maxEval <= 0 {
		maxEval = 100 * n
	}
	evals := 0
	clamped := func(p []float64) float64 {
		q := make([]float64, n)
		for i := range q {
			q[i] = math.Max(lower[i], math.Min(upper[i], p[i]))
		}
		evals++
		v := f(q)
		if math.IsNaN(v) {
			return math.Inf(1)
		}
		return v
	}

	problem := optimize.Problem{Func: clamped}
	settings := &optimize.Settings{FuncEvaluations: maxEval}
	res, err := optimize.Minimize(problem, append([]float64(nil), x...), settings, &optimize.NelderMead{})
	f0 := f(x)
	if err != nil || res == nil || res.F >= f0 {
		return &Result{X: append([]float64(nil), x...), F: f0, Evaluations: evals}, nil
	}
	for i := range res.X {
		res.X[i] = math.Max(lower[i], math.Min(upper[i], res.X[i]))
	}
	return &Result{X: res.X, F: res.F, Evaluations: evals}, nil
}
