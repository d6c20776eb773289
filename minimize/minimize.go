// Package minimize provides the generic local optimizer used by both the
// variational fit and the acquisition maximization: a box-bounded multistart
// wrapper around gonum's Nelder-Mead. Restarts share no state and run in
// parallel; the results combine by a final argmin reduction.
package minimize

import (
	"errors"
	"math"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/optimize"
)

// Bound is the closed interval allowed for one optimization variable.
type Bound struct {
	Lower, Upper float64
}

// Objective is a deterministic function to be minimized.
type Objective func(x []float64) float64

// Result is the best point found and its objective value.
type Result struct {
	X []float64
	F float64
}

// Optimizer is the generic multistart local-optimizer contract.
type Optimizer interface {
	// Minimize runs one local search per start and returns the best local
	// optimum. bounds may be nil for an unconstrained search.
	Minimize(obj Objective, starts [][]float64, bounds []Bound) (Result, error)
}

// MultiStart is the default Optimizer: parallel Nelder-Mead restarts with a
// quadratic penalty outside the bounds.
type MultiStart struct {
	// MaxIter caps the iterations of each restart. Zero means 250.
	MaxIter int
	// Concurrency bounds the parallel restarts. Zero means 4.
	Concurrency int
}

// Minimize implements Optimizer.
func (ms MultiStart) Minimize(obj Objective, starts [][]float64, bounds []Bound) (Result, error) {
	if len(starts) == 0 {
		return Result{}, errors.New("minimize: no starting points")
	}
	maxIter := ms.MaxIter
	if maxIter <= 0 {
		maxIter = 250
	}
	conc := ms.Concurrency
	if conc <= 0 {
		conc = 4
	}

	wrapped := func(x []float64) float64 {
		f := obj(x) + boxPenalty(x, bounds)
		if math.IsNaN(f) {
			return math.Inf(1)
		}
		return f
	}

	// Results land in submission order so the reduction is deterministic.
	results := make([]Result, len(starts))
	p := pool.New().WithMaxGoroutines(conc)
	for i, start := range starts {
		i := i
		start := append([]float64(nil), start...)
		p.Go(func() {
			prob := optimize.Problem{Func: wrapped}
			settings := &optimize.Settings{MajorIterations: maxIter}
			r, _ := optimize.Minimize(prob, start, settings, &optimize.NelderMead{})
			if r == nil || len(r.X) == 0 {
				results[i] = Result{X: start, F: wrapped(start)}
				return
			}
			x := clampToBounds(r.X, bounds)
			results[i] = Result{X: x, F: obj(x)}
		})
	}
	p.Wait()

	best := results[0]
	for _, r := range results[1:] {
		if r.F < best.F {
			best = r
		}
	}
	if math.IsInf(best.F, 1) || math.IsNaN(best.F) {
		return best, errors.New("minimize: no finite optimum found")
	}
	return best, nil
}

func boxPenalty(x []float64, bounds []Bound) float64 {
	if bounds == nil {
		return 0
	}
	var pen float64
	for i, b := range bounds {
		if x[i] < b.Lower {
			d := b.Lower - x[i]
			pen += 1e6 * d * d
		} else if x[i] > b.Upper {
			d := x[i] - b.Upper
			pen += 1e6 * d * d
		}
	}
	return pen
}

func clampToBounds(x []float64, bounds []Bound) []float64 {
	out := append([]float64(nil), x...)
	if bounds == nil {
		return out
	}
	for i, b := range bounds {
		if out[i] < b.Lower {
			out[i] = b.Lower
		}
		if out[i] > b.Upper {
			out[i] = b.Upper
		}
	}
	return out
}
