package acquire

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// Portfolio hedges over several acquisition functions, choosing one per
// batch point with probability proportional to the exponentiated cumulative
// reward of each function. Experimental; the core sampler uses it only when
// explicitly enabled, through this minimal choose/update interface.
type Portfolio struct {
	funcs []Func
	eta   float64
	gains []float64
}

// NewPortfolio builds a hedge over funcs with learning rate eta (zero means
// 0.1). It panics when funcs is empty.
func NewPortfolio(funcs []Func, eta float64) *Portfolio {
	if len(funcs) == 0 {
		panic("acquire: empty portfolio")
	}
	if eta <= 0 {
		eta = 0.1
	}
	return &Portfolio{
		funcs: funcs,
		eta:   eta,
		gains: make([]float64, len(funcs)),
	}
}

// Choose samples an acquisition function from the hedge distribution and
// returns its index together with the function.
func (p *Portfolio) Choose(rnd *rand.Rand) (int, Func) {
	if len(p.funcs) == 1 {
		return 0, p.funcs[0]
	}
	logw := make([]float64, len(p.gains))
	for i, g := range p.gains {
		logw[i] = p.eta * g
	}
	lse := floats.LogSumExp(logw)
	u := rnd.Float64()
	var c float64
	for i, lw := range logw {
		c += math.Exp(lw - lse)
		if u <= c {
			return i, p.funcs[i]
		}
	}
	return len(p.funcs) - 1, p.funcs[len(p.funcs)-1]
}

// Update credits the function at idx with the observed reward, typically
// the improvement of the best observed value after evaluating its pick.
func (p *Portfolio) Update(idx int, reward float64) {
	if idx < 0 || idx >= len(p.gains) {
		panic("acquire: portfolio index out of range")
	}
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		return
	}
	p.gains[idx] += reward
}

// Weights returns the current hedge probabilities, mainly for diagnostics.
func (p *Portfolio) Weights() []float64 {
	logw := make([]float64, len(p.gains))
	for i, g := range p.gains {
		logw[i] = p.eta * g
	}
	lse := floats.LogSumExp(logw)
	w := make([]float64, len(logw))
	for i, lw := range logw {
		w[i] = math.Exp(lw - lse)
	}
	return w
}
