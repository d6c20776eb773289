// Package transform maps a box-bounded parameter space to an unconstrained
// working space. All posterior and surrogate computations happen in the
// working space; points are mapped back to the original space only at the
// target-function boundary and for reporting.
//
// The map is a per-coordinate logit rescaled so that the plausible range
// lands approximately on [-1, 1]:
//
//	z = log((x - lb) / (ub - x))
//	u = (z - mu) / delta
//
// with mu and delta derived from the transformed plausible bounds.
package transform

import (
	"errors"
	"fmt"
	"math"
)

// Transform is a fixed bijection between the original bounded space and the
// unconstrained working space. It is immutable after construction and safe
// for concurrent use.
type Transform struct {
	dim    int
	lb, ub []float64
	mu     []float64
	delta  []float64
}

// New builds a Transform for the given hard bounds (lb, ub) and plausible
// bounds (plb, pub). All slices must have the same length and satisfy
// lb < plb < pub < ub coordinate-wise, with finite hard bounds.
func New(lb, ub, plb, pub []float64) (*Transform, error) {
	d := len(lb)
	if d == 0 {
		return nil, errors.New("transform: empty bounds")
	}
	if len(ub) != d || len(plb) != d || len(pub) != d {
		return nil, errors.New("transform: bounds length mismatch")
	}
	t := &Transform{
		dim:   d,
		lb:    append([]float64(nil), lb...),
		ub:    append([]float64(nil), ub...),
		mu:    make([]float64, d),
		delta: make([]float64, d),
	}
	for i := 0; i < d; i++ {
		if math.IsInf(lb[i], 0) || math.IsInf(ub[i], 0) || math.IsNaN(lb[i]) || math.IsNaN(ub[i]) {
			return nil, fmt.Errorf("transform: non-finite hard bounds in coordinate %d", i)
		}
		if !(lb[i] < plb[i] && plb[i] < pub[i] && pub[i] < ub[i]) {
			return nil, fmt.Errorf("transform: need lb < plb < pub < ub in coordinate %d (got %g, %g, %g, %g)",
				i, lb[i], plb[i], pub[i], ub[i])
		}
		zlo := logit((plb[i] - lb[i]) / (ub[i] - lb[i]))
		zhi := logit((pub[i] - lb[i]) / (ub[i] - lb[i]))
		t.mu[i] = 0.5 * (zlo + zhi)
		t.delta[i] = 0.5 * (zhi - zlo)
	}
	return t, nil
}

// Dim returns the dimensionality of the space.
func (t *Transform) Dim() int { return t.dim }

// LB returns the hard lower bounds in the original space.
func (t *Transform) LB() []float64 { return append([]float64(nil), t.lb...) }

// UB returns the hard upper bounds in the original space.
func (t *Transform) UB() []float64 { return append([]float64(nil), t.ub...) }

// ToWorking maps a point from the original space into the working space.
// dst may be nil or a slice of length Dim; the result is returned. Points on
// or outside the hard bounds are nudged strictly inside before the logit so
// the map stays finite.
func (t *Transform) ToWorking(x, dst []float64) []float64 {
	dst = t.checkDst(len(x), dst)
	for i, v := range x {
		p := (v - t.lb[i]) / (t.ub[i] - t.lb[i])
		p = clamp(p, tinyP, 1-tinyP)
		dst[i] = (logit(p) - t.mu[i]) / t.delta[i]
	}
	return dst
}

// ToOriginal maps a working-space point back into the original space. The
// result always lies strictly inside the hard bounds.
func (t *Transform) ToOriginal(u, dst []float64) []float64 {
	dst = t.checkDst(len(u), dst)
	for i, v := range u {
		z := v*t.delta[i] + t.mu[i]
		x := t.lb[i] + (t.ub[i]-t.lb[i])*sigmoid(z)
		dst[i] = clamp(x, math.Nextafter(t.lb[i], t.ub[i]), math.Nextafter(t.ub[i], t.lb[i]))
	}
	return dst
}

// LogAbsDetJacobian returns log |dx/du| at the working-space point u. Adding
// it to an original-space log density yields the matching working-space log
// density.
func (t *Transform) LogAbsDetJacobian(u []float64) float64 {
	if len(u) != t.dim {
		panic("transform: dimension mismatch")
	}
	var ld float64
	for i, v := range u {
		z := v*t.delta[i] + t.mu[i]
		s := sigmoid(z)
		ld += math.Log(t.ub[i]-t.lb[i]) + math.Log(s) + math.Log(1-s) + math.Log(t.delta[i])
	}
	return ld
}

// InBounds reports whether the original-space point x lies within the hard
// bounds (inclusive).
func (t *Transform) InBounds(x []float64) bool {
	if len(x) != t.dim {
		panic("transform: dimension mismatch")
	}
	for i, v := range x {
		if v < t.lb[i] || v > t.ub[i] {
			return false
		}
	}
	return true
}

func (t *Transform) checkDst(n int, dst []float64) []float64 {
	if n != t.dim {
		panic("transform: dimension mismatch")
	}
	if dst == nil {
		return make([]float64, n)
	}
	if len(dst) != n {
		panic("transform: destination length mismatch")
	}
	return dst
}

// tinyP keeps logit inputs strictly inside (0, 1).
const tinyP = 1e-14

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
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
