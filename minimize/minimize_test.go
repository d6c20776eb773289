package minimize

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
)

func TestMinimizeQuadratic(t *testing.T) {
	obj := func(x []float64) float64 {
		return (x[0]-1)*(x[0]-1) + (x[1]+2)*(x[1]+2)
	}
	res, err := MultiStart{}.Minimize(obj, [][]float64{{0, 0}, {5, 5}, {-3, 4}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(res.X[0], 1, 1e-4) || !scalar.EqualWithinAbs(res.X[1], -2, 1e-4) {
		t.Errorf("minimum at %v, want [1 -2]", res.X)
	}
}

func TestMinimizeKeepsBestOfMultimodal(t *testing.T) {
	// Two basins; the global one is at x = 3.
	obj := func(x []float64) float64 {
		a := (x[0] + 2) * (x[0] + 2)
		b := (x[0]-3)*(x[0]-3) - 1
		return math.Min(a, b)
	}
	res, err := MultiStart{MaxIter: 500}.Minimize(obj, [][]float64{{-2.5}, {2.5}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(res.X[0], 3, 1e-3) {
		t.Errorf("global minimum missed: %v", res.X)
	}
}

func TestMinimizeRespectsBounds(t *testing.T) {
	obj := func(x []float64) float64 { return x[0] } // pushes toward -inf
	bounds := []Bound{{Lower: -1, Upper: 1}}
	res, err := MultiStart{}.Minimize(obj, [][]float64{{0.5}}, bounds)
	if err != nil {
		t.Fatal(err)
	}
	if res.X[0] < -1-1e-9 || res.X[0] > 1+1e-9 {
		t.Errorf("result %v escaped bounds", res.X)
	}
	if !scalar.EqualWithinAbs(res.X[0], -1, 1e-3) {
		t.Errorf("bounded minimum should sit at the lower bound, got %v", res.X)
	}
}

func TestMinimizeErrors(t *testing.T) {
	if _, err := (MultiStart{}).Minimize(func(x []float64) float64 { return 0 }, nil, nil); err == nil {
		t.Error("no starts should error")
	}
	inf := func(x []float64) float64 { return math.Inf(1) }
	if _, err := (MultiStart{MaxIter: 10}).Minimize(inf, [][]float64{{0}}, nil); err == nil {
		t.Error("all-infinite objective should error")
	}
}
