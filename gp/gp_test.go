package gp

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// quadData builds a small 2-d training set from a concave quadratic, the
// typical shape of a log density near its mode.
func quadData(n int, rnd *rand.Rand) (*mat.Dense, []float64) {
	x := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a := -2 + 4*rnd.Float64()
		b := -2 + 4*rnd.Float64()
		x.SetRow(i, []float64{a, b})
		y[i] = -0.5*(a*a+b*b) - 1
	}
	return x, y
}

func TestFitInterpolatesSmoothData(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	x, y := quadData(25, rnd)
	for _, kind := range []MeanKind{MeanConst, MeanNegQuad} {
		m, err := Fit(x, y, Config{Mean: kind, Restarts: 3, MaxIter: 200, Src: rand.NewSource(2)}, 1, nil, nil)
		if err != nil {
			t.Fatalf("%v: fit error: %v", kind, err)
		}
		var worst float64
		for i := 0; i < 25; i++ {
			mean, _ := m.Predict(x.RawRowView(i))
			if e := math.Abs(mean - y[i]); e > worst {
				worst = e
			}
		}
		if worst > 0.2 {
			t.Errorf("%v: worst training residual %v too large", kind, worst)
		}
	}
}

func TestPredictVarianceGrowsAwayFromData(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	x, y := quadData(20, rnd)
	m, err := Fit(x, y, Config{Mean: MeanNegQuad, Restarts: 2, MaxIter: 150, Src: rand.NewSource(4)}, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, vNear := m.Predict(x.RawRowView(0))
	_, vFar := m.Predict([]float64{50, -50})
	if vNear <= 0 || vFar <= 0 {
		t.Fatalf("variances must be positive: %v %v", vNear, vFar)
	}
	if vFar <= vNear {
		t.Errorf("variance far from data (%v) should exceed variance at data (%v)", vFar, vNear)
	}
}

func TestFitMultipleSamples(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	x, y := quadData(15, rnd)
	m, err := Fit(x, y, Config{Mean: MeanConst, Restarts: 2, MaxIter: 100, Src: rand.NewSource(6)}, 4, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.NumSamples() < 2 {
		t.Fatalf("requested 4 draws, got %d", m.NumSamples())
	}
	hv := m.HyperVectors()
	r, c := hv.Dims()
	if r != m.NumSamples() || c != HyperLen(2, MeanConst) {
		t.Errorf("hyper vector dims %d,%d", r, c)
	}
	mean, variance := m.Predict([]float64{0.1, 0.1})
	if math.IsNaN(mean) || variance <= 0 {
		t.Errorf("bad multi-sample prediction: %v, %v", mean, variance)
	}
}

func TestFitWarmStartAndProposal(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	x, y := quadData(15, rnd)
	cfg := Config{Mean: MeanConst, Restarts: 1, MaxIter: 80, Src: rand.NewSource(8)}
	m1, err := Fit(x, y, cfg, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	warm := m1.MAP()
	n := HyperLen(2, MeanConst)
	prop := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		prop.SetSym(i, i, 0.01)
	}
	m2, err := Fit(x, y, cfg, 3, &warm, prop)
	if err != nil {
		t.Fatal(err)
	}
	if m2.NumSamples() < 2 {
		t.Errorf("Metropolis refinement produced %d draws", m2.NumSamples())
	}
}

func TestFitErrors(t *testing.T) {
	if _, err := Fit(nil, nil, Config{Mean: MeanConst}, 1, nil, nil); err == nil {
		t.Error("nil data should error")
	}
	x := mat.NewDense(2, 1, []float64{0, 1})
	if _, err := Fit(x, []float64{0}, Config{Mean: MeanConst}, 1, nil, nil); err == nil {
		t.Error("size mismatch should error")
	}
	if _, err := Fit(x, []float64{0, 1}, Config{Mean: MeanKind(99)}, 1, nil, nil); err == nil {
		t.Error("unsupported mean family should error")
	}
}

func TestHyperVectorRoundTrip(t *testing.T) {
	h := Hyper{
		LogLength: []float64{0.1, -0.2},
		LogOutput: 0.3,
		LogNoise:  -4,
		Mean:      []float64{1, 0, 0, 0.5, 0.5},
	}
	v := h.vector(nil)
	if len(v) != HyperLen(2, MeanNegQuad) {
		t.Fatalf("vector length %d", len(v))
	}
	got := hyperFromVector(v, 2, MeanNegQuad)
	if !floats.Equal(got.LogLength, h.LogLength) || got.LogOutput != h.LogOutput ||
		got.LogNoise != h.LogNoise || !floats.Equal(got.Mean, h.Mean) {
		t.Errorf("round trip mismatch: %+v vs %+v", got, h)
	}
}
