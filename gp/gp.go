// Package gp implements the Gaussian-process surrogate for the expensive
// log-density: an ARD squared-exponential kernel with Gaussian observation
// noise and a constant or negative-quadratic mean function. Hyperparameters
// are fit by maximizing the log marginal likelihood under weak data-driven
// priors, with optional Metropolis refinement to produce several posterior
// hyperparameter draws; predictions average over the draws.
package gp

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// MeanKind selects the GP mean-function family.
type MeanKind int

const (
	// MeanConst is a constant mean.
	MeanConst MeanKind = iota
	// MeanNegQuad is a negative definite quadratic mean, the natural choice
	// when the surrogate models a log density with a single dominant mode.
	MeanNegQuad
)

func (m MeanKind) String() string {
	switch m {
	case MeanConst:
		return "const"
	case MeanNegQuad:
		return "negquad"
	}
	return fmt.Sprintf("MeanKind(%d)", int(m))
}

// Valid reports whether m names a supported mean family.
func (m MeanKind) Valid() bool { return m == MeanConst || m == MeanNegQuad }

// Hyper is one hyperparameter vector: ARD log length scales, log output
// scale, log noise standard deviation, and the mean-function parameters
// (constant mean: [m0]; negative quadratic: [m0, xm..., logOmega...]).
type Hyper struct {
	LogLength []float64
	LogOutput float64
	LogNoise  float64
	Mean      []float64
}

// Clone returns a deep copy.
func (h Hyper) Clone() Hyper {
	return Hyper{
		LogLength: append([]float64(nil), h.LogLength...),
		LogOutput: h.LogOutput,
		LogNoise:  h.LogNoise,
		Mean:      append([]float64(nil), h.Mean...),
	}
}

func meanLen(d int, kind MeanKind) int {
	if kind == MeanNegQuad {
		return 1 + 2*d
	}
	return 1
}

// HyperLen returns the flattened hyperparameter vector length for dimension
// d and the given mean family.
func HyperLen(d int, kind MeanKind) int { return d + 2 + meanLen(d, kind) }

func (h Hyper) vector(dst []float64) []float64 {
	n := len(h.LogLength) + 2 + len(h.Mean)
	if dst == nil {
		dst = make([]float64, n)
	}
	idx := copy(dst, h.LogLength)
	dst[idx] = h.LogOutput
	dst[idx+1] = h.LogNoise
	copy(dst[idx+2:], h.Mean)
	return dst
}

func hyperFromVector(v []float64, d int, kind MeanKind) Hyper {
	if len(v) != HyperLen(d, kind) {
		panic("gp: hyperparameter length mismatch")
	}
	return Hyper{
		LogLength: append([]float64(nil), v[:d]...),
		LogOutput: v[d],
		LogNoise:  v[d+1],
		Mean:      append([]float64(nil), v[d+2:]...),
	}
}

func (h Hyper) meanAt(kind MeanKind, x []float64) float64 {
	m := h.Mean[0]
	if kind == MeanNegQuad {
		d := len(x)
		for i := 0; i < d; i++ {
			omega := math.Exp(h.Mean[1+d+i])
			z := (x[i] - h.Mean[1+i]) / omega
			m -= 0.5 * z * z
		}
	}
	return m
}

// Model is a fitted surrogate. It is immutable after Fit and safe for
// concurrent prediction.
type Model struct {
	dim     int
	kind    MeanKind
	x       *mat.Dense
	samples []Hyper
	chols   []*mat.Cholesky
	alphas  []*mat.VecDense
}

// Dim returns the input dimension.
func (m *Model) Dim() int { return m.dim }

// NumSamples returns the number of hyperparameter draws backing the model.
func (m *Model) NumSamples() int { return len(m.samples) }

// MAP returns the point-estimate hyperparameters (the first draw, which is
// always the optimized vector).
func (m *Model) MAP() Hyper { return m.samples[0].Clone() }

// HyperVectors returns the flattened hyperparameter draws, one per row.
func (m *Model) HyperVectors() *mat.Dense {
	n := HyperLen(m.dim, m.kind)
	out := mat.NewDense(len(m.samples), n, nil)
	for i, h := range m.samples {
		h.vector(out.RawRowView(i))
	}
	return out
}

// Predict returns the predictive mean and (latent) variance at q, averaged
// over the hyperparameter draws. The variance includes the spread of the
// per-draw means.
func (m *Model) Predict(q []float64) (mean, variance float64) {
	if len(q) != m.dim {
		panic("gp: dimension mismatch")
	}
	n, _ := m.x.Dims()
	ks := mat.NewVecDense(n, nil)
	means := make([]float64, len(m.samples))
	var avgVar float64
	for s, h := range m.samples {
		sf2 := math.Exp(2 * h.LogOutput)
		for i := 0; i < n; i++ {
			ks.SetVec(i, sf2*seCorr(h.LogLength, q, m.x.RawRowView(i)))
		}
		means[s] = h.meanAt(m.kind, q) + mat.Dot(ks, m.alphas[s])
		var sol mat.VecDense
		if err := m.chols[s].SolveVecTo(&sol, ks); err == nil {
			v := sf2 - mat.Dot(ks, &sol)
			if v < minVariance {
				v = minVariance
			}
			avgVar += v
		} else {
			avgVar += sf2
		}
	}
	avgVar /= float64(len(m.samples))
	mean = stat.Mean(means, nil)
	variance = avgVar
	if len(means) > 1 {
		variance += stat.Variance(means, nil)
	}
	return mean, variance
}

// minVariance floors the predictive variance away from negative round-off.
const minVariance = 1e-12

// seCorr is the unit-amplitude ARD squared-exponential correlation.
func seCorr(logLength, a, b []float64) float64 {
	var s float64
	for i := range a {
		d := (a[i] - b[i]) / math.Exp(logLength[i])
		s += d * d
	}
	return math.Exp(-0.5 * s)
}

// Config controls the hyperparameter fit.
type Config struct {
	// Mean selects the mean-function family.
	Mean MeanKind
	// Restarts is the number of Nelder-Mead starts for the MAP search.
	Restarts int
	// MaxIter caps the iterations of each start.
	MaxIter int
	// Src seeds the restart jitter and the Metropolis refinement.
	Src rand.Source
}

// Fit trains a surrogate on the rows of x and the values y. nSamples is the
// requested number of hyperparameter draws (clamped to at least one; one
// means the MAP estimate alone). warm, when non-nil, seeds the MAP search
// with the previous iteration's hyperparameters. propCov, when non-nil and
// of matching size, is the proposal covariance of the Metropolis
// refinement.
func Fit(x *mat.Dense, y []float64, cfg Config, nSamples int, warm *Hyper, propCov *mat.SymDense) (*Model, error) {
	if x == nil {
		return nil, errors.New("gp: no training data")
	}
	n, d := x.Dims()
	if n == 0 || len(y) != n {
		return nil, errors.New("gp: training size mismatch")
	}
	if !cfg.Mean.Valid() {
		return nil, fmt.Errorf("gp: unsupported mean function %v", cfg.Mean)
	}
	if nSamples < 1 {
		nSamples = 1
	}
	src := cfg.Src
	if src == nil {
		src = rand.NewSource(1)
	}
	rnd := rand.New(src)

	center := defaultHyper(x, y, cfg.Mean)
	theta0 := center.vector(nil)
	init := theta0
	if warm != nil && len(warm.LogLength) == d && len(warm.Mean) == meanLen(d, cfg.Mean) {
		init = warm.vector(nil)
	}

	obj := func(theta []float64) float64 {
		return negLogPosterior(theta, x, y, cfg.Mean, theta0)
	}

	best := searchMAP(obj, init, theta0, cfg, rnd)
	if !isFiniteVec(best) {
		best = theta0
	}

	samples := []Hyper{hyperFromVector(best, d, cfg.Mean)}
	if nSamples > 1 {
		samples = append(samples, metropolis(obj, best, nSamples-1, d, cfg.Mean, propCov, rnd)...)
	}

	m := &Model{
		dim:     d,
		kind:    cfg.Mean,
		x:       mat.DenseCopyOf(x),
		samples: make([]Hyper, 0, len(samples)),
	}
	for i, s := range samples {
		chol, alpha, ok := factorize(x, y, cfg.Mean, s)
		if !ok {
			if i == 0 {
				return nil, errors.New("gp: covariance factorization failed at the MAP estimate")
			}
			continue
		}
		m.samples = append(m.samples, s)
		m.chols = append(m.chols, chol)
		m.alphas = append(m.alphas, alpha)
	}
	return m, nil
}

func isFiniteVec(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
