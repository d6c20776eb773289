// Package mixture implements the variational posterior: a mixture of
// Gaussian components in the unconstrained working space, with a
// per-component mean and scale, a length-scale vector shared across
// components, and optionally optimized mixture weights.
//
// The density of component k is N(x; mu_k, sigma_k^2 diag(lambda^2)).
package mixture

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jdc08161063/vbmc/transform"
)

const logTwoPi = 1.8378770664093453

// Posterior is a mixture-of-Gaussians approximation to the target posterior,
// defined over the working space of its Transform.
type Posterior struct {
	// K and D are the component count and the dimension.
	K, D int
	// Mu holds the component means, one row per component.
	Mu *mat.Dense
	// Sigma holds the per-component scale multipliers.
	Sigma []float64
	// Lambda is the length-scale vector shared by all components.
	Lambda []float64
	// W holds the mixture weights; non-negative, summing to one.
	W []float64
	// OptimizeWeights reports whether the weights take part in parameter
	// packing, or stay fixed at their current values.
	OptimizeWeights bool
	// Trans maps between the working space and the original space.
	Trans *transform.Transform
}

// New creates a posterior with k components in d dimensions: zero means,
// unit scales and length scales, uniform fixed weights.
func New(k, d int, trans *transform.Transform) *Posterior {
	if k < 1 || d < 1 {
		panic("mixture: non-positive size")
	}
	p := &Posterior{
		K:      k,
		D:      d,
		Mu:     mat.NewDense(k, d, nil),
		Sigma:  make([]float64, k),
		Lambda: make([]float64, d),
		W:      make([]float64, k),
		Trans:  trans,
	}
	for i := 0; i < k; i++ {
		p.Sigma[i] = 1
		p.W[i] = 1 / float64(k)
	}
	for i := 0; i < d; i++ {
		p.Lambda[i] = 1
	}
	return p
}

// Clone returns a deep copy.
func (p *Posterior) Clone() *Posterior {
	q := &Posterior{
		K:               p.K,
		D:               p.D,
		Mu:              mat.DenseCopyOf(p.Mu),
		Sigma:           append([]float64(nil), p.Sigma...),
		Lambda:          append([]float64(nil), p.Lambda...),
		W:               append([]float64(nil), p.W...),
		OptimizeWeights: p.OptimizeWeights,
		Trans:           p.Trans,
	}
	return q
}

// Rand draws one sample in the working space, reusing x when non-nil.
func (p *Posterior) Rand(rnd *rand.Rand, x []float64) []float64 {
	if x == nil {
		x = make([]float64, p.D)
	}
	k := p.pickComponent(rnd)
	mu := p.Mu.RawRowView(k)
	for i := 0; i < p.D; i++ {
		x[i] = mu[i] + p.Sigma[k]*p.Lambda[i]*rnd.NormFloat64()
	}
	return x
}

// Sample draws n working-space samples as rows of a new matrix.
func (p *Posterior) Sample(n int, rnd *rand.Rand) *mat.Dense {
	xs := mat.NewDense(n, p.D, nil)
	for i := 0; i < n; i++ {
		p.Rand(rnd, xs.RawRowView(i))
	}
	return xs
}

// LogProb returns the mixture log density at the working-space point x.
func (p *Posterior) LogProb(x []float64) float64 {
	if len(x) != p.D {
		panic("mixture: dimension mismatch")
	}
	lps := make([]float64, 0, p.K)
	for k := 0; k < p.K; k++ {
		if p.W[k] <= 0 {
			continue
		}
		lps = append(lps, math.Log(p.W[k])+p.componentLogProb(k, x))
	}
	if len(lps) == 0 {
		return math.Inf(-1)
	}
	return floats.LogSumExp(lps)
}

func (p *Posterior) componentLogProb(k int, x []float64) float64 {
	mu := p.Mu.RawRowView(k)
	lp := -0.5 * float64(p.D) * logTwoPi
	for i := 0; i < p.D; i++ {
		sd := p.Sigma[k] * p.Lambda[i]
		z := (x[i] - mu[i]) / sd
		lp -= math.Log(sd) + 0.5*z*z
	}
	return lp
}

// Moments returns the mixture mean and covariance in the working space.
func (p *Posterior) Moments() ([]float64, *mat.SymDense) {
	mean := make([]float64, p.D)
	for k := 0; k < p.K; k++ {
		floats.AddScaled(mean, p.W[k], p.Mu.RawRowView(k))
	}
	cov := mat.NewSymDense(p.D, nil)
	for k := 0; k < p.K; k++ {
		mu := p.Mu.RawRowView(k)
		for i := 0; i < p.D; i++ {
			for j := i; j < p.D; j++ {
				v := cov.At(i, j) + p.W[k]*(mu[i]-mean[i])*(mu[j]-mean[j])
				if i == j {
					s := p.Sigma[k] * p.Lambda[i]
					v += p.W[k] * s * s
				}
				cov.SetSym(i, j, v)
			}
		}
	}
	return mean, cov
}

// OriginalMean estimates the posterior mean in the original space by pushing
// n samples through the inverse transform.
func (p *Posterior) OriginalMean(n int, rnd *rand.Rand) []float64 {
	if p.Trans == nil {
		panic("mixture: no transform attached")
	}
	mean := make([]float64, p.D)
	u := make([]float64, p.D)
	x := make([]float64, p.D)
	for i := 0; i < n; i++ {
		p.Rand(rnd, u)
		p.Trans.ToOriginal(u, x)
		floats.Add(mean, x)
	}
	floats.Scale(1/float64(n), mean)
	return mean
}

// Prune removes components whose weight lies below tol, renormalizing the
// remainder. At least one component always survives; when every weight is
// below tol the largest one is kept. It reports whether anything was
// removed.
func (p *Posterior) Prune(tol float64) bool {
	if p.K == 1 {
		return false
	}
	keep := make([]int, 0, p.K)
	for k, w := range p.W {
		if w >= tol {
			keep = append(keep, k)
		}
	}
	if len(keep) == 0 {
		keep = append(keep, argmax(p.W))
	}
	if len(keep) == p.K {
		return false
	}
	mu := mat.NewDense(len(keep), p.D, nil)
	sigma := make([]float64, len(keep))
	w := make([]float64, len(keep))
	for i, k := range keep {
		mu.SetRow(i, p.Mu.RawRowView(k))
		sigma[i] = p.Sigma[k]
		w[i] = p.W[k]
	}
	floats.Scale(1/floats.Sum(w), w)
	p.K = len(keep)
	p.Mu = mu
	p.Sigma = sigma
	p.W = w
	return true
}

// AddComponent appends a component centered at mu with scale sigma and a
// small initial weight, renormalizing.
func (p *Posterior) AddComponent(mu []float64, sigma float64) {
	if len(mu) != p.D {
		panic("mixture: dimension mismatch")
	}
	grown := mat.NewDense(p.K+1, p.D, nil)
	for k := 0; k < p.K; k++ {
		grown.SetRow(k, p.Mu.RawRowView(k))
	}
	grown.SetRow(p.K, mu)
	p.Mu = grown
	p.Sigma = append(p.Sigma, sigma)
	w0 := 1 / float64(p.K+1)
	p.W = append(p.W, w0)
	p.K++
	floats.Scale(1/floats.Sum(p.W), p.W)
}

func (p *Posterior) pickComponent(rnd *rand.Rand) int {
	u := rnd.Float64()
	var c float64
	for k, w := range p.W {
		c += w
		if u <= c {
			return k
		}
	}
	return p.K - 1
}

func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
