package mixture

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// EntropyLowerBound returns a deterministic lower bound on the mixture
// entropy, from Jensen's inequality applied to the expected log density of
// each component under the mixture:
//
//	H >= -sum_k w_k log sum_j w_j N(mu_k; mu_j, (sigma_k^2+sigma_j^2) diag(lambda^2))
//
// The bound is deterministic and cheap for any K, which makes it the default
// entropy estimate while the component count is small; its slack is at most
// D log(2)/2 for a single component and grows with component overlap.
func (p *Posterior) EntropyLowerBound() float64 {
	var h float64
	lps := make([]float64, p.K)
	for k := 0; k < p.K; k++ {
		if p.W[k] <= 0 {
			continue
		}
		muk := p.Mu.RawRowView(k)
		for j := 0; j < p.K; j++ {
			muj := p.Mu.RawRowView(j)
			s2 := p.Sigma[k]*p.Sigma[k] + p.Sigma[j]*p.Sigma[j]
			lp := math.Log(math.Max(p.W[j], 1e-300)) - 0.5*float64(p.D)*logTwoPi
			for i := 0; i < p.D; i++ {
				v := s2 * p.Lambda[i] * p.Lambda[i]
				d := muk[i] - muj[i]
				lp -= 0.5 * (math.Log(v) + d*d/v)
			}
			lps[j] = lp
		}
		h -= p.W[k] * floats.LogSumExp(lps)
	}
	return h
}

// EntropyMC estimates the mixture entropy by Monte Carlo with n samples.
// Preferred over the deterministic bound once the component count grows and
// the bound's slack becomes material.
func (p *Posterior) EntropyMC(n int, rnd *rand.Rand) float64 {
	if n <= 0 {
		panic("mixture: non-positive sample count")
	}
	var h float64
	x := make([]float64, p.D)
	for i := 0; i < n; i++ {
		p.Rand(rnd, x)
		h -= p.LogProb(x)
	}
	return h / float64(n)
}
