package mixture

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// NumParams returns the length of the packed parameter vector: component
// means, log scales, shared log length scales, and weight logits when weight
// optimization is enabled.
func (p *Posterior) NumParams() int {
	n := p.K*p.D + p.K + p.D
	if p.OptimizeWeights {
		n += p.K
	}
	return n
}

// Params packs the free parameters into dst (allocated when nil). Scales and
// length scales are packed in log space; weights as their logs, which act as
// softmax logits in SetParams.
func (p *Posterior) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, p.NumParams())
	}
	if len(dst) != p.NumParams() {
		panic("mixture: parameter length mismatch")
	}
	idx := 0
	for k := 0; k < p.K; k++ {
		copy(dst[idx:idx+p.D], p.Mu.RawRowView(k))
		idx += p.D
	}
	for k := 0; k < p.K; k++ {
		dst[idx] = math.Log(p.Sigma[k])
		idx++
	}
	for i := 0; i < p.D; i++ {
		dst[idx] = math.Log(p.Lambda[i])
		idx++
	}
	if p.OptimizeWeights {
		for k := 0; k < p.K; k++ {
			dst[idx] = math.Log(math.Max(p.W[k], 1e-300))
			idx++
		}
	}
	return dst
}

// SetParams unpacks a vector produced by Params (or perturbed by an
// optimizer) back into the posterior. Weight logits go through a softmax, so
// any real vector yields valid normalized weights.
func (p *Posterior) SetParams(v []float64) {
	if len(v) != p.NumParams() {
		panic("mixture: parameter length mismatch")
	}
	idx := 0
	for k := 0; k < p.K; k++ {
		copy(p.Mu.RawRowView(k), v[idx:idx+p.D])
		idx += p.D
	}
	for k := 0; k < p.K; k++ {
		p.Sigma[k] = math.Exp(clampLog(v[idx]))
		idx++
	}
	for i := 0; i < p.D; i++ {
		p.Lambda[i] = math.Exp(clampLog(v[idx]))
		idx++
	}
	if p.OptimizeWeights {
		logits := v[idx : idx+p.K]
		m := floats.Max(logits)
		var sum float64
		for k := 0; k < p.K; k++ {
			p.W[k] = math.Exp(logits[k] - m)
			sum += p.W[k]
		}
		floats.Scale(1/sum, p.W)
	}
}

// clampLog keeps exponentiated parameters finite and strictly positive even
// when a local optimizer wanders far.
func clampLog(v float64) float64 {
	const lim = 30
	if v > lim {
		return lim
	}
	if v < -lim {
		return -lim
	}
	return v
}
