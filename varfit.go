package vbmc

import (
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"github.com/jdc08161063/vbmc/minimize"
	"github.com/jdc08161063/vbmc/mixture"
)

// varFit is the outcome of one variational refit.
type varFit struct {
	post    *mixture.Posterior
	elbo    float64
	elboSD  float64
	entropy float64
	// meanVar is the average surrogate predictive variance under the
	// posterior, a diagnostic of how well-explored the posterior region is.
	meanVar float64
	pruned  bool
}

// nextK returns the component count for this iteration's refit: fixed at
// KWarmup through warm-up, then growing slowly with the evaluation count,
// never shrinking below the current mixture (pruning is the only way down),
// with a bonus increment after a stable iteration, capped at KMax.
func (o *Optimizer) nextK(st *State) int {
	if st.Warmup {
		return o.opts.KWarmup
	}
	k := int(math.Cbrt(float64(st.Ledger.Count())))
	if k < st.Post.K {
		k = st.Post.K
	}
	if last := st.lastRecord(); last != nil && last.Stable {
		k += o.opts.KIncrement
	}
	if k > o.opts.KMax {
		k = o.opts.KMax
	}
	if k < 1 {
		k = 1
	}
	return k
}

// elboEstimate computes the lower bound for posterior q against the
// surrogate: the expected surrogate mean under q, estimated with nquad
// quadrature samples per component (deterministic given seed), plus the
// entropy, estimated by the deterministic bound or by Monte Carlo. The
// returned sd reflects the surrogate's predictive uncertainty propagated
// through the quadrature.
func (o *Optimizer) elboEstimate(q *mixture.Posterior, model SurrogateModel, seed uint64, mcEntropy bool, entSamples int) (elbo, sd, entropy, meanVar float64) {
	rnd := rand.New(rand.NewSource(seed))
	nq := o.opts.QuadSamplesPerComp
	x := make([]float64, q.D)

	var g, varG, sumVar float64
	for k := 0; k < q.K; k++ {
		mu := q.Mu.RawRowView(k)
		var mk, vk float64
		for j := 0; j < nq; j++ {
			for i := 0; i < q.D; i++ {
				x[i] = mu[i] + q.Sigma[k]*q.Lambda[i]*rnd.NormFloat64()
			}
			m, v := model.Predict(x)
			mk += m
			vk += v
		}
		mk /= float64(nq)
		vk /= float64(nq)
		g += q.W[k] * mk
		varG += q.W[k] * q.W[k] * vk / float64(nq)
		sumVar += vk
	}
	meanVar = sumVar / float64(q.K)

	if mcEntropy {
		entropy = q.EntropyMC(entSamples, rnd)
	} else {
		entropy = q.EntropyLowerBound()
	}
	elbo = g + entropy
	sd = math.Sqrt(varG)
	return elbo, sd, entropy, meanVar
}

// fitVariational optimizes the variational posterior against the current
// surrogate. Failures fall back to the previous posterior; the run
// continues either way.
func (o *Optimizer) fitVariational(st *State) varFit {
	k := o.nextK(st)
	base := o.growPosterior(st, k)
	base.OptimizeWeights = !o.opts.FixedWeights && !st.Warmup

	if !st.StochasticEntropy && k >= o.opts.StochasticEntropyK {
		st.StochasticEntropy = true
		st.event(EventEntropySwitch)
	}
	mcEnt := st.StochasticEntropy

	// A fixed seed makes the objective deterministic across the whole
	// multistart, so restarts are comparable.
	seed := st.rnd.Uint64()
	const innerEntSamples = 200
	objective := func(theta []float64) float64 {
		q := base.Clone()
		q.SetParams(theta)
		elbo, _, _, _ := o.elboEstimate(q, st.Model, seed, mcEnt, innerEntSamples)
		if math.IsNaN(elbo) {
			return math.Inf(1)
		}
		return -elbo
	}

	// A full refit is forced when the mixture grew or the run is young;
	// otherwise a cheap re-optimization from the previous solution.
	forceFull := k != st.Post.K || st.Iter <= 2
	warmStart := base.Params(nil)
	starts := [][]float64{warmStart}
	nCheap := o.opts.CheapRestarts
	if !forceFull && nCheap > 2 {
		nCheap = 2
	}
	for i := 0; i < nCheap; i++ {
		starts = append(starts, o.jitterStart(st, base, warmStart, 0.1))
	}
	if forceFull {
		for i := 0; i < o.opts.FullRestarts; i++ {
			starts = append(starts, o.scatterStart(st, base))
		}
	}
	maxIter := o.opts.CheapOptIter
	if forceFull {
		maxIter = o.opts.FullOptIter
	}

	opt := minimize.MultiStart{MaxIter: maxIter, Concurrency: o.opts.Concurrency}
	res, err := opt.Minimize(minimize.Objective(objective), starts, nil)
	if err != nil {
		st.event(EventVarFitFallback)
		o.log.Warn("variational fit failed, keeping previous posterior",
			zap.String("run", st.RunID), zap.Int("iter", st.Iter), zap.Error(err))
		return o.fallbackFit(st)
	}

	final := base.Clone()
	final.SetParams(res.X)
	if final.Prune(o.opts.TolWeight) {
		st.event(EventPruneComponents)
	}

	elbo, sd, entropy, meanVar := o.elboEstimate(final, st.Model, st.rnd.Uint64(), mcEnt, o.opts.EntropyMCSamples)
	if math.IsNaN(elbo) || math.IsInf(elbo, 0) {
		st.event(EventVarFitFallback)
		return o.fallbackFit(st)
	}
	return varFit{
		post:    final,
		elbo:    elbo,
		elboSD:  sd,
		entropy: entropy,
		meanVar: meanVar,
		pruned:  final.K < k,
	}
}

// fallbackFit re-reports the previous posterior when optimization failed.
func (o *Optimizer) fallbackFit(st *State) varFit {
	f := varFit{post: st.Post.Clone()}
	if last := st.lastRecord(); last != nil {
		f.elbo = last.ELBO
		f.elboSD = last.ELBOSD
		return f
	}
	elbo, sd, entropy, meanVar := o.elboEstimate(f.post, st.Model, st.rnd.Uint64(), st.StochasticEntropy, o.opts.EntropyMCSamples)
	if math.IsNaN(elbo) || math.IsInf(elbo, 0) {
		elbo, sd = -math.MaxFloat64/2, reliabilityUnknown
	}
	f.elbo, f.elboSD, f.entropy, f.meanVar = elbo, sd, entropy, meanVar
	return f
}

// growPosterior clones the current posterior and adds components centered at
// random HPD points until it has k of them.
func (o *Optimizer) growPosterior(st *State, k int) *mixture.Posterior {
	q := st.Post.Clone()
	rows, _ := st.hpdWorking(o.opts.HPDFrac)
	for q.K < k {
		sigma := medianOf(q.Sigma)
		var mu []float64
		if rows != nil {
			mu = append([]float64(nil), rows[st.rnd.Intn(len(rows))]...)
			for i := range mu {
				mu[i] += 0.1 * q.Lambda[i] * st.rnd.NormFloat64()
			}
		} else {
			mu = make([]float64, q.D)
			for i := range mu {
				mu[i] = st.rnd.NormFloat64()
			}
		}
		q.AddComponent(mu, sigma)
	}
	return q
}

// jitterStart perturbs the warm start slightly for a cheap restart.
func (o *Optimizer) jitterStart(st *State, base *mixture.Posterior, warm []float64, scale float64) []float64 {
	s := make([]float64, len(warm))
	for i := range s {
		s[i] = warm[i] + scale*st.rnd.NormFloat64()
	}
	return s
}

// scatterStart builds a full-restart starting point: component means thrown
// onto random HPD points, scales and length scales re-jittered.
func (o *Optimizer) scatterStart(st *State, base *mixture.Posterior) []float64 {
	q := base.Clone()
	rows, _ := st.hpdWorking(o.opts.HPDFrac)
	for c := 0; c < q.K; c++ {
		mu := q.Mu.RawRowView(c)
		if rows != nil {
			copy(mu, rows[st.rnd.Intn(len(rows))])
		}
		for i := range mu {
			mu[i] += 0.3 * q.Lambda[i] * st.rnd.NormFloat64()
		}
		q.Sigma[c] = math.Exp(math.Log(q.Sigma[c]) + 0.4*st.rnd.NormFloat64())
	}
	for i := range q.Lambda {
		q.Lambda[i] = math.Exp(math.Log(q.Lambda[i]) + 0.2*st.rnd.NormFloat64())
	}
	return q.Params(nil)
}

func medianOf(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return s[len(s)/2]
}
