package vbmc

import (
	"errors"
	"math"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/samplemv"

	"github.com/jdc08161063/vbmc/acquire"
)

// evalOut is one target evaluation, already mapped to the working space.
type evalOut struct {
	idx   int
	u     []float64
	y     float64 // working-space log density (Jacobian-corrected)
	valid bool
}

// evalBatch evaluates the target at the given working-space points in
// parallel and returns the outcomes in submission order. Results are merged
// into the ledger by the caller only after the whole batch has drained, so
// the surrogate never observes a half-written batch. A panicking or
// non-finite target call yields an invalid outcome.
func (o *Optimizer) evalBatch(us [][]float64) []evalOut {
	p := pool.NewWithResults[evalOut]().WithMaxGoroutines(o.opts.Concurrency)
	for i, u := range us {
		i := i
		u := append([]float64(nil), u...)
		p.Go(func() (out evalOut) {
			out.idx = i
			out.u = u
			out.valid = false
			defer func() {
				if r := recover(); r != nil {
					out.y = math.NaN()
					out.valid = false
				}
			}()
			x := o.trans.ToOriginal(u, nil)
			y := o.target(x)
			if math.IsNaN(y) || math.IsInf(y, 0) {
				out.y = math.NaN()
				return out
			}
			out.y = y + o.trans.LogAbsDetJacobian(u)
			out.valid = true
			return out
		})
	}
	outs := p.Wait()
	ordered := make([]evalOut, len(outs))
	for _, out := range outs {
		ordered[out.idx] = out
	}
	return ordered
}

func (o *Optimizer) recordBatch(st *State, outs []evalOut) {
	for _, out := range outs {
		st.Ledger.Record(out.u, out.y, out.valid)
	}
}

// initialDesign performs the cold-start evaluation: the starting point (or
// the plausible-box center) plus a Latin hypercube over the plausible box in
// working space. A design with zero valid evaluations makes the problem
// infeasible before the loop starts.
func (o *Optimizer) initialDesign(st *State, x0 []float64) error {
	n := o.opts.InitDesignCount
	if n > o.opts.MaxFunEvals {
		n = o.opts.MaxFunEvals
	}
	us := make([][]float64, 0, n)
	if x0 != nil {
		us = append(us, o.trans.ToWorking(x0, nil))
	} else {
		us = append(us, make([]float64, st.Dim)) // center of the plausible box
	}
	if n > 1 {
		bnds := make([]r1.Interval, st.Dim)
		for i := range bnds {
			bnds[i] = r1.Interval{Min: -1, Max: 1}
		}
		lhs := samplemv.LatinHypercube{
			Q:   distmv.NewUniform(bnds, rand.NewSource(o.opts.Seed+11)),
			Src: rand.NewSource(o.opts.Seed + 13),
		}
		batch := mat.NewDense(n-1, st.Dim, nil)
		lhs.Sample(batch)
		for i := 0; i < n-1; i++ {
			us = append(us, batch.RawRowView(i))
		}
	}
	o.recordBatch(st, o.evalBatch(us))
	st.event(EventInitialDesign)
	if st.Ledger.ValidCount() == 0 {
		return errors.New("vbmc: no valid evaluations in the initial design; target infeasible in the plausible region")
	}
	return nil
}

// activeSample selects up to n new evaluation points by acquisition
// maximization over a mixed candidate set, evaluates them in parallel, and
// merges the results into the ledger.
func (o *Optimizer) activeSample(st *State, n int) {
	if remaining := o.opts.MaxFunEvals - st.Ledger.Count(); remaining < n {
		n = remaining
	}
	if n <= 0 {
		st.event(EventBudgetNoSample)
		return
	}

	maxVal := st.Ledger.MaxValue()
	chosen := make([][]float64, 0, n)
	picks := make([]int, 0, n) // portfolio indices, when hedging
	for j := 0; j < n; j++ {
		f := o.acq
		pick := -1
		if o.portfolio != nil {
			pick, f = o.portfolio.Choose(st.rnd)
		}
		u := o.selectPoint(st, f, maxVal, chosen)
		if u == nil {
			break
		}
		chosen = append(chosen, u)
		picks = append(picks, pick)
	}
	if len(chosen) == 0 {
		return
	}

	outs := o.evalBatch(chosen)
	o.recordBatch(st, outs)
	st.event(EventActiveSample)

	if o.portfolio != nil {
		for i, out := range outs {
			if picks[i] < 0 || !out.valid {
				continue
			}
			if gain := out.y - maxVal; gain > 0 {
				o.portfolio.Update(picks[i], gain)
			} else {
				o.portfolio.Update(picks[i], 0)
			}
		}
	}
}

// selectPoint scores a fresh candidate set and polishes the best candidate
// with a short local search. Points too close to the rest of the batch are
// penalized so one batch spreads out.
func (o *Optimizer) selectPoint(st *State, f acquire.Func, maxVal float64, batch [][]float64) []float64 {
	cands := o.proposeCandidates(st, o.opts.SearchCandidates)
	if len(cands) == 0 {
		return nil
	}
	score := func(u []float64) float64 {
		s := f.LogScore(u, st.Model, st.Post, maxVal)
		return s + repulsion(u, batch, st.Post.Lambda)
	}
	best := cands[0]
	bestS := score(best)
	for _, c := range cands[1:] {
		if s := score(c); s > bestS {
			bestS = s
			best = c
		}
	}
	res, err := o.vopt.Minimize(func(u []float64) float64 { return -score(u) },
		[][]float64{best}, nil)
	if err == nil && -res.F > bestS {
		// Candidates were filtered against the ledger; the polished point
		// was not, so a polish that lands on an evaluated point falls back
		// to the unpolished candidate.
		if _, seen := st.Ledger.Lookup(res.X); !seen {
			best = res.X
		}
	}
	return best
}

// repulsion penalizes candidates near points already selected for this
// batch, on the scale of the posterior length scales.
func repulsion(u []float64, batch [][]float64, lambda []float64) float64 {
	var pen float64
	for _, b := range batch {
		var r2 float64
		for i := range u {
			d := (u[i] - b[i]) / lambda[i]
			r2 += d * d
		}
		pen -= 5 * math.Exp(-0.5*r2)
	}
	return pen
}

// proposeCandidates draws a candidate set from four proposal families:
// the current posterior, a scale-inflated heavy-tailed variant, a
// multivariate-normal moment fit to the HPD training points, and jittered
// perturbations of high-value points. Previously evaluated points are
// filtered through the ledger cache.
func (o *Optimizer) proposeCandidates(st *State, n int) [][]float64 {
	quarter := n / 4
	out := make([][]float64, 0, n)

	// Current posterior.
	for i := 0; i < quarter; i++ {
		out = append(out, st.Post.Rand(st.rnd, nil))
	}

	// Heavy-tailed variant: same mixture, inflated scales.
	heavy := st.Post.Clone()
	for k := range heavy.Sigma {
		heavy.Sigma[k] *= 3
	}
	for i := 0; i < quarter; i++ {
		out = append(out, heavy.Rand(st.rnd, nil))
	}

	// Moment fit to the HPD subset.
	if mvn := o.hpdNormal(st); mvn != nil {
		for i := 0; i < quarter; i++ {
			out = append(out, mvn.Rand(nil))
		}
	}

	// Multi-scale jitters of random high-value points.
	rows, _ := st.hpdWorking(o.opts.HPDFrac)
	for len(out) < n && rows != nil {
		base := rows[st.rnd.Intn(len(rows))]
		scale := math.Pow(2, -float64(st.rnd.Intn(4)))
		u := make([]float64, st.Dim)
		for i := range u {
			u[i] = base[i] + scale*st.Post.Lambda[i]*st.rnd.NormFloat64()
		}
		out = append(out, u)
	}

	// Drop already-evaluated points.
	kept := out[:0]
	for _, u := range out {
		if _, seen := st.Ledger.Lookup(u); !seen {
			kept = append(kept, u)
		}
	}
	return kept
}

// hpdNormal fits a multivariate normal to the HPD training subset, or
// returns nil when the subset is too small or degenerate.
func (o *Optimizer) hpdNormal(st *State) *distmv.Normal {
	xs, _ := st.Ledger.HPD(o.opts.HPDFrac)
	if xs == nil {
		return nil
	}
	r, d := xs.Dims()
	if r < d+2 {
		return nil
	}
	mean := make([]float64, d)
	col := make([]float64, r)
	for i := 0; i < d; i++ {
		mat.Col(col, i, xs)
		mean[i] = stat.Mean(col, nil)
	}
	cov := mat.NewSymDense(d, nil)
	stat.CovarianceMatrix(cov, xs, nil)
	for i := 0; i < d; i++ {
		cov.SetSym(i, i, cov.At(i, i)+1e-8)
	}
	mvn, ok := distmv.NewNormal(mean, cov, rand.NewSource(st.rnd.Uint64()))
	if !ok {
		return nil
	}
	return mvn
}
