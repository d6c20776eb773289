package vbmc

import (
	"errors"
	"math"

	"go.uber.org/zap"
)

// hypSamplesWanted returns the number of hyperparameter draws to request
// from the surrogate fit: decreasing in the number of evaluations and in the
// reliability index, collapsing to one once stable-GP sampling is entered.
func (o *Optimizer) hypSamplesWanted(st *State) int {
	if st.StableGP {
		return 1
	}
	n := st.Ledger.Count()
	if n < 10 {
		n = 10
	}
	base := float64(o.opts.HypSampleMax) * math.Sqrt(10/float64(n))

	// Scale down as the run approaches stability.
	factor := st.Reliability / o.opts.ReliabilityGood
	if factor > 1 {
		factor = 1
	}
	if factor < 0.25 {
		factor = 0.25
	}
	ns := int(math.Round(base * factor))
	if ns < 1 {
		ns = 1
	}
	return ns
}

// maybeEnterStableGP performs the one-way transition to single-vector
// hyperparameter estimation once the run looks reliably stable.
func (o *Optimizer) maybeEnterStableGP(st *State) {
	if st.StableGP || st.Warmup {
		return
	}
	if len(st.History) == 0 || st.Reliability >= o.opts.StableGPThreshold {
		return
	}
	st.StableGP = true
	st.event(EventStableGPSampling)
}

// fitSurrogate refits the surrogate on the HPD subset of the ledger. A
// failed fit keeps the previous model and is fatal only when no model exists
// at all (which can only happen with degenerate initial data).
func (o *Optimizer) fitSurrogate(st *State) error {
	xs, ys := st.Ledger.HPD(o.opts.HPDFrac)
	if xs == nil {
		return errors.New("vbmc: no valid training data for the surrogate")
	}
	o.maybeEnterStableGP(st)
	ns := o.hypSamplesWanted(st)

	model, err := o.surr.Fit(xs, ys, ns, st.GPHypers, st.HypCov)
	if err != nil {
		if st.Model == nil {
			return err
		}
		st.event(EventGPFitFallback)
		o.log.Warn("surrogate fit failed, keeping previous model",
			zap.String("run", st.RunID), zap.Int("iter", st.Iter), zap.Error(err))
		return nil
	}
	st.Model = model
	h := model.MAP()
	st.GPHypers = &h
	st.updateHypCov(model.HyperVectors(), o.opts.HypCovTau)
	return nil
}
