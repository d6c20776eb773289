package vbmc

import (
	"fmt"
	"math"
)

// perIterIndex is the per-iteration stability index: the mean of the ELBO
// change, the ELBO uncertainty, and the posterior divergence, each scaled by
// its tolerance. Values at or below one mean the iteration moved within
// tolerance on average.
func perIterIndex(prev, cur *IterationRecord, opts Options) float64 {
	dElbo := math.Abs(cur.ELBO-prev.ELBO) / opts.TolELBOChange
	sd := cur.ELBOSD / opts.TolELBOSD
	skl := cur.SKL / opts.TolSKL
	return (dElbo + sd + skl) / 3
}

// reliabilityIndex summarizes the trailing window: the mean per-iteration
// index over the last TolStableIters consecutive record pairs. With fewer
// than one pair of history it reports reliabilityUnknown. It is recomputed
// every iteration whether or not termination fires.
func reliabilityIndex(hist []IterationRecord, opts Options) float64 {
	if len(hist) < 2 {
		return reliabilityUnknown
	}
	w := opts.TolStableIters
	if w > len(hist)-1 {
		w = len(hist) - 1
	}
	var sum float64
	for i := len(hist) - w; i < len(hist); i++ {
		sum += perIterIndex(&hist[i-1], &hist[i], opts)
	}
	return sum / float64(w)
}

// iterationStable reports whether the just-built record satisfies the
// per-iteration stability criterion. It is evaluated once, when the record
// is sealed.
func (o *Optimizer) iterationStable(st *State, rec *IterationRecord) bool {
	prev := st.lastRecord()
	if prev == nil || rec.Warmup {
		return false
	}
	if rec.FuncCount < o.opts.MinFunEvals {
		return false
	}
	return perIterIndex(prev, rec, o.opts) <= o.opts.ReliabilityGood
}

// checkTermination inspects the history and budgets. Stop conditions in
// order: hard budget exhaustion (exit code ExitBudget), then trailing-window
// statistical stability with a tolerated number of exceptions (exit code
// ExitConverged).
func (o *Optimizer) checkTermination(st *State) (stop bool, code int, reason string) {
	if st.Ledger.Count() >= o.opts.MaxFunEvals {
		return true, ExitBudget, fmt.Sprintf("evaluation budget exhausted (%d evaluations)", st.Ledger.Count())
	}
	if st.Iter >= o.opts.MaxIter {
		return true, ExitBudget, fmt.Sprintf("iteration budget exhausted (%d iterations)", st.Iter)
	}
	if st.Warmup || st.Ledger.Count() < o.opts.MinFunEvals {
		return false, 0, ""
	}
	w := o.opts.TolStableIters
	if len(st.History) < w+1 {
		return false, 0, ""
	}
	// Exceptions are iterations, not record pairs: one outlier iteration
	// breaks both pairs it takes part in, so a run of L consecutive broken
	// pairs is attributed to ceil(L/2) outliers.
	var violations, run int
	for i := len(st.History) - w; i < len(st.History); i++ {
		if perIterIndex(&st.History[i-1], &st.History[i], o.opts) > o.opts.ReliabilityGood {
			run++
		} else {
			violations += (run + 1) / 2
			run = 0
		}
	}
	violations += (run + 1) / 2
	if violations <= o.opts.TolStableExcess {
		return true, ExitConverged, fmt.Sprintf("probable convergence (%d of %d window iterations within tolerance)", w-violations, w)
	}
	return false, 0, ""
}

// selectBest picks the iterate to report: among records flagged stable when
// any exist, otherwise within the trailing BestFrac of the history, the one
// maximizing the lower-confidence-bound score elbo - BestSafeSD * sd.
func selectBest(hist []IterationRecord, opts Options) int {
	var cands []int
	for i := range hist {
		if hist[i].Stable {
			cands = append(cands, i)
		}
	}
	if cands == nil {
		tail := int(math.Ceil(opts.BestFrac * float64(len(hist))))
		if tail < 1 {
			tail = 1
		}
		for i := len(hist) - tail; i < len(hist); i++ {
			cands = append(cands, i)
		}
	}
	best := cands[0]
	bestScore := math.Inf(-1)
	for _, i := range cands {
		score := hist[i].ELBO - opts.BestSafeSD*hist[i].ELBOSD
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}
