package vbmc

import (
	"golang.org/x/exp/rand"

	"github.com/jdc08161063/vbmc/mixture"
)

// Result is the outcome of a finished run.
type Result struct {
	// RunID identifies the run in logs and diagnostics.
	RunID string
	// Posterior is the selected variational posterior.
	Posterior *mixture.Posterior
	// Mean is the posterior mean in the original space.
	Mean []float64
	// ELBO and ELBOSD are the selected iterate's lower bound on the log
	// marginal likelihood and its uncertainty.
	ELBO   float64
	ELBOSD float64
	// ExitCode is ExitBudget or ExitConverged; Converged mirrors it.
	ExitCode  int
	Converged bool
	// Reason is a human-readable account of why the loop stopped.
	Reason string
	// Iterations and FuncCount are the consumed budgets.
	Iterations int
	FuncCount  int
	// Reliability is the final reliability index.
	Reliability float64
	// History is the full per-iteration diagnostic record.
	History []IterationRecord
}

// finish selects the best iterate and assembles the result. Choosing an
// iterate that was never flagged stable downgrades the exit code to
// ExitBudget regardless of why the loop stopped.
func (o *Optimizer) finish(st *State, code int, reason string) *Result {
	best := selectBest(st.History, o.opts)
	rec := st.History[best]
	if !rec.Stable && code == ExitConverged {
		code = ExitBudget
		reason += "; selected iterate not stable, downgraded to not converged"
	}
	post := rec.Posterior.Clone()
	mean := post.OriginalMean(4096, rand.New(rand.NewSource(o.opts.Seed+17)))
	return &Result{
		RunID:       st.RunID,
		Posterior:   post,
		Mean:        mean,
		ELBO:        rec.ELBO,
		ELBOSD:      rec.ELBOSD,
		ExitCode:    code,
		Converged:   code == ExitConverged,
		Reason:      reason,
		Iterations:  st.Iter,
		FuncCount:   st.Ledger.Count(),
		Reliability: st.Reliability,
		History:     st.History,
	}
}
