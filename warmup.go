package vbmc

import "math"

// warmupController decides when the warm-up phase ends. It tracks the best
// lower bound seen and counts consecutive iterations whose
// uncertainty-adjusted improvement stays below the configured threshold;
// once enough pile up, the phase is over. The transition is one-way: after
// done latches, the controller keeps reporting done no matter what it
// observes.
type warmupController struct {
	best  float64
	count int
	done  bool
}

func newWarmupController() *warmupController {
	return &warmupController{best: math.Inf(-1)}
}

// observe feeds one iteration's lower bound and its standard deviation,
// returning whether warm-up is over. The improvement test is optimistic: an
// iteration counts as flat only when even elbo + k*sd fails to beat the
// best seen by the threshold, so a noisy estimate does not end warm-up
// prematurely.
func (w *warmupController) observe(elbo, sd float64, opts Options) bool {
	if w.done {
		return true
	}
	optimistic := elbo + opts.WarmupNoImproveSD*sd
	if optimistic-w.best < opts.WarmupTol {
		w.count++
	} else {
		w.count = 0
	}
	if elbo > w.best {
		w.best = elbo
	}
	if w.count >= opts.WarmupStableIters {
		w.done = true
	}
	return w.done
}
