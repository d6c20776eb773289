package vbmc

import (
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jdc08161063/vbmc/gp"
	"github.com/jdc08161063/vbmc/ledger"
	"github.com/jdc08161063/vbmc/mixture"
	"github.com/jdc08161063/vbmc/transform"
)

// Event tags something that happened during an iteration. Records carry a
// list of them; rendering to text is purely presentational.
type Event int

const (
	// EventInitialDesign marks the cold-start design evaluation.
	EventInitialDesign Event = iota
	// EventActiveSample marks a regular active-sampling batch.
	EventActiveSample
	// EventSkipSampling marks an iteration that deliberately skipped
	// sampling (the one right after warm-up).
	EventSkipSampling
	// EventBudgetNoSample marks sampling suppressed by budget exhaustion.
	EventBudgetNoSample
	// EventWarmupEnd marks the warm-up to stable transition.
	EventWarmupEnd
	// EventTrim marks the post-warm-up discard of low-value training points.
	EventTrim
	// EventPruneComponents marks removal of low-weight mixture components.
	EventPruneComponents
	// EventStableGPSampling marks the collapse to single-vector
	// hyperparameter estimation (entered once, never exited).
	EventStableGPSampling
	// EventEntropySwitch marks the one-way switch to Monte Carlo entropy.
	EventEntropySwitch
	// EventGPFitFallback marks a failed surrogate fit recovered by keeping
	// the previous model.
	EventGPFitFallback
	// EventVarFitFallback marks a failed variational fit recovered by
	// keeping the previous posterior.
	EventVarFitFallback
)

func (e Event) String() string {
	switch e {
	case EventInitialDesign:
		return "initial-design"
	case EventActiveSample:
		return "active-sample"
	case EventSkipSampling:
		return "skip-sampling"
	case EventBudgetNoSample:
		return "budget-no-sample"
	case EventWarmupEnd:
		return "warmup-end"
	case EventTrim:
		return "trim-training-set"
	case EventPruneComponents:
		return "prune-components"
	case EventStableGPSampling:
		return "stable-gp-sampling"
	case EventEntropySwitch:
		return "entropy-switch-mc"
	case EventGPFitFallback:
		return "gp-fit-fallback"
	case EventVarFitFallback:
		return "varfit-fallback"
	}
	return "unknown-event"
}

// Timings is the per-iteration wall-clock breakdown.
type Timings struct {
	Sampling time.Duration
	GPFit    time.Duration
	VarFit   time.Duration
}

// IterationRecord is an immutable snapshot of one finished iteration. It is
// created once by the bookkeeping step and never mutated afterward.
type IterationRecord struct {
	Iter      int
	FuncCount int
	K         int
	ELBO      float64
	ELBOSD    float64
	// SKL is the symmetrized divergence from the previous iterate's
	// posterior (zero on the first iteration).
	SKL float64
	// Reliability is the trailing-window reliability index after this
	// iteration.
	Reliability float64
	Warmup      bool
	// Stable reports whether this iteration satisfied the per-iteration
	// stability criterion.
	Stable  bool
	Pruned  bool
	Events  []Event
	Timings Timings
	// Posterior is the iterate's variational posterior snapshot.
	Posterior *mixture.Posterior
}

// State is the mutable run state threaded through the loop. It is owned by a
// single run and never shared across concurrent runs.
type State struct {
	RunID string
	Dim   int
	Iter  int

	Ledger *ledger.Ledger
	Trans  *transform.Transform

	// Post is the current variational posterior; Model the current
	// surrogate; GPHypers the warm start for the next surrogate fit.
	Post     *mixture.Posterior
	Model    SurrogateModel
	GPHypers *gp.Hyper

	// HypCov is the exponentially weighted covariance of hyperparameter
	// draws, decayed per additional evaluation.
	HypCov  *mat.SymDense
	hypCovN int

	// RunMean and RunCov are exponentially weighted posterior moments,
	// updated only after an iteration's record is sealed.
	RunMean []float64
	RunCov  *mat.SymDense
	runMomN int

	Warmup bool
	// StableGP reports that hyperparameter sampling has collapsed to the
	// MAP estimate; terminal for the run.
	StableGP bool
	// StochasticEntropy reports the one-way switch to Monte Carlo entropy.
	StochasticEntropy bool
	skipSampling      bool

	// Reliability is the most recent reliability index.
	Reliability float64

	History []IterationRecord

	rnd    *rand.Rand
	events []Event
}

// reliabilityUnknown is the index reported before enough history exists to
// judge stability.
const reliabilityUnknown = 100.0

func (st *State) event(e Event) {
	st.events = append(st.events, e)
}

func (st *State) takeEvents() []Event {
	ev := st.events
	st.events = nil
	return ev
}

// updateRunningMoments folds the current posterior's moments into the
// exponentially weighted running mean and covariance. The decay is driven by
// evaluations consumed, not iterations, since batch sizes vary.
func (st *State) updateRunningMoments(tau float64) {
	mean, cov := st.Post.Moments()
	n := st.Ledger.Count()
	if st.RunMean == nil {
		st.RunMean = mean
		st.RunCov = cov
		st.runMomN = n
		return
	}
	gamma := 1 - math.Exp(-float64(n-st.runMomN)/tau)
	if gamma < 0 {
		gamma = 0
	}
	for i := range st.RunMean {
		st.RunMean[i] += gamma * (mean[i] - st.RunMean[i])
	}
	d := st.RunCov.SymmetricDim()
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			v := st.RunCov.At(i, j) + gamma*(cov.At(i, j)-st.RunCov.At(i, j))
			st.RunCov.SetSym(i, j, v)
		}
	}
	st.runMomN = n
}

// updateHypCov folds the covariance of the latest hyperparameter draws into
// the exponentially weighted estimate used as the next Metropolis proposal.
func (st *State) updateHypCov(draws *mat.Dense, tau float64) {
	r, c := draws.Dims()
	if r < 2 {
		return
	}
	cov := mat.NewSymDense(c, nil)
	stat.CovarianceMatrix(cov, draws, nil)
	// Guard against degenerate chains.
	var tr float64
	for i := 0; i < c; i++ {
		tr += cov.At(i, i)
	}
	if tr <= 0 || math.IsNaN(tr) {
		return
	}
	n := st.Ledger.Count()
	if st.HypCov == nil || st.HypCov.SymmetricDim() != c {
		st.HypCov = cov
		st.hypCovN = n
		return
	}
	gamma := 1 - math.Exp(-float64(n-st.hypCovN)/tau)
	if gamma < 0 {
		gamma = 0
	}
	for i := 0; i < c; i++ {
		for j := i; j < c; j++ {
			v := st.HypCov.At(i, j) + gamma*(cov.At(i, j)-st.HypCov.At(i, j))
			st.HypCov.SetSym(i, j, v)
		}
	}
	st.hypCovN = n
}

// lastRecord returns the most recent record, or nil.
func (st *State) lastRecord() *IterationRecord {
	if len(st.History) == 0 {
		return nil
	}
	return &st.History[len(st.History)-1]
}

// hpdWorking returns the HPD training subset as raw rows, for proposal
// seeding.
func (st *State) hpdWorking(frac float64) ([][]float64, []float64) {
	xs, ys := st.Ledger.HPD(frac)
	if xs == nil {
		return nil, nil
	}
	n, _ := xs.Dims()
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = xs.RawRowView(i)
	}
	return rows, ys
}
