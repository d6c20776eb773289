// Package vbmc approximates an intractable posterior over a box-bounded
// continuous parameter vector from a small number of evaluations of an
// expensive, possibly noisy, unnormalized log-density. The algorithm follows
// Acerbi's Variational Bayesian Monte Carlo:
//
//	Luigi Acerbi. "Variational Bayesian Monte Carlo". Advances in Neural
//	Information Processing Systems 31 (2018).
//
// Each iteration actively samples new evaluation points, refits a Gaussian
// process surrogate to everything seen so far, optimizes a
// mixture-of-Gaussians variational posterior against the surrogate by
// quadrature, and applies statistical stopping rules. The run returns the
// fitted posterior together with a lower bound on the log marginal
// likelihood (ELBO) and its uncertainty.
package vbmc

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/jdc08161063/vbmc/acquire"
	"github.com/jdc08161063/vbmc/gp"
	"github.com/jdc08161063/vbmc/ledger"
	"github.com/jdc08161063/vbmc/minimize"
	"github.com/jdc08161063/vbmc/mixture"
	"github.com/jdc08161063/vbmc/transform"
)

// Target is the expensive unnormalized log-density, evaluated in the
// original (bounded) space. Non-finite return values and panics are treated
// as invalid evaluations, not fatal errors.
type Target func(x []float64) float64

// SurrogateModel is the fitted-surrogate contract consumed by the loop.
type SurrogateModel interface {
	// Predict returns the predictive mean and variance at a working-space
	// point.
	Predict(x []float64) (mean, variance float64)
	// NumSamples returns the number of hyperparameter draws backing the
	// model.
	NumSamples() int
	// HyperVectors returns the flattened draws, one per row.
	HyperVectors() *mat.Dense
	// MAP returns the point-estimate hyperparameters.
	MAP() gp.Hyper
}

// Surrogate fits surrogate models; injected at construction.
type Surrogate interface {
	// Fit trains on the rows of xs with values ys, requesting nSamples
	// hyperparameter draws. warm optionally seeds the search with the
	// previous fit; propCov optionally shapes the draw proposal.
	Fit(xs *mat.Dense, ys []float64, nSamples int, warm *gp.Hyper, propCov *mat.SymDense) (SurrogateModel, error)
}

// Optimizer coordinates one or more runs of the inference loop. Collaborators
// are injected at construction and may be replaced before Run.
type Optimizer struct {
	target Target
	opts   Options
	trans  *transform.Transform

	surr      Surrogate
	acq       acquire.Func
	portfolio *acquire.Portfolio
	vopt      minimize.Optimizer

	log *zap.Logger
}

// Exit codes of a finished run.
const (
	// ExitBudget: the run stopped on budget exhaustion without satisfying
	// the stability condition.
	ExitBudget = 0
	// ExitConverged: the trailing-window stability condition held.
	ExitConverged = 1
)

// New validates the configuration and builds an Optimizer for the given
// target and bounds. lb/ub are hard bounds, plb/pub plausible bounds, all of
// the same length; the problem dimension is their length. Configuration
// errors are returned immediately and no partial run is attempted.
func New(target Target, lb, ub, plb, pub []float64, opts Options) (*Optimizer, error) {
	if target == nil {
		return nil, errors.New("vbmc: nil target function")
	}
	if len(lb) == 0 {
		return nil, errors.New("vbmc: empty bounds; the problem dimension is taken from them")
	}
	tr, err := transform.New(lb, ub, plb, pub)
	if err != nil {
		return nil, err
	}
	opts.resolve(tr.Dim())
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	o := &Optimizer{
		target: target,
		opts:   opts,
		trans:  tr,
		surr: gpSurrogate{cfg: gp.Config{
			Mean:     opts.MeanFunc,
			Restarts: opts.GPRestarts,
			MaxIter:  opts.GPMaxIter,
			Src:      rand.NewSource(opts.Seed + 7),
		}},
		acq:  acquire.Prospective{},
		vopt: minimize.MultiStart{Concurrency: opts.Concurrency},
		log:  log,
	}
	if opts.AcqPortfolio {
		o.portfolio = acquire.NewPortfolio([]acquire.Func{acquire.Prospective{}, acquire.Uncertainty{}}, 0)
	}
	return o, nil
}

// SetSurrogate replaces the surrogate collaborator. Must be called before
// Run.
func (o *Optimizer) SetSurrogate(s Surrogate) { o.surr = s }

// SetAcquisition replaces the acquisition function. Must be called before
// Run.
func (o *Optimizer) SetAcquisition(f acquire.Func) { o.acq = f }

// SetLocalOptimizer replaces the multistart local optimizer. Must be called
// before Run.
func (o *Optimizer) SetLocalOptimizer(m minimize.Optimizer) { o.vopt = m }

// gpSurrogate is the default Surrogate backed by package gp.
type gpSurrogate struct {
	cfg gp.Config
}

func (s gpSurrogate) Fit(xs *mat.Dense, ys []float64, nSamples int, warm *gp.Hyper, propCov *mat.SymDense) (SurrogateModel, error) {
	m, err := gp.Fit(xs, ys, s.cfg, nSamples, warm, propCov)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Run executes the inference loop. x0 is the starting point in the original
// space; nil starts from the center of the plausible box. The run consumes
// at most the configured budgets and never aborts mid-loop because of a
// single bad evaluation or failed local fit.
func (o *Optimizer) Run(x0 []float64) (*Result, error) {
	if x0 != nil {
		if len(x0) != o.trans.Dim() {
			return nil, fmt.Errorf("vbmc: starting point has dimension %d, bounds have %d", len(x0), o.trans.Dim())
		}
		if !o.trans.InBounds(x0) {
			return nil, errors.New("vbmc: starting point outside hard bounds")
		}
	}

	st := o.newState()
	warm := newWarmupController()
	o.log.Info("run started",
		zap.String("run", st.RunID),
		zap.Int("dim", st.Dim),
		zap.Int("maxFunEvals", o.opts.MaxFunEvals),
		zap.Int("maxIter", o.opts.MaxIter))

	if err := o.initialDesign(st, x0); err != nil {
		return nil, err
	}

	var stop bool
	var code int
	var reason string
	for !stop {
		st.Iter++
		var tm Timings

		// Active sampling.
		t0 := time.Now()
		switch {
		case st.skipSampling:
			st.skipSampling = false
			st.event(EventSkipSampling)
		case st.Iter > 1:
			o.activeSample(st, o.opts.FunEvalsPerIter)
		}
		tm.Sampling = time.Since(t0)

		// Surrogate refit over the updated ledger.
		t0 = time.Now()
		if err := o.fitSurrogate(st); err != nil {
			return nil, err
		}
		tm.GPFit = time.Since(t0)

		// Variational refit against the surrogate.
		t0 = time.Now()
		prev := st.Post
		fit := o.fitVariational(st)
		tm.VarFit = time.Since(t0)

		skl := mixture.SymKL(fit.post, prev)
		st.Post = fit.post

		rec := IterationRecord{
			Iter:      st.Iter,
			FuncCount: st.Ledger.Count(),
			K:         fit.post.K,
			ELBO:      fit.elbo,
			ELBOSD:    fit.elboSD,
			SKL:       skl,
			Warmup:    st.Warmup,
			Pruned:    fit.pruned,
			Timings:   tm,
			Posterior: fit.post.Clone(),
		}
		rec.Stable = o.iterationStable(st, &rec)
		withRec := append(st.History[:len(st.History):len(st.History)], rec)
		st.Reliability = reliabilityIndex(withRec, o.opts)
		rec.Reliability = st.Reliability
		st.updateRunningMoments(o.opts.HypCovTau)

		// Warm-up phase detection.
		if st.Warmup && warm.observe(fit.elbo, fit.elboSD, o.opts) {
			o.endWarmup(st)
		}

		// Seal the record with everything that happened this iteration and
		// only then append; records in History are never written again.
		rec.Events = st.takeEvents()
		st.History = append(st.History, rec)

		stop, code, reason = o.checkTermination(st)
		o.logIteration(st, &st.History[len(st.History)-1])
	}

	res := o.finish(st, code, reason)
	o.log.Info("run finished",
		zap.String("run", st.RunID),
		zap.Int("exitCode", res.ExitCode),
		zap.String("reason", res.Reason),
		zap.Float64("elbo", res.ELBO),
		zap.Int("funcCount", res.FuncCount))
	return res, nil
}

func (o *Optimizer) newState() *State {
	d := o.trans.Dim()
	post := mixture.New(o.opts.KWarmup, d, o.trans)
	// A mildly concentrated start inside the plausible box.
	for i := 0; i < post.K; i++ {
		post.Sigma[i] = 0.5
	}
	return &State{
		RunID:       uuid.NewString(),
		Dim:         d,
		Ledger:      ledger.New(d, o.opts.CacheSize),
		Trans:       o.trans,
		Post:        post,
		Warmup:      true,
		Reliability: reliabilityUnknown,
		rnd:         rand.New(rand.NewSource(o.opts.Seed)),
	}
}

// endWarmup performs the one-way transition out of warm-up: re-enables
// weight optimization, trims low-quality exploratory evaluations from future
// surrogate fits, and optionally skips the next sampling round.
func (o *Optimizer) endWarmup(st *State) {
	st.Warmup = false
	st.event(EventWarmupEnd)
	cut := st.Ledger.MaxValue() - o.opts.TrimThreshold*float64(st.Dim)
	if n := st.Ledger.Trim(cut); n > 0 {
		st.event(EventTrim)
		o.log.Debug("trimmed training set", zap.String("run", st.RunID), zap.Int("discarded", n))
	}
	if o.opts.SkipSampleAfterWarmup {
		st.skipSampling = true
	}
}

func (o *Optimizer) logIteration(st *State, rec *IterationRecord) {
	evs := make([]string, len(rec.Events))
	for i, e := range rec.Events {
		evs[i] = e.String()
	}
	o.log.Debug("iteration",
		zap.String("run", st.RunID),
		zap.Int("iter", rec.Iter),
		zap.Int("funcCount", rec.FuncCount),
		zap.Int("k", rec.K),
		zap.Float64("elbo", rec.ELBO),
		zap.Float64("elboSD", rec.ELBOSD),
		zap.Float64("skl", rec.SKL),
		zap.Float64("reliability", rec.Reliability),
		zap.Bool("warmup", rec.Warmup),
		zap.Bool("stable", rec.Stable),
		zap.Strings("events", evs),
		zap.Duration("tSample", rec.Timings.Sampling),
		zap.Duration("tGPFit", rec.Timings.GPFit),
		zap.Duration("tVarFit", rec.Timings.VarFit))
}
