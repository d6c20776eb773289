package vbmc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jdc08161063/vbmc/gp"
)

// Options is the flat run configuration. Every threshold of the warm-up,
// termination, and sampling heuristics lives here; the defaults follow the
// usual prescriptions but none of them is load-bearing law.
type Options struct {
	// MaxIter is the iteration budget. Zero means 50 * (2 + D).
	MaxIter int
	// MaxFunEvals is the target-evaluation budget. Zero means 50 * (2 + D).
	MaxFunEvals int
	// MinFunEvals is the number of evaluations required before any
	// stability-based exit is permitted. Zero means 5 * D.
	MinFunEvals int
	// FunEvalsPerIter is the batch size per iteration after the cold start.
	FunEvalsPerIter int
	// InitDesignCount is the cold-start design size (first iteration batch).
	InitDesignCount int
	// SearchCandidates is the candidate-set size per selected point.
	SearchCandidates int
	// CacheSize bounds the duplicate-evaluation cache in the ledger.
	CacheSize int

	// KWarmup is the component count held through warm-up.
	KWarmup int
	// KMax caps the mixture size.
	KMax int
	// KIncrement is added to the component schedule after a stable iteration.
	KIncrement int
	// TolWeight prunes mixture components below this weight.
	TolWeight float64
	// StochasticEntropyK switches the entropy estimate from the
	// deterministic bound to Monte Carlo once the component count reaches
	// this value. The switch is one-way.
	StochasticEntropyK int
	// EntropyMCSamples is the Monte Carlo sample count for reported entropy.
	EntropyMCSamples int
	// QuadSamplesPerComp is the number of quadrature samples per mixture
	// component in the expected-log-density estimate.
	QuadSamplesPerComp int
	// FixedWeights keeps the mixture weights uniform for the whole run.
	FixedWeights bool

	// FullRestarts and CheapRestarts control the variational multistart:
	// FullRestarts long searches plus CheapRestarts short ones.
	FullRestarts  int
	CheapRestarts int
	// FullOptIter and CheapOptIter cap the respective local searches.
	FullOptIter  int
	CheapOptIter int

	// HPDFrac is the top fraction of training points (by value) used to fit
	// the surrogate.
	HPDFrac float64
	// MeanFunc selects the surrogate mean family.
	MeanFunc gp.MeanKind
	// GPRestarts and GPMaxIter control the hyperparameter MAP search.
	GPRestarts int
	GPMaxIter  int
	// HypSampleMax is the hyperparameter draw count early in the run; the
	// requested count decays with evaluations and reliability.
	HypSampleMax int
	// HypCovTau is the evaluation-count scale of the exponentially weighted
	// hyperparameter-covariance update.
	HypCovTau float64
	// StableGPThreshold: once the reliability index falls below it after
	// warm-up, hyperparameter sampling collapses to the MAP estimate for the
	// rest of the run.
	StableGPThreshold float64

	// WarmupTol is the noise-aware ELBO improvement below which a warm-up
	// iteration counts as flat.
	WarmupTol float64
	// WarmupStableIters is the number of consecutive flat iterations ending
	// warm-up.
	WarmupStableIters int
	// WarmupNoImproveSD scales the ELBO uncertainty in the flatness test.
	WarmupNoImproveSD float64
	// TrimThreshold: at the end of warm-up, training points more than
	// TrimThreshold * D below the best observed value are discarded.
	TrimThreshold float64
	// SkipSampleAfterWarmup skips active sampling for the iteration right
	// after warm-up ends.
	SkipSampleAfterWarmup bool

	// TolStableIters is the trailing-window width of the stability test.
	TolStableIters int
	// TolStableExcess is the number of tolerated exceptions in the window.
	TolStableExcess int
	// TolELBOChange, TolELBOSD and TolSKL are the per-iteration tolerances
	// on ELBO change, ELBO uncertainty, and symmetrized divergence.
	TolELBOChange float64
	TolELBOSD     float64
	TolSKL        float64
	// ReliabilityGood is the reliability-index value regarded as "good"
	// (per-iteration stability).
	ReliabilityGood float64

	// BestFrac is the trailing fraction of iterations admissible for the
	// final answer when no iteration was stable.
	BestFrac float64
	// BestSafeSD is the uncertainty multiplier of the lower-confidence-bound
	// score used to select the final iterate.
	BestSafeSD float64

	// AcqPortfolio enables the experimental acquisition hedge.
	AcqPortfolio bool

	// Concurrency bounds parallel batch evaluation and multistart fits.
	// Zero means 4.
	Concurrency int
	// Seed seeds all randomness of the run. Zero means 1.
	Seed uint64
	// Logger receives structured per-iteration diagnostics. Nil means no
	// logging.
	Logger *zap.Logger
}

// DefaultOptions returns the default configuration. Budget-like fields that
// depend on the dimension are resolved in New when left zero.
func DefaultOptions() Options {
	return Options{
		FunEvalsPerIter:       5,
		InitDesignCount:       10,
		SearchCandidates:      150,
		CacheSize:             500,
		KWarmup:               2,
		KMax:                  50,
		KIncrement:            2,
		TolWeight:             1e-2,
		StochasticEntropyK:    8,
		EntropyMCSamples:      2000,
		QuadSamplesPerComp:    60,
		FullRestarts:          2,
		CheapRestarts:         8,
		FullOptIter:           300,
		CheapOptIter:          75,
		HPDFrac:               0.8,
		MeanFunc:              gp.MeanNegQuad,
		GPRestarts:            3,
		GPMaxIter:             150,
		HypSampleMax:          8,
		HypCovTau:             20,
		StableGPThreshold:     1,
		WarmupTol:             0.1,
		WarmupStableIters:     3,
		WarmupNoImproveSD:     1,
		TrimThreshold:         10,
		SkipSampleAfterWarmup: true,
		TolStableIters:        8,
		TolStableExcess:       2,
		TolELBOChange:         0.1,
		TolELBOSD:             0.1,
		TolSKL:                0.05,
		ReliabilityGood:       1,
		BestFrac:              0.25,
		BestSafeSD:            3,
	}
}

// resolve fills dimension-dependent zero budgets.
func (o *Options) resolve(d int) {
	if o.MaxIter == 0 {
		o.MaxIter = 50 * (2 + d)
	}
	if o.MaxFunEvals == 0 {
		o.MaxFunEvals = 50 * (2 + d)
	}
	if o.MinFunEvals == 0 {
		o.MinFunEvals = 5 * d
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
}

func (o Options) validate() error {
	switch {
	case o.MaxIter < 1:
		return fmt.Errorf("vbmc: MaxIter must be positive, got %d", o.MaxIter)
	case o.MaxFunEvals < 1:
		return fmt.Errorf("vbmc: MaxFunEvals must be positive, got %d", o.MaxFunEvals)
	case o.FunEvalsPerIter < 1:
		return fmt.Errorf("vbmc: FunEvalsPerIter must be positive, got %d", o.FunEvalsPerIter)
	case o.InitDesignCount < 1:
		return fmt.Errorf("vbmc: InitDesignCount must be positive, got %d", o.InitDesignCount)
	case o.SearchCandidates < 4:
		return fmt.Errorf("vbmc: SearchCandidates must be at least 4, got %d", o.SearchCandidates)
	case o.KWarmup < 1 || o.KMax < o.KWarmup:
		return fmt.Errorf("vbmc: need 1 <= KWarmup <= KMax, got %d, %d", o.KWarmup, o.KMax)
	case o.TolWeight < 0 || o.TolWeight >= 1:
		return fmt.Errorf("vbmc: TolWeight must lie in [0, 1), got %g", o.TolWeight)
	case o.QuadSamplesPerComp < 1:
		return fmt.Errorf("vbmc: QuadSamplesPerComp must be positive, got %d", o.QuadSamplesPerComp)
	case o.EntropyMCSamples < 1:
		return fmt.Errorf("vbmc: EntropyMCSamples must be positive, got %d", o.EntropyMCSamples)
	case o.HPDFrac <= 0 || o.HPDFrac > 1:
		return fmt.Errorf("vbmc: HPDFrac must lie in (0, 1], got %g", o.HPDFrac)
	case !o.MeanFunc.Valid():
		return fmt.Errorf("vbmc: unsupported mean function %v", o.MeanFunc)
	case o.WarmupStableIters < 1:
		return fmt.Errorf("vbmc: WarmupStableIters must be positive, got %d", o.WarmupStableIters)
	case o.WarmupTol <= 0:
		return fmt.Errorf("vbmc: WarmupTol must be positive, got %g", o.WarmupTol)
	case o.TrimThreshold <= 0:
		return fmt.Errorf("vbmc: TrimThreshold must be positive, got %g", o.TrimThreshold)
	case o.TolStableIters < 2:
		return fmt.Errorf("vbmc: TolStableIters must be at least 2, got %d", o.TolStableIters)
	case o.TolStableExcess < 0 || o.TolStableExcess >= o.TolStableIters:
		return fmt.Errorf("vbmc: TolStableExcess must lie in [0, TolStableIters), got %d", o.TolStableExcess)
	case o.TolELBOChange <= 0 || o.TolELBOSD <= 0 || o.TolSKL <= 0:
		return fmt.Errorf("vbmc: stability tolerances must be positive")
	case o.ReliabilityGood <= 0:
		return fmt.Errorf("vbmc: ReliabilityGood must be positive, got %g", o.ReliabilityGood)
	case o.BestFrac <= 0 || o.BestFrac > 1:
		return fmt.Errorf("vbmc: BestFrac must lie in (0, 1], got %g", o.BestFrac)
	case o.BestSafeSD < 0:
		return fmt.Errorf("vbmc: BestSafeSD must be non-negative, got %g", o.BestSafeSD)
	case o.FullRestarts < 0 || o.CheapRestarts < 0 || o.FullRestarts+o.CheapRestarts < 1:
		return fmt.Errorf("vbmc: need at least one variational restart")
	case o.HypSampleMax < 1:
		return fmt.Errorf("vbmc: HypSampleMax must be positive, got %d", o.HypSampleMax)
	case o.HypCovTau <= 0:
		return fmt.Errorf("vbmc: HypCovTau must be positive, got %g", o.HypCovTau)
	}
	return nil
}
