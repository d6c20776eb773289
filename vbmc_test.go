package vbmc

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdc08161063/vbmc/mixture"
	"github.com/jdc08161063/vbmc/transform"
)

// newTestPosterior builds a small posterior over [-10, 10]^d with the
// plausible box [-2, 2]^d, for tests that need a valid transform attached.
func newTestPosterior(d int) *mixture.Posterior {
	lb := make([]float64, d)
	ub := make([]float64, d)
	plb := make([]float64, d)
	pub := make([]float64, d)
	for i := 0; i < d; i++ {
		lb[i], ub[i] = -10, 10
		plb[i], pub[i] = -2, 2
	}
	tr, err := transform.New(lb, ub, plb, pub)
	if err != nil {
		panic(err)
	}
	return mixture.New(2, d, tr)
}

func constSlice(d int, v float64) []float64 {
	s := make([]float64, d)
	for i := range s {
		s[i] = v
	}
	return s
}

// gaussianTarget is an unnormalized log-density centered at mean with unit
// scales.
func gaussianTarget(mean []float64) Target {
	return func(x []float64) float64 {
		var s float64
		for i := range x {
			d := x[i] - mean[i]
			s += d * d
		}
		return -0.5 * s
	}
}

func TestRunGaussian2D(t *testing.T) {
	if testing.Short() {
		t.Skip("full inference run")
	}
	d := 2
	truth := []float64{1, -1}
	opts := DefaultOptions()
	opts.Seed = 1
	opts.MaxFunEvals = 200
	opts.MaxIter = 60

	o, err := New(gaussianTarget(truth),
		constSlice(d, -10), constSlice(d, 10),
		constSlice(d, -2), constSlice(d, 2), opts)
	require.NoError(t, err)

	res, err := o.Run([]float64{0, 0})
	require.NoError(t, err)
	require.NotNil(t, res.Posterior)

	assert.Equal(t, ExitConverged, res.ExitCode, "reason: %s", res.Reason)
	assert.True(t, res.Converged)
	require.Len(t, res.Mean, d)
	for i := range truth {
		assert.InDelta(t, truth[i], res.Mean[i], 0.5, "posterior mean, dimension %d", i)
	}
	assert.True(t, math.IsInf(res.ELBO, 0) == false && !math.IsNaN(res.ELBO))
	assert.LessOrEqual(t, res.FuncCount, opts.MaxFunEvals)

	// Posterior weights stay a simplex through pruning and selection.
	var wsum float64
	for _, w := range res.Posterior.W {
		assert.GreaterOrEqual(t, w, 0.0)
		wsum += w
	}
	assert.InDelta(t, 1.0, wsum, 1e-9)
}

func TestRunBudgetExhaustion(t *testing.T) {
	d := 2
	opts := DefaultOptions()
	opts.Seed = 2
	opts.MaxFunEvals = 5 * d // consumed entirely by the initial design

	o, err := New(gaussianTarget([]float64{0, 0}),
		constSlice(d, -10), constSlice(d, 10),
		constSlice(d, -2), constSlice(d, 2), opts)
	require.NoError(t, err)

	res, err := o.Run(nil)
	require.NoError(t, err)

	assert.Equal(t, ExitBudget, res.ExitCode)
	assert.False(t, res.Converged)
	assert.Equal(t, 5*d, res.FuncCount, "the run must stop exactly at exhaustion")
	assert.Contains(t, res.Reason, "budget")
}

func TestIterationRecordsSealed(t *testing.T) {
	d := 2
	opts := DefaultOptions()
	opts.Seed = 8
	opts.MaxFunEvals = 5 * d

	o, err := New(gaussianTarget([]float64{0, 0}),
		constSlice(d, -10), constSlice(d, 10),
		constSlice(d, -2), constSlice(d, 2), opts)
	require.NoError(t, err)

	res, err := o.Run(nil)
	require.NoError(t, err)
	require.Len(t, res.History, 1)

	// The record carries the iteration's events and reliability as sealed:
	// the cold-start design event, and the not-enough-history index.
	rec := res.History[0]
	assert.Contains(t, rec.Events, EventInitialDesign)
	assert.Equal(t, reliabilityUnknown, rec.Reliability)
	assert.Equal(t, res.Reliability, rec.Reliability)
}

func TestRunInfeasibleTarget(t *testing.T) {
	d := 2
	opts := DefaultOptions()
	opts.Seed = 3
	opts.MaxFunEvals = 20

	o, err := New(func(x []float64) float64 { return math.NaN() },
		constSlice(d, -10), constSlice(d, 10),
		constSlice(d, -2), constSlice(d, 2), opts)
	require.NoError(t, err)

	_, err = o.Run(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "infeasible")
}

func TestRunPartiallyInvalidTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("full inference run")
	}
	d := 2
	truth := []float64{-1, 0}
	base := gaussianTarget(truth)
	target := func(x []float64) float64 {
		if x[0] > 2 { // an invalid plateau inside the hard bounds
			return math.NaN()
		}
		return base(x)
	}
	opts := DefaultOptions()
	opts.Seed = 4
	opts.MaxFunEvals = 60
	opts.MaxIter = 12

	o, err := New(target,
		constSlice(d, -10), constSlice(d, 10),
		constSlice(d, -2), constSlice(d, 2), opts)
	require.NoError(t, err)

	res, err := o.Run(nil)
	require.NoError(t, err, "invalid evaluations must not abort the loop")
	require.NotEmpty(t, res.History)
	for _, rec := range res.History {
		assert.False(t, math.IsNaN(rec.ELBO), "iteration %d produced a NaN bound", rec.Iter)
	}
	assert.LessOrEqual(t, res.FuncCount, opts.MaxFunEvals)
}

func TestRunPanickingTarget(t *testing.T) {
	d := 2
	truth := []float64{0, 0}
	base := gaussianTarget(truth)
	target := func(x []float64) float64 {
		if x[1] > 1.5 {
			panic("simulated model failure")
		}
		return base(x)
	}
	opts := DefaultOptions()
	opts.Seed = 5
	opts.MaxFunEvals = 5 * d

	o, err := New(target,
		constSlice(d, -10), constSlice(d, 10),
		constSlice(d, -2), constSlice(d, 2), opts)
	require.NoError(t, err)

	res, err := o.Run(nil)
	require.NoError(t, err, "a panicking target is an invalid evaluation, not a crash")
	assert.Equal(t, ExitBudget, res.ExitCode)
}

func TestRunDeterministicForSeed(t *testing.T) {
	d := 2
	opts := DefaultOptions()
	opts.Seed = 6
	opts.MaxFunEvals = 5 * d

	run := func() *Result {
		o, err := New(gaussianTarget([]float64{1, -1}),
			constSlice(d, -10), constSlice(d, 10),
			constSlice(d, -2), constSlice(d, 2), opts)
		require.NoError(t, err)
		res, err := o.Run([]float64{0, 0})
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	assert.Equal(t, a.FuncCount, b.FuncCount)
	assert.Equal(t, a.Iterations, b.Iterations)
	assert.InDelta(t, a.ELBO, b.ELBO, 1e-9)
}

func TestNewConfigErrors(t *testing.T) {
	d := 2
	lb := constSlice(d, -10)
	ub := constSlice(d, 10)
	plb := constSlice(d, -2)
	pub := constSlice(d, 2)
	target := gaussianTarget([]float64{0, 0})

	t.Run("nil target", func(t *testing.T) {
		_, err := New(nil, lb, ub, plb, pub, DefaultOptions())
		require.Error(t, err)
	})
	t.Run("empty bounds", func(t *testing.T) {
		_, err := New(target, nil, nil, nil, nil, DefaultOptions())
		require.Error(t, err)
	})
	t.Run("inverted bounds", func(t *testing.T) {
		_, err := New(target, ub, lb, plb, pub, DefaultOptions())
		require.Error(t, err)
	})
	t.Run("plausible outside hard", func(t *testing.T) {
		_, err := New(target, lb, ub, constSlice(d, -20), pub, DefaultOptions())
		require.Error(t, err)
	})
	t.Run("bad options", func(t *testing.T) {
		opts := DefaultOptions()
		opts.HPDFrac = 2
		_, err := New(target, lb, ub, plb, pub, opts)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "HPDFrac"))
	})
	t.Run("start point dimension", func(t *testing.T) {
		o, err := New(target, lb, ub, plb, pub, DefaultOptions())
		require.NoError(t, err)
		_, err = o.Run([]float64{0})
		require.Error(t, err)
	})
	t.Run("start point out of bounds", func(t *testing.T) {
		o, err := New(target, lb, ub, plb, pub, DefaultOptions())
		require.NoError(t, err)
		_, err = o.Run([]float64{50, 0})
		require.Error(t, err)
	})
}
