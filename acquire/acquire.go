// Package acquire scores candidate evaluation points for the active
// sampler. An acquisition function balances surrogate uncertainty against
// posterior mass; the sampler maximizes it over a candidate set drawn from
// several proposal distributions.
package acquire

import (
	"math"

	"github.com/jdc08161063/vbmc/mixture"
)

// Predictor is the slice of the surrogate the acquisition functions need.
type Predictor interface {
	Predict(x []float64) (mean, variance float64)
}

// Func scores working-space candidate points; higher is more promising. The
// score is returned in log space so the magnitudes stay comparable across
// very small densities.
type Func interface {
	LogScore(x []float64, m Predictor, q *mixture.Posterior, maxValue float64) float64
}

// Prospective weights surrogate uncertainty by the variational posterior
// density and by the surrogate's predicted density relative to the best
// observed value, seeking points that are both uncertain and likely to
// carry posterior mass.
type Prospective struct{}

// LogScore implements Func.
func (Prospective) LogScore(x []float64, m Predictor, q *mixture.Posterior, maxValue float64) float64 {
	mean, variance := m.Predict(x)
	return safeLog(variance) + q.LogProb(x) + (mean - maxValue)
}

// Uncertainty is plain uncertainty sampling under the variational posterior:
// variance times squared posterior density, ignoring the predicted value.
type Uncertainty struct{}

// LogScore implements Func.
func (Uncertainty) LogScore(x []float64, m Predictor, q *mixture.Posterior, maxValue float64) float64 {
	_, variance := m.Predict(x)
	return safeLog(variance) + 2*q.LogProb(x)
}

func safeLog(v float64) float64 {
	if v <= 0 {
		return math.Log(1e-300)
	}
	return math.Log(v)
}
