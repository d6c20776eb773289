// Package ledger records every evaluation of the expensive target function:
// the queried point, the observed log density, and whether the observation
// is usable for training. It deduplicates repeated queries through a bounded
// cache keyed on point identity and tracks total budget consumption.
package ledger

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Ledger is the append-only evaluation record for a single run. It is owned
// by one run and is not safe for concurrent mutation; batch evaluators must
// merge their results through a single Record loop.
type Ledger struct {
	dim       int
	cacheSize int

	points [][]float64
	values []float64
	valid  []bool // finite observation, usable in principle
	kept   []bool // not discarded by the warm-up quality trim

	count int // target-function calls consumed against the budget
	cache map[string]int
	keys  []string // insertion order, for cache eviction
}

// New creates an empty ledger for dim-dimensional points. cacheSize bounds
// the number of points retained for duplicate lookup; zero or negative
// disables deduplication.
func New(dim, cacheSize int) *Ledger {
	if dim <= 0 {
		panic("ledger: non-positive dimension")
	}
	return &Ledger{
		dim:       dim,
		cacheSize: cacheSize,
		cache:     make(map[string]int),
	}
}

// Dim returns the point dimensionality.
func (l *Ledger) Dim() int { return l.dim }

// Len returns the number of recorded observations.
func (l *Ledger) Len() int { return len(l.values) }

// Count returns the number of target-function calls consumed so far. Invalid
// evaluations count: the budget pays for the call, not the answer.
func (l *Ledger) Count() int { return l.count }

// Record appends an observation and returns the updated call count. A
// non-finite value is stored but marked invalid regardless of the valid
// argument.
func (l *Ledger) Record(x []float64, y float64, valid bool) int {
	if len(x) != l.dim {
		panic("ledger: dimension mismatch")
	}
	if math.IsNaN(y) || math.IsInf(y, 0) {
		valid = false
	}
	p := append([]float64(nil), x...)
	l.points = append(l.points, p)
	l.values = append(l.values, y)
	l.valid = append(l.valid, valid)
	l.kept = append(l.kept, true)
	l.count++

	if l.cacheSize > 0 {
		k := pointKey(p)
		if _, ok := l.cache[k]; !ok {
			l.cache[k] = len(l.values) - 1
			l.keys = append(l.keys, k)
			if len(l.keys) > l.cacheSize {
				delete(l.cache, l.keys[0])
				l.keys = l.keys[1:]
			}
		}
	}
	return l.count
}

// Lookup returns the recorded value for a previously queried point, if the
// point is still in the duplicate cache and its observation was valid.
func (l *Ledger) Lookup(x []float64) (float64, bool) {
	if l.cacheSize <= 0 {
		return 0, false
	}
	idx, ok := l.cache[pointKey(x)]
	if !ok || !l.valid[idx] {
		return 0, false
	}
	return l.values[idx], true
}

// Training returns the points and values usable for surrogate training:
// valid observations that survived any quality trim. The returned matrix is
// nil when no such observations exist.
func (l *Ledger) Training() (*mat.Dense, []float64) {
	var idx []int
	for i := range l.values {
		if l.valid[i] && l.kept[i] {
			idx = append(idx, i)
		}
	}
	return l.subset(idx)
}

// HPD returns the top frac fraction (by value, at least one point) of the
// training observations: the high-posterior-density subset.
func (l *Ledger) HPD(frac float64) (*mat.Dense, []float64) {
	var idx []int
	for i := range l.values {
		if l.valid[i] && l.kept[i] {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, nil
	}
	if frac >= 1 {
		return l.subset(idx)
	}
	// Selection sort on a copy; training sets are small.
	ord := append([]int(nil), idx...)
	for i := range ord {
		best := i
		for j := i + 1; j < len(ord); j++ {
			if l.values[ord[j]] > l.values[ord[best]] {
				best = j
			}
		}
		ord[i], ord[best] = ord[best], ord[i]
	}
	n := int(math.Ceil(frac * float64(len(ord))))
	if n < 1 {
		n = 1
	}
	return l.subset(ord[:n])
}

// MaxValue returns the largest valid observed value, or -Inf when there is
// none.
func (l *Ledger) MaxValue() float64 {
	best := math.Inf(-1)
	for i, v := range l.values {
		if l.valid[i] && v > best {
			best = v
		}
	}
	return best
}

// ValidCount returns the number of valid observations.
func (l *Ledger) ValidCount() int {
	var n int
	for _, ok := range l.valid {
		if ok {
			n++
		}
	}
	return n
}

// Trim discards (for future training) every valid observation whose value
// lies below minValue, and returns how many observations were discarded.
// Trimmed observations remain in the record; the budget accounting is
// unaffected.
func (l *Ledger) Trim(minValue float64) int {
	var n int
	for i := range l.values {
		if l.valid[i] && l.kept[i] && l.values[i] < minValue {
			l.kept[i] = false
			n++
		}
	}
	return n
}

func (l *Ledger) subset(idx []int) (*mat.Dense, []float64) {
	if len(idx) == 0 {
		return nil, nil
	}
	xs := mat.NewDense(len(idx), l.dim, nil)
	ys := make([]float64, len(idx))
	for i, j := range idx {
		xs.SetRow(i, l.points[j])
		ys[i] = l.values[j]
	}
	return xs, ys
}

// pointKey maps a point to its exact bit pattern, so deduplication triggers
// only on genuinely identical queries.
func pointKey(x []float64) string {
	b := make([]byte, 0, 17*len(x))
	for _, v := range x {
		b = strconv.AppendUint(b, math.Float64bits(v), 16)
		b = append(b, ':')
	}
	return string(b)
}
