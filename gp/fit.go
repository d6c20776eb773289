package gp

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// defaultHyper derives prior centers (and the default starting point) from
// the training data: length scales from the column spreads, output scale
// from the value spread, small noise, and the mean anchored at the best
// observed point.
func defaultHyper(x *mat.Dense, y []float64, kind MeanKind) Hyper {
	n, d := x.Dims()
	h := Hyper{
		LogLength: make([]float64, d),
		Mean:      make([]float64, meanLen(d, kind)),
	}
	col := make([]float64, n)
	spreads := make([]float64, d)
	for i := 0; i < d; i++ {
		mat.Col(col, i, x)
		sd := stat.StdDev(col, nil)
		if sd <= 0 || math.IsNaN(sd) {
			sd = 1
		}
		spreads[i] = sd
		h.LogLength[i] = math.Log(sd)
	}
	sdy := stat.StdDev(y, nil)
	if sdy <= 0 || math.IsNaN(sdy) {
		sdy = 1
	}
	h.LogOutput = math.Log(sdy)
	h.LogNoise = math.Log(1e-3*sdy + 1e-5)

	best := 0
	for i, v := range y {
		if v > y[best] {
			best = i
		}
	}
	h.Mean[0] = floats.Max(y)
	if kind == MeanNegQuad {
		for i := 0; i < d; i++ {
			h.Mean[1+i] = x.At(best, i)
			h.Mean[1+d+i] = math.Log(2 * spreads[i])
		}
	}
	return h
}

// negLogPosterior is the negative log marginal likelihood plus a weak
// Gaussian prior pulling the hyperparameters toward their data-driven
// centers. Non-finite or unfactorizable configurations return +Inf.
func negLogPosterior(theta []float64, x *mat.Dense, y []float64, kind MeanKind, theta0 []float64) float64 {
	if !isFiniteVec(theta) {
		return math.Inf(1)
	}
	n, d := x.Dims()
	h := hyperFromVector(theta, d, kind)
	chol, alpha, ok := factorize(x, y, kind, h)
	if !ok {
		return math.Inf(1)
	}
	resid := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		resid.SetVec(i, y[i]-h.meanAt(kind, x.RawRowView(i)))
	}
	nll := 0.5*mat.Dot(resid, alpha) + 0.5*chol.LogDet() + 0.5*float64(n)*math.Log(2*math.Pi)

	// Weak prior, sd 3 in log space (and on the mean parameters).
	const priorSD = 3.0
	for i := range theta {
		z := (theta[i] - theta0[i]) / priorSD
		nll += 0.5 * z * z
	}
	if math.IsNaN(nll) {
		return math.Inf(1)
	}
	return nll
}

// factorize builds the kernel matrix for h, factorizes it with escalating
// jitter, and returns the factorization together with alpha = K^-1 (y - m).
func factorize(x *mat.Dense, y []float64, kind MeanKind, h Hyper) (*mat.Cholesky, *mat.VecDense, bool) {
	n, _ := x.Dims()
	sf2 := math.Exp(2 * h.LogOutput)
	sn2 := math.Exp(2 * h.LogNoise)
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := x.RawRowView(i)
		k.SetSym(i, i, sf2+sn2)
		for j := i + 1; j < n; j++ {
			k.SetSym(i, j, sf2*seCorr(h.LogLength, xi, x.RawRowView(j)))
		}
	}

	var chol mat.Cholesky
	jitter := 1e-10 * sf2
	ok := chol.Factorize(k)
	for try := 0; !ok && try < 6; try++ {
		for i := 0; i < n; i++ {
			k.SetSym(i, i, k.At(i, i)+jitter)
		}
		jitter *= 100
		ok = chol.Factorize(k)
	}
	if !ok {
		return nil, nil, false
	}

	resid := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		resid.SetVec(i, y[i]-h.meanAt(kind, x.RawRowView(i)))
	}
	var alpha mat.VecDense
	if err := chol.SolveVecTo(&alpha, resid); err != nil {
		return nil, nil, false
	}
	return &chol, &alpha, true
}

// searchMAP runs a small multistart Nelder-Mead over the hyperparameters and
// returns the best vector found. The first start is the warm start, the
// second the prior center, and the rest jitters of the better of the two.
func searchMAP(obj func([]float64) float64, warm, theta0 []float64, cfg Config, rnd *rand.Rand) []float64 {
	restarts := cfg.Restarts
	if restarts < 1 {
		restarts = 1
	}
	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = 200
	}

	best := append([]float64(nil), warm...)
	bestF := obj(best)
	if f0 := obj(theta0); f0 < bestF {
		best = append([]float64(nil), theta0...)
		bestF = f0
	}

	starts := make([][]float64, 0, restarts+1)
	starts = append(starts, append([]float64(nil), warm...))
	if restarts > 1 {
		starts = append(starts, append([]float64(nil), theta0...))
	}
	for len(starts) < restarts {
		s := make([]float64, len(best))
		for i := range s {
			s[i] = best[i] + 0.3*rnd.NormFloat64()
		}
		starts = append(starts, s)
	}

	p := optimize.Problem{Func: obj}
	settings := &optimize.Settings{MajorIterations: maxIter}
	for _, s := range starts {
		r, err := optimize.Minimize(p, s, settings, &optimize.NelderMead{})
		if r == nil {
			continue
		}
		if (err == nil || r.F < math.Inf(1)) && r.F < bestF && isFiniteVec(r.X) {
			bestF = r.F
			best = append(best[:0], r.X...)
		}
	}
	return best
}

// metropolis draws hyperparameter samples from the (unnormalized) posterior
// exp(-obj) by a random-walk Metropolis chain started at the MAP vector.
// propCov, when usable, shapes the proposal; otherwise an isotropic step is
// used. The chain is thinned so consecutive returned draws are loosely
// coupled.
func metropolis(obj func([]float64) float64, start []float64, n, d int, kind MeanKind, propCov *mat.SymDense, rnd *rand.Rand) []Hyper {
	const thin = 5
	dim := len(start)

	var chol *mat.Cholesky
	if propCov != nil && propCov.SymmetricDim() == dim {
		var c mat.Cholesky
		if c.Factorize(propCov) {
			chol = &c
		}
	}
	step := make([]float64, dim)
	propose := func(cur, dst []float64) {
		for i := range step {
			step[i] = rnd.NormFloat64()
		}
		if chol != nil {
			var l mat.TriDense
			chol.LTo(&l)
			sv := mat.NewVecDense(dim, step)
			var out mat.VecDense
			out.MulVec(&l, sv)
			for i := range dst {
				dst[i] = cur[i] + 0.5*out.AtVec(i)
			}
			return
		}
		for i := range dst {
			dst[i] = cur[i] + 0.1*step[i]
		}
	}

	cur := append([]float64(nil), start...)
	curF := obj(cur)
	prop := make([]float64, dim)
	out := make([]Hyper, 0, n)
	for len(out) < n {
		for t := 0; t < thin; t++ {
			propose(cur, prop)
			pf := obj(prop)
			if pf <= curF || rnd.Float64() < math.Exp(curF-pf) {
				copy(cur, prop)
				curF = pf
			}
		}
		out = append(out, hyperFromVector(cur, d, kind))
	}
	return out
}
