package mixture

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SymKL returns the symmetrized Kullback-Leibler divergence between the
// multivariate Gaussians moment-matched to a and b. Matching moments first
// makes the divergence closed-form and deterministic; in particular
// SymKL(p, p) is exactly zero. Non-finite results (degenerate covariances)
// come back as +Inf.
func SymKL(a, b *Posterior) float64 {
	if a.D != b.D {
		panic("mixture: dimension mismatch")
	}
	ma, ca := a.Moments()
	mb, cb := b.Moments()
	kl1, ok1 := klNormal(ma, ca, mb, cb)
	kl2, ok2 := klNormal(mb, cb, ma, ca)
	if !ok1 || !ok2 {
		return math.Inf(1)
	}
	s := 0.5 * (kl1 + kl2)
	if s < 0 {
		// Round-off on nearly identical moments.
		s = 0
	}
	return s
}

// klNormal computes KL(N(m1,c1) || N(m2,c2)).
func klNormal(m1 []float64, c1 *mat.SymDense, m2 []float64, c2 *mat.SymDense) (float64, bool) {
	d := len(m1)
	chol2, ok := factorizeWithJitter(c2)
	if !ok {
		return 0, false
	}
	chol1, ok := factorizeWithJitter(c1)
	if !ok {
		return 0, false
	}

	var x mat.Dense
	if err := chol2.SolveTo(&x, c1); err != nil {
		return 0, false
	}
	tr := mat.Trace(&x)

	diff := mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		diff.SetVec(i, m2[i]-m1[i])
	}
	var sol mat.VecDense
	if err := chol2.SolveVecTo(&sol, diff); err != nil {
		return 0, false
	}
	quad := mat.Dot(diff, &sol)

	kl := 0.5 * (tr + quad - float64(d) + chol2.LogDet() - chol1.LogDet())
	if math.IsNaN(kl) {
		return 0, false
	}
	return kl, true
}

// factorizeWithJitter attempts a Cholesky factorization, adding an escalating
// diagonal jitter when the matrix is numerically indefinite.
func factorizeWithJitter(c *mat.SymDense) (*mat.Cholesky, bool) {
	var chol mat.Cholesky
	if chol.Factorize(c) {
		return &chol, true
	}
	d := c.SymmetricDim()
	jitter := 1e-12
	for try := 0; try < 8; try++ {
		cj := mat.NewSymDense(d, nil)
		cj.CopySym(c)
		for i := 0; i < d; i++ {
			cj.SetSym(i, i, cj.At(i, i)+jitter)
		}
		if chol.Factorize(cj) {
			return &chol, true
		}
		jitter *= 100
	}
	return nil, false
}
