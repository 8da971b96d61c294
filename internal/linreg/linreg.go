// Package linreg provides the least-squares solve shared by the
// seasonal and anomaly fitters.
package linreg

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var ErrRankDeficient = errors.New("design matrix is rank deficient")

// Relative singular-value cutoff below which a column is treated as
// linearly dependent.
const rankTol = 1e-10

// Solve fits y ≈ X·b by ordinary least squares via SVD and returns b.
// Returns ErrRankDeficient when X has fewer rows than columns or its
// columns are (numerically) linearly dependent.
func Solve(x *mat.Dense, y []float64) ([]float64, error) {
	n, p := x.Dims()
	if n < p {
		return nil, ErrRankDeficient
	}
	if len(y) != n {
		return nil, errors.New("response length does not match design rows")
	}

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return nil, errors.New("svd did not converge")
	}
	sv := svd.Values(nil)
	if sv[0] == 0 || sv[p-1] < rankTol*sv[0] {
		return nil, ErrRankDeficient
	}

	var coef mat.VecDense
	svd.SolveVecTo(&coef, mat.NewVecDense(n, y), p)

	b := make([]float64, p)
	for i := range b {
		b[i] = coef.AtVec(i)
	}
	return b, nil
}
