package flam

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"
)

// Compressor is the rank-revealing oracle.  Given an interaction matrix
// whose columns correspond to a block's degrees of freedom, it splits
// the columns into a skeleton set sk and a redundant set rd such that
// K[:,rd] ≈ K[:,sk]·T within the requested rank or relative tolerance.
// T is nil when rd or sk is empty.
type Compressor interface {
	Compress(k *mat.Dense, rank int, tol float64) (sk, rd []int, T *mat.Dense, err error)
}

// IDCompressor computes interpolative decompositions by Householder QR
// with column pivoting.  The skeleton is the set of pivot columns whose
// R diagonal exceeds tol relative to the leading diagonal entry (or the
// first rank pivots when a fixed rank is requested), and T solves the
// leading triangle against the trailing columns.
type IDCompressor struct{}

func (IDCompressor) Compress(k *mat.Dense, rank int, tol float64) ([]int, []int, *mat.Dense, error) {
	m, n := k.Dims()
	if n == 0 {
		return nil, nil, nil, nil
	}
	if m == 0 {
		// Nothing constrains the block; everything is redundant.
		return nil, iota0(n), nil, nil
	}

	// Copy into packed row-major storage; Geqp3 overwrites with R and
	// the Householder reflectors.
	a := blas64.General{Rows: m, Cols: n, Stride: n, Data: make([]float64, m*n)}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			a.Data[i*n+j] = k.At(i, j)
		}
	}
	jpvt := make([]int, n)
	for j := range jpvt {
		jpvt[j] = -1
	}
	minmn := min(m, n)
	tau := make([]float64, minmn)

	work := []float64{0}
	lapack64.Geqp3(a, jpvt, tau, work, -1)
	lwork := int(work[0])
	work = make([]float64, lwork)
	lapack64.Geqp3(a, jpvt, tau, work, lwork)

	diag := func(i int) float64 { return math.Abs(a.Data[i*n+i]) }
	scale := diag(0)

	var kr int
	switch {
	case rank > 0:
		kr = min(rank, minmn)
		if tol > 0 && kr < minmn && scale > 0 && diag(kr) > tol*scale {
			return nil, nil, nil, fmt.Errorf("%w: rank %v leaves residual %.3e > %.3e",
				ErrToleranceUnmet, rank, diag(kr)/scale, tol)
		}
	default:
		// Pseudo-rank: pivoting makes the R diagonal non-increasing in
		// magnitude, so the first entry below the cutoff ends the rank.
		kr = minmn
		for i := 0; i < minmn; i++ {
			if diag(i) <= tol*scale {
				kr = i
				break
			}
		}
	}

	sk := append([]int(nil), jpvt[:kr]...)
	rd := append([]int(nil), jpvt[kr:]...)
	if kr == 0 || kr == n {
		return sk, rd, nil, nil
	}

	// Solve R11·T = R12 for the interpolation coefficients.
	t := blas64.General{Rows: kr, Cols: n - kr, Stride: n - kr, Data: make([]float64, kr*(n-kr))}
	for i := 0; i < kr; i++ {
		copy(t.Data[i*t.Stride:(i+1)*t.Stride], a.Data[i*n+kr:i*n+n])
	}
	r11 := blas64.Triangular{N: kr, Stride: n, Data: a.Data, Uplo: blas.Upper, Diag: blas.NonUnit}
	blas64.Trsm(blas.Left, blas.NoTrans, 1, r11, t)

	return sk, rd, mat.NewDense(kr, n-kr, t.Data), nil
}

func iota0(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
