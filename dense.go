package flam

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
)

type localKind int

const (
	localLU localKind = iota
	localChol
)

// localFactor is the dense factorization of one block's redundant ×
// redundant submatrix.  For LU the packed storage holds L (unit lower)
// and U with row pivots; for Cholesky the lower triangle holds L and
// the factored operator reads D = P·L·U with P = I and U = Lᵀ, which
// lets the application sweeps treat both kinds uniformly.
type localFactor struct {
	kind localKind
	n    int
	a    blas64.General
	ipiv []int
}

func newLU(a blas64.General) (localFactor, bool) {
	ipiv := make([]int, a.Rows)
	ok := lapack64.Getrf(a, ipiv)
	if ok {
		// Getrf can succeed with a zero trailing pivot on some paths;
		// a zero diagonal is singular either way.
		for i := 0; i < a.Rows; i++ {
			if a.Data[i*a.Stride+i] == 0 {
				ok = false
				break
			}
		}
	}
	return localFactor{kind: localLU, n: a.Rows, a: a, ipiv: ipiv}, ok
}

func newChol(a blas64.General) (localFactor, bool) {
	sym := blas64.Symmetric{N: a.Rows, Stride: a.Stride, Data: a.Data, Uplo: blas.Lower}
	_, ok := lapack64.Potrf(sym)
	return localFactor{kind: localChol, n: a.Rows, a: a}, ok
}

func (f *localFactor) lower() blas64.Triangular {
	diag := blas.NonUnit
	if f.kind == localLU {
		diag = blas.Unit
	}
	return blas64.Triangular{N: f.n, Stride: f.a.Stride, Data: f.a.Data, Uplo: blas.Lower, Diag: diag}
}

func (f *localFactor) upperTri() blas64.Triangular {
	return blas64.Triangular{N: f.n, Stride: f.a.Stride, Data: f.a.Data, Uplo: blas.Upper, Diag: blas.NonUnit}
}

func trans(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

func vec(x []float64) blas64.Vector { return blas64.Vector{N: len(x), Data: x, Inc: 1} }

// applyL computes x = op(L)·x.
func (f *localFactor) applyL(x []float64, t bool) {
	if f.n == 0 {
		return
	}
	blas64.Trmv(trans(t), f.lower(), vec(x))
}

// applyU computes x = op(U)·x, with U = Lᵀ in the Cholesky case.
func (f *localFactor) applyU(x []float64, t bool) {
	if f.n == 0 {
		return
	}
	if f.kind == localChol {
		blas64.Trmv(trans(!t), f.lower(), vec(x))
		return
	}
	blas64.Trmv(trans(t), f.upperTri(), vec(x))
}

func (f *localFactor) solveL(x []float64, t bool) {
	if f.n == 0 {
		return
	}
	blas64.Trsv(trans(t), f.lower(), vec(x))
}

func (f *localFactor) solveU(x []float64, t bool) {
	if f.n == 0 {
		return
	}
	if f.kind == localChol {
		blas64.Trsv(trans(!t), f.lower(), vec(x))
		return
	}
	blas64.Trsv(trans(t), f.upperTri(), vec(x))
}

// permute applies the LU row permutation: Pᵀ·x when inverse is false
// (the same swap sequence Getrf applied), P·x when true.
func (f *localFactor) permute(x []float64, inverse bool) {
	if f.kind != localLU {
		return
	}
	if !inverse {
		for i := 0; i < f.n; i++ {
			x[i], x[f.ipiv[i]] = x[f.ipiv[i]], x[i]
		}
		return
	}
	for i := f.n - 1; i >= 0; i-- {
		x[i], x[f.ipiv[i]] = x[f.ipiv[i]], x[i]
	}
}

// solveURight overwrites b with b·U⁻¹.
func (f *localFactor) solveURight(b blas64.General) {
	if f.n == 0 || b.Rows == 0 {
		return
	}
	if f.kind == localChol {
		blas64.Trsm(blas.Right, blas.Trans, 1, f.lower(), b)
		return
	}
	blas64.Trsm(blas.Right, blas.NoTrans, 1, f.upperTri(), b)
}

// solvePLLeft overwrites b with L⁻¹·Pᵀ·b.
func (f *localFactor) solvePLLeft(b blas64.General) {
	if f.n == 0 || b.Cols == 0 {
		return
	}
	if f.kind == localLU {
		for i := 0; i < f.n; i++ {
			if p := f.ipiv[i]; p != i {
				ri := b.Data[i*b.Stride : i*b.Stride+b.Cols]
				rp := b.Data[p*b.Stride : p*b.Stride+b.Cols]
				for j := range ri {
					ri[j], rp[j] = rp[j], ri[j]
				}
			}
		}
	}
	blas64.Trsm(blas.Left, blas.NoTrans, 1, f.lower(), b)
}

// logDet returns the log |det| of the local block and its sign.  The
// Cholesky contribution is doubled; the LU sign folds in the pivot
// permutation parity.
func (f *localFactor) logDet() (ld, sign float64) {
	sign = 1
	if f.kind == localChol {
		for i := 0; i < f.n; i++ {
			ld += 2 * math.Log(f.a.Data[i*f.a.Stride+i])
		}
		return ld, sign
	}
	for i := 0; i < f.n; i++ {
		u := f.a.Data[i*f.a.Stride+i]
		ld += math.Log(math.Abs(u))
		if u < 0 {
			sign = -sign
		}
		if f.ipiv[i] != i {
			sign = -sign
		}
	}
	return ld, sign
}

// gemv accumulates y += alpha·op(a)·x, skipping empty operands.
func gemv(a blas64.General, t bool, alpha float64, x, y []float64) {
	if a.Rows == 0 || a.Cols == 0 {
		return
	}
	blas64.Gemv(trans(t), alpha, a, vec(x), 1, vec(y))
}
