package flam

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// The factorization replays as two sweeps over the record store: an up
// sweep in construction order and a down sweep in exact reverse.  Each
// record touches only its own skeleton and redundant entries of the
// work vector, so a sweep is a sequence of small gathers, dense
// triangular/GEMV kernels, and scatters.

type applyMode int

const (
	opMul applyMode = iota
	opMulTrans
	opSolve
	opSolveTrans
)

type sweepBuf struct {
	xs, xr []float64
}

func (f *Factorization) newBuf() *sweepBuf {
	return &sweepBuf{
		xs: make([]float64, f.maxBlk),
		xr: make([]float64, f.maxBlk),
	}
}

func (f *Factorization) checkLen(x []float64) error {
	if len(x) != f.n {
		return fmt.Errorf("%w: vector length %v for order-%v factorization", ErrInvalidConfig, len(x), f.n)
	}
	return nil
}

func gatherVec(x []float64, idx []int, buf []float64) []float64 {
	b := buf[:len(idx)]
	for k, i := range idx {
		b[k] = x[i]
	}
	return b
}

func scatterVec(x []float64, idx []int, b []float64) {
	for k, i := range idx {
		x[i] = b[k]
	}
}

// addT accumulates xs += alpha·T·xr; addTT accumulates xr += alpha·Tᵀ·xs.
func (r *factorRecord) addT(alpha float64, xr, xs []float64) {
	if r.t == nil {
		return
	}
	gemv(r.t.RawMatrix(), false, alpha, xr, xs)
}

func (r *factorRecord) addTT(alpha float64, xs, xr []float64) {
	if r.t == nil {
		return
	}
	gemv(r.t.RawMatrix(), true, alpha, xs, xr)
}

// addG accumulates with the second Schur operator.  Cholesky records
// never store g; there G = Eᵀ and the work routes through e with the
// transpose flipped.
func (r *factorRecord) addG(t bool, alpha float64, x, y []float64) {
	if r.g.Rows > 0 && r.g.Cols > 0 {
		gemv(r.g, t, alpha, x, y)
		return
	}
	gemv(r.e, !t, alpha, x, y)
}

func (r *factorRecord) upStep(mode applyMode, b *sweepBuf, x []float64) {
	xs := gatherVec(x, r.sk, b.xs)
	xr := gatherVec(x, r.rd, b.xr)
	switch mode {
	case opMul:
		r.addT(1, xr, xs)
		r.loc.applyU(xr, false)
		r.addG(false, 1, xs, xr)
	case opMulTrans:
		r.addT(1, xr, xs)
		r.loc.permute(xr, false)
		r.loc.applyL(xr, true)
		gemv(r.e, true, 1, xs, xr)
	case opSolve:
		r.addTT(-1, xs, xr)
		r.loc.permute(xr, false)
		r.loc.solveL(xr, false)
		gemv(r.e, false, -1, xr, xs)
	case opSolveTrans:
		r.addTT(-1, xs, xr)
		r.loc.solveU(xr, true)
		r.addG(true, -1, xr, xs)
	}
	scatterVec(x, r.sk, xs)
	scatterVec(x, r.rd, xr)
}

func (r *factorRecord) downStep(mode applyMode, b *sweepBuf, x []float64) {
	xs := gatherVec(x, r.sk, b.xs)
	xr := gatherVec(x, r.rd, b.xr)
	switch mode {
	case opMul:
		gemv(r.e, false, 1, xr, xs)
		r.loc.applyL(xr, false)
		r.loc.permute(xr, true)
		r.addTT(1, xs, xr)
	case opMulTrans:
		r.addG(true, 1, xr, xs)
		r.loc.applyU(xr, true)
		r.addTT(1, xs, xr)
	case opSolve:
		r.addG(false, -1, xs, xr)
		r.loc.solveU(xr, false)
		r.addT(-1, xr, xs)
	case opSolveTrans:
		gemv(r.e, true, -1, xs, xr)
		r.loc.solveL(xr, true)
		r.loc.permute(xr, true)
		r.addT(-1, xr, xs)
	}
	scatterVec(x, r.sk, xs)
	scatterVec(x, r.rd, xr)
}

// sweep runs the full two-sweep replay in place.
func (f *Factorization) sweep(mode applyMode, x []float64, b *sweepBuf) {
	for i := range f.recs {
		f.recs[i].upStep(mode, b, x)
	}
	for i := len(f.recs) - 1; i >= 0; i-- {
		f.recs[i].downStep(mode, b, x)
	}
}

func (f *Factorization) applyVec(mode applyMode, x []float64) ([]float64, error) {
	if err := f.checkLen(x); err != nil {
		return nil, err
	}
	y := append([]float64(nil), x...)
	f.sweep(mode, y, f.newBuf())
	return y, nil
}

// Mul returns the factorized operator applied to x.
func (f *Factorization) Mul(x []float64) ([]float64, error) {
	return f.applyVec(opMul, x)
}

// MulTrans returns the transposed operator applied to x.  For the
// symmetric classes this coincides with Mul up to roundoff.
func (f *Factorization) MulTrans(x []float64) ([]float64, error) {
	return f.applyVec(opMulTrans, x)
}

// Solve returns the solution of the factorized system A·y = x.
func (f *Factorization) Solve(x []float64) ([]float64, error) {
	return f.applyVec(opSolve, x)
}

// SolveTrans solves Aᵀ·y = x.
func (f *Factorization) SolveTrans(x []float64) ([]float64, error) {
	return f.applyVec(opSolveTrans, x)
}

// The Cholesky-variant operations replay a single sweep of the
// generalized factor W with A = W·Wᵀ.  Only HermitianPD factorizations
// carry the local factors those sweeps need.
func (f *Factorization) cholOK() error {
	if f.sym != HermitianPD {
		return fmt.Errorf("%w: cholesky application needs a positive definite factorization, have %v", ErrUnsupported, f.sym)
	}
	return nil
}

// CholMul applies the generalized Cholesky factor: W·x, or Wᵀ·x when
// adjoint is set.
func (f *Factorization) CholMul(x []float64, adjoint bool) ([]float64, error) {
	if err := f.cholOK(); err != nil {
		return nil, err
	}
	if err := f.checkLen(x); err != nil {
		return nil, err
	}
	y := append([]float64(nil), x...)
	b := f.newBuf()
	if adjoint {
		for i := range f.recs {
			r := &f.recs[i]
			xs := gatherVec(y, r.sk, b.xs)
			xr := gatherVec(y, r.rd, b.xr)
			r.addT(1, xr, xs)
			r.loc.applyL(xr, true)
			gemv(r.e, true, 1, xs, xr)
			scatterVec(y, r.sk, xs)
			scatterVec(y, r.rd, xr)
		}
		return y, nil
	}
	for i := len(f.recs) - 1; i >= 0; i-- {
		r := &f.recs[i]
		xs := gatherVec(y, r.sk, b.xs)
		xr := gatherVec(y, r.rd, b.xr)
		gemv(r.e, false, 1, xr, xs)
		r.loc.applyL(xr, false)
		r.addTT(1, xs, xr)
		scatterVec(y, r.sk, xs)
		scatterVec(y, r.rd, xr)
	}
	return y, nil
}

// CholSolve applies the inverse factor: W⁻¹·x, or W⁻ᵀ·x when adjoint
// is set.
func (f *Factorization) CholSolve(x []float64, adjoint bool) ([]float64, error) {
	if err := f.cholOK(); err != nil {
		return nil, err
	}
	if err := f.checkLen(x); err != nil {
		return nil, err
	}
	y := append([]float64(nil), x...)
	b := f.newBuf()
	if adjoint {
		for i := len(f.recs) - 1; i >= 0; i-- {
			r := &f.recs[i]
			xs := gatherVec(y, r.sk, b.xs)
			xr := gatherVec(y, r.rd, b.xr)
			gemv(r.e, true, -1, xs, xr)
			r.loc.solveL(xr, true)
			r.addT(-1, xr, xs)
			scatterVec(y, r.sk, xs)
			scatterVec(y, r.rd, xr)
		}
		return y, nil
	}
	for i := range f.recs {
		r := &f.recs[i]
		xs := gatherVec(y, r.sk, b.xs)
		xr := gatherVec(y, r.rd, b.xr)
		r.addTT(-1, xs, xr)
		r.loc.solveL(xr, false)
		gemv(r.e, false, -1, xr, xs)
		scatterVec(y, r.sk, xs)
		scatterVec(y, r.rd, xr)
	}
	return y, nil
}

// LogDet returns log|det A| and the sign of the determinant.  The outer
// factors of every record are unit triangular, so the determinant is
// the product of the local pivot blocks.
func (f *Factorization) LogDet() (ld, sign float64) {
	sign = 1
	for i := range f.recs {
		l, s := f.recs[i].loc.logDet()
		ld += l
		sign *= s
	}
	return ld, sign
}

// applyMat runs one mode over every column of b in parallel.  Columns
// are independent, so the work pool shares nothing but the read-only
// record store.
func (f *Factorization) applyMat(mode applyMode, b *mat.Dense) (*mat.Dense, error) {
	r, c := b.Dims()
	if r != f.n {
		return nil, fmt.Errorf("%w: %v rows for order-%v factorization", ErrInvalidConfig, r, f.n)
	}
	out := mat.NewDense(r, c, nil)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(runtime.GOMAXPROCS(0), c); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := f.newBuf()
			x := make([]float64, f.n)
			for j := range jobs {
				for i := 0; i < f.n; i++ {
					x[i] = b.At(i, j)
				}
				f.sweep(mode, x, buf)
				for i := 0; i < f.n; i++ {
					out.Set(i, j, x[i])
				}
			}
		}()
	}
	for j := 0; j < c; j++ {
		jobs <- j
	}
	close(jobs)
	wg.Wait()
	return out, nil
}

// MulMat applies the operator to every column of b.
func (f *Factorization) MulMat(b *mat.Dense) (*mat.Dense, error) {
	return f.applyMat(opMul, b)
}

// SolveMat solves against every column of b.
func (f *Factorization) SolveMat(b *mat.Dense) (*mat.Dense, error) {
	return f.applyMat(opSolve, b)
}

// Diag extracts the diagonal of the compressed operator by probing with
// unit vectors, one parallel solve-free sweep per entry.
func (f *Factorization) Diag() []float64 {
	return f.probeDiag(opMul)
}

// SolveDiag extracts the diagonal of the inverse operator.
func (f *Factorization) SolveDiag() []float64 {
	return f.probeDiag(opSolve)
}

func (f *Factorization) probeDiag(mode applyMode) []float64 {
	d := make([]float64, f.n)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(runtime.GOMAXPROCS(0), f.n); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := f.newBuf()
			x := make([]float64, f.n)
			for i := range jobs {
				for k := range x {
					x[k] = 0
				}
				x[i] = 1
				f.sweep(mode, x, buf)
				d[i] = x[i]
			}
		}()
	}
	for i := 0; i < f.n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return d
}

// DiagAt probes a single diagonal entry of the compressed operator.
func (f *Factorization) DiagAt(i int) (float64, error) {
	if i < 0 || i >= f.n {
		return 0, fmt.Errorf("%w: diagonal index %v out of range [0,%v)", ErrInvalidConfig, i, f.n)
	}
	x := make([]float64, f.n)
	x[i] = 1
	f.sweep(opMul, x, f.newBuf())
	return x[i], nil
}
