package flam

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

func packGeneral(d *mat.Dense) blas64.General {
	r, c := d.Dims()
	g := blas64.General{Rows: r, Cols: c, Stride: c, Data: make([]float64, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			g.Data[i*c+j] = d.At(i, j)
		}
	}
	return g
}

func randVec(rng *rand.Rand, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	return x
}

func matVec(a *mat.Dense, x []float64, t bool) []float64 {
	n := len(x)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if t {
				y[i] += a.At(j, i) * x[j]
			} else {
				y[i] += a.At(i, j) * x[j]
			}
		}
	}
	return y
}

func TestLURoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const n = 6
	a := randDense(rng, n, n)
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+float64(n))
	}

	lu, ok := newLU(packGeneral(a))
	require.True(t, ok)

	x := randVec(rng, n)

	// Multiply through the packed factors: P·L·U·x.
	y := append([]float64(nil), x...)
	lu.applyU(y, false)
	lu.applyL(y, false)
	lu.permute(y, true)
	want := matVec(a, x, false)
	for i := range want {
		assert.InDelta(t, want[i], y[i], 1e-10)
	}

	// Solve inverts it: U⁻¹·L⁻¹·Pᵀ·(A·x) = x.
	lu.permute(y, false)
	lu.solveL(y, false)
	lu.solveU(y, false)
	for i := range x {
		assert.InDelta(t, x[i], y[i], 1e-10)
	}
}

func TestLUTransposed(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const n = 5
	a := randDense(rng, n, n)
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+float64(n))
	}
	lu, ok := newLU(packGeneral(a))
	require.True(t, ok)

	x := randVec(rng, n)

	// Aᵀ·x = Uᵀ·Lᵀ·Pᵀ·x.
	y := append([]float64(nil), x...)
	lu.permute(y, false)
	lu.applyL(y, true)
	lu.applyU(y, true)
	want := matVec(a, x, true)
	for i := range want {
		assert.InDelta(t, want[i], y[i], 1e-10)
	}

	lu.solveU(y, true)
	lu.solveL(y, true)
	lu.permute(y, true)
	for i := range x {
		assert.InDelta(t, x[i], y[i], 1e-10)
	}
}

func TestLUSingular(t *testing.T) {
	z := blas64.General{Rows: 2, Cols: 2, Stride: 2, Data: make([]float64, 4)}
	_, ok := newLU(z)
	assert.False(t, ok)
}

func TestPermuteInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n = 8
	a := randDense(rng, n, n)
	lu, ok := newLU(packGeneral(a))
	require.True(t, ok)

	x := randVec(rng, n)
	y := append([]float64(nil), x...)
	lu.permute(y, false)
	lu.permute(y, true)
	for i := range x {
		assert.Equal(t, x[i], y[i])
	}
}

func spdMatrix(rng *rand.Rand, n int) *mat.Dense {
	b := randDense(rng, n, n)
	var a mat.Dense
	a.Mul(b, b.T())
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+float64(n))
	}
	return &a
}

func TestCholRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const n = 6
	a := spdMatrix(rng, n)

	ch, ok := newChol(packGeneral(a))
	require.True(t, ok)

	x := randVec(rng, n)

	// A·x = L·Lᵀ·x with applyU standing in for Lᵀ.
	y := append([]float64(nil), x...)
	ch.applyU(y, false)
	ch.applyL(y, false)
	ch.permute(y, true) // no-op for Cholesky
	want := matVec(a, x, false)
	for i := range want {
		assert.InDelta(t, want[i], y[i], 1e-9)
	}

	ch.solveL(y, false)
	ch.solveU(y, false)
	for i := range x {
		assert.InDelta(t, x[i], y[i], 1e-9)
	}
}

func TestCholNotPD(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 2, 1}) // indefinite
	_, ok := newChol(packGeneral(a))
	assert.False(t, ok)
}

func TestLocalLogDet(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const n = 7

	a := randDense(rng, n, n)
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+2)
	}
	var ref mat.LU
	ref.Factorize(a)
	wantLd, wantSign := ref.LogDet()

	lu, ok := newLU(packGeneral(a))
	require.True(t, ok)
	ld, sign := lu.logDet()
	assert.InDelta(t, wantLd, ld, 1e-10)
	assert.Equal(t, wantSign, sign)

	spd := spdMatrix(rng, n)
	var chRef mat.Cholesky
	require.True(t, chRef.Factorize(mat.NewSymDense(n, spd.RawMatrix().Data)))
	ch, ok := newChol(packGeneral(spd))
	require.True(t, ok)
	ld, sign = ch.logDet()
	assert.InDelta(t, chRef.LogDet(), ld, 1e-9)
	assert.Equal(t, 1.0, sign)
}

func TestSolveURight(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	const n = 5
	a := randDense(rng, n, n)
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+float64(n))
	}
	lu, ok := newLU(packGeneral(a))
	require.True(t, ok)

	b := packGeneral(randDense(rng, 3, n))
	orig := append([]float64(nil), b.Data...)
	lu.solveURight(b)

	// Each result row r satisfies r·U = original row, i.e. Uᵀ·rᵀ
	// reproduces the row.
	for i := 0; i < b.Rows; i++ {
		row := append([]float64(nil), b.Data[i*b.Stride:i*b.Stride+n]...)
		lu.applyU(row, true)
		for j := 0; j < n; j++ {
			assert.InDelta(t, orig[i*b.Stride+j], row[j], 1e-10)
		}
	}
}
