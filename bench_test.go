package flam

import (
	"math/rand"
	"testing"
)

func benchSetup(b *testing.B, side int) (*Factorization, []float64) {
	b.Helper()
	lap, pts := gridLaplacian2D(side, 1)
	tr, err := NewTree(pts, 2, 16, 20, nil)
	if err != nil {
		b.Fatal(err)
	}
	f, err := Factor(lap, tr, Config{Symmetry: HermitianPD, Selection: GeometricSelection})
	if err != nil {
		b.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	x := make([]float64, side*side)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	return f, x
}

func BenchmarkFactorGrid32(b *testing.B) {
	lap, pts := gridLaplacian2D(32, 1)
	tr, err := NewTree(pts, 2, 16, 20, nil)
	if err != nil {
		b.Fatal(err)
	}
	cfg := Config{Symmetry: HermitianPD, Selection: GeometricSelection}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Factor(lap, tr, cfg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSolveGrid32(b *testing.B) {
	f, x := benchSetup(b, 32)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Solve(x); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMulGrid32(b *testing.B) {
	f, x := benchSetup(b, 32)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Mul(x); err != nil {
			b.Fatal(err)
		}
	}
}
