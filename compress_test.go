package flam

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randDense(rng *rand.Rand, r, c int) *mat.Dense {
	d := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d.Set(i, j, rng.NormFloat64())
		}
	}
	return d
}

// idResidual measures ||K[:,rd] - K[:,sk]·T|| / ||K||.
func idResidual(k *mat.Dense, sk, rd []int, T *mat.Dense) float64 {
	m, _ := k.Dims()
	if len(rd) == 0 {
		return 0
	}
	ksk := mat.NewDense(m, len(sk), nil)
	krd := mat.NewDense(m, len(rd), nil)
	for i := 0; i < m; i++ {
		for a, j := range sk {
			ksk.Set(i, a, k.At(i, j))
		}
		for a, j := range rd {
			krd.Set(i, a, k.At(i, j))
		}
	}
	var approx mat.Dense
	if T != nil {
		approx.Mul(ksk, T)
		krd.Sub(krd, &approx)
	}
	return mat.Norm(krd, 2) / mat.Norm(k, 2)
}

func TestIDExactLowRank(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const rank = 3
	var k mat.Dense
	k.Mul(randDense(rng, 30, rank), randDense(rng, rank, 12))

	sk, rd, T, err := IDCompressor{}.Compress(&k, 0, 1e-10)
	require.NoError(t, err)
	assert.Len(t, sk, rank)
	assert.Len(t, rd, 12-rank)
	require.NotNil(t, T)
	tr, tc := T.Dims()
	assert.Equal(t, rank, tr)
	assert.Equal(t, 12-rank, tc)
	assert.Less(t, idResidual(&k, sk, rd, T), 1e-10)

	// The split must be a permutation of the column indices.
	seen := make(map[int]bool)
	for _, j := range append(append([]int{}, sk...), rd...) {
		require.False(t, seen[j], "column %v split twice", j)
		seen[j] = true
	}
	assert.Len(t, seen, 12)
}

func TestIDFixedRank(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const rank = 4
	var k mat.Dense
	k.Mul(randDense(rng, 24, rank), randDense(rng, rank, 10))

	sk, rd, T, err := IDCompressor{}.Compress(&k, rank, 1e-8)
	require.NoError(t, err)
	assert.Len(t, sk, rank)
	assert.Less(t, idResidual(&k, sk, rd, T), 1e-8)

	// Asking for fewer skeletons than the numerical rank must fail
	// loudly rather than truncate.
	_, _, _, err = IDCompressor{}.Compress(&k, rank-1, 1e-8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToleranceUnmet), "err = %v", err)
}

func TestIDFullRank(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	k := randDense(rng, 8, 8)
	// Shift the diagonal so the matrix is far from rank deficient.
	for i := 0; i < 8; i++ {
		k.Set(i, i, k.At(i, i)+8)
	}

	sk, rd, T, err := IDCompressor{}.Compress(k, 0, 1e-13)
	require.NoError(t, err)
	assert.Len(t, sk, 8)
	assert.Empty(t, rd)
	assert.Nil(t, T)
}

func TestIDDuplicateColumns(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	base := randDense(rng, 20, 3)
	k := mat.NewDense(20, 6, nil)
	for i := 0; i < 20; i++ {
		for j := 0; j < 3; j++ {
			k.Set(i, 2*j, base.At(i, j))
			k.Set(i, 2*j+1, base.At(i, j))
		}
	}

	sk, rd, T, err := IDCompressor{}.Compress(k, 0, 1e-12)
	require.NoError(t, err)
	assert.Len(t, sk, 3)
	assert.Len(t, rd, 3)
	assert.Less(t, idResidual(k, sk, rd, T), 1e-12)
}

func TestIDRankClamped(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	k := randDense(rng, 4, 9)

	sk, _, _, err := IDCompressor{}.Compress(k, 100, 0)
	require.NoError(t, err)
	// Rank cannot exceed min(m, n).
	assert.Len(t, sk, 4)
}
