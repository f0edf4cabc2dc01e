// Package flam builds hierarchical approximate factorizations of
// matrices whose rows and columns are attached to point geometry.  The
// factorization eliminates degrees of freedom level by level through a
// spatial partition tree, compressing interactions between
// well-separated groups with interpolative decompositions (or a purely
// geometric interior test for nearest-neighbor operators).  The result
// replays as multiply, solve, Cholesky-factor application, a
// log-determinant, and diagonal extraction without ever forming a dense
// matrix.
package flam

import (
	"errors"
	"fmt"
)

// Symmetry declares the structure of the operator being factored.  The
// class is fixed at construction and gates which operations are legal.
type Symmetry int

const (
	// General is an arbitrary square operator; local blocks are
	// factored with pivoted LU and both Schur operators are stored.
	General Symmetry = iota
	// Symmetric means A = Aᵀ; compression needs no transposed rows.
	Symmetric
	// Hermitian means A = Aᵀ but possibly indefinite.  Pivoted LDL is
	// not available from the dense backend, so construction falls back
	// to the Symmetric LU path with a visible warning.
	Hermitian
	// HermitianPD means A is symmetric positive definite; local blocks
	// use Cholesky and the factorization exposes CholMul/CholSolve.
	HermitianPD
)

func (s Symmetry) String() string {
	switch s {
	case General:
		return "general"
	case Symmetric:
		return "symmetric"
	case Hermitian:
		return "hermitian"
	case HermitianPD:
		return "hermitian positive definite"
	}
	return fmt.Sprintf("symmetry(%d)", int(s))
}

// Selection chooses how each block's skeleton/redundant split is found.
type Selection int

const (
	// IDSelection compresses the block's external interactions with a
	// rank-revealing interpolative decomposition.
	IDSelection Selection = iota
	// GeometricSelection marks a point redundant iff its interaction
	// stencil stays strictly inside the current box.  Valid for
	// nearest-neighbor (mesh) operators only; the split is exact.
	GeometricSelection
)

// Config controls construction of a Factorization.
type Config struct {
	Symmetry  Symmetry
	Selection Selection

	// Tol is the relative compression tolerance for IDSelection.  Rank,
	// when positive, fixes the skeleton size instead; if both are set
	// the rank is used and the achieved residual must still meet Tol or
	// construction fails.
	Tol  float64
	Rank int

	// SepWidth is the interaction stencil width for GeometricSelection.
	// Zero means estimate it as the minimum nearest-neighbor spacing.
	SepWidth float64

	// ShareSkeletons enables the thin-separator optimization: a point
	// whose external couplings all land on skeletons registered by
	// earlier neighbor blocks on the same level is eliminated against
	// them instead of being kept.  Requires GeometricSelection and an
	// operator with row patterns; blocks are then classified by their
	// live coupling pattern rather than the interior test, since
	// borrowed skeletons put Schur couplings across box boundaries.
	ShareSkeletons bool

	// Proxy supplies far-field surrogate rows for IDSelection.  When
	// nil, compression uses every remaining exterior degree of freedom,
	// which is accurate but quadratic in cost.
	Proxy ProxyMaker

	// Compressor overrides the rank-revealing oracle (default
	// IDCompressor).
	Compressor Compressor

	// Progress, when non-nil, is called after each completed level.
	Progress func(level, blocks, remaining int)
}

func (cfg *Config) validate() error {
	if cfg.Symmetry < General || cfg.Symmetry > HermitianPD {
		return fmt.Errorf("%w: unrecognized symmetry tag %v", ErrInvalidConfig, int(cfg.Symmetry))
	}
	if cfg.Selection != IDSelection && cfg.Selection != GeometricSelection {
		return fmt.Errorf("%w: unrecognized selection mode %v", ErrInvalidConfig, int(cfg.Selection))
	}
	if cfg.Tol < 0 {
		return fmt.Errorf("%w: negative tolerance %v", ErrInvalidConfig, cfg.Tol)
	}
	if cfg.Selection == IDSelection && cfg.Tol == 0 && cfg.Rank <= 0 {
		return fmt.Errorf("%w: IDSelection needs a tolerance or a fixed rank", ErrInvalidConfig)
	}
	if cfg.SepWidth < 0 {
		return fmt.Errorf("%w: negative separator width %v", ErrInvalidConfig, cfg.SepWidth)
	}
	if cfg.ShareSkeletons && cfg.Selection != GeometricSelection {
		return fmt.Errorf("%w: skeleton sharing requires geometric selection", ErrInvalidConfig)
	}
	return nil
}

var (
	// ErrInvalidConfig is returned before any work begins when sizes,
	// occupancy, depth, tolerances, or the symmetry tag are unusable.
	ErrInvalidConfig = errors.New("flam: invalid configuration")

	// ErrToleranceUnmet is returned when the compression oracle cannot
	// certify the requested rank/tolerance combination.  The tolerance
	// is a contract; truncating silently would break the accuracy
	// guarantees of the factorization.
	ErrToleranceUnmet = errors.New("flam: compression tolerance unmet")

	// ErrUnsupported is returned by operations not legal for the
	// factorization's symmetry class.
	ErrUnsupported = errors.New("flam: operation unsupported for symmetry class")
)

// NumericalError reports a failed local dense factorization.  It is
// fatal: a singular or non-positive-definite pivot block violates the
// full-rank-diagonal-block precondition and there is no valid fallback.
type NumericalError struct {
	Level int
	Block int
	Cause string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("flam: local factorization failed at level %v block %v: %v", e.Level, e.Block, e.Cause)
}
