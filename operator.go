package flam

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Operator is the matrix-entry oracle.  The factorization never asks
// for the whole matrix, only for submatrices indexed by explicit row
// and column lists.
type Operator interface {
	Dims() (r, c int)
	// Slice writes the rows×cols submatrix into dst, which is pre-sized
	// to len(rows) by len(cols).
	Slice(rows, cols []int, dst *mat.Dense)
}

// Patterned is an optional extension reporting the sparsity pattern of
// a row.  Neighbor-skeleton sharing requires it.
type Patterned interface {
	NonzeroCols(row int) []int
}

// MatOperator adapts any gonum matrix into an Operator.
type MatOperator struct {
	M mat.Matrix
}

func (o MatOperator) Dims() (int, int) { return o.M.Dims() }

func (o MatOperator) Slice(rows, cols []int, dst *mat.Dense) {
	for a, i := range rows {
		for b, j := range cols {
			dst.Set(a, b, o.M.At(i, j))
		}
	}
}

// KernelOperator evaluates entries of a kernel matrix K(x_i, x_j) over
// a point set on demand.  Diag, when non-nil, overrides the diagonal
// (kernels are often singular at zero distance).
type KernelOperator struct {
	Pts    []float64
	Dim    int
	Kernel func(x, y []float64) float64
	Diag   func(i int, x []float64) float64
}

func (o *KernelOperator) n() int { return len(o.Pts) / o.Dim }

func (o *KernelOperator) Dims() (int, int) { return o.n(), o.n() }

func (o *KernelOperator) At(i, j int) float64 {
	xi := o.Pts[i*o.Dim : (i+1)*o.Dim]
	if i == j && o.Diag != nil {
		return o.Diag(i, xi)
	}
	return o.Kernel(xi, o.Pts[j*o.Dim:(j+1)*o.Dim])
}

func (o *KernelOperator) Slice(rows, cols []int, dst *mat.Dense) {
	for a, i := range rows {
		for b, j := range cols {
			dst.Set(a, b, o.At(i, j))
		}
	}
}

// ProxyMaker generates surrogate far-field interaction rows for a
// block, standing in for every degree of freedom beyond the block's
// neighbors.
type ProxyMaker interface {
	// Rows returns the proxy-by-slf interaction matrix for the box with
	// the given geometry, or nil when no surrogate applies.
	Rows(center, half []float64, level int, slf []int) *mat.Dense
}

// RingProxy places synthetic points on a circle (sphere in 3-D, a point
// pair in 1-D) around the box and evaluates the kernel between them and
// the block's points.  Valid when the far field of the kernel is smooth
// on the proxy surface.
type RingProxy struct {
	Pts    []float64
	Dim    int
	Kernel func(x, y []float64) float64
	// Count is the number of proxy points (default 64).
	Count int
	// Radius scales the proxy surface relative to the box half-width
	// (default 1.75).
	Radius float64
}

func (p *RingProxy) Rows(center, half []float64, level int, slf []int) *mat.Dense {
	count := p.Count
	if count <= 0 {
		count = 64
	}
	radius := p.Radius
	if radius <= 0 {
		radius = 1.75
	}
	h := 0.0
	for d := 0; d < p.Dim; d++ {
		h = math.Max(h, half[d])
	}
	r := radius * h

	var proxy []float64
	switch p.Dim {
	case 1:
		proxy = []float64{center[0] - r, center[0] + r}
	case 2:
		proxy = make([]float64, 2*count)
		for i := 0; i < count; i++ {
			theta := 2 * math.Pi * float64(i) / float64(count)
			proxy[2*i] = center[0] + r*math.Cos(theta)
			proxy[2*i+1] = center[1] + r*math.Sin(theta)
		}
	case 3:
		// Fibonacci sphere.
		proxy = make([]float64, 3*count)
		golden := math.Pi * (3 - math.Sqrt(5))
		for i := 0; i < count; i++ {
			z := 1 - 2*(float64(i)+0.5)/float64(count)
			rho := math.Sqrt(1 - z*z)
			theta := golden * float64(i)
			proxy[3*i] = center[0] + r*rho*math.Cos(theta)
			proxy[3*i+1] = center[1] + r*rho*math.Sin(theta)
			proxy[3*i+2] = center[2] + r*z
		}
	}

	npx := len(proxy) / p.Dim
	rows := mat.NewDense(npx, len(slf), nil)
	for a := 0; a < npx; a++ {
		x := proxy[a*p.Dim : (a+1)*p.Dim]
		for b, j := range slf {
			rows.Set(a, b, p.Kernel(x, p.Pts[j*p.Dim:(j+1)*p.Dim]))
		}
	}
	return rows
}
