// Package sparse provides the mutable sparse matrix used to carry the
// reduced ("remaining") operator between elimination levels of a
// hierarchical factorization.  Entries are stored in parallel row and
// column maps so that both row sweeps and column sweeps are cheap.
package sparse

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

type Matrix struct {
	// map[row]map[col]val
	rows []map[int]float64
	// map[col]map[row]val
	cols []map[int]float64
	size int
	nnz  int
}

func New(size int) *Matrix {
	return &Matrix{
		rows: make([]map[int]float64, size),
		cols: make([]map[int]float64, size),
		size: size,
	}
}

func (m *Matrix) Dims() (int, int)    { return m.size, m.size }
func (m *Matrix) At(i, j int) float64 { return m.rows[i][j] }
func (m *Matrix) T() mat.Matrix       { return mat.Transpose{Matrix: m} }

// Nonzeros returns the number of explicitly stored entries.
func (m *Matrix) Nonzeros() int { return m.nnz }

func (m *Matrix) Set(i, j int, v float64) {
	if m.rows[i] == nil {
		m.rows[i] = make(map[int]float64)
	}
	if m.cols[j] == nil {
		m.cols[j] = make(map[int]float64)
	}
	if _, ok := m.rows[i][j]; !ok {
		m.nnz++
	}
	m.rows[i][j] = v
	m.cols[j][i] = v
}

// Add accumulates dv into entry (i,j), creating it if absent.
func (m *Matrix) Add(i, j int, dv float64) {
	m.Set(i, j, m.rows[i][j]+dv)
}

func (m *Matrix) Del(i, j int) {
	if _, ok := m.rows[i][j]; !ok {
		return
	}
	delete(m.rows[i], j)
	delete(m.cols[j], i)
	m.nnz--
}

// NonzeroCols returns the sorted column indices of the stored entries in
// the given row.  Sorting keeps downstream visitation deterministic.
func (m *Matrix) NonzeroCols(row int) []int {
	cols := make([]int, 0, len(m.rows[row]))
	for j := range m.rows[row] {
		cols = append(cols, j)
	}
	sort.Ints(cols)
	return cols
}

// Slice writes the rows×cols submatrix into dst, which must be
// len(rows) by len(cols).  Absent entries are written as zero.
func (m *Matrix) Slice(rows, cols []int, dst *mat.Dense) {
	for a, i := range rows {
		ri := m.rows[i]
		for b, j := range cols {
			dst.Set(a, b, ri[j])
		}
	}
}

// AddTo accumulates the rows×cols submatrix into dst in place.
func (m *Matrix) AddTo(rows, cols []int, dst *mat.Dense) {
	for a, i := range rows {
		ri := m.rows[i]
		if len(ri) == 0 {
			continue
		}
		for b, j := range cols {
			if v, ok := ri[j]; ok {
				dst.Set(a, b, dst.At(a, b)+v)
			}
		}
	}
}

// Accumulate adds alpha*s into the rows×cols block of m.
func (m *Matrix) Accumulate(rows, cols []int, s *mat.Dense, alpha float64) {
	for a, i := range rows {
		for b, j := range cols {
			m.Add(i, j, alpha*s.At(a, b))
		}
	}
}

// Restrict drops every entry with a row or column index whose alive flag
// is false.  This is the per-level rebuild step: entries between two
// surviving degrees of freedom are kept, everything touching a consumed
// one is discarded.
func (m *Matrix) Restrict(alive []bool) {
	for i, ri := range m.rows {
		if len(ri) == 0 {
			continue
		}
		if !alive[i] {
			for j := range ri {
				delete(m.cols[j], i)
			}
			m.nnz -= len(ri)
			m.rows[i] = nil
			continue
		}
		for j := range ri {
			if !alive[j] {
				delete(ri, j)
				delete(m.cols[j], i)
				m.nnz--
			}
		}
	}
}

// Mul computes m*b for a dense vector b.
func (m *Matrix) Mul(b []float64) []float64 {
	result := make([]float64, len(b))
	for i := 0; i < m.size; i++ {
		tot := 0.0
		for j, val := range m.rows[i] {
			tot += b[j] * val
		}
		result[i] = tot
	}
	return result
}

func (m *Matrix) Clone() *Matrix {
	clone := New(m.size)
	for i, ri := range m.rows {
		for j, v := range ri {
			clone.Set(i, j, v)
		}
	}
	return clone
}
