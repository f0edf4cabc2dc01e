package flam

import (
	"fmt"
	"math"
	"sort"
)

// Tree is a hierarchical spatial partition of a point set into nested
// half-open boxes.  Nodes are stored in a flat array grouped by level
// (coarse to fine) with index-based parent/child links; point membership
// is a permutation of [0,n) with a contiguous range per node.  Neighbor
// lists hold same-level adjacent boxes plus coarser-level leaves carried
// down from ancestors.
type Tree struct {
	pts []float64 // flat row-major coordinates, n x dim
	dim int
	n   int

	nodes []treeNode
	lvp   []int   // level pointers: nodes[lvp[l]:lvp[l+1]] is level l
	nbr   [][]int // sorted neighbor node indices per node
	perm  []int   // point indices ordered by subtree
}

type treeNode struct {
	level              int
	parent             int
	childBeg, childEnd int // node index range; equal for leaves
	ptBeg, ptEnd       int // subtree range into perm
	center, half       []float64
}

// NewTree builds an adaptive 2^dim-ary partition of the points.  A box
// splits while it holds more than occupancy points and its level is
// below maxDepth; empty children are not created.  extent, when non-nil,
// gives the root box as {lo0, hi0, lo1, hi1, ...}; otherwise the root is
// the bounding cube of the points.
func NewTree(pts []float64, dim, occupancy, maxDepth int, extent []float64) (*Tree, error) {
	switch {
	case dim < 1 || dim > 3:
		return nil, fmt.Errorf("%w: dimension %v not in [1,3]", ErrInvalidConfig, dim)
	case len(pts) == 0 || len(pts)%dim != 0:
		return nil, fmt.Errorf("%w: %v coordinates is not a multiple of dim %v", ErrInvalidConfig, len(pts), dim)
	case occupancy <= 0:
		return nil, fmt.Errorf("%w: non-positive occupancy %v", ErrInvalidConfig, occupancy)
	case maxDepth <= 0:
		return nil, fmt.Errorf("%w: non-positive max depth %v", ErrInvalidConfig, maxDepth)
	case extent != nil && len(extent) != 2*dim:
		return nil, fmt.Errorf("%w: extent needs %v values, got %v", ErrInvalidConfig, 2*dim, len(extent))
	}

	t := &Tree{pts: pts, dim: dim, n: len(pts) / dim}
	t.perm = make([]int, t.n)
	for i := range t.perm {
		t.perm[i] = i
	}

	center, half := rootBox(pts, dim, extent)
	t.nodes = append(t.nodes, treeNode{
		level: 0, parent: -1,
		ptBeg: 0, ptEnd: t.n,
		center: center, half: half,
	})
	t.lvp = []int{0, 1}

	// Breadth-first subdivision keeps each level contiguous and every
	// node's children contiguous.
	for lvl := 0; ; lvl++ {
		beg, end := t.lvp[lvl], t.lvp[lvl+1]
		split := false
		for ni := beg; ni < end; ni++ {
			nd := &t.nodes[ni]
			if nd.ptEnd-nd.ptBeg <= occupancy || lvl >= maxDepth {
				nd.childBeg, nd.childEnd = len(t.nodes), len(t.nodes)
				continue
			}
			nd.childBeg = len(t.nodes)
			t.subdivide(ni)
			nd = &t.nodes[ni] // subdivide may grow t.nodes
			nd.childEnd = len(t.nodes)
			if nd.childEnd > nd.childBeg {
				split = true
			}
		}
		if !split {
			t.lvp = t.lvp[:lvl+2]
			break
		}
		t.lvp = append(t.lvp, len(t.nodes))
	}

	t.buildNeighbors()
	return t, nil
}

func rootBox(pts []float64, dim int, extent []float64) (center, half []float64) {
	center = make([]float64, dim)
	half = make([]float64, dim)
	if extent != nil {
		for d := 0; d < dim; d++ {
			center[d] = (extent[2*d] + extent[2*d+1]) / 2
			half[d] = (extent[2*d+1] - extent[2*d]) / 2
		}
		return center, half
	}

	lo := make([]float64, dim)
	hi := make([]float64, dim)
	for d := 0; d < dim; d++ {
		lo[d], hi[d] = math.Inf(1), math.Inf(-1)
	}
	n := len(pts) / dim
	for i := 0; i < n; i++ {
		for d := 0; d < dim; d++ {
			x := pts[i*dim+d]
			lo[d] = math.Min(lo[d], x)
			hi[d] = math.Max(hi[d], x)
		}
	}
	// Square the box so every level halves uniformly.
	h := 0.0
	for d := 0; d < dim; d++ {
		center[d] = (lo[d] + hi[d]) / 2
		h = math.Max(h, (hi[d]-lo[d])/2)
	}
	h *= 1 + 1e-12
	if h == 0 {
		h = 1
	}
	for d := 0; d < dim; d++ {
		half[d] = h
	}
	return center, half
}

// subdivide partitions a node's perm range into octants and appends the
// nonempty children.  The bucketing is stable, so construction is
// deterministic for a fixed point ordering.
func (t *Tree) subdivide(ni int) {
	nd := t.nodes[ni]
	nq := 1 << t.dim

	buckets := make([][]int, nq)
	for _, p := range t.perm[nd.ptBeg:nd.ptEnd] {
		q := 0
		for d := 0; d < t.dim; d++ {
			if t.pts[p*t.dim+d] >= nd.center[d] {
				q |= 1 << d
			}
		}
		buckets[q] = append(buckets[q], p)
	}

	at := nd.ptBeg
	for q := 0; q < nq; q++ {
		if len(buckets[q]) == 0 {
			continue
		}
		beg := at
		copy(t.perm[at:], buckets[q])
		at += len(buckets[q])

		center := make([]float64, t.dim)
		half := make([]float64, t.dim)
		for d := 0; d < t.dim; d++ {
			half[d] = nd.half[d] / 2
			if q&(1<<d) != 0 {
				center[d] = nd.center[d] + half[d]
			} else {
				center[d] = nd.center[d] - half[d]
			}
		}
		t.nodes = append(t.nodes, treeNode{
			level: nd.level + 1, parent: ni,
			ptBeg: beg, ptEnd: at,
			center: center, half: half,
		})
	}
}

// buildNeighbors fills nbr level by level.  Candidates for a node are
// its siblings, the children of its parent's neighbors, and any of the
// parent's neighbors that are themselves leaves (those keep carrying
// down so adaptive trees see coarse adjacent boxes).
func (t *Tree) buildNeighbors() {
	t.nbr = make([][]int, len(t.nodes))
	tol := 1e-10 * t.nodes[0].half[0]

	for ni := 1; ni < len(t.nodes); ni++ {
		pi := t.nodes[ni].parent
		var cands []int
		p := t.nodes[pi]
		for ci := p.childBeg; ci < p.childEnd; ci++ {
			if ci != ni {
				cands = append(cands, ci)
			}
		}
		for _, qi := range t.nbr[pi] {
			q := t.nodes[qi]
			if q.childBeg == q.childEnd {
				cands = append(cands, qi)
				continue
			}
			for ci := q.childBeg; ci < q.childEnd; ci++ {
				cands = append(cands, ci)
			}
		}

		var nbrs []int
		for _, ci := range cands {
			if t.adjacent(ni, ci, tol) {
				nbrs = append(nbrs, ci)
			}
		}
		sort.Ints(nbrs)
		t.nbr[ni] = nbrs
	}
}

func (t *Tree) adjacent(a, b int, tol float64) bool {
	na, nb := t.nodes[a], t.nodes[b]
	for d := 0; d < t.dim; d++ {
		if math.Abs(na.center[d]-nb.center[d]) > na.half[d]+nb.half[d]+tol {
			return false
		}
	}
	return true
}

func (t *Tree) Dim() int       { return t.dim }
func (t *Tree) NumPoints() int { return t.n }
func (t *Tree) NumNodes() int  { return len(t.nodes) }

// Depth returns the deepest level; the root is level 0.
func (t *Tree) Depth() int { return len(t.lvp) - 2 }

// LevelRange returns the node index range [beg,end) of the given level.
func (t *Tree) LevelRange(lvl int) (beg, end int) { return t.lvp[lvl], t.lvp[lvl+1] }

// Level returns the node's tree level (root is 0).
func (t *Tree) Level(ni int) int { return t.nodes[ni].level }

func (t *Tree) Leaf(ni int) bool {
	return t.nodes[ni].childBeg == t.nodes[ni].childEnd
}

// Points returns the point indices in the node's subtree.
func (t *Tree) Points(ni int) []int {
	return t.perm[t.nodes[ni].ptBeg:t.nodes[ni].ptEnd]
}

func (t *Tree) Children(ni int) (beg, end int) {
	return t.nodes[ni].childBeg, t.nodes[ni].childEnd
}

func (t *Tree) Neighbors(ni int) []int { return t.nbr[ni] }

// Box returns the node's center and half-width; callers must not
// modify the returned slices.
func (t *Tree) Box(ni int) (center, half []float64) {
	return t.nodes[ni].center, t.nodes[ni].half
}

// Interior reports whether a point's interaction stencil of the given
// width stays inside the node's half-open box along every axis.  Such a
// point only couples degrees of freedom inside the box and is safe to
// eliminate without compression.
func (t *Tree) Interior(ni, pt int, sep float64) bool {
	nd := t.nodes[ni]
	tol := 1e-9 * t.nodes[0].half[0]
	for d := 0; d < t.dim; d++ {
		x := t.pts[pt*t.dim+d]
		lo := nd.center[d] - nd.half[d]
		hi := nd.center[d] + nd.half[d]
		if x-sep < lo-tol || x+sep > hi-tol {
			return false
		}
	}
	return true
}

// MinSpacing estimates the smallest nearest-neighbor distance by
// scanning point pairs within each leaf.  It is the default separator
// width for geometric skeleton selection.
func (t *Tree) MinSpacing() float64 {
	best := math.Inf(1)
	for ni := range t.nodes {
		if !t.Leaf(ni) {
			continue
		}
		pts := t.Points(ni)
		for a := 0; a < len(pts); a++ {
			for b := a + 1; b < len(pts); b++ {
				d2 := 0.0
				for d := 0; d < t.dim; d++ {
					dx := t.pts[pts[a]*t.dim+d] - t.pts[pts[b]*t.dim+d]
					d2 += dx * dx
				}
				best = math.Min(best, math.Sqrt(d2))
			}
		}
	}
	if math.IsInf(best, 1) {
		return 0
	}
	return best
}
