package flam

import (
	"fmt"
	"log"
	"sort"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/ABDELHAMED2017/FLAM/sparse"
)

// factorRecord is one eliminated block: the skeleton/redundant split,
// the interpolation coefficients (nil for geometric selection and for
// the root), the local dense factor of the redundant submatrix, and the
// Schur-update operators.  g is left empty when the symmetry class
// collapses the update to e alone.
type factorRecord struct {
	sk, rd []int
	t      *mat.Dense
	loc    localFactor
	e, g   blas64.General
}

// LevelStat summarizes one completed elimination level.
type LevelStat struct {
	// TreeLevel is the tree level processed (finest first).
	TreeLevel int
	Blocks    int
	Records   int
	// Eliminated and Remaining count degrees of freedom.
	Eliminated int
	Remaining  int
	// Nonzeros is the update accumulator size after the level's rebuild.
	Nonzeros int
}

// Factorization is the persistent artifact of construction: an ordered
// append-only sequence of factor records with per-level boundaries.
// The two application sweeps replay it in construction order and exact
// reverse.
type Factorization struct {
	n    int
	nlvl int
	sym  Symmetry

	lvls  []int
	recs  []factorRecord
	stats []LevelStat

	maxBlk int // largest slf, sizes application scratch
}

func (f *Factorization) N() int             { return f.n }
func (f *Factorization) NumLevels() int     { return f.nlvl }
func (f *Factorization) Symmetry() Symmetry { return f.sym }
func (f *Factorization) NumRecords() int    { return len(f.recs) }
func (f *Factorization) LevelPtr() []int    { return append([]int(nil), f.lvls...) }
func (f *Factorization) Stats() []LevelStat { return append([]LevelStat(nil), f.stats...) }

// push appends a record with explicit amortized doubling; the record
// store never shrinks during construction.
func (f *Factorization) push(r factorRecord) {
	if len(f.recs) == cap(f.recs) {
		next := make([]factorRecord, len(f.recs), max(16, 2*cap(f.recs)))
		copy(next, f.recs)
		f.recs = next
	}
	f.recs = append(f.recs, r)
}

type schurMerge struct {
	sk    []int
	schur *mat.Dense
}

type builder struct {
	t   *Tree
	op  Operator
	cfg Config

	chol     bool // HermitianPD: Cholesky blocks, no g
	twoSided bool // General: interaction matrix carries transposed rows

	S     *sparse.Matrix
	alive []bool
	slf   [][]int // per node, current level only
	skel  [][]int // per node, surviving DOFs promoted to the parent

	f *Factorization
}

// Factor constructs the hierarchical factorization of op over the
// partition tree.  The symmetry class in cfg is fixed for the life of
// the result and gates which operations are legal on it.
func Factor(op Operator, t *Tree, cfg Config) (*Factorization, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r, c := op.Dims()
	if r != c || r != t.NumPoints() {
		return nil, fmt.Errorf("%w: operator is %vx%v for %v points", ErrInvalidConfig, r, c, t.NumPoints())
	}
	if cfg.Compressor == nil {
		cfg.Compressor = IDCompressor{}
	}
	if cfg.Selection == GeometricSelection && cfg.SepWidth == 0 {
		cfg.SepWidth = t.MinSpacing()
		if cfg.SepWidth == 0 {
			return nil, fmt.Errorf("%w: cannot estimate separator width", ErrInvalidConfig)
		}
	}
	if cfg.ShareSkeletons {
		if _, ok := op.(Patterned); !ok {
			return nil, fmt.Errorf("%w: skeleton sharing needs an operator with row patterns", ErrInvalidConfig)
		}
	}
	if cfg.Symmetry == Hermitian {
		log.Printf("flam: hermitian indefinite LDL is unavailable; falling back to unsymmetric LU local factors")
	}

	n := t.NumPoints()
	nlvl := t.Depth()
	if nlvl == 0 {
		nlvl = 1
	}
	b := &builder{
		t: t, op: op, cfg: cfg,
		chol:     cfg.Symmetry == HermitianPD,
		twoSided: cfg.Symmetry == General,
		S:        sparse.New(n),
		alive:    make([]bool, n),
		slf:      make([][]int, t.NumNodes()),
		skel:     make([][]int, t.NumNodes()),
		f:        &Factorization{n: n, nlvl: nlvl, sym: cfg.Symmetry, lvls: []int{0}},
	}
	for i := range b.alive {
		b.alive[i] = true
	}
	if err := b.run(); err != nil {
		return nil, err
	}
	return b.f, nil
}

func (b *builder) run() error {
	depth := b.t.Depth()
	if depth == 0 {
		if err := b.rootBlock(); err != nil {
			return err
		}
		b.f.lvls = append(b.f.lvls, len(b.f.recs))
		b.noteLevel(0, 1, 0)
		return nil
	}

	for lvl := depth; lvl >= 1; lvl-- {
		beg, end := b.t.LevelRange(lvl)
		for ni := beg; ni < end; ni++ {
			b.slf[ni] = b.gatherSlf(ni)
		}
		levelAlive := append([]bool(nil), b.alive...)
		registry := make(map[int]int)
		var merges []schurMerge
		rec0 := len(b.f.recs)

		for ni := beg; ni < end; ni++ {
			if err := b.block(lvl, ni, levelAlive, registry, &merges); err != nil {
				return err
			}
		}

		// Level-end rebuild: keep entries between surviving DOFs, then
		// fold in this level's Schur updates.
		b.S.Restrict(b.alive)
		for _, m := range merges {
			b.S.Accumulate(m.sk, m.sk, m.schur, -1)
		}

		if lvl == 1 {
			if err := b.rootBlock(); err != nil {
				return err
			}
		}
		b.f.lvls = append(b.f.lvls, len(b.f.recs))
		b.noteLevel(lvl, end-beg, rec0)
	}
	return nil
}

func (b *builder) noteLevel(lvl, blocks, rec0 int) {
	remaining := 0
	for _, ok := range b.alive {
		if ok {
			remaining++
		}
	}
	b.f.stats = append(b.f.stats, LevelStat{
		TreeLevel:  lvl,
		Blocks:     blocks,
		Records:    len(b.f.recs) - rec0,
		Eliminated: b.n() - remaining,
		Remaining:  remaining,
		Nonzeros:   b.S.Nonzeros(),
	})
	if b.cfg.Progress != nil {
		b.cfg.Progress(lvl, blocks, remaining)
	}
}

func (b *builder) n() int { return b.f.n }

// gatherSlf collects a node's current degrees of freedom: its own
// points for a leaf, otherwise the skeletons its children promoted.
func (b *builder) gatherSlf(ni int) []int {
	if b.t.Leaf(ni) {
		var out []int
		for _, p := range b.t.Points(ni) {
			if b.alive[p] {
				out = append(out, p)
			}
		}
		return out
	}
	var out []int
	cb, ce := b.t.Children(ni)
	for ci := cb; ci < ce; ci++ {
		out = append(out, b.skel[ci]...)
	}
	return out
}

func (b *builder) block(lvl, ni int, levelAlive []bool, registry map[int]int, merges *[]schurMerge) error {
	cur := b.slf[ni]
	if len(cur) == 0 {
		return nil
	}

	var sk, rd []int
	var T *mat.Dense
	nOwn := 0
	if b.cfg.Selection == GeometricSelection {
		var borrowed []int
		if b.cfg.ShareSkeletons {
			sk, rd, borrowed = b.share(ni, cur, registry)
		} else {
			for _, p := range cur {
				if b.t.Interior(ni, p, b.cfg.SepWidth) {
					rd = append(rd, p)
				} else {
					sk = append(sk, p)
				}
			}
		}
		nOwn = len(sk) - len(borrowed)
		for _, p := range sk[:nOwn] {
			if _, ok := registry[p]; !ok {
				registry[p] = ni
			}
		}
	} else {
		km, err := b.interaction(lvl, ni, cur, levelAlive)
		if err != nil {
			return err
		}
		if km == nil {
			rd = append(rd, cur...)
		} else {
			skl, rdl, tt, err := b.cfg.Compressor.Compress(km, b.cfg.Rank, b.cfg.Tol)
			if err != nil {
				return fmt.Errorf("level %v block %v: %w", lvl, ni, err)
			}
			for _, i := range skl {
				sk = append(sk, cur[i])
			}
			for _, i := range rdl {
				rd = append(rd, cur[i])
			}
			T = tt
		}
		nOwn = len(sk)
	}

	if len(rd) == 0 {
		// Block deferred: no record, the whole point set promotes.
		b.skel[ni] = cur
		return nil
	}
	b.skel[ni] = sk[:nOwn]

	rec, schur, err := b.eliminate(lvl, ni, sk, rd, T)
	if err != nil {
		return err
	}
	if schur != nil {
		*merges = append(*merges, schurMerge{sk: rec.sk, schur: schur})
	}
	b.f.push(rec)
	for _, p := range rd {
		b.alive[p] = false
	}
	if m := len(sk) + len(rd); m > b.f.maxBlk {
		b.f.maxBlk = m
	}
	return nil
}

// eliminate assembles the Schur-corrected dense block in [sk|rd]
// ordering, folds T, factors the redundant submatrix, and derives the
// update operators.
func (b *builder) eliminate(lvl, ni int, sk, rd []int, T *mat.Dense) (factorRecord, *mat.Dense, error) {
	nsk, nrd := len(sk), len(rd)
	m := nsk + nrd
	skrd := make([]int, 0, m)
	skrd = append(append(skrd, sk...), rd...)

	K := mat.NewDense(m, m, nil)
	b.op.Slice(skrd, skrd, K)
	b.S.AddTo(skrd, skrd, K)
	if T != nil && nsk > 0 {
		foldT(K, T, nsk, nrd)
	}
	rk := K.RawMatrix()

	brr := blas64.General{Rows: nrd, Cols: nrd, Stride: nrd, Data: make([]float64, nrd*nrd)}
	for i := 0; i < nrd; i++ {
		copy(brr.Data[i*nrd:(i+1)*nrd], rk.Data[(nsk+i)*rk.Stride+nsk:(nsk+i)*rk.Stride+m])
	}

	var loc localFactor
	var ok bool
	if b.chol {
		loc, ok = newChol(brr)
		if !ok {
			return factorRecord{}, nil, &NumericalError{Level: lvl, Block: ni, Cause: "block not positive definite"}
		}
	} else {
		loc, ok = newLU(brr)
		if !ok {
			return factorRecord{}, nil, &NumericalError{Level: lvl, Block: ni, Cause: "singular pivot"}
		}
	}

	e := blas64.General{Rows: nsk, Cols: nrd, Stride: max(1, nrd), Data: make([]float64, nsk*nrd)}
	for i := 0; i < nsk; i++ {
		copy(e.Data[i*nrd:(i+1)*nrd], rk.Data[i*rk.Stride+nsk:i*rk.Stride+m])
	}
	loc.solveURight(e)

	var g blas64.General
	if !b.chol && nsk > 0 {
		g = blas64.General{Rows: nrd, Cols: nsk, Stride: max(1, nsk), Data: make([]float64, nrd*nsk)}
		for i := 0; i < nrd; i++ {
			copy(g.Data[i*g.Stride:i*g.Stride+nsk], rk.Data[(nsk+i)*rk.Stride:(nsk+i)*rk.Stride+nsk])
		}
		loc.solvePLLeft(g)
	}

	var schur *mat.Dense
	if nsk > 0 {
		schur = mat.NewDense(nsk, nsk, nil)
		sg := schur.RawMatrix()
		if b.chol {
			blas64.Gemm(blas.NoTrans, blas.Trans, 1, e, e, 0, sg)
		} else {
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, e, g, 0, sg)
		}
	}

	return factorRecord{
		sk: append([]int(nil), sk...),
		rd: append([]int(nil), rd...),
		t:  T, loc: loc, e: e, g: g,
	}, schur, nil
}

// foldT applies the interpolation correction in place:
// K[rd,:] -= Tᵀ·K[sk,:] then K[:,rd] -= K[:,sk]·T.
func foldT(K *mat.Dense, T *mat.Dense, nsk, nrd int) {
	rk := K.RawMatrix()
	m := nsk + nrd
	rt := T.RawMatrix()

	kSkRows := blas64.General{Rows: nsk, Cols: m, Stride: rk.Stride, Data: rk.Data}
	kRdRows := blas64.General{Rows: nrd, Cols: m, Stride: rk.Stride, Data: rk.Data[nsk*rk.Stride:]}
	blas64.Gemm(blas.Trans, blas.NoTrans, -1, rt, kSkRows, 1, kRdRows)

	kSkCols := blas64.General{Rows: m, Cols: nsk, Stride: rk.Stride, Data: rk.Data}
	kRdCols := blas64.General{Rows: m, Cols: nrd, Stride: rk.Stride, Data: rk.Data[nsk:]}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, -1, kSkCols, rt, 1, kRdCols)
}

// rootBlock factors everything still alive as one final record with an
// empty skeleton.
func (b *builder) rootBlock() error {
	var rd []int
	for _, p := range b.rootDOFs() {
		if b.alive[p] {
			rd = append(rd, p)
		}
	}
	if len(rd) == 0 {
		return nil
	}
	rec, _, err := b.eliminate(0, 0, nil, rd, nil)
	if err != nil {
		return err
	}
	b.f.push(rec)
	for _, p := range rd {
		b.alive[p] = false
	}
	if len(rd) > b.f.maxBlk {
		b.f.maxBlk = len(rd)
	}
	return nil
}

func (b *builder) rootDOFs() []int {
	if b.t.Depth() == 0 {
		return b.t.Points(0)
	}
	var out []int
	cb, ce := b.t.Children(0)
	for ci := cb; ci < ce; ci++ {
		out = append(out, b.skel[ci]...)
	}
	return out
}

// interaction builds the compression input for one block: rows for
// every exterior degree of freedom the block couples to (all remaining
// exterior DOFs without a proxy; neighbors plus surrogate rows with
// one), and transposed rows for the General class.
func (b *builder) interaction(lvl, ni int, cur []int, levelAlive []bool) (*mat.Dense, error) {
	inSlf := make(map[int]bool, len(cur))
	for _, p := range cur {
		inSlf[p] = true
	}

	var ext []int
	var proxy *mat.Dense
	if b.cfg.Proxy == nil {
		for p := 0; p < b.n(); p++ {
			if levelAlive[p] && !inSlf[p] {
				ext = append(ext, p)
			}
		}
	} else {
		seen := make(map[int]bool)
		for _, qi := range b.t.Neighbors(ni) {
			for _, p := range b.nodeDOFs(lvl, qi) {
				if levelAlive[p] && !inSlf[p] && !seen[p] {
					seen[p] = true
					ext = append(ext, p)
				}
			}
		}
		sort.Ints(ext)
		if lvl >= 2 {
			center, half := b.t.Box(ni)
			proxy = b.cfg.Proxy.Rows(center, half, lvl, cur)
		}
	}

	ne := len(ext)
	rows := ne
	if b.twoSided {
		rows += ne
	}
	if proxy != nil {
		pr, _ := proxy.Dims()
		rows += pr
	}
	if rows == 0 {
		// Nothing couples to the block; the caller treats a nil matrix
		// as an all-redundant split.
		return nil, nil
	}
	km := mat.NewDense(rows, len(cur), nil)

	if ne > 0 {
		blk := mat.NewDense(ne, len(cur), nil)
		b.op.Slice(ext, cur, blk)
		b.S.AddTo(ext, cur, blk)
		copyBlock(km, 0, blk)
		if b.twoSided {
			tblk := mat.NewDense(len(cur), ne, nil)
			b.op.Slice(cur, ext, tblk)
			b.S.AddTo(cur, ext, tblk)
			for i := 0; i < ne; i++ {
				for j := 0; j < len(cur); j++ {
					km.Set(ne+i, j, tblk.At(j, i))
				}
			}
		}
	}
	if proxy != nil {
		off := ne
		if b.twoSided {
			off += ne
		}
		copyBlock(km, off, proxy)
	}
	return km, nil
}

// nodeDOFs returns a neighbor's current degrees of freedom: its slf
// when it sits on the level being processed, its raw points when it is
// a coarser leaf carried down the neighbor lists.
func (b *builder) nodeDOFs(lvl, qi int) []int {
	if b.t.Level(qi) == lvl {
		return b.slf[qi]
	}
	return b.t.Points(qi)
}

func copyBlock(dst *mat.Dense, rowOff int, src *mat.Dense) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(rowOff+i, j, src.At(i, j))
		}
	}
}

// share classifies a block by its live coupling pattern, the
// thin-separator optimization.  Borrowed skeletons put Schur couplings
// across box boundaries, so the geometric interior test stops being
// valid once sharing is on: a point is redundant only when every live
// coupling stays inside the block, or lands on a skeleton registered by
// an earlier-processed neighbor block on this level.  The referenced
// neighbor skeletons join the block as borrowed skeletons; they keep
// their original owner and are never consumed here.  The first block to
// register a point wins.
func (b *builder) share(ni int, cur []int, registry map[int]int) (sk, rd, borrowed []int) {
	pat := b.op.(Patterned)
	inSlf := make(map[int]bool, len(cur))
	for _, p := range cur {
		inSlf[p] = true
	}
	nbrs := b.t.Neighbors(ni)

	for _, p := range cur {
		ext := b.externalCouplings(pat, p, inSlf)
		ok := true
		for _, j := range ext {
			owner, reg := registry[j]
			if !reg || owner == ni || !containsSorted(nbrs, owner) {
				ok = false
				break
			}
		}
		if !ok {
			sk = append(sk, p)
			continue
		}
		rd = append(rd, p)
		for _, j := range ext {
			if !inSlf[j] {
				inSlf[j] = true
				borrowed = append(borrowed, j)
			}
		}
	}
	return append(sk, borrowed...), rd, borrowed
}

func (b *builder) externalCouplings(pat Patterned, p int, inSlf map[int]bool) []int {
	var ext []int
	seen := make(map[int]bool)
	for _, j := range pat.NonzeroCols(p) {
		if b.alive[j] && !inSlf[j] && !seen[j] {
			seen[j] = true
			ext = append(ext, j)
		}
	}
	for _, j := range b.S.NonzeroCols(p) {
		if b.alive[j] && !inSlf[j] && !seen[j] {
			seen[j] = true
			ext = append(ext, j)
		}
	}
	sort.Ints(ext)
	return ext
}

func containsSorted(s []int, v int) bool {
	i := sort.SearchInts(s, v)
	return i < len(s) && s[i] == v
}
