package dataset

// CSC is a compressed-sparse-column matrix of raw counts, genes x cells.
// Column j holds the count profile of cell j. Values are stored as float64
// for arithmetic convenience but are non-negative integers by construction.
type CSC struct {
	NRows  int // genes
	NCols  int // cells
	ColPtr []int32
	RowIdx []int32
	Val    []float64
}

// CSCBuilder accumulates columns left to right.
type CSCBuilder struct {
	nRows  int
	colPtr []int32
	rowIdx []int32
	val    []float64
}

func NewCSCBuilder(nRows int) *CSCBuilder {
	return &CSCBuilder{nRows: nRows, colPtr: []int32{0}}
}

// AddEntry appends a nonzero to the column currently under construction.
// Rows within a column must be added in ascending order.
func (b *CSCBuilder) AddEntry(row int, v float64) {
	if v == 0 {
		return
	}
	b.rowIdx = append(b.rowIdx, int32(row))
	b.val = append(b.val, v)
}

// EndCol closes the current column.
func (b *CSCBuilder) EndCol() {
	b.colPtr = append(b.colPtr, int32(len(b.rowIdx)))
}

func (b *CSCBuilder) Build() *CSC {
	return &CSC{
		NRows:  b.nRows,
		NCols:  len(b.colPtr) - 1,
		ColPtr: b.colPtr,
		RowIdx: b.rowIdx,
		Val:    b.val,
	}
}

// Col returns the nonzero rows and values of cell j. The returned slices
// alias the matrix and must not be modified.
func (m *CSC) Col(j int) ([]int32, []float64) {
	s, e := m.ColPtr[j], m.ColPtr[j+1]
	return m.RowIdx[s:e], m.Val[s:e]
}

// ColSum returns the total count of cell j.
func (m *CSC) ColSum(j int) float64 {
	var t float64
	_, vals := m.Col(j)
	for _, v := range vals {
		t += v
	}
	return t
}

// ColNNZ returns the number of genes detected in cell j.
func (m *CSC) ColNNZ(j int) int {
	return int(m.ColPtr[j+1] - m.ColPtr[j])
}

// RowNNZ returns, for every gene, the number of cells it is detected in.
func (m *CSC) RowNNZ() []int {
	counts := make([]int, m.NRows)
	for _, r := range m.RowIdx {
		counts[r]++
	}
	return counts
}

// RowSums returns per-gene total counts across all cells.
func (m *CSC) RowSums() []float64 {
	sums := make([]float64, m.NRows)
	for i, r := range m.RowIdx {
		sums[r] += m.Val[i]
	}
	return sums
}

// At returns the count for gene i in cell j via binary search within the
// column. Intended for tests and spot reads, not inner loops.
func (m *CSC) At(i, j int) float64 {
	rows, vals := m.Col(j)
	lo, hi := 0, len(rows)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case rows[mid] < int32(i):
			lo = mid + 1
		case rows[mid] > int32(i):
			hi = mid
		default:
			return vals[mid]
		}
	}
	return 0
}

// SelectCols returns a new matrix restricted to the given cells, in the
// given order.
func (m *CSC) SelectCols(idx []int) *CSC {
	b := NewCSCBuilder(m.NRows)
	for _, j := range idx {
		rows, vals := m.Col(j)
		for i := range rows {
			b.AddEntry(int(rows[i]), vals[i])
		}
		b.EndCol()
	}
	return b.Build()
}

// SelectRows returns a new matrix restricted to the given genes, in the
// given order. idx must be sorted ascending so that row order within each
// column is preserved.
func (m *CSC) SelectRows(idx []int) *CSC {
	remap := make([]int32, m.NRows)
	for i := range remap {
		remap[i] = -1
	}
	for newRow, oldRow := range idx {
		remap[oldRow] = int32(newRow)
	}
	b := NewCSCBuilder(len(idx))
	for j := 0; j < m.NCols; j++ {
		rows, vals := m.Col(j)
		for i := range rows {
			if nr := remap[rows[i]]; nr >= 0 {
				b.AddEntry(int(nr), vals[i])
			}
		}
		b.EndCol()
	}
	return b.Build()
}

// NNZ returns the number of stored nonzeros.
func (m *CSC) NNZ() int { return len(m.Val) }

// CSCFromDense builds a CSC from a dense genes x cells matrix. Intended for
// tests and small inputs.
func CSCFromDense(dense [][]float64) *CSC {
	nRows := len(dense)
	nCols := 0
	if nRows > 0 {
		nCols = len(dense[0])
	}
	b := NewCSCBuilder(nRows)
	for j := 0; j < nCols; j++ {
		for i := 0; i < nRows; i++ {
			b.AddEntry(i, dense[i][j])
		}
		b.EndCol()
	}
	return b.Build()
}
