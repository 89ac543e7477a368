// Package cluster builds the shared-nearest-neighbor graph over a
// reduction and partitions it with modularity-based community detection at
// one or more resolutions.
package cluster

import (
	"sort"

	"github.com/biogo/store/kdtree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

type Opts struct {
	// K is the number of nearest neighbors per cell.
	K int
	// PruneSNN drops shared-neighbor edges with Jaccard overlap below
	// this value.
	PruneSNN float64
}

var DefaultOpts = Opts{
	K:        20,
	PruneSNN: 1.0 / 15,
}

// cellPoint is a kdtree point that remembers which cell it is.
type cellPoint struct {
	kdtree.Point
	idx int
}

func (p cellPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.Point.Compare(c.(cellPoint).Point, d)
}

func (p cellPoint) Distance(c kdtree.Comparable) float64 {
	return p.Point.Distance(c.(cellPoint).Point)
}

type cellPoints []cellPoint

func (p cellPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p cellPoints) Len() int                      { return len(p) }
func (p cellPoints) Pivot(d kdtree.Dim) int        { return cellPlane{Dim: d, cellPoints: p}.Pivot() }
func (p cellPoints) Slice(s, e int) kdtree.Interface {
	return p[s:e]
}

type cellPlane struct {
	kdtree.Dim
	cellPoints
}

func (p cellPlane) Less(i, j int) bool {
	return p.cellPoints[i].Point[p.Dim] < p.cellPoints[j].Point[p.Dim]
}
func (p cellPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p cellPlane) Slice(s, e int) kdtree.SortSlicer {
	p.cellPoints = p.cellPoints[s:e]
	return p
}
func (p cellPlane) Swap(i, j int) {
	p.cellPoints[i], p.cellPoints[j] = p.cellPoints[j], p.cellPoints[i]
}

// KNN returns, for each row of coords, the indices of its k nearest
// neighbors (excluding itself) by Euclidean distance over the first dims
// dimensions.
func KNN(coords [][]float64, dims, k int) [][]int32 {
	pts := make(cellPoints, len(coords))
	for i, c := range coords {
		pts[i] = cellPoint{Point: kdtree.Point(c[:dims]), idx: i}
	}
	tree := kdtree.New(append(cellPoints(nil), pts...), false)
	out := make([][]int32, len(coords))
	for i := range pts {
		keeper := kdtree.NewNKeeper(k + 1) // +1 for the query point itself
		tree.NearestSet(keeper, pts[i])
		nn := make([]int32, 0, k)
		for _, cd := range keeper.Heap {
			cp, ok := cd.Comparable.(cellPoint)
			if !ok || cp.idx == i {
				continue
			}
			nn = append(nn, int32(cp.idx))
		}
		sort.Slice(nn, func(a, b int) bool { return nn[a] < nn[b] })
		out[i] = nn
	}
	return out
}

// BuildGraph computes the KNN graph over the first pcNum dimensions of the
// named reduction, converts it to a shared-nearest-neighbor weighted graph
// and attaches it to the dataset.
func BuildGraph(ds *dataset.Dataset, reduction string, pcNum int, opts Opts) (*dataset.Dataset, error) {
	r, err := ds.Reduction(reduction)
	if err != nil {
		return nil, err
	}
	if err := r.Check(pcNum); err != nil {
		return nil, err
	}
	n := len(r.Coords)
	k := opts.K
	if k >= n {
		k = n - 1
	}
	if k < 1 {
		return nil, errors.E(dataset.ErrEmptyDataset, "too few cells for a neighbor graph")
	}
	knn := KNN(r.Coords, pcNum, k)

	// Neighbor sets include the cell itself for overlap counting.
	inSet := make([]map[int32]bool, n)
	rev := make([][]int32, n) // rev[c]: cells whose neighbor set contains c
	for i := range knn {
		inSet[i] = make(map[int32]bool, len(knn[i])+1)
		inSet[i][int32(i)] = true
		rev[i] = append(rev[i], int32(i))
		for _, j := range knn[i] {
			inSet[i][j] = true
			rev[j] = append(rev[j], int32(i))
		}
	}

	g := &dataset.NNGraph{
		K:               opts.K,
		Dims:            pcNum,
		Neighbors:       make([][]int32, n),
		Weights:         make([][]float64, n),
		SourceReduction: reduction,
	}
	g.SourceFingerprint = r.SourceFingerprint
	shared := make([]int, n)
	for i := 0; i < n; i++ {
		var touched []int32
		for c := range inSet[i] {
			for _, j := range rev[c] {
				if int(j) == i {
					continue
				}
				if shared[j] == 0 {
					touched = append(touched, j)
				}
				shared[j]++
			}
		}
		sort.Slice(touched, func(a, b int) bool { return touched[a] < touched[b] })
		for _, j := range touched {
			s := shared[j]
			shared[j] = 0
			union := len(inSet[i]) + len(inSet[j]) - s
			w := float64(s) / float64(union)
			if w < opts.PruneSNN {
				continue
			}
			g.Neighbors[i] = append(g.Neighbors[i], j)
			g.Weights[i] = append(g.Weights[i], w)
		}
	}
	log.Printf("cluster: built SNN graph on %s[1:%d], k=%d", reduction, pcNum, opts.K)
	return ds.WithGraph(g)
}
