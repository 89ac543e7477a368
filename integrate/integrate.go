// Package integrate aligns independently processed datasets into one:
// shared integration features are chosen by cross-dataset ranking, a joint
// reduction is computed over them, mutual-nearest-neighbor anchor pairs tie
// the datasets together, and anchor-derived offsets pull every dataset into
// the reference's expression space.
package integrate

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/mat"

	"github.com/fredaguas7/COMICs-Seurat/cluster"
	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
)

// ErrNoAnchorsFound indicates a dataset pair with no reliable cross-dataset
// correspondences.
var ErrNoAnchorsFound = errors.New("no anchors found between dataset pair")

type Opts struct {
	// NFeatures is the number of shared integration features.
	NFeatures int
	// KAnchor is the neighborhood size used for mutual-nearest-neighbor
	// anchor search.
	KAnchor int
	// KWeight is the number of nearest anchors blended per cell during
	// correction.
	KWeight int
	// MaxAnchorDist rejects anchor pairs further apart than this in the
	// joint reduced space; 0 disables the filter. With the filter on, a
	// pair of datasets can legitimately end up anchorless.
	MaxAnchorDist float64
	// KJoint is the dimensionality of the joint reduction.
	KJoint int
}

var DefaultOpts = Opts{
	NFeatures: 2000,
	KAnchor:   5,
	KWeight:   10,
	KJoint:    30,
}

// Anchor is one mutual-nearest-neighbor correspondence between two
// datasets.
type Anchor struct {
	DatasetA, DatasetB int
	CellA, CellB       int
	Dist               float64
}

// ColOrigIdent is the provenance column written to the merged dataset.
const ColOrigIdent = "orig.ident"

// ReductionIntegrated is the corrected joint reduction in the merged
// dataset.
const ReductionIntegrated = "integrated"

// SelectIntegrationFeatures ranks genes present in every dataset by their
// combined variable-feature standing and returns the top n gene ids.
func SelectIntegrationFeatures(dss []*dataset.Dataset, n int) ([]string, error) {
	if len(dss) == 0 {
		return nil, errors.E(dataset.ErrEmptyDataset, "no datasets")
	}
	// Genes present everywhere.
	present := map[string]int{}
	for _, ds := range dss {
		for _, id := range ds.Features.IDs {
			present[id]++
		}
	}
	var shared []string
	for id, c := range present {
		if c == len(dss) {
			shared = append(shared, id)
		}
	}
	if len(shared) == 0 {
		return nil, errors.E(dataset.ErrEmptyDataset, "datasets share no genes")
	}
	sort.Strings(shared)

	// Sum of per-dataset ranks of the standardized dispersion; smaller is
	// more variable everywhere.
	score := make(map[string]float64, len(shared))
	for _, ds := range dss {
		z, ok := ds.Features.Floats("hvg.dispersion.std")
		if !ok {
			return nil, errors.New("integrate: dataset lacks variable-feature statistics; run feature selection first")
		}
		byGene := make(map[string]float64, len(ds.Features.IDs))
		for i, id := range ds.Features.IDs {
			byGene[id] = z[i]
		}
		ranked := append([]string(nil), shared...)
		sort.Slice(ranked, func(a, b int) bool { return byGene[ranked[a]] > byGene[ranked[b]] })
		for rank, id := range ranked {
			score[id] += float64(rank)
		}
	}
	sort.Slice(shared, func(a, b int) bool {
		if score[shared[a]] != score[shared[b]] {
			return score[shared[a]] < score[shared[b]]
		}
		return shared[a] < shared[b]
	})
	if n > len(shared) {
		n = len(shared)
	}
	out := append([]string(nil), shared[:n]...)
	sort.Strings(out)
	return out, nil
}

// Integrate merges the datasets into one, correcting batch effects via
// anchors. names supplies the provenance label of each dataset, in caller
// order; labels are assigned, never inferred.
func Integrate(dss []*dataset.Dataset, names []string, opts Opts) (*dataset.Dataset, error) {
	if len(dss) < 2 {
		return nil, errors.New("integrate: need at least two datasets")
	}
	if len(names) != len(dss) {
		return nil, errors.E("integrate: have", len(dss), "datasets but", len(names), "names")
	}
	features, err := SelectIntegrationFeatures(dss, opts.NFeatures)
	if err != nil {
		return nil, err
	}

	// Per dataset, scale the shared features of a freshly fit
	// log-normalized layer restricted to those features.
	scaled := make([][][]float64, len(dss)) // dataset -> cell -> feature
	for d, ds := range dss {
		m, err := scaledSharedMatrix(ds, features)
		if err != nil {
			return nil, errors.E(err, "integrate: dataset "+names[d])
		}
		scaled[d] = m
	}

	joint := jointReduction(scaled, opts.KJoint)

	// Pairwise anchors; every pair must produce at least one.
	var anchors []Anchor
	for a := 0; a < len(dss); a++ {
		for b := a + 1; b < len(dss); b++ {
			pair := findAnchors(joint[a], joint[b], a, b, opts)
			if len(pair) == 0 {
				return nil, errors.E(ErrNoAnchorsFound, "datasets", names[a], "and", names[b])
			}
			anchors = append(anchors, pair...)
			log.Printf("integrate: %d anchors between %s and %s", len(pair), names[a], names[b])
		}
	}

	// Correct every non-reference dataset toward dataset 0 using its
	// anchors with the reference.
	corrected := make([][][]float64, len(dss))
	corrected[0] = joint[0]
	for d := 1; d < len(dss); d++ {
		var own []Anchor
		for _, a := range anchors {
			if a.DatasetA == 0 && a.DatasetB == d {
				own = append(own, a)
			}
		}
		if len(own) == 0 {
			return nil, errors.E(ErrNoAnchorsFound, "datasets", names[0], "and", names[d])
		}
		corrected[d] = applyCorrection(joint[d], joint[0], own, opts.KWeight)
	}

	return mergeDatasets(dss, names, features, corrected)
}

// scaledSharedMatrix log-normalizes the dataset restricted to the shared
// features and returns per-gene centered/scaled values, cell-major.
func scaledSharedMatrix(ds *dataset.Dataset, features []string) ([][]float64, error) {
	idx := make([]int, 0, len(features))
	for _, id := range features {
		i := ds.Features.Index(id)
		if i < 0 {
			return nil, errors.E("missing shared feature", id)
		}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	sub, err := ds.SubsetGenes(idx)
	if err != nil {
		return nil, err
	}
	sub, err = normalize.LogNormalize(sub, normalize.DefaultOpts)
	if err != nil {
		return nil, err
	}
	l, err := sub.Layer(normalize.LayerLogNorm)
	if err != nil {
		return nil, err
	}
	// Column order must follow the shared feature list, not this
	// dataset's own gene ordering.
	featPos := make(map[string]int, len(features))
	for i, id := range features {
		featPos[id] = i
	}
	n, f := sub.NCells(), sub.NGenes()
	out := make([][]float64, n)
	for j := range out {
		out[j] = make([]float64, f)
	}
	for g := 0; g < f; g++ {
		col := featPos[sub.Features.IDs[g]]
		row := l.Row(g)
		var m float64
		for _, v := range row {
			m += v
		}
		m /= float64(n)
		var s2 float64
		for _, v := range row {
			s2 += (v - m) * (v - m)
		}
		sd := 1.0
		if n > 1 && s2 > 0 {
			sd = math.Sqrt(s2 / float64(n-1))
		}
		for j := 0; j < n; j++ {
			v := (row[j] - m) / sd
			if v > 10 {
				v = 10
			} else if v < -10 {
				v = -10
			}
			out[j][col] = v
		}
	}
	return out, nil
}

// jointReduction computes a PCA over the row-concatenated scaled matrices
// and splits the coordinates back per dataset.
func jointReduction(scaled [][][]float64, k int) [][][]float64 {
	total := 0
	f := len(scaled[0][0])
	for _, m := range scaled {
		total += len(m)
	}
	xd := make([]float64, 0, total*f)
	for _, m := range scaled {
		for _, row := range m {
			xd = append(xd, row...)
		}
	}
	x := mat.NewDense(total, f, xd)
	var svd mat.SVD
	svd.Factorize(x, mat.SVDThin)
	var u mat.Dense
	svd.UTo(&u)
	sv := svd.Values(nil)
	if max := minInt(total, f); k > max {
		k = max
	}
	out := make([][][]float64, len(scaled))
	row := 0
	for d, m := range scaled {
		out[d] = make([][]float64, len(m))
		for j := range m {
			c := make([]float64, k)
			for dim := 0; dim < k; dim++ {
				c[dim] = u.At(row, dim) * sv[dim]
			}
			out[d][j] = c
			row++
		}
	}
	return out
}

// findAnchors returns mutual nearest neighbors between two coordinate
// sets.
func findAnchors(ca, cb [][]float64, idxA, idxB int, opts Opts) []Anchor {
	k := opts.KAnchor
	fwd := crossNeighbors(ca, cb, k)
	rev := crossNeighbors(cb, ca, k)
	var out []Anchor
	for a, nbrs := range fwd {
		for _, b := range nbrs {
			mutual := false
			for _, back := range rev[b] {
				if back == a {
					mutual = true
					break
				}
			}
			if !mutual {
				continue
			}
			d := dist(ca[a], cb[b])
			if opts.MaxAnchorDist > 0 && d > opts.MaxAnchorDist {
				continue
			}
			out = append(out, Anchor{DatasetA: idxA, DatasetB: idxB, CellA: a, CellB: b, Dist: d})
		}
	}
	return out
}

// crossNeighbors finds, for each row of from, its k nearest rows of to by
// building one kdtree over the concatenation and keeping only hits in to.
func crossNeighbors(from, to [][]float64, k int) [][]int {
	if k > len(to) {
		k = len(to)
	}
	all := make([][]float64, 0, len(from)+len(to))
	all = append(all, to...)
	all = append(all, from...)
	// Ask for enough neighbors that k of them can land in the target
	// set even when own-set points crowd the neighborhood.
	knn := cluster.KNN(all, len(all[0]), minInt(len(all)-1, k+len(from)))
	out := make([][]int, len(from))
	for i := range from {
		var nbrs []int
		for _, j := range knn[len(to)+i] {
			if int(j) < len(to) {
				nbrs = append(nbrs, int(j))
				if len(nbrs) == k {
					break
				}
			}
		}
		out[i] = nbrs
	}
	return out
}

// applyCorrection shifts each cell by a distance-weighted blend of its
// nearest anchors' offset vectors (reference coordinate minus own
// coordinate at the anchor).
func applyCorrection(own, ref [][]float64, anchors []Anchor, kWeight int) [][]float64 {
	k := len(own[0])
	offsets := make([][]float64, len(anchors))
	for i, a := range anchors {
		off := make([]float64, k)
		for d := 0; d < k; d++ {
			off[d] = ref[a.CellA][d] - own[a.CellB][d]
		}
		offsets[i] = off
	}
	if kWeight > len(anchors) {
		kWeight = len(anchors)
	}
	out := make([][]float64, len(own))
	type anchorDist struct {
		idx int
		d   float64
	}
	for j := range own {
		ad := make([]anchorDist, len(anchors))
		for i, a := range anchors {
			ad[i] = anchorDist{idx: i, d: dist(own[j], own[a.CellB])}
		}
		sort.Slice(ad, func(x, y int) bool { return ad[x].d < ad[y].d })
		blend := make([]float64, k)
		var wsum float64
		for _, a := range ad[:kWeight] {
			w := 1 / (1 + a.d)
			for d := 0; d < k; d++ {
				blend[d] += w * offsets[a.idx][d]
			}
			wsum += w
		}
		c := make([]float64, k)
		for d := 0; d < k; d++ {
			c[d] = own[j][d] + blend[d]/wsum
		}
		out[j] = c
	}
	return out
}

// mergeDatasets concatenates the datasets over the shared features into
// one dataset carrying provenance labels and the corrected joint
// reduction.
func mergeDatasets(dss []*dataset.Dataset, names, features []string, corrected [][][]float64) (*dataset.Dataset, error) {
	b := dataset.NewCSCBuilder(len(features))
	var cellIDs []string
	var ident []string
	var coords [][]float64
	for d, ds := range dss {
		idx := make([]int, len(features))
		for i, id := range features {
			idx[i] = ds.Features.Index(id)
		}
		for j := 0; j < ds.NCells(); j++ {
			for gi, g := range idx {
				if v := ds.Counts.At(g, j); v != 0 {
					b.AddEntry(gi, v)
				}
			}
			b.EndCol()
			cellIDs = append(cellIDs, names[d]+"_"+ds.Cells.IDs[j])
			ident = append(ident, names[d])
			coords = append(coords, corrected[d][j])
		}
	}
	merged, err := dataset.New(b.Build(), cellIDs, features)
	if err != nil {
		return nil, err
	}
	cells := merged.Cells.Clone()
	if err := cells.SetStrings(ColOrigIdent, ident); err != nil {
		return nil, err
	}
	if merged, err = merged.WithCells(cells); err != nil {
		return nil, err
	}
	if merged, err = normalize.LogNormalize(merged, normalize.DefaultOpts); err != nil {
		return nil, err
	}
	kJoint := len(coords[0])
	stdev := make([]float64, kJoint)
	for d := 0; d < kJoint; d++ {
		var m float64
		for _, c := range coords {
			m += c[d]
		}
		m /= float64(len(coords))
		var s2 float64
		for _, c := range coords {
			s2 += (c[d] - m) * (c[d] - m)
		}
		if len(coords) > 1 {
			stdev[d] = math.Sqrt(s2 / float64(len(coords)-1))
		}
	}
	fp, err := merged.LayerFingerprint(normalize.LayerLogNorm)
	if err != nil {
		return nil, err
	}
	merged, err = merged.WithReduction(ReductionIntegrated, &dataset.Reduction{
		Coords:            coords,
		Stdev:             stdev,
		SourceLayer:       normalize.LayerLogNorm,
		SourceFingerprint: fp,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("integrate: merged %d datasets into %d cells x %d features",
		len(dss), merged.NCells(), len(features))
	return merged, nil
}

func dist(a, b []float64) float64 {
	var s float64
	for d := range a {
		x := a[d] - b[d]
		s += x * x
	}
	return math.Sqrt(s)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
