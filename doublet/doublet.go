// Package doublet flags cells whose neighborhoods are dominated by
// simulated artificial doublets. Artificial profiles are averaged pairs of
// real cells; real and artificial cells are re-embedded together and each
// real cell is scored by the artificial fraction of its nearest neighbors.
package doublet

import (
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/fredaguas7/COMICs-Seurat/cluster"
	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
	"github.com/fredaguas7/COMICs-Seurat/reduce"
)

type Opts struct {
	// PN is the number of artificial doublets as a fraction of real cells.
	PN float64
	// PK sizes the scoring neighborhood as a fraction of the merged
	// population. It is normally supplied by an external parameter sweep;
	// this stage only consumes it. PK changes which cells score highest,
	// never how many are called.
	PK float64
	// DoubletRate sets the expected doublet count nExp = rate * nCells.
	DoubletRate float64
	// NExp, when positive, overrides the rate-derived expected count (a
	// pre-supplied rank cutoff).
	NExp int
	// NFeatures and KMax bound the re-embedding of the merged population.
	NFeatures int
	KMax      int
}

var DefaultOpts = Opts{
	PN:          0.25,
	PK:          0.005,
	DoubletRate: 0.05,
	NFeatures:   2000,
	KMax:        10,
}

// ColCall and ColScore are the cell-table columns written by Detect.
const (
	ColCall  = "doublet.call"
	ColScore = "pANN"
)

// Detect scores every real cell and classifies exactly nExp of them as
// "doublet" (the rest "singlet"). The simulation is seeded from the cell
// barcodes, so a given dataset always yields the same calls.
func Detect(ds *dataset.Dataset, opts Opts) (*dataset.Dataset, error) {
	if err := ds.CheckAligned(); err != nil {
		return nil, err
	}
	n := ds.NCells()
	nArt := int(math.Round(opts.PN * float64(n)))
	if nArt < 1 {
		return nil, errors.E("doublet: pN", opts.PN, "yields no artificial doublets for", n, "cells")
	}
	nExp := opts.NExp
	if nExp <= 0 {
		nExp = int(math.Round(opts.DoubletRate * float64(n)))
	}
	if nExp > n {
		nExp = n
	}

	var seed uint64
	for _, id := range ds.Cells.IDs {
		seed = farm.Hash64WithSeed([]byte(id), seed)
	}
	rng := rand.New(rand.NewSource(int64(seed)))

	merged, err := buildMerged(ds, nArt, rng)
	if err != nil {
		return nil, err
	}
	nOpts := normalize.DefaultOpts
	if merged, err = normalize.LogNormalize(merged, nOpts); err != nil {
		return nil, err
	}
	nOpts.NFeatures = opts.NFeatures
	if merged, err = normalize.SelectVariableFeatures(merged, normalize.LayerLogNorm, nOpts); err != nil {
		return nil, err
	}
	rOpts := reduce.DefaultOpts
	rOpts.KMax = opts.KMax
	if merged, err = reduce.RunPCA(merged, normalize.LayerLogNorm, rOpts); err != nil {
		return nil, err
	}
	red, err := merged.Reduction(reduce.ReductionPCA)
	if err != nil {
		return nil, err
	}

	total := n + nArt
	k := int(math.Round(opts.PK * float64(total)))
	if k < 1 {
		k = 1
	}
	if k >= total {
		k = total - 1
	}
	knn := cluster.KNN(red.Coords, red.NDim(), k)

	pANN := make([]float64, n)
	for i := 0; i < n; i++ {
		art := 0
		for _, j := range knn[i] {
			if int(j) >= n {
				art++
			}
		}
		pANN[i] = float64(art) / float64(len(knn[i]))
	}

	// Rank cutoff: the nExp highest-scoring cells are doublets. Ties
	// break by cell index so the call set is deterministic.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if pANN[order[a]] != pANN[order[b]] {
			return pANN[order[a]] > pANN[order[b]]
		}
		return order[a] < order[b]
	})
	calls := make([]string, n)
	for i := range calls {
		calls[i] = "singlet"
	}
	for _, i := range order[:nExp] {
		calls[i] = "doublet"
	}

	cells := ds.Cells.Clone()
	if err := cells.SetFloats(ColScore, pANN); err != nil {
		return nil, err
	}
	if err := cells.SetStrings(ColCall, calls); err != nil {
		return nil, err
	}
	log.Printf("doublet: %d artificial, k=%d, called %d of %d cells", nArt, k, nExp, n)
	return ds.WithCells(cells)
}

// buildMerged appends nArt averaged random-pair profiles to the real
// cells.
func buildMerged(ds *dataset.Dataset, nArt int, rng *rand.Rand) (*dataset.Dataset, error) {
	n := ds.NCells()
	b := dataset.NewCSCBuilder(ds.NGenes())
	ids := make([]string, 0, n+nArt)
	for j := 0; j < n; j++ {
		rows, vals := ds.Counts.Col(j)
		for i := range rows {
			b.AddEntry(int(rows[i]), vals[i])
		}
		b.EndCol()
		ids = append(ids, ds.Cells.IDs[j])
	}
	sum := make([]float64, ds.NGenes())
	for a := 0; a < nArt; a++ {
		c1, c2 := rng.Intn(n), rng.Intn(n)
		for c2 == c1 {
			c2 = rng.Intn(n)
		}
		var touched []int
		for _, c := range []int{c1, c2} {
			rows, vals := ds.Counts.Col(c)
			for i := range rows {
				if sum[rows[i]] == 0 {
					touched = append(touched, int(rows[i]))
				}
				sum[rows[i]] += vals[i]
			}
		}
		sort.Ints(touched)
		for _, g := range touched {
			b.AddEntry(g, math.Round(sum[g]/2))
			sum[g] = 0
		}
		b.EndCol()
		ids = append(ids, "art-"+strconv.Itoa(a))
	}
	return dataset.New(b.Build(), ids, ds.Features.IDs)
}
