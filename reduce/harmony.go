package reduce

import (
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

// HarmonyOpts configures the batch-corrected reduction: an alternating
// soft-clustering / correction loop that pulls per-batch cluster centroids
// together while a diversity penalty keeps clusters mixed across batches.
type HarmonyOpts struct {
	// GroupBy names one or more discrete cell-table columns identifying
	// the batches to integrate over (e.g. sample of origin).
	GroupBy []string
	// NClusters is the number of soft clusters; 0 derives it from the
	// cell count.
	NClusters int
	// Theta is the diversity-penalty strength; 0 disables the penalty.
	Theta float64
	// Sigma is the soft-assignment bandwidth.
	Sigma float64
	// MaxIter caps the alternating loop. Exceeding it is non-fatal: the
	// current coordinates are kept and a convergence warning is attached.
	MaxIter int
	// Epsilon is the relative objective change below which the loop is
	// declared converged.
	Epsilon float64
}

var DefaultHarmonyOpts = HarmonyOpts{
	Theta:   2,
	Sigma:   0.1,
	MaxIter: 10,
	Epsilon: 1e-4,
}

// Stats reports how a harmony run went.
type HarmonyStats struct {
	Iterations int
	Converged  bool
	Objective  float64
}

// ReductionHarmony is the reduction name written by RunHarmony.
const ReductionHarmony = "harmony"

// RunHarmony derives a batch-corrected reduction from an existing one. The
// source reduction is left untouched; the corrected coordinates are stored
// under "harmony" with the same provenance tags so staleness tracking keeps
// working.
func RunHarmony(ds *dataset.Dataset, reduction string, opts HarmonyOpts) (*dataset.Dataset, HarmonyStats, error) {
	var stats HarmonyStats
	src, err := ds.Reduction(reduction)
	if err != nil {
		return nil, stats, err
	}
	if len(opts.GroupBy) == 0 {
		return nil, stats, errors.New("harmony: at least one group-by column required")
	}
	batch, nBatches, err := batchLabels(ds.Cells, opts.GroupBy)
	if err != nil {
		return nil, stats, err
	}
	n := len(src.Coords)
	k := src.NDim()
	z := make([][]float64, n)
	for i, c := range src.Coords {
		z[i] = append([]float64(nil), c...)
	}
	nc := opts.NClusters
	if nc <= 0 {
		nc = minInt(100, n/30+2)
	}
	batchFrac := make([]float64, nBatches)
	for _, b := range batch {
		batchFrac[b]++
	}
	for b := range batchFrac {
		batchFrac[b] /= float64(n)
	}

	// Centroids start on evenly spaced cells; deterministic for a given
	// input ordering.
	cent := make([][]float64, nc)
	for c := range cent {
		cent[c] = append([]float64(nil), z[c*n/nc]...)
	}
	r := make([][]float64, n) // soft assignments
	for i := range r {
		r[i] = make([]float64, nc)
		for c := range r[i] {
			r[i][c] = 1 / float64(nc)
		}
	}

	sigma := opts.Sigma
	if sigma <= 0 {
		sigma = DefaultHarmonyOpts.Sigma
	}
	prevObj := math.Inf(1)
	for iter := 0; iter < opts.MaxIter; iter++ {
		stats.Iterations = iter + 1

		// Soft counts per cluster/batch feed the diversity penalty.
		obs := make([][]float64, nc)
		size := make([]float64, nc)
		for c := range obs {
			obs[c] = make([]float64, nBatches)
		}
		for i := range z {
			for c := range cent {
				obs[c][batch[i]] += r[i][c]
				size[c] += r[i][c]
			}
		}

		// Assignment step.
		var obj float64
		for i := range z {
			var norm float64
			for c := range cent {
				d2 := sqDist(z[i], cent[c])
				w := math.Exp(-d2 / sigma)
				if opts.Theta > 0 {
					expected := size[c]*batchFrac[batch[i]] + 1
					observed := obs[c][batch[i]] + 1
					w *= math.Pow(expected/observed, opts.Theta)
				}
				r[i][c] = w
				norm += w
			}
			if norm == 0 {
				r[i][0], norm = 1, 1
			}
			for c := range cent {
				r[i][c] /= norm
			}
			obj += weightedError(z[i], cent, r[i])
		}

		// Centroid update.
		for c := range cent {
			acc := make([]float64, k)
			var w float64
			for i := range z {
				for d := 0; d < k; d++ {
					acc[d] += r[i][c] * z[i][d]
				}
				w += r[i][c]
			}
			if w > 0 {
				for d := 0; d < k; d++ {
					cent[c][d] = acc[d] / w
				}
			}
		}

		// Correction step: move each cell toward its clusters' global
		// centroids by subtracting the batch-specific offsets.
		correct(z, cent, r, batch, nBatches)

		stats.Objective = obj
		if prevObj < math.Inf(1) {
			if rel := math.Abs(prevObj-obj) / math.Max(math.Abs(prevObj), 1e-12); rel < opts.Epsilon {
				stats.Converged = true
				break
			}
		}
		prevObj = obj
	}

	out := &dataset.Reduction{
		Coords:            z,
		Stdev:             coordStdev(z, k),
		SourceLayer:       src.SourceLayer,
		SourceFingerprint: src.SourceFingerprint,
	}
	ds, err = ds.WithReduction(ReductionHarmony, out)
	if err != nil {
		return nil, stats, err
	}
	if !stats.Converged {
		msg := "harmony objective did not stabilize within iteration cap"
		log.Printf("harmony: %s (%d iterations)", msg, stats.Iterations)
		ds = ds.WithWarning("harmony", msg)
	} else {
		log.Printf("harmony: converged after %d iterations", stats.Iterations)
	}
	return ds, stats, nil
}

// batchLabels folds one or more discrete columns into a single batch index
// per cell.
func batchLabels(cells *dataset.MetaTable, groupBy []string) ([]int, int, error) {
	keys := make([]string, cells.Len())
	for _, col := range groupBy {
		_, labels, err := cells.Groups(col)
		if err != nil {
			return nil, 0, err
		}
		for i := range keys {
			keys[i] += labels[i] + "\x00"
		}
	}
	index := map[string]int{}
	out := make([]int, len(keys))
	for i, k := range keys {
		b, ok := index[k]
		if !ok {
			b = len(index)
			index[k] = b
		}
		out[i] = b
	}
	return out, len(index), nil
}

func sqDist(a, b []float64) float64 {
	var s float64
	for d := range a {
		x := a[d] - b[d]
		s += x * x
	}
	return s
}

func weightedError(zi []float64, cent [][]float64, ri []float64) float64 {
	var s float64
	for c := range cent {
		s += ri[c] * sqDist(zi, cent[c])
	}
	return s
}

// correct subtracts, for every cell, the weighted offset between its
// batch's per-cluster centroid and the global cluster centroid.
func correct(z [][]float64, cent [][]float64, r [][]float64, batch []int, nBatches int) {
	nc, k := len(cent), len(cent[0])
	// Per cluster, per batch weighted centroid.
	bcent := make([][][]float64, nc)
	bw := make([][]float64, nc)
	for c := 0; c < nc; c++ {
		bcent[c] = make([][]float64, nBatches)
		bw[c] = make([]float64, nBatches)
		for b := 0; b < nBatches; b++ {
			bcent[c][b] = make([]float64, k)
		}
	}
	for i := range z {
		b := batch[i]
		for c := 0; c < nc; c++ {
			for d := 0; d < k; d++ {
				bcent[c][b][d] += r[i][c] * z[i][d]
			}
			bw[c][b] += r[i][c]
		}
	}
	for c := 0; c < nc; c++ {
		for b := 0; b < nBatches; b++ {
			if bw[c][b] > 0 {
				for d := 0; d < k; d++ {
					bcent[c][b][d] /= bw[c][b]
				}
			}
		}
	}
	for i := range z {
		b := batch[i]
		for c := 0; c < nc; c++ {
			if bw[c][b] == 0 {
				continue
			}
			for d := 0; d < k; d++ {
				z[i][d] += r[i][c] * (cent[c][d] - bcent[c][b][d])
			}
		}
	}
}

func coordStdev(z [][]float64, k int) []float64 {
	n := len(z)
	out := make([]float64, k)
	if n < 2 {
		return out
	}
	for d := 0; d < k; d++ {
		var m float64
		for i := range z {
			m += z[i][d]
		}
		m /= float64(n)
		var s2 float64
		for i := range z {
			s2 += (z[i][d] - m) * (z[i][d] - m)
		}
		out[d] = math.Sqrt(s2 / float64(n-1))
	}
	return out
}
