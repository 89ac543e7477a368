// Package embed computes a low-dimensional nonlinear embedding of cells
// for visualization: nearest-neighbor attraction with sampled repulsion
// over an initialization taken from the linear reduction. The embedding is
// exported only; nothing downstream reads it.
package embed

import (
	"math"
	"math/rand"

	"github.com/grailbio/base/log"

	"github.com/fredaguas7/COMICs-Seurat/cluster"
	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

type Opts struct {
	// NComponents is the embedding dimensionality.
	NComponents int
	// NNeighbors is the size of the local neighborhood preserved.
	NNeighbors int
	// Epochs is the number of refinement passes.
	Epochs int
	// MinDist is the repulsion floor keeping distinct cells apart.
	MinDist float64
	// Seed makes the layout reproducible.
	Seed int64
}

var DefaultOpts = Opts{
	NComponents: 2,
	NNeighbors:  15,
	Epochs:      200,
	MinDist:     0.1,
	Seed:        42,
}

// ReductionUMAP is the reduction name written by Run.
const ReductionUMAP = "umap"

// Run embeds cells from the first pcNum dimensions of the named reduction
// and stores the result as the "umap" reduction.
func Run(ds *dataset.Dataset, reduction string, pcNum int, opts Opts) (*dataset.Dataset, error) {
	src, err := ds.Reduction(reduction)
	if err != nil {
		return nil, err
	}
	if err := src.Check(pcNum); err != nil {
		return nil, err
	}
	n := len(src.Coords)
	k := opts.NNeighbors
	if k >= n {
		k = n - 1
	}
	knn := cluster.KNN(src.Coords, pcNum, k)

	// Initialize from the leading source dimensions, rescaled to a
	// compact layout.
	dim := opts.NComponents
	y := make([][]float64, n)
	var scale float64
	for _, c := range src.Coords {
		for d := 0; d < dim && d < pcNum; d++ {
			if a := math.Abs(c[d]); a > scale {
				scale = a
			}
		}
	}
	if scale == 0 {
		scale = 1
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	for i := range y {
		y[i] = make([]float64, dim)
		for d := 0; d < dim; d++ {
			if d < pcNum {
				y[i][d] = 10 * src.Coords[i][d] / scale
			} else {
				y[i][d] = rng.NormFloat64() * 1e-3
			}
		}
	}

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		alpha := 1.0 - float64(epoch)/float64(opts.Epochs)
		for i := 0; i < n; i++ {
			for _, j := range knn[i] {
				moveTogether(y[i], y[int(j)], alpha)
			}
			// Sampled repulsion keeps unrelated cells from collapsing
			// onto each other.
			for s := 0; s < 5; s++ {
				j := rng.Intn(n)
				if j != i {
					moveApart(y[i], y[j], alpha, opts.MinDist)
				}
			}
		}
	}

	out := &dataset.Reduction{
		Coords:            y,
		Stdev:             coordStdev(y, dim),
		SourceLayer:       src.SourceLayer,
		SourceFingerprint: src.SourceFingerprint,
	}
	log.Printf("embed: %d cells -> %dd layout (%d epochs)", n, dim, opts.Epochs)
	return ds.WithReduction(ReductionUMAP, out)
}

func moveTogether(a, b []float64, alpha float64) {
	var d2 float64
	for d := range a {
		x := a[d] - b[d]
		d2 += x * x
	}
	// Attraction gradient of 1/(1+d^2) similarity.
	g := alpha * 2 * d2 / ((1 + d2) * (1 + d2))
	if g > alpha {
		g = alpha
	}
	for d := range a {
		step := g * (a[d] - b[d]) / (math.Sqrt(d2) + 1e-9)
		a[d] -= step
		b[d] += step
	}
}

func moveApart(a, b []float64, alpha, minDist float64) {
	var d2 float64
	for d := range a {
		x := a[d] - b[d]
		d2 += x * x
	}
	g := alpha / (1 + d2)
	if math.Sqrt(d2) < minDist {
		g = alpha
	}
	for d := range a {
		a[d] += g * (a[d] - b[d]) / (math.Sqrt(d2) + 1e-9)
	}
}

func coordStdev(y [][]float64, dim int) []float64 {
	n := len(y)
	out := make([]float64, dim)
	if n < 2 {
		return out
	}
	for d := 0; d < dim; d++ {
		var m float64
		for i := range y {
			m += y[i][d]
		}
		m /= float64(n)
		var s2 float64
		for i := range y {
			s2 += (y[i][d] - m) * (y[i][d] - m)
		}
		out[d] = math.Sqrt(s2 / float64(n-1))
	}
	return out
}
