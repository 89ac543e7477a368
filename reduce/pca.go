// Package reduce computes linear reductions of a dataset: PCA over the
// variable features, an optional batch-corrected reduction derived from it,
// and the cumulative-variance rule that picks how many dimensions
// downstream stages consume.
package reduce

import (
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/mat"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

type Opts struct {
	// KMax is the number of components to compute.
	KMax int
	// ScaleMax caps per-gene scaled values, limiting the leverage of
	// outlier cells.
	ScaleMax float64
}

var DefaultOpts = Opts{
	KMax:     50,
	ScaleMax: 10,
}

// ReductionPCA is the reduction name written by RunPCA.
const ReductionPCA = "pca"

// RunPCA computes a truncated SVD of the centered, scaled expression of the
// variable features of the given layer and stores it as the "pca"
// reduction, tagged with per-component standard deviations and the source
// layer fingerprint.
func RunPCA(ds *dataset.Dataset, layer string, opts Opts) (*dataset.Dataset, error) {
	if err := ds.CheckAligned(); err != nil {
		return nil, err
	}
	features := ds.VariableFeatures()
	if len(features) == 0 {
		return nil, errors.E("pca: no variable features flagged; run variable-feature selection first")
	}
	l, err := ds.Layer(layer)
	if err != nil {
		return nil, err
	}
	n := ds.NCells()
	f := len(features)

	// Cells x features, per-feature centered and unit-scaled with a cap.
	xd := make([]float64, n*f)
	for c, g := range features {
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
			if v > opts.ScaleMax {
				v = opts.ScaleMax
			} else if v < -opts.ScaleMax {
				v = -opts.ScaleMax
			}
			xd[j*f+c] = v
		}
	}
	x := mat.NewDense(n, f, xd)

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return nil, errors.New("pca: SVD failed to converge")
	}
	var u mat.Dense
	svd.UTo(&u)
	sv := svd.Values(nil)

	k := opts.KMax
	if max := minInt(n, f); k > max {
		k = max
	}
	r := &dataset.Reduction{
		Coords:      make([][]float64, n),
		Stdev:       make([]float64, k),
		SourceLayer: layer,
	}
	for d := 0; d < k; d++ {
		r.Stdev[d] = sv[d] / math.Sqrt(float64(n-1))
	}
	for j := 0; j < n; j++ {
		coord := make([]float64, k)
		for d := 0; d < k; d++ {
			coord[d] = u.At(j, d) * sv[d]
		}
		r.Coords[j] = coord
	}
	if r.SourceFingerprint, err = ds.LayerFingerprint(layer); err != nil {
		return nil, err
	}
	log.Printf("pca: %d cells x %d variable features -> %d components", n, f, k)
	return ds.WithReduction(ReductionPCA, r)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
