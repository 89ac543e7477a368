// Package normalize derives expression layers from raw counts:
// log-normalization with variable-feature selection, and a regression-based
// variance-stabilized layer removing nuisance covariates.
package normalize

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

type Opts struct {
	// ScaleFactor rescales per-cell totals before the log1p transform.
	ScaleFactor float64
	// NFeatures is the number of variable features to flag.
	NFeatures int
	// Bins is the number of mean-expression bins used to standardize
	// dispersions against the mean-dispersion trend.
	Bins int
	// MeanFn and DispFn let callers swap the moment estimators used by
	// variable-feature ranking. Nil selects expm1-mean and var/mean
	// dispersion.
	MeanFn func(logExpr []float64) float64
	DispFn func(mean, variance float64) float64
}

var DefaultOpts = Opts{
	ScaleFactor: 10000,
	NFeatures:   5000,
	Bins:        20,
}

// LayerLogNorm is the layer name written by LogNormalize.
const LayerLogNorm = "lognorm"

// LogNormalize writes the log-normalized layer: per cell, each count is
// divided by the cell total, scaled and log1p-transformed.
func LogNormalize(ds *dataset.Dataset, opts Opts) (*dataset.Dataset, error) {
	if err := ds.CheckAligned(); err != nil {
		return nil, err
	}
	if ds.NGenes() == 0 || ds.NCells() == 0 {
		return nil, errors.E(dataset.ErrEmptyDataset, "nothing to normalize")
	}
	l := dataset.NewLayer(ds.NGenes(), ds.NCells(), LayerLogNorm)
	for j := 0; j < ds.NCells(); j++ {
		total := ds.Counts.ColSum(j)
		if total == 0 {
			continue
		}
		scale := opts.ScaleFactor / total
		rows, vals := ds.Counts.Col(j)
		for i := range rows {
			l.Set(int(rows[i]), j, math.Log1p(vals[i]*scale))
		}
	}
	return ds.WithLayer(LayerLogNorm, l)
}

// SelectVariableFeatures ranks genes by the deviation of their dispersion
// from the mean-dispersion trend (estimated over mean-expression bins) and
// flags the top NFeatures in the feature table as "variable". Per-gene mean,
// dispersion and standardized dispersion are stored alongside.
func SelectVariableFeatures(ds *dataset.Dataset, layer string, opts Opts) (*dataset.Dataset, error) {
	l, err := ds.Layer(layer)
	if err != nil {
		return nil, err
	}
	nGenes := ds.NGenes()
	if nGenes == 0 {
		return nil, errors.E(dataset.ErrEmptyDataset, "no genes for variable-feature selection")
	}
	meanFn := opts.MeanFn
	if meanFn == nil {
		meanFn = expm1Mean
	}
	dispFn := opts.DispFn
	if dispFn == nil {
		dispFn = func(mean, variance float64) float64 {
			if mean == 0 {
				return 0
			}
			return variance / mean
		}
	}

	means := make([]float64, nGenes)
	disps := make([]float64, nGenes)
	for i := 0; i < nGenes; i++ {
		row := l.Row(i)
		m := meanFn(row)
		means[i] = m
		var v float64
		for _, x := range row {
			e := math.Expm1(x)
			v += (e - m) * (e - m)
		}
		if len(row) > 1 {
			v /= float64(len(row) - 1)
		}
		disps[i] = dispFn(m, v)
	}

	z := standardizeByBin(means, disps, opts.Bins)

	order := make([]int, nGenes)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return z[order[a]] > z[order[b]] })

	n := opts.NFeatures
	warn := ""
	if n > nGenes {
		warn = "fewer genes than requested variable features; selecting all"
		n = nGenes
	}
	variable := make([]bool, nGenes)
	for _, i := range order[:n] {
		variable[i] = true
	}
	feats := ds.Features.Clone()
	if err := feats.SetFloats("hvg.mean", means); err != nil {
		return nil, err
	}
	if err := feats.SetFloats("hvg.dispersion", disps); err != nil {
		return nil, err
	}
	if err := feats.SetFloats("hvg.dispersion.std", z); err != nil {
		return nil, err
	}
	if err := feats.SetBools("variable", variable); err != nil {
		return nil, err
	}
	if ds, err = ds.WithFeatures(feats); err != nil {
		return nil, err
	}
	if warn != "" {
		log.Printf("normalize: %s (%d genes)", warn, nGenes)
		ds = ds.WithWarning("normalize", warn)
	}
	return ds, nil
}

func expm1Mean(logExpr []float64) float64 {
	var s float64
	for _, x := range logExpr {
		s += math.Expm1(x)
	}
	return s / float64(len(logExpr))
}

// standardizeByBin z-scores each dispersion against the other genes in its
// mean-expression bin, removing the mean-dispersion trend without fitting a
// global curve.
func standardizeByBin(means, disps []float64, bins int) []float64 {
	n := len(means)
	if bins < 1 {
		bins = 1
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return means[order[a]] < means[order[b]] })
	z := make([]float64, n)
	per := (n + bins - 1) / bins
	for start := 0; start < n; start += per {
		end := start + per
		if end > n {
			end = n
		}
		var m, s2 float64
		for _, i := range order[start:end] {
			m += disps[i]
		}
		m /= float64(end - start)
		for _, i := range order[start:end] {
			d := disps[i] - m
			s2 += d * d
		}
		sd := 0.0
		if end-start > 1 {
			sd = math.Sqrt(s2 / float64(end-start-1))
		}
		for _, i := range order[start:end] {
			if sd > 0 {
				z[i] = (disps[i] - m) / sd
			}
		}
	}
	return z
}
