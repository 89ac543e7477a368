// Package ingest builds the initial Cell Dataset from a raw droplet x gene
// count matrix. Empty and ambiguous droplets are removed by testing every
// candidate droplet's count profile against the ambient-RNA profile
// estimated from low-count droplets, with FDR control over the candidates.
package ingest

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/util"
)

// ErrInsufficientBackground indicates too few low-count droplets to
// estimate the ambient profile.
var ErrInsufficientBackground = errors.New("too few background droplets to estimate ambient profile")

type Opts struct {
	// Lower is the total-count threshold. Droplets at or above it are
	// tested against the ambient profile; droplets below it define the
	// profile and are considered empty.
	Lower float64
	// FDRCutoff keeps a tested droplet when its FDR-adjusted p-value is
	// strictly below the cutoff.
	FDRCutoff float64
	// MinBackground is the minimum number of below-Lower droplets needed
	// to estimate the ambient profile.
	MinBackground int
	// MinCells drops genes detected in fewer cells after droplet filtering.
	MinCells int
	// MinFeatures drops cells with fewer detected genes after droplet
	// filtering.
	MinFeatures int
}

var DefaultOpts = Opts{
	Lower:         100,
	FDRCutoff:     0.01,
	MinBackground: 50,
	MinCells:      3,
	MinFeatures:   200,
}

// Stats summarizes one droplet-filtering run.
type Stats struct {
	Droplets   int // input droplets
	Background int // droplets below Lower
	Tested     int // droplets at or above Lower
	Retained   int // droplets passing the FDR cutoff
	FinalCells int // cells after min-features filtering
	FinalGenes int // genes after min-cells filtering
}

// FilterDroplets tests every candidate droplet against the ambient profile
// and returns a dataset restricted to retained droplets, with low-detection
// genes and cells dropped. The per-droplet FDR of retained cells is stored
// in the cell table as "droplet.fdr".
func FilterDroplets(raw *dataset.CSC, barcodes, genes []string, opts Opts) (*dataset.Dataset, Stats, error) {
	stats := Stats{Droplets: raw.NCols}
	totals := make([]float64, raw.NCols)
	for j := 0; j < raw.NCols; j++ {
		totals[j] = raw.ColSum(j)
	}

	// Ambient profile from background droplets, with a small pseudocount
	// so tested droplets never hit a zero expectation.
	ambient := make([]float64, raw.NRows)
	var ambientTotal float64
	for j := 0; j < raw.NCols; j++ {
		if totals[j] >= opts.Lower {
			continue
		}
		stats.Background++
		rows, vals := raw.Col(j)
		for i := range rows {
			ambient[rows[i]] += vals[i]
		}
		ambientTotal += totals[j]
	}
	if stats.Background < opts.MinBackground {
		return nil, stats, errors.E(ErrInsufficientBackground,
			"have", stats.Background, "background droplets, need", opts.MinBackground)
	}
	const pseudo = 0.5
	denom := ambientTotal + pseudo*float64(raw.NRows)
	for i := range ambient {
		ambient[i] = (ambient[i] + pseudo) / denom
	}

	// Multinomial goodness-of-fit of each candidate against the ambient
	// profile; deviance compared to chi-squared with nGenes-1 df.
	chisq := distuv.ChiSquared{K: float64(raw.NRows - 1)}
	fdr := make([]float64, raw.NCols)
	pvals := make([]float64, 0, raw.NCols)
	tested := make([]int, 0, raw.NCols)
	for j := 0; j < raw.NCols; j++ {
		if totals[j] < opts.Lower {
			// Below-threshold droplets have no defined test; force FDR
			// to 1 so they are excluded.
			fdr[j] = 1
			continue
		}
		rows, vals := raw.Col(j)
		var dev float64
		for i := range rows {
			expected := totals[j] * ambient[rows[i]]
			dev += vals[i] * math.Log(vals[i]/expected)
		}
		dev *= 2
		p := 1.0
		if dev > 0 {
			p = chisq.Survival(dev)
		}
		pvals = append(pvals, p)
		tested = append(tested, j)
	}
	stats.Tested = len(tested)
	for i, q := range util.AdjustBH(pvals) {
		fdr[tested[i]] = q
	}

	var keep []int
	for j := 0; j < raw.NCols; j++ {
		if fdr[j] < opts.FDRCutoff {
			keep = append(keep, j)
		}
	}
	stats.Retained = len(keep)
	if len(keep) == 0 {
		return nil, stats, errors.E(dataset.ErrEmptyDataset, "no droplets pass FDR <", opts.FDRCutoff)
	}

	ds, err := dataset.New(raw, barcodes, genes)
	if err != nil {
		return nil, stats, err
	}
	cells := ds.Cells.Clone()
	if err := cells.SetFloats("droplet.fdr", fdr); err != nil {
		return nil, stats, err
	}
	if ds, err = ds.WithCells(cells); err != nil {
		return nil, stats, err
	}
	if ds, err = ds.Subset(keep); err != nil {
		return nil, stats, err
	}

	ds, err = applyDetectionFloors(ds, opts)
	if err != nil {
		return nil, stats, err
	}
	stats.FinalCells = ds.NCells()
	stats.FinalGenes = ds.NGenes()
	log.Printf("ingest: %d droplets, %d background, %d tested, %d retained, %dx%d after detection floors",
		stats.Droplets, stats.Background, stats.Tested, stats.Retained, stats.FinalGenes, stats.FinalCells)
	return ds, stats, nil
}

// applyDetectionFloors drops genes seen in too few cells, then cells with
// too few genes, in that order.
func applyDetectionFloors(ds *dataset.Dataset, opts Opts) (*dataset.Dataset, error) {
	if opts.MinCells > 0 {
		nnz := ds.Counts.RowNNZ()
		var keep []int
		for i, n := range nnz {
			if n >= opts.MinCells {
				keep = append(keep, i)
			}
		}
		sort.Ints(keep)
		var err error
		if ds, err = ds.SubsetGenes(keep); err != nil {
			return nil, err
		}
	}
	if opts.MinFeatures > 0 {
		var keep []int
		for j := 0; j < ds.NCells(); j++ {
			if ds.Counts.ColNNZ(j) >= opts.MinFeatures {
				keep = append(keep, j)
			}
		}
		if len(keep) == 0 {
			return nil, errors.E(dataset.ErrEmptyDataset, "no cells with >=", opts.MinFeatures, "detected genes")
		}
		var err error
		if ds, err = ds.Subset(keep); err != nil {
			return nil, err
		}
	}
	return ds, nil
}
