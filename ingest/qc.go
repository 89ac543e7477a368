package ingest

import (
	"strings"

	"github.com/grailbio/base/log"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

// GeneSet names a group of genes matched by identifier prefix, e.g.
// mitochondrial genes by "MT-".
type GeneSet struct {
	Name   string
	Prefix string
}

// QCOpts configures per-cell quality filtering. Bounds are optional: the
// zero value of a bound means no bound.
type QCOpts struct {
	// MinFeatures and MaxFeatures bound the number of detected genes per
	// cell (inclusive min, exclusive-by-removal max: cells outside the
	// bounds are removed).
	MinFeatures int
	MaxFeatures int
	// MaxPctMito bounds the percentage of counts in the first gene set
	// (0 disables).
	MaxPctMito float64
	// Sets are the pattern-matched gene sets whose count fractions are
	// computed per cell, as "pct.<name>" columns.
	Sets []GeneSet
}

var DefaultQCOpts = QCOpts{
	Sets: []GeneSet{{Name: "mt", Prefix: "MT-"}},
}

// ComputeQC writes per-cell QC metrics into the cell table: "nFeature",
// "nCount" and one "pct.<set>" column per configured gene set. It does not
// remove any cell.
func ComputeQC(ds *dataset.Dataset, opts QCOpts) (*dataset.Dataset, error) {
	if err := ds.CheckAligned(); err != nil {
		return nil, err
	}
	n := ds.NCells()
	nFeature := make([]float64, n)
	nCount := make([]float64, n)
	setTotals := make([][]float64, len(opts.Sets))
	members := make([][]bool, len(opts.Sets))
	for s, set := range opts.Sets {
		setTotals[s] = make([]float64, n)
		members[s] = make([]bool, ds.NGenes())
		for i, id := range ds.Features.IDs {
			members[s][i] = strings.HasPrefix(id, set.Prefix)
		}
	}
	for j := 0; j < n; j++ {
		nFeature[j] = float64(ds.Counts.ColNNZ(j))
		rows, vals := ds.Counts.Col(j)
		for i := range rows {
			nCount[j] += vals[i]
			for s := range opts.Sets {
				if members[s][rows[i]] {
					setTotals[s][j] += vals[i]
				}
			}
		}
	}
	cells := ds.Cells.Clone()
	if err := cells.SetFloats("nFeature", nFeature); err != nil {
		return nil, err
	}
	if err := cells.SetFloats("nCount", nCount); err != nil {
		return nil, err
	}
	for s, set := range opts.Sets {
		pct := setTotals[s]
		for j := range pct {
			if nCount[j] > 0 {
				pct[j] = 100 * pct[j] / nCount[j]
			}
		}
		if err := cells.SetFloats("pct."+set.Name, pct); err != nil {
			return nil, err
		}
	}
	return ds.WithCells(cells)
}

// ApplyQC removes cells outside the configured bounds. Metrics must have
// been computed first (ComputeQC).
func ApplyQC(ds *dataset.Dataset, opts QCOpts) (*dataset.Dataset, error) {
	nFeature, ok := ds.Cells.Floats("nFeature")
	if !ok {
		var err error
		if ds, err = ComputeQC(ds, opts); err != nil {
			return nil, err
		}
		nFeature, _ = ds.Cells.Floats("nFeature")
	}
	var pctMito []float64
	if len(opts.Sets) > 0 {
		pctMito, _ = ds.Cells.Floats("pct." + opts.Sets[0].Name)
	}
	var keep []int
	for j := 0; j < ds.NCells(); j++ {
		if opts.MinFeatures > 0 && int(nFeature[j]) < opts.MinFeatures {
			continue
		}
		if opts.MaxFeatures > 0 && int(nFeature[j]) > opts.MaxFeatures {
			continue
		}
		if opts.MaxPctMito > 0 && pctMito != nil && pctMito[j] > opts.MaxPctMito {
			continue
		}
		keep = append(keep, j)
	}
	log.Printf("qc: keeping %d of %d cells", len(keep), ds.NCells())
	return ds.Subset(keep)
}
