// Package markers computes per-group differential expression: each group
// of a discrete cell grouping against all remaining cells, with fold-change
// and detection-fraction prefilters, a rank-sum test and FDR correction.
package markers

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
	"github.com/fredaguas7/COMICs-Seurat/util"
)

type Opts struct {
	// LogFCThreshold prefilters genes whose natural-log fold change
	// between group and rest is smaller in magnitude.
	LogFCThreshold float64
	// MinPct prefilters genes detected in less than this fraction of
	// cells on both sides.
	MinPct float64
	// OnlyPos keeps only genes enriched in the group.
	OnlyPos bool
	// Recorrect re-fits the variance-stabilized layer on the tested
	// subset instead of reusing stored corrected values. Reuse is the
	// default; the flag makes the re-fit decision explicit per call.
	Recorrect bool
}

var DefaultOpts = Opts{
	LogFCThreshold: 0.25,
	MinPct:         0.1,
}

// Marker is one gene's differential-expression summary for one group.
type Marker struct {
	Gene     string
	Group    string
	AvgLogFC float64
	PctIn    float64
	PctOut   float64
	PValue   float64
	PAdj     float64
}

// MarkerSet is the result of one FindAllMarkers call. Recorrected records
// whether the tested values were re-fit for this call or reused from the
// stored layer.
type MarkerSet struct {
	Layer       string
	GroupBy     string
	Recorrected bool
	Markers     []Marker
}

// FindAllMarkers tests every gene, for every group of the given discrete
// cell-table column, against all cells outside the group. Within each
// group, p-values are BH-adjusted across the genes that survived the
// prefilters.
func FindAllMarkers(ds *dataset.Dataset, layer, groupBy string, opts Opts) (*MarkerSet, error) {
	l, err := ds.Layer(layer)
	if err != nil {
		return nil, err
	}
	set := &MarkerSet{Layer: layer, GroupBy: groupBy}
	if opts.Recorrect && l.Method == normalize.LayerVST {
		refit, err := normalize.VarianceStabilize(ds, normalize.VSTOpts{
			Covariates: l.Covariates,
			Lambda:     normalize.DefaultVSTOpts.Lambda,
		})
		if err != nil {
			return nil, errors.E(err, "markers: recorrect failed")
		}
		if l, err = refit.Layer(normalize.LayerVST); err != nil {
			return nil, err
		}
		set.Recorrected = true
		log.Printf("markers: re-fit %s layer on %d cells before testing", layer, ds.NCells())
	}

	groups, labels, err := ds.Cells.Groups(groupBy)
	if err != nil {
		return nil, err
	}
	if len(groups) < 2 {
		return nil, errors.E("markers: grouping", groupBy, "has fewer than two groups")
	}

	for _, grp := range groups {
		in := make([]int, 0, len(labels))
		out := make([]int, 0, len(labels))
		for j, lab := range labels {
			if lab == grp {
				in = append(in, j)
			} else {
				out = append(out, j)
			}
		}
		var cand []Marker
		var pvals []float64
		for g := 0; g < ds.NGenes(); g++ {
			row := l.Row(g)
			inVals := gather(row, in)
			outVals := gather(row, out)
			pctIn := util.FractionPositive(inVals)
			pctOut := util.FractionPositive(outVals)
			if pctIn < opts.MinPct && pctOut < opts.MinPct {
				continue
			}
			logFC := util.LogMean(inVals) - util.LogMean(outVals)
			if opts.OnlyPos {
				if logFC <= opts.LogFCThreshold {
					continue
				}
			} else if math.Abs(logFC) < opts.LogFCThreshold {
				continue
			}
			p := wilcoxonP(inVals, outVals)
			cand = append(cand, Marker{
				Gene:     ds.Features.IDs[g],
				Group:    grp,
				AvgLogFC: logFC,
				PctIn:    pctIn,
				PctOut:   pctOut,
				PValue:   p,
			})
			pvals = append(pvals, p)
		}
		adj := util.AdjustBH(pvals)
		for i := range cand {
			cand[i].PAdj = adj[i]
		}
		sort.Slice(cand, func(a, b int) bool {
			if cand[a].PAdj != cand[b].PAdj {
				return cand[a].PAdj < cand[b].PAdj
			}
			return cand[a].AvgLogFC > cand[b].AvgLogFC
		})
		set.Markers = append(set.Markers, cand...)
	}
	log.Printf("markers: %d groups, %d marker rows", len(groups), len(set.Markers))
	return set, nil
}

func gather(row []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = row[j]
	}
	return out
}

// wilcoxonP is the two-sided Wilcoxon rank-sum p-value via the
// tie-corrected normal approximation.
func wilcoxonP(a, b []float64) float64 {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 == 0 || n2 == 0 {
		return math.NaN()
	}
	combined := make([]float64, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	ranks, tieTerm := util.RankWithTies(combined)
	var w float64
	for i := range a {
		w += ranks[i]
	}
	u := w - n1*(n1+1)/2
	mean := n1 * n2 / 2
	n := n1 + n2
	variance := n1 * n2 / 12 * (n + 1 - tieTerm/(n*(n-1)))
	if variance <= 0 {
		return 1
	}
	z := (u - mean) / math.Sqrt(variance)
	// Continuity correction toward the mean.
	if z > 0 {
		z = (u - mean - 0.5) / math.Sqrt(variance)
	} else if z < 0 {
		z = (u - mean + 0.5) / math.Sqrt(variance)
	}
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	p := 2 * norm.Survival(math.Abs(z))
	if p > 1 {
		p = 1
	}
	return p
}
