// Package pipeline chains the per-sample analysis stages and fans them out
// across samples. Each stage produces a new dataset version; a sample run
// is a pure function of its input dataset and options.
package pipeline

import (
	"context"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"

	"github.com/fredaguas7/COMICs-Seurat/cluster"
	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/doublet"
	"github.com/fredaguas7/COMICs-Seurat/embed"
	"github.com/fredaguas7/COMICs-Seurat/ingest"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
	"github.com/fredaguas7/COMICs-Seurat/reduce"
)

// Opts bundles stage options for one sample run. Zero values fall back to
// each stage's defaults.
type Opts struct {
	QC   ingest.QCOpts
	Norm normalize.Opts
	// UseVST enables the regression-based layer; downstream stages then
	// run on it instead of the log-normalized layer.
	UseVST bool
	VST    normalize.VSTOpts
	PCA    reduce.Opts
	// BatchColumn, when set, triggers batch correction of the reduction
	// before dimension selection.
	BatchColumn string
	Harmony     reduce.HarmonyOpts
	// VarianceThreshold picks the working dimensionality.
	VarianceThreshold float64
	Graph             cluster.Opts
	Resolution        float64
	Embed             embed.Opts
	// SkipDoublets leaves the doublet columns unset.
	SkipDoublets bool
	Doublet      doublet.Opts

	// Workers bounds concurrent sample runs; 0 means runtime.NumCPU.
	Workers int
	// MaxBytesPerWorker rejects samples whose estimated in-memory size
	// exceeds it; 0 means unlimited.
	MaxBytesPerWorker int64
}

// DefaultOpts runs every stage with its own defaults.
var DefaultOpts = Opts{
	QC:                ingest.DefaultQCOpts,
	Norm:              normalize.DefaultOpts,
	VST:               normalize.DefaultVSTOpts,
	PCA:               reduce.DefaultOpts,
	Harmony:           reduce.DefaultHarmonyOpts,
	VarianceThreshold: reduce.DefaultVarianceThreshold,
	Graph:             cluster.DefaultOpts,
	Resolution:        0.8,
	Embed:             embed.DefaultOpts,
	Doublet:           doublet.DefaultOpts,
}

// Run takes one filtered sample through QC, normalization, reduction,
// clustering, embedding and doublet detection. The input dataset is left
// untouched; every stage appends to a fresh version.
func Run(ctx context.Context, ds *dataset.Dataset, opts Opts) (*dataset.Dataset, error) {
	ds, err := ingest.ComputeQC(ds, opts.QC)
	if err != nil {
		return nil, err
	}
	if ds, err = ingest.ApplyQC(ds, opts.QC); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ds, err = normalize.LogNormalize(ds, opts.Norm); err != nil {
		return nil, err
	}
	layer := normalize.LayerLogNorm
	if opts.UseVST {
		if ds, err = normalize.VarianceStabilize(ds, opts.VST); err != nil {
			return nil, err
		}
		layer = normalize.LayerVST
	}
	if ds, err = normalize.SelectVariableFeatures(ds, layer, opts.Norm); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ds, err = reduce.RunPCA(ds, layer, opts.PCA); err != nil {
		return nil, err
	}
	reduction := reduce.ReductionPCA
	if opts.BatchColumn != "" {
		hOpts := opts.Harmony
		if len(hOpts.GroupBy) == 0 {
			hOpts.GroupBy = []string{opts.BatchColumn}
		}
		var stats reduce.HarmonyStats
		if ds, stats, err = reduce.RunHarmony(ds, reduction, hOpts); err != nil {
			return nil, err
		}
		log.Debug.Printf("pipeline: harmony converged=%v after %d iterations",
			stats.Converged, stats.Iterations)
		reduction = reduce.ReductionHarmony
	}

	r, err := ds.Reduction(reduction)
	if err != nil {
		return nil, err
	}
	pcNum, ok := reduce.SelectDims(r.Stdev, opts.VarianceThreshold)
	if !ok {
		ds = ds.WithWarning("reduce", "variance threshold never crossed; using all dimensions")
	}
	log.Printf("pipeline: using %d of %d dimensions", pcNum, r.NDim())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ds, err = cluster.BuildGraph(ds, reduction, pcNum, opts.Graph); err != nil {
		return nil, err
	}
	if ds, err = cluster.FindClusters(ds, opts.Resolution); err != nil {
		return nil, err
	}
	if ds, err = embed.Run(ds, reduction, pcNum, opts.Embed); err != nil {
		return nil, err
	}
	if !opts.SkipDoublets {
		if ds, err = doublet.Detect(ds, opts.Doublet); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// RunSamples processes samples concurrently. Results line up with the
// input slice. The first stage error aborts the whole batch.
func RunSamples(ctx context.Context, samples []*dataset.Dataset, opts Opts) ([]*dataset.Dataset, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	out := make([]*dataset.Dataset, len(samples))
	err := traverse.Limit(workers).Each(len(samples), func(i int) error {
		if opts.MaxBytesPerWorker > 0 {
			if got := samples[i].EstimatedBytes(); got > opts.MaxBytesPerWorker {
				return errors.E("pipeline: sample", i, "estimated at", got,
					"bytes, exceeding the per-worker limit of", opts.MaxBytesPerWorker)
			}
		}
		ds, err := Run(ctx, samples[i], opts)
		if err != nil {
			return errors.E(err, "pipeline: sample", i)
		}
		out[i] = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
