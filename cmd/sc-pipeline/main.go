package main

/*
sc-pipeline runs the single-cell analysis chain over one or more raw count
matrix directories: droplet filtering, QC, normalization, dimensionality
reduction, clustering, embedding and doublet calling, plus cross-sample
integration when more than one directory is given. Results land in TSV
reports and, optionally, a resumable snapshot.
*/

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/fredaguas7/COMICs-Seurat/cluster"
	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/doublet"
	"github.com/fredaguas7/COMICs-Seurat/embed"
	"github.com/fredaguas7/COMICs-Seurat/encoding/mtx"
	"github.com/fredaguas7/COMICs-Seurat/encoding/snapshot"
	"github.com/fredaguas7/COMICs-Seurat/ingest"
	"github.com/fredaguas7/COMICs-Seurat/integrate"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
	"github.com/fredaguas7/COMICs-Seurat/pipeline"
	"github.com/fredaguas7/COMICs-Seurat/reduce"
)

var (
	outPrefix    = flag.String("out", "sc-pipeline", "Output path prefix")
	snapshotPath = flag.String("snapshot", "", "When set, write the final dataset to this recordio snapshot")

	lower          = flag.Int("lower", int(ingest.DefaultOpts.Lower), "Total-count threshold separating ambient droplets from candidates")
	dropletFDR     = flag.Float64("droplet-fdr", ingest.DefaultOpts.FDRCutoff, "FDR cutoff for calling a droplet a cell")
	minCells       = flag.Int("min-cells", ingest.DefaultOpts.MinCells, "Keep genes detected in at least this many cells")
	minFeatures    = flag.Int("min-features", ingest.DefaultOpts.MinFeatures, "Keep cells with at least this many detected genes")
	qcMaxPctMito   = flag.Float64("max-pct-mito", 0, "Remove cells above this mitochondrial percentage; 0 = no bound")
	qcMinFeatures  = flag.Int("qc-min-features", 0, "QC lower bound on detected genes per cell; 0 = no bound")
	qcMaxFeatures  = flag.Int("qc-max-features", 0, "QC upper bound on detected genes per cell; 0 = no bound")
	scaleFactor    = flag.Float64("scale-factor", normalize.DefaultOpts.ScaleFactor, "Per-cell scale factor for log-normalization")
	nFeatures      = flag.Int("n-features", normalize.DefaultOpts.NFeatures, "Number of variable features to select")
	useVST         = flag.Bool("vst", false, "Use regression-based variance stabilization instead of plain log-normalization downstream")
	vstCovariates  = flag.String("vst-covariates", "", "Comma-separated cell metadata columns to regress out in addition to depth")
	kMax           = flag.Int("kmax", reduce.DefaultOpts.KMax, "Maximum number of principal components")
	varThreshold   = flag.Float64("variance-threshold", reduce.DefaultVarianceThreshold, "Cumulative variance fraction picking the working dimensionality")
	batchColumn    = flag.String("batch-column", "", "Cell metadata column naming batches to correct within each sample")
	graphK         = flag.Int("k", cluster.DefaultOpts.K, "Neighborhood size for the SNN graph")
	resolution     = flag.Float64("resolution", 0.8, "Louvain resolution")
	skipDoublets   = flag.Bool("skip-doublets", false, "Skip doublet detection")
	doubletRate    = flag.Float64("doublet-rate", doublet.DefaultOpts.DoubletRate, "Expected doublet fraction")
	runMarkers     = flag.Bool("markers", true, "Find per-cluster marker genes and write them to a TSV report")
	workers        = flag.Int("workers", 0, "Maximum number of samples processed concurrently; 0 = runtime.NumCPU()")
	maxWorkerBytes = flag.Int64("max-bytes-per-worker", 0, "Reject samples estimated above this in-memory size; 0 = unlimited")
)

func usage() {
	fmt.Printf("Usage: %s [OPTIONS] matrixdir [matrixdir...]\n", os.Args[0])
	fmt.Printf("Each matrixdir holds matrix.mtx, barcodes.tsv and features.tsv (or genes.tsv), optionally gzipped.\n")
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	dirs := flag.Args()
	if len(dirs) == 0 {
		log.Fatalf("At least one matrix directory required; run with -help for usage")
	}
	ctx := vcontext.Background()

	ingestOpts := ingest.DefaultOpts
	ingestOpts.Lower = float64(*lower)
	ingestOpts.FDRCutoff = *dropletFDR
	ingestOpts.MinCells = *minCells
	ingestOpts.MinFeatures = *minFeatures

	opts := pipeline.DefaultOpts
	opts.QC.MaxPctMito = *qcMaxPctMito
	opts.QC.MinFeatures = *qcMinFeatures
	opts.QC.MaxFeatures = *qcMaxFeatures
	opts.Norm.ScaleFactor = *scaleFactor
	opts.Norm.NFeatures = *nFeatures
	opts.UseVST = *useVST
	if *vstCovariates != "" {
		opts.VST.Covariates = strings.Split(*vstCovariates, ",")
	}
	opts.PCA.KMax = *kMax
	opts.VarianceThreshold = *varThreshold
	opts.BatchColumn = *batchColumn
	opts.Graph.K = *graphK
	opts.Resolution = *resolution
	opts.SkipDoublets = *skipDoublets
	opts.Doublet.DoubletRate = *doubletRate
	opts.Workers = *workers
	opts.MaxBytesPerWorker = *maxWorkerBytes

	samples := make([]*dataset.Dataset, len(dirs))
	names := make([]string, len(dirs))
	for i, dir := range dirs {
		raw, err := mtx.Load(dir)
		if err != nil {
			log.Fatalf("loading %s: %v", dir, err)
		}
		ds, stats, err := ingest.FilterDroplets(raw.Counts, raw.Cells.IDs, raw.Features.IDs, ingestOpts)
		if err != nil {
			log.Fatalf("filtering %s: %v", dir, err)
		}
		log.Printf("%s: %d droplets, %d background, %d retained, %d cells x %d genes after floors",
			dir, stats.Droplets, stats.Background, stats.Retained, stats.FinalCells, stats.FinalGenes)
		samples[i] = ds
		names[i] = filepath.Base(filepath.Clean(dir))
	}

	results, err := pipeline.RunSamples(ctx, samples, opts)
	if err != nil {
		log.Fatalf("%v", err)
	}

	final := results[0]
	if len(results) > 1 {
		intOpts := integrate.DefaultOpts
		merged, err := integrate.Integrate(results, names, intOpts)
		if err != nil {
			log.Fatalf("integrating: %v", err)
		}
		// Cluster and embed the merged dataset on the corrected
		// reduction.
		r, err := merged.Reduction(integrate.ReductionIntegrated)
		if err != nil {
			log.Fatalf("%v", err)
		}
		pcNum, _ := reduce.SelectDims(r.Stdev, *varThreshold)
		if merged, err = cluster.BuildGraph(merged, integrate.ReductionIntegrated, pcNum, opts.Graph); err != nil {
			log.Fatalf("clustering merged dataset: %v", err)
		}
		if merged, err = cluster.FindClusters(merged, *resolution); err != nil {
			log.Fatalf("clustering merged dataset: %v", err)
		}
		if merged, err = embed.Run(merged, integrate.ReductionIntegrated, pcNum, opts.Embed); err != nil {
			log.Fatalf("embedding merged dataset: %v", err)
		}
		final = merged
	}

	for _, w := range final.Warnings {
		log.Printf("warning [%s]: %s", w.Stage, w.Message)
	}

	if err := writeCellReport(ctx, *outPrefix+".cells.tsv", final); err != nil {
		log.Fatalf("%v", err)
	}
	if *runMarkers {
		if err := writeMarkerReport(ctx, *outPrefix+".markers.tsv", final); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *snapshotPath != "" {
		if err := snapshot.Save(ctx, *snapshotPath, final); err != nil {
			log.Fatalf("%v", err)
		}
	}
	log.Debug.Printf("exiting")
}
