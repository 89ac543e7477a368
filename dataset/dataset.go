// Package dataset defines the Cell Dataset, the object threaded through
// every stage of the pipeline: raw counts, derived expression layers,
// per-cell and per-gene annotation tables, dimensional reductions and the
// neighbor graph. Stages never mutate their input; each returns a new
// version sharing unchanged structure (copy-on-write), so per-sample
// pipelines can run in parallel without locking.
package dataset

import (
	"github.com/grailbio/base/errors"
)

// Sentinel errors shared across stages.
var (
	// ErrEmptyDataset indicates upstream filtering removed too much data
	// for a stage to proceed.
	ErrEmptyDataset = errors.New("dataset is empty after filtering")
	// ErrDimensionMismatch indicates a reduction holds fewer dimensions
	// than a caller requested.
	ErrDimensionMismatch = errors.New("reduction has fewer dimensions than requested")
)

// Warning is a non-fatal data-quality note attached to a dataset version.
// Warnings never abort a run; callers inspect them after the fact.
type Warning struct {
	Stage   string
	Message string
}

// Layer is a dense derived expression matrix, genes x cells, aligned with
// Counts. Method tags how it was derived ("lognorm", "vst", "scale", ...).
type Layer struct {
	NRows, NCols int
	Data         []float64 // row-major, genes x cells
	Method       string
	// Covariates lists the cell_metadata columns regressed out when this
	// layer was fit. Empty for plain log-normalization. Consumers use it
	// to decide whether corrected values can be reused on a subset.
	Covariates []string
}

func NewLayer(nRows, nCols int, method string) *Layer {
	return &Layer{
		NRows:  nRows,
		NCols:  nCols,
		Data:   make([]float64, nRows*nCols),
		Method: method,
	}
}

// Row returns gene i's values across all cells. The slice aliases the layer.
func (l *Layer) Row(i int) []float64 { return l.Data[i*l.NCols : (i+1)*l.NCols] }

func (l *Layer) At(i, j int) float64     { return l.Data[i*l.NCols+j] }
func (l *Layer) Set(i, j int, v float64) { l.Data[i*l.NCols+j] = v }

// Reduction is a per-cell coordinate matrix with per-dimension standard
// deviations, e.g. principal components. The dimensionality is fixed at
// creation. SourceFingerprint records the content fingerprint of the layer
// (and feature selection) the reduction was computed from; if the current
// fingerprint differs, the reduction is stale and must be recomputed.
type Reduction struct {
	Coords            [][]float64 // cell x k
	Stdev             []float64   // per-dimension, descending
	SourceLayer       string
	SourceFingerprint uint64
}

// NDim returns the fixed dimensionality k.
func (r *Reduction) NDim() int { return len(r.Stdev) }

// Check validates that the reduction can serve the first pcNum dimensions.
func (r *Reduction) Check(pcNum int) error {
	if pcNum <= 0 || pcNum > r.NDim() {
		return errors.E(ErrDimensionMismatch, "requested", pcNum, "of", r.NDim())
	}
	return nil
}

// NNGraph is a nearest-neighbor graph over cells, derived from a specific
// reduction. Neighbors[i] lists neighbor cell indices of cell i; Weights[i]
// the matching edge weights (shared-nearest-neighbor overlap when built by
// the clusterer).
type NNGraph struct {
	K         int
	Dims      int // number of reduction dimensions used
	Neighbors [][]int32
	Weights   [][]float64
	// Source ties the graph to the reduction it was built from.
	SourceReduction   string
	SourceFingerprint uint64
}

// Dataset is one immutable version of a cell dataset. See the package
// comment for the mutation discipline.
type Dataset struct {
	Counts   *CSC
	Layers   map[string]*Layer
	Cells    *MetaTable
	Features *MetaTable
	Reductions map[string]*Reduction
	Graph      *NNGraph
	Warnings   []Warning
	// DefaultLayer is a convenience for command-line wiring only; library
	// operations always take an explicit layer name.
	DefaultLayer string
}

// New builds a dataset from raw counts plus cell and gene identifiers.
func New(counts *CSC, cellIDs, geneIDs []string) (*Dataset, error) {
	if counts.NCols != len(cellIDs) {
		return nil, errors.E("dataset: counts has", counts.NCols, "cells but", len(cellIDs), "cell ids")
	}
	if counts.NRows != len(geneIDs) {
		return nil, errors.E("dataset: counts has", counts.NRows, "genes but", len(geneIDs), "gene ids")
	}
	return &Dataset{
		Counts:     counts,
		Layers:     map[string]*Layer{},
		Cells:      NewMetaTable(cellIDs),
		Features:   NewMetaTable(geneIDs),
		Reductions: map[string]*Reduction{},
	}, nil
}

func (d *Dataset) NCells() int { return d.Counts.NCols }
func (d *Dataset) NGenes() int { return d.Counts.NRows }

// Clone returns a shallow copy with fresh maps so the receiver version is
// never observed mid-update. Layers, reductions and tables are shared until
// replaced.
func (d *Dataset) Clone() *Dataset {
	nd := &Dataset{
		Counts:       d.Counts,
		Layers:       make(map[string]*Layer, len(d.Layers)),
		Cells:        d.Cells,
		Features:     d.Features,
		Reductions:   make(map[string]*Reduction, len(d.Reductions)),
		Graph:        d.Graph,
		DefaultLayer: d.DefaultLayer,
	}
	for k, v := range d.Layers {
		nd.Layers[k] = v
	}
	for k, v := range d.Reductions {
		nd.Reductions[k] = v
	}
	nd.Warnings = append([]Warning(nil), d.Warnings...)
	return nd
}

// Layer returns the named expression layer.
func (d *Dataset) Layer(name string) (*Layer, error) {
	l, ok := d.Layers[name]
	if !ok {
		return nil, errors.E("dataset: no layer named", name)
	}
	return l, nil
}

// WithLayer returns a new version carrying the layer.
func (d *Dataset) WithLayer(name string, l *Layer) (*Dataset, error) {
	if l.NRows != d.NGenes() || l.NCols != d.NCells() {
		return nil, errors.E("dataset: layer", name, "shape mismatch")
	}
	nd := d.Clone()
	nd.Layers[name] = l
	if nd.DefaultLayer == "" {
		nd.DefaultLayer = name
	}
	return nd, nil
}

// Reduction returns the named reduction.
func (d *Dataset) Reduction(name string) (*Reduction, error) {
	r, ok := d.Reductions[name]
	if !ok {
		return nil, errors.E("dataset: no reduction named", name)
	}
	return r, nil
}

// WithReduction returns a new version carrying the reduction.
func (d *Dataset) WithReduction(name string, r *Reduction) (*Dataset, error) {
	if len(r.Coords) != d.NCells() {
		return nil, errors.E("dataset: reduction", name, "has", len(r.Coords), "rows, want", d.NCells())
	}
	nd := d.Clone()
	nd.Reductions[name] = r
	return nd, nil
}

// WithGraph returns a new version carrying the neighbor graph.
func (d *Dataset) WithGraph(g *NNGraph) (*Dataset, error) {
	if len(g.Neighbors) != d.NCells() {
		return nil, errors.E("dataset: graph has", len(g.Neighbors), "rows, want", d.NCells())
	}
	nd := d.Clone()
	nd.Graph = g
	return nd, nil
}

// WithCells returns a new version with a replacement cell table. The table
// must keep the same rows in the same order.
func (d *Dataset) WithCells(t *MetaTable) (*Dataset, error) {
	if t.Len() != d.NCells() {
		return nil, errors.E("dataset: cell table length mismatch")
	}
	nd := d.Clone()
	nd.Cells = t
	return nd, nil
}

// WithFeatures is the gene-side counterpart of WithCells.
func (d *Dataset) WithFeatures(t *MetaTable) (*Dataset, error) {
	if t.Len() != d.NGenes() {
		return nil, errors.E("dataset: feature table length mismatch")
	}
	nd := d.Clone()
	nd.Features = t
	return nd, nil
}

// WithWarning returns a new version with the warning appended.
func (d *Dataset) WithWarning(stage, message string) *Dataset {
	nd := d.Clone()
	nd.Warnings = append(nd.Warnings, Warning{Stage: stage, Message: message})
	return nd
}

// VariableFeatures returns indices of genes flagged variable, in gene order.
func (d *Dataset) VariableFeatures() []int {
	flags, ok := d.Features.Bools("variable")
	if !ok {
		return nil
	}
	var idx []int
	for i, f := range flags {
		if f {
			idx = append(idx, i)
		}
	}
	return idx
}

// Subset returns a new version restricted to the given cells, applied
// atomically: counts, every layer, the cell table and every reduction are
// subset together. The neighbor graph does not survive a subset (its edges
// reference removed cells) and is dropped; it must be rebuilt downstream.
func (d *Dataset) Subset(cellIdx []int) (*Dataset, error) {
	n := d.NCells()
	for _, j := range cellIdx {
		if j < 0 || j >= n {
			return nil, errors.E("dataset: subset index", j, "out of range", n)
		}
	}
	if len(cellIdx) == 0 {
		return nil, errors.E(ErrEmptyDataset, "subset selects no cells")
	}
	nd := &Dataset{
		Counts:       d.Counts.SelectCols(cellIdx),
		Layers:       make(map[string]*Layer, len(d.Layers)),
		Cells:        d.Cells.Subset(cellIdx),
		Features:     d.Features,
		Reductions:   make(map[string]*Reduction, len(d.Reductions)),
		Warnings:     append([]Warning(nil), d.Warnings...),
		DefaultLayer: d.DefaultLayer,
	}
	for name, l := range d.Layers {
		nl := NewLayer(l.NRows, len(cellIdx), l.Method)
		nl.Covariates = l.Covariates
		for i := 0; i < l.NRows; i++ {
			src, dst := l.Row(i), nl.Row(i)
			for k, j := range cellIdx {
				dst[k] = src[j]
			}
		}
		nd.Layers[name] = nl
	}
	for name, r := range d.Reductions {
		nr := &Reduction{
			Coords:            make([][]float64, len(cellIdx)),
			Stdev:             r.Stdev,
			SourceLayer:       r.SourceLayer,
			SourceFingerprint: r.SourceFingerprint,
		}
		for k, j := range cellIdx {
			nr.Coords[k] = r.Coords[j]
		}
		nd.Reductions[name] = nr
	}
	return nd, nil
}

// SubsetGenes returns a new version restricted to the given genes, which
// must be sorted ascending. Reductions and the graph are computed in cell
// space and carry over unchanged; layers and counts lose the dropped rows.
func (d *Dataset) SubsetGenes(geneIdx []int) (*Dataset, error) {
	if len(geneIdx) == 0 {
		return nil, errors.E(ErrEmptyDataset, "subset selects no genes")
	}
	for i := 1; i < len(geneIdx); i++ {
		if geneIdx[i] <= geneIdx[i-1] {
			return nil, errors.E("dataset: gene subset must be sorted ascending")
		}
	}
	if last := geneIdx[len(geneIdx)-1]; last >= d.NGenes() {
		return nil, errors.E("dataset: gene subset index", last, "out of range", d.NGenes())
	}
	nd := d.Clone()
	nd.Counts = d.Counts.SelectRows(geneIdx)
	nd.Features = d.Features.Subset(geneIdx)
	nd.Layers = make(map[string]*Layer, len(d.Layers))
	for name, l := range d.Layers {
		nl := NewLayer(len(geneIdx), l.NCols, l.Method)
		nl.Covariates = l.Covariates
		for k, i := range geneIdx {
			copy(nl.Row(k), l.Row(i))
		}
		nd.Layers[name] = nl
	}
	return nd, nil
}

// CheckAligned verifies the cross-structure cell/gene index invariant. It
// is cheap and run by stages before trusting their input.
func (d *Dataset) CheckAligned() error {
	if d.Cells.Len() != d.Counts.NCols {
		return errors.E("dataset: cell table has", d.Cells.Len(), "rows, counts has", d.Counts.NCols)
	}
	if d.Features.Len() != d.Counts.NRows {
		return errors.E("dataset: feature table has", d.Features.Len(), "rows, counts has", d.Counts.NRows)
	}
	for name, l := range d.Layers {
		if l.NRows != d.Counts.NRows || l.NCols != d.Counts.NCols {
			return errors.E("dataset: layer", name, "misaligned")
		}
	}
	for name, r := range d.Reductions {
		if len(r.Coords) != d.Counts.NCols {
			return errors.E("dataset: reduction", name, "misaligned")
		}
	}
	if d.Graph != nil && len(d.Graph.Neighbors) != d.Counts.NCols {
		return errors.E("dataset: graph misaligned")
	}
	return nil
}

// EstimatedBytes approximates resident size, used against the per-worker
// memory ceiling.
func (d *Dataset) EstimatedBytes() int64 {
	b := int64(d.Counts.NNZ()) * 12 // val + rowidx
	for _, l := range d.Layers {
		b += int64(len(l.Data)) * 8
	}
	for _, r := range d.Reductions {
		b += int64(len(r.Coords)) * int64(r.NDim()) * 8
	}
	return b
}
