package main

// TSV reports consumed by the plotting collaborator. Column names are part
// of that contract; change them in lockstep.

import (
	"context"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"

	"github.com/fredaguas7/COMICs-Seurat/cluster"
	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/doublet"
	"github.com/fredaguas7/COMICs-Seurat/embed"
	"github.com/fredaguas7/COMICs-Seurat/integrate"
	"github.com/fredaguas7/COMICs-Seurat/markers"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
)

func writeFloat(w *tsv.Writer, v float64) {
	w.WriteString(strconv.FormatFloat(v, 'g', 6, 64))
}

// writeCellReport dumps one row per cell: identity, QC stats, cluster
// assignment, doublet call and embedding coordinates, whichever of those
// are present.
func writeCellReport(ctx context.Context, path string, ds *dataset.Dataset) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))

	ident, _ := ds.Cells.Strings(integrate.ColOrigIdent)
	nCount, _ := ds.Cells.Floats("nCount")
	nFeature, _ := ds.Cells.Floats("nFeature")
	pctMito, _ := ds.Cells.Floats("pct.mt")
	clusters, _ := ds.Cells.Ints(cluster.ColClusters)
	pann, _ := ds.Cells.Floats(doublet.ColScore)
	call, _ := ds.Cells.Strings(doublet.ColCall)
	var umap *dataset.Reduction
	if r, rerr := ds.Reduction(embed.ReductionUMAP); rerr == nil {
		umap = r
	}

	w.WriteString("barcode")
	if ident != nil {
		w.WriteString("orig.ident")
	}
	if nCount != nil {
		w.WriteString("nCount")
	}
	if nFeature != nil {
		w.WriteString("nFeature")
	}
	if pctMito != nil {
		w.WriteString("pct.mt")
	}
	if clusters != nil {
		w.WriteString("cluster")
	}
	if pann != nil {
		w.WriteString("pANN")
	}
	if call != nil {
		w.WriteString("doublet.call")
	}
	if umap != nil {
		w.WriteString("umap.1")
		w.WriteString("umap.2")
	}
	if err = w.EndLine(); err != nil {
		return err
	}

	for j, id := range ds.Cells.IDs {
		w.WriteString(id)
		if ident != nil {
			w.WriteString(ident[j])
		}
		if nCount != nil {
			writeFloat(w, nCount[j])
		}
		if nFeature != nil {
			writeFloat(w, nFeature[j])
		}
		if pctMito != nil {
			writeFloat(w, pctMito[j])
		}
		if clusters != nil {
			w.WriteInt64(int64(clusters[j]))
		}
		if pann != nil {
			writeFloat(w, pann[j])
		}
		if call != nil {
			w.WriteString(call[j])
		}
		if umap != nil {
			writeFloat(w, umap.Coords[j][0])
			writeFloat(w, umap.Coords[j][1])
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	if err = w.Flush(); err != nil {
		return err
	}
	log.Printf("wrote %d cells to %s", ds.NCells(), path)
	return nil
}

// writeMarkerReport finds per-cluster markers and writes them, one row per
// gene and cluster.
func writeMarkerReport(ctx context.Context, path string, ds *dataset.Dataset) (err error) {
	if !ds.Cells.Has(cluster.ColClusters) {
		log.Printf("no cluster assignments; skipping marker report")
		return nil
	}
	set, err := markers.FindAllMarkers(ds, normalize.LayerLogNorm, cluster.ColClusters, markers.DefaultOpts)
	if err != nil {
		log.Printf("marker finding failed (%v); skipping marker report", err)
		return nil
	}

	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("cluster")
	w.WriteString("gene")
	w.WriteString("avg_logFC")
	w.WriteString("pct.1")
	w.WriteString("pct.2")
	w.WriteString("p_val")
	w.WriteString("p_val_adj")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, m := range set.Markers {
		w.WriteString(m.Group)
		w.WriteString(m.Gene)
		writeFloat(w, m.AvgLogFC)
		writeFloat(w, m.PctIn)
		writeFloat(w, m.PctOut)
		writeFloat(w, m.PValue)
		writeFloat(w, m.PAdj)
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	if err = w.Flush(); err != nil {
		return err
	}
	log.Printf("wrote %d markers to %s", len(set.Markers), path)
	return nil
}
