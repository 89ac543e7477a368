// Package snapshot persists a full dataset version, with all layers,
// reductions and annotations, to a zstd-compressed recordio file. Snapshots
// let a long pipeline resume after any stage instead of recomputing from
// raw counts.
package snapshot

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

const (
	fileVersionHeader = "scsnapshot"
	fileVersion       = "SC1"
)

// manifest sits in the recordio trailer and names the records that follow
// the three fixed ones (counts, cell table, feature table), in order.
type manifest struct {
	NCells, NGenes int
	LayerNames     []string
	ReductionNames []string
	HasGraph       bool
	DefaultLayer   string
	Warnings       []dataset.Warning
}

// metaRecord is the serialized form of a MetaTable.
type metaRecord struct {
	IDs    []string
	Order  []string
	Floats map[string][]float64
	Ints   map[string][]int
	Strs   map[string][]string
	Bools  map[string][]bool
}

func exportMeta(t *dataset.MetaTable) metaRecord {
	r := metaRecord{
		IDs:    t.IDs,
		Order:  t.ColumnNames(),
		Floats: map[string][]float64{},
		Ints:   map[string][]int{},
		Strs:   map[string][]string{},
		Bools:  map[string][]bool{},
	}
	for _, name := range r.Order {
		if v, ok := t.Floats(name); ok {
			r.Floats[name] = v
		} else if v, ok := t.Ints(name); ok {
			r.Ints[name] = v
		} else if v, ok := t.Strings(name); ok {
			r.Strs[name] = v
		} else if v, ok := t.Bools(name); ok {
			r.Bools[name] = v
		}
	}
	return r
}

func (r metaRecord) restore() (*dataset.MetaTable, error) {
	t := dataset.NewMetaTable(r.IDs)
	for _, name := range r.Order {
		var err error
		if v, ok := r.Floats[name]; ok {
			err = t.SetFloats(name, v)
		} else if v, ok := r.Ints[name]; ok {
			err = t.SetInts(name, v)
		} else if v, ok := r.Strs[name]; ok {
			err = t.SetStrings(name, v)
		} else if v, ok := r.Bools[name]; ok {
			err = t.SetBools(name, v)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func appendGOB(w recordio.Writer, v interface{}) error {
	b := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(b).Encode(v); err != nil {
		return errors.E(err, "snapshot: encode record")
	}
	w.Append(b.Bytes())
	return nil
}

// Save writes the dataset to path. The file is self-contained: Load
// reproduces the dataset exactly, warnings and provenance fingerprints
// included.
func Save(ctx context.Context, path string, ds *dataset.Dataset) (err error) {
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "snapshot: create "+path)
	}
	defer func() {
		if cerr := out.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(fileVersionHeader, fileVersion)
	w.AddHeader(recordio.KeyTrailer, true)

	m := manifest{
		NCells:       ds.NCells(),
		NGenes:       ds.NGenes(),
		HasGraph:     ds.Graph != nil,
		DefaultLayer: ds.DefaultLayer,
		Warnings:     ds.Warnings,
	}
	for name := range ds.Layers {
		m.LayerNames = append(m.LayerNames, name)
	}
	sort.Strings(m.LayerNames)
	for name := range ds.Reductions {
		m.ReductionNames = append(m.ReductionNames, name)
	}
	sort.Strings(m.ReductionNames)

	if err := appendGOB(w, ds.Counts); err != nil {
		return err
	}
	if err := appendGOB(w, exportMeta(ds.Cells)); err != nil {
		return err
	}
	if err := appendGOB(w, exportMeta(ds.Features)); err != nil {
		return err
	}
	for _, name := range m.LayerNames {
		if err := appendGOB(w, ds.Layers[name]); err != nil {
			return err
		}
	}
	for _, name := range m.ReductionNames {
		if err := appendGOB(w, ds.Reductions[name]); err != nil {
			return err
		}
	}
	if ds.Graph != nil {
		if err := appendGOB(w, ds.Graph); err != nil {
			return err
		}
	}

	b := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(b).Encode(m); err != nil {
		return errors.E(err, "snapshot: encode manifest")
	}
	w.SetTrailer(b.Bytes())
	if err := w.Finish(); err != nil {
		return errors.E(err, "snapshot: finish "+path)
	}
	log.Printf("snapshot: wrote %d cells x %d genes, %d layers, %d reductions to %s",
		m.NCells, m.NGenes, len(m.LayerNames), len(m.ReductionNames), path)
	return nil
}

func scanGOB(r recordio.Scanner, v interface{}) error {
	if !r.Scan() {
		if err := r.Err(); err != nil {
			return errors.E(err, "snapshot: scan record")
		}
		return errors.New("snapshot: truncated file")
	}
	return gob.NewDecoder(bytes.NewReader(r.Get().([]byte))).Decode(v)
}

// Load reads a snapshot written by Save.
func Load(ctx context.Context, path string) (ds *dataset.Dataset, err error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "snapshot: open "+path)
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	r := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	versionOK := false
	for _, kv := range r.Header() {
		if kv.Key == fileVersionHeader {
			if kv.Value.(string) != fileVersion {
				return nil, errors.E("snapshot: version mismatch, got",
					kv.Value.(string), "want", fileVersion)
			}
			versionOK = true
			break
		}
	}
	if !versionOK {
		return nil, errors.New("snapshot: not a snapshot file: " + path)
	}
	var m manifest
	if err := gob.NewDecoder(bytes.NewReader(r.Trailer())).Decode(&m); err != nil {
		return nil, errors.E(err, "snapshot: decode manifest")
	}

	var counts dataset.CSC
	if err := scanGOB(r, &counts); err != nil {
		return nil, err
	}
	var cellRec, featRec metaRecord
	if err := scanGOB(r, &cellRec); err != nil {
		return nil, err
	}
	if err := scanGOB(r, &featRec); err != nil {
		return nil, err
	}
	cells, err := cellRec.restore()
	if err != nil {
		return nil, err
	}
	features, err := featRec.restore()
	if err != nil {
		return nil, err
	}

	ds, err = dataset.New(&counts, cells.IDs, features.IDs)
	if err != nil {
		return nil, err
	}
	if ds, err = ds.WithCells(cells); err != nil {
		return nil, err
	}
	if ds, err = ds.WithFeatures(features); err != nil {
		return nil, err
	}
	for _, name := range m.LayerNames {
		var l dataset.Layer
		if err := scanGOB(r, &l); err != nil {
			return nil, err
		}
		if ds, err = ds.WithLayer(name, &l); err != nil {
			return nil, err
		}
	}
	for _, name := range m.ReductionNames {
		var red dataset.Reduction
		if err := scanGOB(r, &red); err != nil {
			return nil, err
		}
		if ds, err = ds.WithReduction(name, &red); err != nil {
			return nil, err
		}
	}
	if m.HasGraph {
		var g dataset.NNGraph
		if err := scanGOB(r, &g); err != nil {
			return nil, err
		}
		if ds, err = ds.WithGraph(&g); err != nil {
			return nil, err
		}
	}
	ds.DefaultLayer = m.DefaultLayer
	ds.Warnings = m.Warnings
	if err := r.Err(); err != nil {
		return nil, errors.E(err, "snapshot: read "+path)
	}
	return ds, nil
}
