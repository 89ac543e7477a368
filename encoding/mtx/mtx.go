// Package mtx reads MatrixMarket coordinate matrices and the barcode and
// feature sidecar files that accompany them, plain or gzip-compressed.
package mtx

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

type entry struct {
	row, col int32
	val      float64
}

// ReadMatrix parses a MatrixMarket coordinate stream into a sparse
// matrix. Only the "matrix coordinate" layout is accepted; pattern
// matrices are rejected since counts carry values.
func ReadMatrix(r io.Reader) (*dataset.CSC, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	if !scanner.Scan() {
		return nil, errors.New("empty matrix stream")
	}
	banner := strings.Fields(scanner.Text())
	if len(banner) < 4 || banner[0] != "%%MatrixMarket" || banner[1] != "matrix" || banner[2] != "coordinate" {
		return nil, errors.Errorf("unsupported MatrixMarket banner: %q", scanner.Text())
	}
	if banner[3] == "pattern" {
		return nil, errors.New("pattern matrices carry no values")
	}

	var nRows, nCols, nnz int
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '%' {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 3 {
			return nil, errors.Errorf("malformed size line: %q", line)
		}
		var err error
		if nRows, err = strconv.Atoi(f[0]); err != nil {
			return nil, errors.Wrap(err, "matrix row count")
		}
		if nCols, err = strconv.Atoi(f[1]); err != nil {
			return nil, errors.Wrap(err, "matrix column count")
		}
		if nnz, err = strconv.Atoi(f[2]); err != nil {
			return nil, errors.Wrap(err, "matrix entry count")
		}
		break
	}
	if nRows <= 0 || nCols <= 0 {
		return nil, errors.Errorf("matrix has degenerate shape %dx%d", nRows, nCols)
	}

	entries := make([]entry, 0, nnz)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '%' {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 3 {
			return nil, errors.Errorf("malformed entry line: %q", line)
		}
		row, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, errors.Wrap(err, "entry row")
		}
		col, err := strconv.Atoi(f[1])
		if err != nil {
			return nil, errors.Wrap(err, "entry column")
		}
		val, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return nil, errors.Wrap(err, "entry value")
		}
		if row < 1 || row > nRows || col < 1 || col > nCols {
			return nil, errors.Errorf("entry (%d,%d) outside %dx%d matrix", row, col, nRows, nCols)
		}
		if val == 0 {
			continue
		}
		entries = append(entries, entry{row: int32(row - 1), col: int32(col - 1), val: val})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading matrix stream")
	}
	if len(entries) != nnz {
		log.Debug.Printf("mtx: header declares %d entries, read %d", nnz, len(entries))
	}

	// Entries may arrive in any order; the builder wants column-major.
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].col != entries[b].col {
			return entries[a].col < entries[b].col
		}
		return entries[a].row < entries[b].row
	})
	b := dataset.NewCSCBuilder(nRows)
	next := 0
	for c := 0; c < nCols; c++ {
		for next < len(entries) && entries[next].col == int32(c) {
			b.AddEntry(int(entries[next].row), entries[next].val)
			next++
		}
		b.EndCol()
	}
	return b.Build(), nil
}

// ReadColumn reads the first tab-separated column of every line.
func ReadColumn(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading id column")
	}
	return out, nil
}

// ReadFeatures reads a feature sidecar file: the first column is the
// feature id, the optional second column its display symbol.
func ReadFeatures(r io.Reader) (ids, symbols []string, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		cols := strings.Split(line, "\t")
		ids = append(ids, cols[0])
		if len(cols) > 1 {
			symbols = append(symbols, cols[1])
		} else {
			symbols = append(symbols, cols[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "reading feature file")
	}
	return ids, symbols, nil
}

// Load reads a matrix directory laid out as matrix.mtx, barcodes.tsv and
// features.tsv (or genes.tsv), each optionally gzip-compressed, and
// assembles a dataset. Feature symbols land in the "symbol" column of the
// feature table.
func Load(dir string) (*dataset.Dataset, error) {
	matR, matClose, err := open(dir, "matrix.mtx")
	if err != nil {
		return nil, err
	}
	defer matClose()
	counts, err := ReadMatrix(matR)
	if err != nil {
		return nil, errors.Wrap(err, dir)
	}

	bcR, bcClose, err := open(dir, "barcodes.tsv")
	if err != nil {
		return nil, err
	}
	defer bcClose()
	barcodes, err := ReadColumn(bcR)
	if err != nil {
		return nil, errors.Wrap(err, dir)
	}

	ftR, ftClose, err := open(dir, "features.tsv", "genes.tsv")
	if err != nil {
		return nil, err
	}
	defer ftClose()
	ids, symbols, err := ReadFeatures(ftR)
	if err != nil {
		return nil, errors.Wrap(err, dir)
	}

	ds, err := dataset.New(counts, barcodes, ids)
	if err != nil {
		return nil, errors.Wrap(err, dir)
	}
	features := ds.Features.Clone()
	if err := features.SetStrings("symbol", symbols); err != nil {
		return nil, errors.Wrap(err, dir)
	}
	if ds, err = ds.WithFeatures(features); err != nil {
		return nil, err
	}
	log.Printf("mtx: loaded %d genes x %d droplets from %s", ds.NGenes(), ds.NCells(), dir)
	return ds, nil
}

// open finds the first of the candidate basenames present in dir, trying
// the plain name and its .gz variant, and returns a decompressed reader.
func open(dir string, names ...string) (io.Reader, func(), error) {
	ctx := vcontext.Background()
	var tried []string
	for _, name := range names {
		for _, path := range []string{
			file.Join(dir, name),
			file.Join(dir, name+".gz"),
		} {
			f, err := file.Open(ctx, path)
			if err != nil {
				tried = append(tried, path)
				continue
			}
			reader := io.Reader(f.Reader(ctx))
			closeFn := func() { f.Close(ctx) } // nolint: errcheck
			if fileio.DetermineType(path) == fileio.Gzip {
				gz, err := gzip.NewReader(reader)
				if err != nil {
					closeFn()
					return nil, nil, errors.Wrap(err, path)
				}
				reader = gz
			}
			return reader, closeFn, nil
		}
	}
	return nil, nil, errors.Errorf("none of %s found", strings.Join(tried, ", "))
}
