package dataset_test

import (
	"testing"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// testDataset builds a 3-gene x 4-cell dataset:
//
//	        c0 c1 c2 c3
//	g0       5  0  2  0
//	g1       0  1  0  3
//	g2       7  4  0  1
func testDataset(t *testing.T) *dataset.Dataset {
	b := dataset.NewCSCBuilder(3)
	b.AddEntry(0, 5)
	b.AddEntry(2, 7)
	b.EndCol()
	b.AddEntry(1, 1)
	b.AddEntry(2, 4)
	b.EndCol()
	b.AddEntry(0, 2)
	b.EndCol()
	b.AddEntry(1, 3)
	b.AddEntry(2, 1)
	b.EndCol()
	d, err := dataset.New(b.Build(), []string{"c0", "c1", "c2", "c3"}, []string{"g0", "g1", "g2"})
	assert.NoError(t, err)
	return d
}

func TestSparseAccessors(t *testing.T) {
	d := testDataset(t)
	m := d.Counts
	expect.EQ(t, m.At(2, 0), 7.0)
	expect.EQ(t, m.At(0, 1), 0.0)
	expect.EQ(t, m.ColSum(0), 12.0)
	expect.EQ(t, m.ColNNZ(3), 2)
	expect.EQ(t, m.RowNNZ(), []int{2, 2, 3})
	expect.EQ(t, m.RowSums(), []float64{7, 4, 12})
}

func TestSubsetAtomicAlignment(t *testing.T) {
	d := testDataset(t)
	l := dataset.NewLayer(3, 4, "lognorm")
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			l.Set(i, j, float64(10*i+j))
		}
	}
	d, err := d.WithLayer("lognorm", l)
	assert.NoError(t, err)
	r := &dataset.Reduction{
		Coords:      [][]float64{{0, 0}, {1, 1}, {2, 2}, {3, 3}},
		Stdev:       []float64{2, 1},
		SourceLayer: "lognorm",
	}
	d, err = d.WithReduction("pca", r)
	assert.NoError(t, err)

	sub, err := d.Subset([]int{3, 1})
	assert.NoError(t, err)
	assert.NoError(t, sub.CheckAligned())
	expect.EQ(t, sub.NCells(), 2)
	expect.EQ(t, sub.Cells.IDs, []string{"c3", "c1"})
	expect.EQ(t, sub.Counts.At(1, 0), 3.0)
	expect.EQ(t, sub.Counts.At(2, 1), 4.0)
	sl, err := sub.Layer("lognorm")
	assert.NoError(t, err)
	expect.EQ(t, sl.Row(1), []float64{13, 11})
	sr, err := sub.Reduction("pca")
	assert.NoError(t, err)
	expect.EQ(t, sr.Coords[0], []float64{3, 3})

	// Original version is untouched.
	expect.EQ(t, d.NCells(), 4)
	expect.EQ(t, l.Row(1)[3], 13.0)
}

func TestSubsetRejectsBadIndex(t *testing.T) {
	d := testDataset(t)
	_, err := d.Subset([]int{0, 9})
	expect.NotNil(t, err)
	_, err = d.Subset(nil)
	expect.NotNil(t, err)
}

func TestSubsetGenes(t *testing.T) {
	d := testDataset(t)
	sub, err := d.SubsetGenes([]int{0, 2})
	assert.NoError(t, err)
	assert.NoError(t, sub.CheckAligned())
	expect.EQ(t, sub.NGenes(), 2)
	expect.EQ(t, sub.Features.IDs, []string{"g0", "g2"})
	expect.EQ(t, sub.Counts.At(1, 0), 7.0)

	_, err = d.SubsetGenes([]int{2, 0})
	expect.NotNil(t, err)
}

func TestReductionCheck(t *testing.T) {
	r := &dataset.Reduction{Stdev: []float64{3, 2, 1}}
	expect.Nil(t, r.Check(3))
	expect.NotNil(t, r.Check(4))
	expect.NotNil(t, r.Check(0))
}

func TestFingerprintStaleness(t *testing.T) {
	d := testDataset(t)
	l := dataset.NewLayer(3, 4, "lognorm")
	d, err := d.WithLayer("lognorm", l)
	assert.NoError(t, err)
	fp, err := d.LayerFingerprint("lognorm")
	assert.NoError(t, err)
	d, err = d.WithReduction("pca", &dataset.Reduction{
		Coords:            make([][]float64, 4),
		Stdev:             []float64{1},
		SourceLayer:       "lognorm",
		SourceFingerprint: fp,
	})
	assert.NoError(t, err)
	fresh, err := d.ReductionFresh("pca")
	assert.NoError(t, err)
	expect.True(t, fresh)

	// Rewriting the layer invalidates the reduction.
	nl := dataset.NewLayer(3, 4, "lognorm")
	nl.Set(0, 0, 1)
	d, err = d.WithLayer("lognorm", nl)
	assert.NoError(t, err)
	fresh, err = d.ReductionFresh("pca")
	assert.NoError(t, err)
	expect.False(t, fresh)
}

func TestWarningsCopyOnWrite(t *testing.T) {
	d := testDataset(t)
	d2 := d.WithWarning("reduce", "did not converge")
	expect.EQ(t, len(d.Warnings), 0)
	expect.EQ(t, len(d2.Warnings), 1)
	expect.EQ(t, d2.Warnings[0].Stage, "reduce")
}
