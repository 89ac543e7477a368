package normalize

import (
	"math"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

func smallDataset(t *testing.T) *dataset.Dataset {
	dense := [][]float64{
		{10, 0, 4},
		{0, 5, 4},
		{90, 95, 92},
	}
	ds, err := dataset.New(dataset.CSCFromDense(dense), []string{"c0", "c1", "c2"}, []string{"g0", "g1", "g2"})
	assert.NoError(t, err)
	return ds
}

func TestLogNormalize(t *testing.T) {
	ds := smallDataset(t)
	ds, err := LogNormalize(ds, DefaultOpts)
	assert.NoError(t, err)
	l, err := ds.Layer(LayerLogNorm)
	assert.NoError(t, err)
	// Cell c0 total is 100; g0 count 10 -> ln(1 + 10/100*10000) = ln(1001).
	expect.LE(t, math.Abs(l.At(0, 0)-math.Log(1001)), 1e-12)
	expect.EQ(t, l.At(1, 0), 0.0)
}

func TestSelectVariableFeaturesRanksByDeviation(t *testing.T) {
	// 30 genes with flat expression, one gene with bursty expression at a
	// similar mean; the bursty gene must rank variable.
	const nGenes, nCells = 31, 40
	dense := make([][]float64, nGenes)
	for i := range dense {
		dense[i] = make([]float64, nCells)
		for j := 0; j < nCells; j++ {
			dense[i][j] = 5
		}
	}
	for j := 0; j < nCells; j++ {
		if j%8 == 0 {
			dense[30][j] = 40
		} else {
			dense[30][j] = 0.5
		}
	}
	ids := make([]string, nGenes)
	for i := range ids {
		ids[i] = "g" + string(rune('A'+i/26)) + string(rune('A'+i%26))
	}
	cellIDs := make([]string, nCells)
	for j := range cellIDs {
		cellIDs[j] = "c" + string(rune('A'+j/26)) + string(rune('A'+j%26))
	}
	ds, err := dataset.New(dataset.CSCFromDense(dense), cellIDs, ids)
	assert.NoError(t, err)
	ds, err = LogNormalize(ds, DefaultOpts)
	assert.NoError(t, err)

	opts := DefaultOpts
	opts.NFeatures = 1
	opts.Bins = 4
	ds, err = SelectVariableFeatures(ds, LayerLogNorm, opts)
	assert.NoError(t, err)
	expect.EQ(t, ds.VariableFeatures(), []int{30})
	expect.EQ(t, len(ds.Warnings), 0)
}

func TestSelectVariableFeaturesDegradesToAll(t *testing.T) {
	ds := smallDataset(t)
	ds, err := LogNormalize(ds, DefaultOpts)
	assert.NoError(t, err)
	ds, err = SelectVariableFeatures(ds, LayerLogNorm, DefaultOpts) // NFeatures 5000 >> 3 genes
	assert.NoError(t, err)
	expect.EQ(t, len(ds.VariableFeatures()), 3)
	expect.EQ(t, len(ds.Warnings), 1)
}

func TestVarianceStabilizeRecordsCovariates(t *testing.T) {
	ds := smallDataset(t)
	cells := ds.Cells.Clone()
	assert.NoError(t, cells.SetFloats("pct.mt", []float64{1, 20, 3}))
	var err error
	ds, err = ds.WithCells(cells)
	assert.NoError(t, err)

	ds, err = VarianceStabilize(ds, VSTOpts{Covariates: []string{"pct.mt"}, Lambda: 0.01})
	assert.NoError(t, err)
	l, err := ds.Layer(LayerVST)
	assert.NoError(t, err)
	expect.EQ(t, l.Covariates, []string{"pct.mt"})

	// Residuals are centered and clipped.
	clip := math.Sqrt(float64(ds.NCells()))
	for i := 0; i < ds.NGenes(); i++ {
		var sum float64
		for _, v := range l.Row(i) {
			expect.LE(t, math.Abs(v), clip+1e-9)
			sum += v
		}
		expect.LE(t, math.Abs(sum), 1e-6*float64(ds.NCells())+3*clip) // centered before scaling
	}
}

func TestVarianceStabilizeUnknownCovariate(t *testing.T) {
	ds := smallDataset(t)
	_, err := VarianceStabilize(ds, VSTOpts{Covariates: []string{"nope"}})
	expect.NotNil(t, err)
}
