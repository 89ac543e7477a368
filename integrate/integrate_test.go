package integrate

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
)

// batchDataset builds one batch of cells drawn from two expression
// programs, with a batch-specific additive shift, normalized and with
// variable-feature statistics attached.
func batchDataset(t *testing.T, rng *rand.Rand, nCells int, shift float64) *dataset.Dataset {
	const nGenes = 40
	b := dataset.NewCSCBuilder(nGenes)
	cellIDs := make([]string, nCells)
	for j := 0; j < nCells; j++ {
		cellIDs[j] = "cell" + strconv.Itoa(j)
		program := j % 2
		for g := 0; g < nGenes; g++ {
			base := 2.0 + shift
			if (program == 0 && g < nGenes/4) || (program == 1 && g >= 3*nGenes/4) {
				base += 30
			}
			v := float64(int(base + rng.Float64()*3))
			if v > 0 {
				b.AddEntry(g, v)
			}
		}
		b.EndCol()
	}
	geneIDs := make([]string, nGenes)
	for g := range geneIDs {
		geneIDs[g] = "gene" + strconv.Itoa(g)
	}
	ds, err := dataset.New(b.Build(), cellIDs, geneIDs)
	assert.NoError(t, err)
	ds, err = normalize.LogNormalize(ds, normalize.DefaultOpts)
	assert.NoError(t, err)
	hvgOpts := normalize.DefaultOpts
	hvgOpts.NFeatures = 30
	hvgOpts.Bins = 4
	ds, err = normalize.SelectVariableFeatures(ds, normalize.LayerLogNorm, hvgOpts)
	assert.NoError(t, err)
	return ds
}

func TestSelectIntegrationFeaturesIntersects(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := batchDataset(t, rng, 60, 0)
	b := batchDataset(t, rng, 60, 5)

	// Drop a gene from b so it cannot be a shared feature.
	idx := make([]int, 0, b.NGenes()-1)
	for g := 0; g < b.NGenes(); g++ {
		if g != 3 {
			idx = append(idx, g)
		}
	}
	b, err := b.SubsetGenes(idx)
	assert.NoError(t, err)

	features, err := SelectIntegrationFeatures([]*dataset.Dataset{a, b}, 10)
	assert.NoError(t, err)
	expect.EQ(t, len(features), 10)
	for _, f := range features {
		expect.True(t, f != "gene3")
		expect.GE(t, b.Features.Index(f), 0)
	}
}

func TestIntegrateMergesWithProvenance(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := batchDataset(t, rng, 80, 0)
	b := batchDataset(t, rng, 60, 8)

	opts := DefaultOpts
	opts.NFeatures = 30
	opts.KJoint = 5
	merged, err := Integrate([]*dataset.Dataset{a, b}, []string{"s1", "s2"}, opts)
	assert.NoError(t, err)
	expect.EQ(t, merged.NCells(), 140)

	ident, ok := merged.Cells.Strings(ColOrigIdent)
	expect.True(t, ok)
	for j, label := range ident {
		if j < 80 {
			expect.EQ(t, label, "s1")
		} else {
			expect.EQ(t, label, "s2")
		}
	}
	// Caller-order cell ids, prefixed to stay unique across batches.
	expect.EQ(t, merged.Cells.IDs[0], "s1_cell0")
	expect.EQ(t, merged.Cells.IDs[80], "s2_cell0")

	r, err := merged.Reduction(ReductionIntegrated)
	assert.NoError(t, err)
	expect.EQ(t, len(r.Coords), 140)
	expect.EQ(t, r.NDim(), 5)
}

func TestIntegrateReducesBatchGap(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := batchDataset(t, rng, 80, 0)
	b := batchDataset(t, rng, 80, 10)

	opts := DefaultOpts
	opts.NFeatures = 30
	opts.KJoint = 5
	merged, err := Integrate([]*dataset.Dataset{a, b}, []string{"s1", "s2"}, opts)
	assert.NoError(t, err)
	r, err := merged.Reduction(ReductionIntegrated)
	assert.NoError(t, err)

	// Same-program cells from opposite batches should sit closer after
	// correction than opposite-program cells from the same batch.
	crossBatch := meanPairDist(r.Coords, pick(0, 80, 2, 20), pick(80, 160, 2, 20))
	crossProgram := meanPairDist(r.Coords, pick(0, 80, 2, 20), pick(1, 80, 2, 20))
	expect.True(t, crossBatch < crossProgram, "crossBatch=%f crossProgram=%f", crossBatch, crossProgram)
}

func TestIntegrateNoAnchors(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a := batchDataset(t, rng, 40, 0)
	b := batchDataset(t, rng, 40, 60)

	opts := DefaultOpts
	opts.NFeatures = 30
	opts.KJoint = 5
	opts.MaxAnchorDist = 1e-9
	_, err := Integrate([]*dataset.Dataset{a, b}, []string{"s1", "s2"}, opts)
	expect.NotNil(t, err)
}

func TestIntegrateValidatesInput(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := batchDataset(t, rng, 40, 0)
	_, err := Integrate([]*dataset.Dataset{a}, []string{"s1"}, DefaultOpts)
	expect.NotNil(t, err)

	b := batchDataset(t, rng, 40, 2)
	_, err = Integrate([]*dataset.Dataset{a, b}, []string{"s1"}, DefaultOpts)
	expect.NotNil(t, err)
}

// pick returns indices start, start+step, ... below stop, capped at n.
func pick(start, stop, step, n int) []int {
	var out []int
	for j := start; j < stop && len(out) < n; j += step {
		out = append(out, j)
	}
	return out
}

func meanPairDist(coords [][]float64, a, b []int) float64 {
	var sum float64
	var n int
	for _, i := range a {
		for _, j := range b {
			sum += dist(coords[i], coords[j])
			n++
		}
	}
	return sum / float64(n)
}
