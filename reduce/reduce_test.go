package reduce

import (
	"math"
	"math/rand"
	"strconv"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
)

func TestSelectDimsFirstCrossing(t *testing.T) {
	stdev := func(vars ...float64) []float64 {
		out := make([]float64, len(vars))
		for i, v := range vars {
			out[i] = math.Sqrt(v)
		}
		return out
	}

	pcNum, ok := SelectDims(stdev(50, 30, 15, 5), 0.9)
	expect.True(t, ok)
	expect.EQ(t, pcNum, 3) // 0.95 > 0.9, 0.8 is not

	pcNum, ok = SelectDims(stdev(100, 100, 100, 100), 0.9)
	expect.True(t, ok)
	expect.EQ(t, pcNum, 4) // only the full sum crosses

	pcNum, ok = SelectDims(stdev(50, 30, 15, 5), 1.0)
	expect.False(t, ok)
	expect.EQ(t, pcNum, 4)

	pcNum, ok = SelectDims(stdev(0, 0), 0.9)
	expect.False(t, ok)
	expect.EQ(t, pcNum, 2)
}

func TestSelectDimsMonotone(t *testing.T) {
	sd := []float64{7, 5, 3, 2, 1, 0.5}
	prev := 0
	for th := 0.05; th < 1.0; th += 0.05 {
		pcNum, _ := SelectDims(sd, th)
		expect.GE(t, pcNum, prev)
		prev = pcNum
	}
	pcNum, _ := SelectDims(sd, 0.999999)
	expect.EQ(t, pcNum, len(sd))
}

// twoClusterDataset builds cells in two expression programs split across
// two batches, normalized and with all genes flagged variable.
func twoClusterDataset(t *testing.T, rng *rand.Rand, nCells int) *dataset.Dataset {
	const nGenes = 30
	dense := make([][]float64, nGenes)
	for i := range dense {
		dense[i] = make([]float64, nCells)
	}
	batch := make([]string, nCells)
	for j := 0; j < nCells; j++ {
		batch[j] = "s" + strconv.Itoa(j%2)
		lo, hi := 0, nGenes/2
		if j >= nCells/2 {
			lo, hi = nGenes/2, nGenes
		}
		for c := 0; c < 200; c++ {
			dense[lo+rng.Intn(hi-lo)][j]++
		}
		// Batch shift on a housekeeping block.
		if j%2 == 1 {
			for g := 0; g < 5; g++ {
				dense[g][j] += 20
			}
		}
	}
	genes := make([]string, nGenes)
	for i := range genes {
		genes[i] = "g" + strconv.Itoa(i)
	}
	cells := make([]string, nCells)
	for j := range cells {
		cells[j] = "c" + strconv.Itoa(j)
	}
	ds, err := dataset.New(dataset.CSCFromDense(dense), cells, genes)
	assert.NoError(t, err)
	ds, err = normalize.LogNormalize(ds, normalize.DefaultOpts)
	assert.NoError(t, err)
	tbl := ds.Cells.Clone()
	assert.NoError(t, tbl.SetStrings("orig.ident", batch))
	ds, err = ds.WithCells(tbl)
	assert.NoError(t, err)
	opts := normalize.DefaultOpts
	opts.NFeatures = nGenes
	ds, err = normalize.SelectVariableFeatures(ds, normalize.LayerLogNorm, opts)
	assert.NoError(t, err)
	return ds
}

func TestRunPCA(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ds := twoClusterDataset(t, rng, 60)
	opts := DefaultOpts
	opts.KMax = 10
	ds, err := RunPCA(ds, normalize.LayerLogNorm, opts)
	assert.NoError(t, err)
	r, err := ds.Reduction(ReductionPCA)
	assert.NoError(t, err)
	expect.EQ(t, r.NDim(), 10)
	expect.EQ(t, len(r.Coords), 60)
	// Stdev is sorted descending.
	for d := 1; d < r.NDim(); d++ {
		expect.LE(t, r.Stdev[d], r.Stdev[d-1]+1e-12)
	}
	// PC1 separates the two expression programs.
	var lo, hi float64
	for j, c := range r.Coords {
		if j < 30 {
			lo += c[0]
		} else {
			hi += c[0]
		}
	}
	expect.True(t, (lo < 0) != (hi < 0))
	fresh, err := ds.ReductionFresh(ReductionPCA)
	assert.NoError(t, err)
	expect.True(t, fresh)
}

func TestRunPCARequiresVariableFeatures(t *testing.T) {
	dense := [][]float64{{1, 2}, {3, 4}}
	ds, err := dataset.New(dataset.CSCFromDense(dense), []string{"c0", "c1"}, []string{"g0", "g1"})
	assert.NoError(t, err)
	ds, err = normalize.LogNormalize(ds, normalize.DefaultOpts)
	assert.NoError(t, err)
	_, err = RunPCA(ds, normalize.LayerLogNorm, DefaultOpts)
	expect.NotNil(t, err)
}

func TestRunHarmonyReducesBatchSeparation(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ds := twoClusterDataset(t, rng, 80)
	opts := DefaultOpts
	opts.KMax = 5
	ds, err := RunPCA(ds, normalize.LayerLogNorm, opts)
	assert.NoError(t, err)

	hOpts := DefaultHarmonyOpts
	hOpts.GroupBy = []string{"orig.ident"}
	hOpts.NClusters = 4
	hOpts.MaxIter = 20
	ds, stats, err := RunHarmony(ds, ReductionPCA, hOpts)
	assert.NoError(t, err)
	expect.GE(t, stats.Iterations, 1)

	pca, _ := ds.Reduction(ReductionPCA)
	harm, _ := ds.Reduction(ReductionHarmony)
	batch, _ := ds.Cells.Strings("orig.ident")
	expect.LE(t, batchGap(harm.Coords, batch), batchGap(pca.Coords, batch)+1e-9)
}

func TestRunHarmonyIterationCapWarns(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	ds := twoClusterDataset(t, rng, 60)
	opts := DefaultOpts
	opts.KMax = 5
	ds, err := RunPCA(ds, normalize.LayerLogNorm, opts)
	assert.NoError(t, err)

	hOpts := DefaultHarmonyOpts
	hOpts.GroupBy = []string{"orig.ident"}
	hOpts.MaxIter = 1
	hOpts.Epsilon = 0 // unreachable
	ds, stats, err := RunHarmony(ds, ReductionPCA, hOpts)
	assert.NoError(t, err) // non-fatal by design
	expect.False(t, stats.Converged)
	found := false
	for _, w := range ds.Warnings {
		if w.Stage == "harmony" {
			found = true
		}
	}
	expect.True(t, found)
}

// batchGap measures the distance between batch centroids in a reduction.
func batchGap(coords [][]float64, batch []string) float64 {
	k := len(coords[0])
	sum := map[string][]float64{}
	cnt := map[string]float64{}
	for i, b := range batch {
		if sum[b] == nil {
			sum[b] = make([]float64, k)
		}
		for d := 0; d < k; d++ {
			sum[b][d] += coords[i][d]
		}
		cnt[b]++
	}
	var keys []string
	for b := range sum {
		keys = append(keys, b)
	}
	var gap float64
	a, b := sum[keys[0]], sum[keys[1]]
	for d := 0; d < k; d++ {
		x := a[d]/cnt[keys[0]] - b[d]/cnt[keys[1]]
		gap += x * x
	}
	return math.Sqrt(gap)
}
