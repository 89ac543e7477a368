package markers

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
	"github.com/fredaguas7/COMICs-Seurat/normalize"
)

// markerDataset builds two cell populations where gene 0 is strongly
// enriched in group "a", gene 1 in group "b", and the rest are flat noise.
func markerDataset(t *testing.T, rng *rand.Rand, perGroup int) *dataset.Dataset {
	const nGenes = 12
	n := 2 * perGroup
	dense := make([][]float64, nGenes)
	for i := range dense {
		dense[i] = make([]float64, n)
	}
	labels := make([]string, n)
	for j := 0; j < n; j++ {
		grpA := j < perGroup
		if grpA {
			labels[j] = "a"
			dense[0][j] = 20 + float64(rng.Intn(10))
		} else {
			labels[j] = "b"
			dense[1][j] = 20 + float64(rng.Intn(10))
		}
		for g := 2; g < nGenes; g++ {
			dense[g][j] = 5 + float64(rng.Intn(3))
		}
	}
	genes := make([]string, nGenes)
	for i := range genes {
		genes[i] = "g" + strconv.Itoa(i)
	}
	cells := make([]string, n)
	for j := range cells {
		cells[j] = "c" + strconv.Itoa(j)
	}
	ds, err := dataset.New(dataset.CSCFromDense(dense), cells, genes)
	require.NoError(t, err)
	ds, err = normalize.LogNormalize(ds, normalize.DefaultOpts)
	require.NoError(t, err)
	tbl := ds.Cells.Clone()
	require.NoError(t, tbl.SetStrings("group", labels))
	ds, err = ds.WithCells(tbl)
	require.NoError(t, err)
	return ds
}

func TestFindAllMarkersRecoversPlantedMarkers(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	ds := markerDataset(t, rng, 40)
	set, err := FindAllMarkers(ds, normalize.LayerLogNorm, "group", DefaultOpts)
	require.NoError(t, err)
	require.NotEmpty(t, set.Markers)
	assert.False(t, set.Recorrected)

	best := map[string]Marker{}
	for _, m := range set.Markers {
		if _, ok := best[m.Group]; !ok {
			best[m.Group] = m // markers are sorted best-first per group
		}
	}
	assert.Equal(t, "g0", best["a"].Gene)
	assert.Equal(t, "g1", best["b"].Gene)
	assert.True(t, best["a"].PAdj < 1e-6)
	assert.True(t, best["a"].AvgLogFC > 0)
	assert.True(t, best["a"].PctIn > 0.9)
	assert.True(t, best["a"].PctOut < 0.1)
}

func TestOnlyPosNeverReturnsDepletedGenes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ds := markerDataset(t, rng, 30)
	opts := DefaultOpts
	opts.OnlyPos = true
	set, err := FindAllMarkers(ds, normalize.LayerLogNorm, "group", opts)
	require.NoError(t, err)
	require.NotEmpty(t, set.Markers)
	for _, m := range set.Markers {
		assert.True(t, m.AvgLogFC > 0, "group %s gene %s has logFC %f", m.Group, m.Gene, m.AvgLogFC)
	}
}

func TestMinPctFiltersUndetectedGenes(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	ds := markerDataset(t, rng, 30)
	opts := DefaultOpts
	opts.MinPct = 0.99
	opts.LogFCThreshold = 0
	set, err := FindAllMarkers(ds, normalize.LayerLogNorm, "group", opts)
	require.NoError(t, err)
	for _, m := range set.Markers {
		assert.True(t, m.PctIn >= 0.99 || m.PctOut >= 0.99)
	}
}

func TestRecorrectRefitsOnSubset(t *testing.T) {
	rng := rand.New(rand.NewSource(44))
	ds := markerDataset(t, rng, 40)
	ds, err := normalize.VarianceStabilize(ds, normalize.DefaultVSTOpts)
	require.NoError(t, err)

	// Subset keeps the stored corrected values; reuse is the default.
	idx := make([]int, 60)
	for i := range idx {
		idx[i] = i
	}
	sub, err := ds.Subset(idx)
	require.NoError(t, err)

	reused, err := FindAllMarkers(sub, normalize.LayerVST, "group", Opts{MinPct: 0, LogFCThreshold: 0})
	require.NoError(t, err)
	assert.False(t, reused.Recorrected)

	refit, err := FindAllMarkers(sub, normalize.LayerVST, "group", Opts{MinPct: 0, LogFCThreshold: 0, Recorrect: true})
	require.NoError(t, err)
	assert.True(t, refit.Recorrected)
}

func TestFindAllMarkersNeedsTwoGroups(t *testing.T) {
	rng := rand.New(rand.NewSource(45))
	ds := markerDataset(t, rng, 10)
	tbl := ds.Cells.Clone()
	uniform := make([]string, ds.NCells())
	for i := range uniform {
		uniform[i] = "all"
	}
	require.NoError(t, tbl.SetStrings("uniform", uniform))
	ds, err := ds.WithCells(tbl)
	require.NoError(t, err)
	_, err = FindAllMarkers(ds, normalize.LayerLogNorm, "uniform", DefaultOpts)
	assert.Error(t, err)
}
