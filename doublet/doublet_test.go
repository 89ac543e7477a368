package doublet

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

// mixedDataset builds two distinct expression programs so averaged pairs
// across programs land between them.
func mixedDataset(t *testing.T, rng *rand.Rand, nCells int) *dataset.Dataset {
	const nGenes = 40
	dense := make([][]float64, nGenes)
	for i := range dense {
		dense[i] = make([]float64, nCells)
	}
	for j := 0; j < nCells; j++ {
		lo, hi := 0, nGenes/2
		if j%2 == 1 {
			lo, hi = nGenes/2, nGenes
		}
		for c := 0; c < 300; c++ {
			dense[lo+rng.Intn(hi-lo)][j]++
		}
	}
	genes := make([]string, nGenes)
	for i := range genes {
		genes[i] = "g" + strconv.Itoa(i)
	}
	cells := make([]string, nCells)
	for j := range cells {
		cells[j] = "cell" + strconv.Itoa(j)
	}
	ds, err := dataset.New(dataset.CSCFromDense(dense), cells, genes)
	assert.NoError(t, err)
	return ds
}

func countCalls(t *testing.T, ds *dataset.Dataset) int {
	calls, ok := ds.Cells.Strings(ColCall)
	expect.True(t, ok)
	n := 0
	for _, c := range calls {
		switch c {
		case "doublet":
			n++
		case "singlet":
		default:
			t.Fatalf("unexpected call %q", c)
		}
	}
	return n
}

func TestDetectCallsExactlyNExp(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	ds := mixedDataset(t, rng, 200)
	opts := DefaultOpts
	opts.DoubletRate = 0.05
	out, err := Detect(ds, opts)
	assert.NoError(t, err)
	expect.EQ(t, countCalls(t, out), 10) // 0.05 * 200

	scores, ok := out.Cells.Floats(ColScore)
	expect.True(t, ok)
	expect.EQ(t, len(scores), 200)
}

func TestDetectCountInvariantToPK(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	ds := mixedDataset(t, rng, 120)
	for _, pk := range []float64{0.005, 0.05, 0.2} {
		opts := DefaultOpts
		opts.PK = pk
		out, err := Detect(ds, opts)
		assert.NoError(t, err)
		expect.EQ(t, countCalls(t, out), 6) // 0.05 * 120, regardless of pK
	}
}

func TestDetectNExpOverride(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	ds := mixedDataset(t, rng, 100)
	opts := DefaultOpts
	opts.NExp = 17
	out, err := Detect(ds, opts)
	assert.NoError(t, err)
	expect.EQ(t, countCalls(t, out), 17)
}

func TestDetectDeterministicForBarcodes(t *testing.T) {
	rng := rand.New(rand.NewSource(34))
	ds := mixedDataset(t, rng, 80)
	a, err := Detect(ds, DefaultOpts)
	assert.NoError(t, err)
	b, err := Detect(ds, DefaultOpts)
	assert.NoError(t, err)
	ca, _ := a.Cells.Strings(ColCall)
	cb, _ := b.Cells.Strings(ColCall)
	expect.EQ(t, ca, cb)
}
