package normalize

import (
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"gonum.org/v1/gonum/mat"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

// VSTOpts configures the variance-stabilizing regression. Every gene is fit
// with the same design matrix and the same ridge penalty; no hyperparameter
// is re-derived per gene.
type VSTOpts struct {
	// Covariates names cell-table float columns regressed out in addition
	// to sequencing depth, e.g. "pct.mt".
	Covariates []string
	// Lambda is the shared ridge penalty.
	Lambda float64
	// Parallelism bounds concurrent per-gene fits; 0 means traverse
	// default (GOMAXPROCS).
	Parallelism int
}

var DefaultVSTOpts = VSTOpts{
	Lambda: 0.01,
}

// LayerVST is the layer name written by VarianceStabilize.
const LayerVST = "vst"

// VarianceStabilize fits, per gene, a ridge regression of log1p counts on
// log10 sequencing depth plus the configured covariates, and writes the
// clipped standardized residuals as the "vst" layer. The layer records
// which covariates were regressed so downstream consumers can decide
// between reusing corrected values and re-fitting on a subset.
func VarianceStabilize(ds *dataset.Dataset, opts VSTOpts) (*dataset.Dataset, error) {
	if err := ds.CheckAligned(); err != nil {
		return nil, err
	}
	n := ds.NCells()
	if n == 0 || ds.NGenes() == 0 {
		return nil, errors.E(dataset.ErrEmptyDataset, "nothing to stabilize")
	}
	p := 2 + len(opts.Covariates)
	xd := make([]float64, n*p)
	for j := 0; j < n; j++ {
		xd[j*p] = 1
		xd[j*p+1] = math.Log10(ds.Counts.ColSum(j) + 1)
	}
	for c, name := range opts.Covariates {
		col, ok := ds.Cells.Floats(name)
		if !ok {
			return nil, errors.E("vst: no cell covariate column named", name)
		}
		for j := 0; j < n; j++ {
			xd[j*p+2+c] = col[j]
		}
	}
	x := mat.NewDense(n, p, xd)

	// Shared projector M = (X'X + lambda I)^-1 X', computed once for all
	// genes.
	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for i := 0; i < p; i++ {
		xtx.Set(i, i, xtx.At(i, i)+opts.Lambda)
	}
	var proj mat.Dense
	if err := proj.Solve(&xtx, x.T()); err != nil {
		return nil, errors.E(err, "vst: singular design matrix")
	}

	clip := math.Sqrt(float64(n))
	out := dataset.NewLayer(ds.NGenes(), n, LayerVST)
	out.Covariates = append([]string(nil), opts.Covariates...)
	y := make([]float64, ds.NGenes()*n)
	for j := 0; j < n; j++ {
		rows, vals := ds.Counts.Col(j)
		for i := range rows {
			y[int(rows[i])*n+j] = math.Log1p(vals[i])
		}
	}
	each := traverse.Each
	if opts.Parallelism > 0 {
		each = traverse.Limit(opts.Parallelism).Each
	}
	err := each(ds.NGenes(), func(g int) error {
		yg := mat.NewVecDense(n, y[g*n:(g+1)*n])
		beta := mat.NewVecDense(p, nil)
		beta.MulVec(&proj, yg)
		res := out.Row(g)
		var msum, s2 float64
		for j := 0; j < n; j++ {
			fit := 0.0
			for c := 0; c < p; c++ {
				fit += xd[j*p+c] * beta.AtVec(c)
			}
			res[j] = yg.AtVec(j) - fit
			msum += res[j]
		}
		m := msum / float64(n)
		for j := 0; j < n; j++ {
			res[j] -= m
			s2 += res[j] * res[j]
		}
		sd := math.Sqrt(s2 / float64(n-1))
		if sd == 0 {
			return nil
		}
		for j := 0; j < n; j++ {
			v := res[j] / sd
			if v > clip {
				v = clip
			} else if v < -clip {
				v = -clip
			}
			res[j] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("vst: fit %d genes over %d cells, covariates %v", ds.NGenes(), n, opts.Covariates)
	return ds.WithLayer(LayerVST, out)
}
