package reduce

// SelectDims returns the smallest number of leading dimensions whose
// cumulative explained-variance fraction strictly exceeds threshold. The
// variance vector is the squared Stdev of a reduction and is already sorted
// descending. If no prefix crosses the threshold the full dimensionality is
// returned with ok=false, which callers surface as a low-variance warning.
//
// The strict inequality and first-crossing rule are load-bearing: for
// variances [100,100,100,100] and threshold 0.9 the answer is 4, because
// no proper prefix fraction (0.25, 0.5, 0.75) exceeds 0.9.
func SelectDims(stdev []float64, threshold float64) (pcNum int, ok bool) {
	var total float64
	for _, s := range stdev {
		total += s * s
	}
	if total <= 0 {
		return len(stdev), false
	}
	var cum float64
	for i, s := range stdev {
		cum += s * s
		if cum/total > threshold {
			return i + 1, true
		}
	}
	return len(stdev), false
}

// DefaultVarianceThreshold is the cumulative-variance fraction used when
// the caller does not specify one.
const DefaultVarianceThreshold = 0.9
