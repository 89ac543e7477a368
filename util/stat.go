// Package util holds small statistical helpers shared by the filtering and
// marker stages.
package util

import (
	"math"
	"sort"
)

// AdjustBH applies Benjamini-Hochberg false-discovery-rate correction to a
// vector of p-values. NaN entries are left NaN. The input is not modified.
func AdjustBH(p []float64) []float64 {
	n := len(p)
	adj := make([]float64, n)
	order := make([]int, 0, n)
	for i, v := range p {
		if math.IsNaN(v) {
			adj[i] = math.NaN()
			continue
		}
		order = append(order, i)
	}
	m := len(order)
	sort.Slice(order, func(a, b int) bool { return p[order[a]] > p[order[b]] })
	running := math.Inf(1)
	for rank, i := range order {
		q := p[i] * float64(m) / float64(m-rank)
		if q < running {
			running = q
		}
		if running > 1 {
			adj[i] = 1
		} else {
			adj[i] = running
		}
	}
	return adj
}

// RankWithTies returns 1-based midranks of x and the tie-correction term
// sum(t^3-t) over tie groups, as used by the normal approximation of the
// Wilcoxon rank-sum statistic.
func RankWithTies(x []float64) (ranks []float64, tieTerm float64) {
	n := len(x)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	ranks = make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && x[idx[j]] == x[idx[i]] {
			j++
		}
		mid := float64(i+j+1) / 2 // average of 1-based ranks i+1..j
		for k := i; k < j; k++ {
			ranks[idx[k]] = mid
		}
		t := float64(j - i)
		tieTerm += t*t*t - t
		i = j
	}
	return ranks, tieTerm
}

// LogMean returns ln(mean(expm1(x)) + 1), the fold-change scale used on
// log-normalized expression.
func LogMean(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += math.Expm1(v)
	}
	return math.Log1p(s / float64(len(x)))
}

// FractionPositive returns the fraction of entries > 0.
func FractionPositive(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	n := 0
	for _, v := range x {
		if v > 0 {
			n++
		}
	}
	return float64(n) / float64(len(x))
}
