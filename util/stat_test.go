package util

import (
	"math"
	"testing"

	"github.com/grailbio/testutil/expect"
)

func TestAdjustBH(t *testing.T) {
	p := []float64{0.01, 0.04, 0.03, 0.005}
	adj := AdjustBH(p)
	// R: p.adjust(c(0.01, 0.04, 0.03, 0.005), method = "BH")
	want := []float64{0.02, 0.04, 0.04, 0.02}
	for i := range want {
		expect.LE(t, math.Abs(adj[i]-want[i]), 1e-12)
	}
}

func TestAdjustBHKeepsNaN(t *testing.T) {
	adj := AdjustBH([]float64{0.5, math.NaN(), 0.1})
	expect.True(t, math.IsNaN(adj[1]))
	expect.LE(t, math.Abs(adj[2]-0.2), 1e-12)
	expect.LE(t, math.Abs(adj[0]-0.5), 1e-12)
}

func TestRankWithTies(t *testing.T) {
	ranks, tie := RankWithTies([]float64{3, 1, 4, 1, 5})
	expect.EQ(t, ranks, []float64{3, 1.5, 4, 1.5, 5})
	expect.EQ(t, tie, 6.0) // one tie group of 2: 2^3-2
}

func TestLogMean(t *testing.T) {
	x := []float64{math.Log1p(1), math.Log1p(3)}
	expect.LE(t, math.Abs(LogMean(x)-math.Log1p(2)), 1e-12)
}

func TestFractionPositive(t *testing.T) {
	expect.EQ(t, FractionPositive([]float64{0, 1, 0, 2}), 0.5)
	expect.EQ(t, FractionPositive(nil), 0.0)
}
