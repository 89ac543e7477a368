package cluster

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/fredaguas7/COMICs-Seurat/dataset"
)

// louvain partitions a weighted undirected graph by greedy modularity
// optimization with a resolution parameter. Node sweeps are in index order,
// so results are deterministic for a given graph.
type louvainGraph struct {
	n       int
	adj     [][]int32
	w       [][]float64
	deg     []float64 // weighted degree
	totalW  float64   // 2m
	resolution float64
}

func newLouvainGraph(adj [][]int32, w [][]float64, resolution float64) *louvainGraph {
	g := &louvainGraph{n: len(adj), adj: adj, w: w, resolution: resolution}
	g.deg = make([]float64, g.n)
	for i := range adj {
		for k := range adj[i] {
			g.deg[i] += w[i][k]
		}
		g.totalW += g.deg[i]
	}
	return g
}

// onePass moves nodes between communities until no single move improves
// modularity. Returns the community of each node and whether anything moved.
func (g *louvainGraph) onePass() ([]int, bool) {
	comm := make([]int, g.n)
	commTot := make([]float64, g.n)
	for i := range comm {
		comm[i] = i
		commTot[i] = g.deg[i]
	}
	if g.totalW == 0 {
		return comm, false
	}
	moved := false
	for changed := true; changed; {
		changed = false
		for i := 0; i < g.n; i++ {
			links := map[int]float64{}
			for k, j := range g.adj[i] {
				if int(j) != i {
					links[comm[j]] += g.w[i][k]
				}
			}
			cur := comm[i]
			commTot[cur] -= g.deg[i]
			best, bestGain := cur, 0.0
			// Gain of joining community c:
			//   k_i,c/2m - resolution * deg_i * tot_c / (2m)^2
			// relative to staying alone; evaluate candidates in sorted
			// order so ties resolve deterministically.
			cands := make([]int, 0, len(links)+1)
			for c := range links {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				gain := links[c]/g.totalW - g.resolution*g.deg[i]*commTot[c]/(g.totalW*g.totalW)
				if gain > bestGain+1e-15 {
					best, bestGain = c, gain
				}
			}
			comm[i] = best
			commTot[best] += g.deg[i]
			if best != cur {
				changed = true
				moved = true
			}
		}
	}
	return comm, moved
}

// aggregate collapses communities into super-nodes.
func (g *louvainGraph) aggregate(comm []int) (*louvainGraph, []int) {
	remap := map[int]int{}
	for i := 0; i < g.n; i++ {
		if _, ok := remap[comm[i]]; !ok {
			remap[comm[i]] = len(remap)
		}
	}
	nn := len(remap)
	type edge struct{ a, b int }
	agg := map[edge]float64{}
	for i := 0; i < g.n; i++ {
		a := remap[comm[i]]
		for k, j := range g.adj[i] {
			b := remap[comm[j]]
			agg[edge{a, b}] += g.w[i][k]
		}
	}
	adj := make([][]int32, nn)
	w := make([][]float64, nn)
	var keys []edge
	for e := range agg {
		keys = append(keys, e)
	}
	sort.Slice(keys, func(x, y int) bool {
		if keys[x].a != keys[y].a {
			return keys[x].a < keys[y].a
		}
		return keys[x].b < keys[y].b
	})
	for _, e := range keys {
		adj[e.a] = append(adj[e.a], int32(e.b))
		w[e.a] = append(w[e.a], agg[e])
	}
	membership := make([]int, g.n)
	for i := 0; i < g.n; i++ {
		membership[i] = remap[comm[i]]
	}
	return newLouvainGraph(adj, w, g.resolution), membership
}

// Louvain returns a community id per node. Resolution 0 collapses the whole
// graph into a single community (the zero-penalty modularity optimum);
// higher resolutions yield more, smaller communities.
func Louvain(adj [][]int32, w [][]float64, resolution float64) []int {
	n := len(adj)
	out := make([]int, n)
	if resolution == 0 {
		return out
	}
	g := newLouvainGraph(adj, w, resolution)
	for i := range out {
		out[i] = i
	}
	for {
		comm, moved := g.onePass()
		if !moved {
			break
		}
		var membership []int
		g, membership = g.aggregate(comm)
		for i := range out {
			out[i] = membership[out[i]]
		}
		if g.n == 1 {
			break
		}
	}
	return renumberBySize(out)
}

// renumberBySize relabels communities as 0,1,2,... by decreasing size.
func renumberBySize(comm []int) []int {
	size := map[int]int{}
	for _, c := range comm {
		size[c]++
	}
	ids := make([]int, 0, len(size))
	for c := range size {
		ids = append(ids, c)
	}
	sort.Slice(ids, func(a, b int) bool {
		if size[ids[a]] != size[ids[b]] {
			return size[ids[a]] > size[ids[b]]
		}
		return ids[a] < ids[b]
	})
	remap := make(map[int]int, len(ids))
	for rank, c := range ids {
		remap[c] = rank
	}
	out := make([]int, len(comm))
	for i, c := range comm {
		out[i] = remap[c]
	}
	return out
}

// ColClusters is the cell-table column holding the latest assignment.
const ColClusters = "clusters"

// FindClusters partitions the attached SNN graph at the given resolution
// and stores the assignment as cell-table column "snn_res.<resolution>",
// plus the convenience column "clusters" holding the latest assignment.
// Prior snn_res columns are never overwritten, so a resolution sweep keeps
// its whole history.
func FindClusters(ds *dataset.Dataset, resolution float64) (*dataset.Dataset, error) {
	if ds.Graph == nil {
		return nil, errors.New("cluster: no neighbor graph; run BuildGraph first")
	}
	if fresh, err := ds.GraphFresh(); err != nil {
		return nil, err
	} else if !fresh {
		return nil, errors.New("cluster: neighbor graph is stale; rebuild it from the current reduction")
	}
	comm := Louvain(ds.Graph.Neighbors, ds.Graph.Weights, resolution)
	nClusters := 0
	for _, c := range comm {
		if c+1 > nClusters {
			nClusters = c + 1
		}
	}
	cells := ds.Cells.Clone()
	if err := cells.SetInts(fmt.Sprintf("snn_res.%g", resolution), comm); err != nil {
		return nil, err
	}
	if err := cells.SetInts(ColClusters, comm); err != nil {
		return nil, err
	}
	log.Printf("cluster: resolution %g -> %d clusters", resolution, nClusters)
	return ds.WithCells(cells)
}

// Sweep runs FindClusters independently at each resolution, accumulating
// one snn_res column per value. "clusters" ends up holding the last
// resolution's assignment.
func Sweep(ds *dataset.Dataset, resolutions []float64) (*dataset.Dataset, error) {
	var err error
	for _, r := range resolutions {
		if ds, err = FindClusters(ds, r); err != nil {
			return nil, err
		}
	}
	return ds, nil
}
