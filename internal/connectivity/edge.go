// Package connectivity loads home/neighbor relations (social connectedness,
// distances, mobility exchange) and normalizes them into per-home shares.
package connectivity

import (
	"sort"
)

// Edge is one (home, neighbor, weight) relation. Weight is non-negative;
// for distance tables it holds the distance.
type Edge struct {
	Home     string
	Neighbor string
	Weight   float64
}

type pairKey struct {
	home, neighbor string
}

type pairAcc struct {
	sum float64
	n   int
}

// Accumulator collects edges and collapses duplicate (home, neighbor) pairs
// by averaging their weights. Duplicates appear when sub-entities are merged
// into one reporting entity.
type Accumulator struct {
	pairs      map[pairKey]*pairAcc
	duplicates int
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{pairs: make(map[pairKey]*pairAcc)}
}

// Add records one observation of the (home, neighbor) pair.
func (a *Accumulator) Add(home, neighbor string, weight float64) {
	k := pairKey{home, neighbor}
	p, ok := a.pairs[k]
	if !ok {
		a.pairs[k] = &pairAcc{sum: weight, n: 1}
		return
	}
	p.sum += weight
	p.n++
	a.duplicates++
}

// Len is the number of distinct pairs.
func (a *Accumulator) Len() int { return len(a.pairs) }

// Duplicates is the number of observations folded into an existing pair.
func (a *Accumulator) Duplicates() int { return a.duplicates }

// Edges returns the averaged edges sorted by (home, neighbor).
func (a *Accumulator) Edges() []Edge {
	out := make([]Edge, 0, len(a.pairs))
	for k, p := range a.pairs {
		out = append(out, Edge{Home: k.home, Neighbor: k.neighbor, Weight: p.sum / float64(p.n)})
	}
	SortEdges(out)
	return out
}

// SortEdges orders edges by home, then neighbor.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Home != edges[j].Home {
			return edges[i].Home < edges[j].Home
		}
		return edges[i].Neighbor < edges[j].Neighbor
	})
}

// FilterHomes returns the edges whose home satisfies keep. The input slice
// is not modified.
func FilterHomes(edges []Edge, keep func(home string) bool) []Edge {
	if keep == nil {
		return edges
	}
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if keep(e.Home) {
			out = append(out, e)
		}
	}
	return out
}
