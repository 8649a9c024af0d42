package connectivity

import (
	"context"
	"io"

	"github.com/sells-group/sci-proximity/internal/ingest"
)

// DistanceTable is a sparse (home, neighbor) -> distance lookup.
type DistanceTable struct {
	d map[pairKey]float64
}

// NewDistanceTable builds a table from edges whose Weight holds the distance.
// Duplicate pairs are averaged.
func NewDistanceTable(edges []Edge) *DistanceTable {
	acc := NewAccumulator()
	for _, e := range edges {
		acc.Add(e.Home, e.Neighbor, e.Weight)
	}
	return fromAccumulator(acc)
}

func fromAccumulator(acc *Accumulator) *DistanceTable {
	t := &DistanceTable{d: make(map[pairKey]float64, acc.Len())}
	for k, p := range acc.pairs {
		t.d[k] = p.sum / float64(p.n)
	}
	return t
}

// Lookup returns the distance between home and neighbor.
func (t *DistanceTable) Lookup(home, neighbor string) (float64, bool) {
	d, ok := t.d[pairKey{home, neighbor}]
	return d, ok
}

// Len is the number of stored pairs.
func (t *DistanceTable) Len() int { return len(t.d) }

// Pairs returns all pairs as edges (Weight = distance), sorted.
func (t *DistanceTable) Pairs() []Edge {
	out := make([]Edge, 0, len(t.d))
	for k, d := range t.d {
		out = append(out, Edge{Home: k.home, Neighbor: k.neighbor, Weight: d})
	}
	SortEdges(out)
	return out
}

// InverseDistance is the distance weighting 1 / (1 + d).
func InverseDistance(d float64) float64 {
	return 1 / (1 + d)
}

// LoadDistances reads (home_id, neighbor_id, distance) rows.
func LoadDistances(ctx context.Context, r io.Reader, source string, opts LoadOptions) (*DistanceTable, *ingest.Tally, error) {
	t := &table{source: source, aliases: [][]string{homeAliases, neighborAliases, distanceAliases}, numeric: 2}
	tally := ingest.NewTally(source, opts.MaxSkipRate)
	acc := NewAccumulator()

	err := t.scan(ctx, r, opts, tally, func(rec []string) {
		home, neighbor, ok := pair(rec, t, opts, tally)
		if !ok {
			return
		}
		d, ok := parseNonNegative(t.field(rec, 2))
		if !ok {
			tally.Skip("distance")
			return
		}
		tally.Accept()
		if opts.HomeFilter != nil && !opts.HomeFilter(home) {
			return
		}
		acc.Add(home, neighbor, d)
	})
	if err != nil {
		return nil, tally, err
	}
	return fromAccumulator(acc), tally, nil
}
