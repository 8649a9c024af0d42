package connectivity

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/sells-group/sci-proximity/internal/ingest"
)

// DateLayout is the calendar date format used by dated input rows.
const DateLayout = "2006-01-02"

// MobilityTable holds time-varying exchange weights: for each date, a set of
// (home, neighbor, weight) edges.
type MobilityTable struct {
	byDate map[time.Time][]Edge
}

// NewMobilityTable builds a table from per-date edges. Duplicate pairs
// within a date are averaged.
func NewMobilityTable(byDate map[time.Time][]Edge) *MobilityTable {
	t := &MobilityTable{byDate: make(map[time.Time][]Edge, len(byDate))}
	for d, edges := range byDate {
		acc := NewAccumulator()
		for _, e := range edges {
			acc.Add(e.Home, e.Neighbor, e.Weight)
		}
		t.byDate[dateOnly(d)] = acc.Edges()
	}
	return t
}

// EdgesAt returns the edges for the given date, sorted by (home, neighbor).
func (t *MobilityTable) EdgesAt(d time.Time) []Edge {
	return t.byDate[dateOnly(d)]
}

// EdgesAsOf returns the edges of the latest date on or before d, and that
// date. Daily exchange data is matched to sparser cadence steps this way.
func (t *MobilityTable) EdgesAsOf(d time.Time) ([]Edge, time.Time, bool) {
	d = dateOnly(d)
	if edges, ok := t.byDate[d]; ok {
		return edges, d, true
	}
	var best time.Time
	found := false
	for date := range t.byDate {
		if date.After(d) {
			continue
		}
		if !found || date.After(best) {
			best, found = date, true
		}
	}
	if !found {
		return nil, time.Time{}, false
	}
	return t.byDate[best], best, true
}

// Dates returns the dates present in the table in ascending order.
func (t *MobilityTable) Dates() []time.Time {
	out := make([]time.Time, 0, len(t.byDate))
	for d := range t.byDate {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// LoadMobility reads (home_id, neighbor_id, date, weight) rows.
func LoadMobility(ctx context.Context, r io.Reader, source string, opts LoadOptions) (*MobilityTable, *ingest.Tally, error) {
	t := &table{
		source:  source,
		aliases: [][]string{homeAliases, neighborAliases, dateAliases, weightAliases},
		numeric: 3,
	}
	tally := ingest.NewTally(source, opts.MaxSkipRate)
	accs := make(map[time.Time]*Accumulator)

	err := t.scan(ctx, r, opts, tally, func(rec []string) {
		home, neighbor, ok := pair(rec, t, opts, tally)
		if !ok {
			return
		}
		d, err := time.Parse(DateLayout, t.field(rec, 2))
		if err != nil {
			tally.Skip("date")
			return
		}
		w, ok := parseNonNegative(t.field(rec, 3))
		if !ok {
			tally.Skip("weight")
			return
		}
		tally.Accept()
		if opts.HomeFilter != nil && !opts.HomeFilter(home) {
			return
		}
		acc, ok := accs[d]
		if !ok {
			acc = NewAccumulator()
			accs[d] = acc
		}
		acc.Add(home, neighbor, w)
	})
	if err != nil {
		return nil, tally, err
	}

	mt := &MobilityTable{byDate: make(map[time.Time][]Edge, len(accs))}
	for d, acc := range accs {
		mt.byDate[dateOnly(d)] = acc.Edges()
	}
	return mt, tally, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
