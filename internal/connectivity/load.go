package connectivity

import (
	"context"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sci-proximity/internal/entity"
	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/ingest"
)

// LoadOptions configures edge, distance and mobility table loading.
type LoadOptions struct {
	Normalizer  entity.Normalizer
	Delimiter   rune // default ','
	Latin1      bool
	MaxSkipRate float64
	// HomeFilter restricts loading to homes it accepts. Nil loads all homes.
	HomeFilter func(home string) bool
}

// Column aliases accepted in header rows. The SCI distribution uses
// user_loc/fr_loc/scaled_sci; the NBER county distance files use
// county1/county2/mi_to_county.
var (
	homeAliases     = []string{"home_id", "home", "user_loc", "user_region", "user_country", "county1"}
	neighborAliases = []string{"neighbor_id", "neighbor", "fr_loc", "fr_region", "fr_country", "county2"}
	weightAliases   = []string{"weight", "scaled_sci", "sci", "lex"}
	distanceAliases = []string{"distance", "mi_to_county", "km_to_region", "dist"}
	dateAliases     = []string{"date", "time_step", "week"}
)

// table resolves column positions for one input, detecting an optional
// header row.
type table struct {
	source  string
	aliases [][]string
	numeric int // index into aliases of a numeric column used for header detection
	idx     []int
}

// resolve inspects the first row. It returns true when the row is a header.
// A first row that is neither numeric in the probe column nor a recognizable
// header is treated as data with positional columns, so it is tallied as
// malformed rather than aborting the load.
func (t *table) resolve(first []string) bool {
	t.idx = make([]int, len(t.aliases))
	for i := range t.idx {
		t.idx[i] = i
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(fetcher.Field(first, t.numeric)), 64); err == nil {
		return false
	}

	cols := fetcher.MapColumns(first)
	idx := make([]int, len(t.aliases))
	for i, a := range t.aliases {
		idx[i] = cols.Index(a...)
		if idx[i] < 0 {
			return false
		}
	}
	t.idx = idx
	return true
}

func (t *table) field(rec []string, col int) string {
	return strings.TrimSpace(fetcher.Field(rec, t.idx[col]))
}

// scan streams r and calls fn for each data row after header detection.
func (t *table) scan(ctx context.Context, r io.Reader, opts LoadOptions, tally *ingest.Tally, fn func(rec []string)) error {
	rowCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{
		Delimiter:  opts.Delimiter,
		LazyQuotes: true,
		Latin1:     opts.Latin1,
	})

	first := true
	err := fetcher.Drain(rowCh, errCh, func(row fetcher.Row) error {
		if first {
			first = false
			if t.resolve(row.Fields) {
				return nil
			}
		}
		tally.Row()
		fn(row.Fields)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "connectivity: read %s", t.source)
	}
	return tally.Check()
}

// pair normalizes the home and neighbor columns, recording rejects in tally.
// ok is false when the row must be dropped.
func pair(rec []string, t *table, opts LoadOptions, tally *ingest.Tally) (home, neighbor string, ok bool) {
	home, err := opts.Normalizer.Normalize(t.field(rec, 0))
	if err != nil {
		reject(tally, err, "home_id")
		return "", "", false
	}
	neighbor, err = opts.Normalizer.Normalize(t.field(rec, 1))
	if err != nil {
		reject(tally, err, "neighbor_id")
		return "", "", false
	}
	return home, neighbor, true
}

func reject(tally *ingest.Tally, err error, reason string) {
	if eris.Is(err, entity.ErrOutOfDomain) {
		tally.Discard()
		return
	}
	tally.Skip(reason)
}

// parseNonNegative parses a finite, non-negative float.
func parseNonNegative(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

// LoadEdges reads (home_id, neighbor_id, weight) rows. Duplicate pairs left
// after identifier merging are averaged. Returns the edges sorted by
// (home, neighbor) and the row tally.
func LoadEdges(ctx context.Context, r io.Reader, source string, opts LoadOptions) ([]Edge, *ingest.Tally, error) {
	t := &table{source: source, aliases: [][]string{homeAliases, neighborAliases, weightAliases}, numeric: 2}
	tally := ingest.NewTally(source, opts.MaxSkipRate)
	acc := NewAccumulator()

	err := t.scan(ctx, r, opts, tally, func(rec []string) {
		home, neighbor, ok := pair(rec, t, opts, tally)
		if !ok {
			return
		}
		w, ok := parseNonNegative(t.field(rec, 2))
		if !ok {
			tally.Skip("weight")
			return
		}
		tally.Accept()
		if opts.HomeFilter != nil && !opts.HomeFilter(home) {
			return
		}
		acc.Add(home, neighbor, w)
	})
	if err != nil {
		return nil, tally, err
	}
	return acc.Edges(), tally, nil
}
