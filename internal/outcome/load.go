package outcome

import (
	"context"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sci-proximity/internal/entity"
	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/ingest"
)

// DateLayout is the calendar date format of outcome rows.
const DateLayout = "2006-01-02"

var (
	entityAliases     = []string{"entity_id", "fips", "geoid", "county_fips", "nuts3", "region", "country"}
	dateAliases       = []string{"date", "time_step", "day"}
	countAliases      = []string{"raw_count", "count", "cases", "deaths"}
	populationAliases = []string{"population", "pop", "pop2019", "total_population"}
)

// LoadOptions configures outcome loading.
type LoadOptions struct {
	Normalizer  entity.Normalizer
	Delimiter   rune
	Latin1      bool
	MaxSkipRate float64
	// CountColumn overrides the count column name (e.g. "deaths" when the
	// file carries both cases and deaths).
	CountColumn string
	// Population supplies populations for files without a population column.
	// When both are present the column wins.
	Population map[string]float64
}

// LoadObservations reads (entity_id, date, count, population) rows. The first
// row must be a header.
func LoadObservations(ctx context.Context, r io.Reader, source string, opts LoadOptions) ([]Observation, *ingest.Tally, error) {
	tally := ingest.NewTally(source, opts.MaxSkipRate)

	rowCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{
		Delimiter:  opts.Delimiter,
		LazyQuotes: true,
		TrimSpace:  true,
		Latin1:     opts.Latin1,
	})

	var (
		obs     []Observation
		cols    fetcher.Columns
		iEntity int
		iDate   int
		iCount  int
		iPop    int
	)
	err := fetcher.Drain(rowCh, errCh, func(row fetcher.Row) error {
		if cols == nil {
			cols = fetcher.MapColumns(row.Fields)
			iEntity = cols.Index(entityAliases...)
			iDate = cols.Index(dateAliases...)
			if opts.CountColumn != "" {
				iCount = cols.Index(opts.CountColumn)
			} else {
				iCount = cols.Index(countAliases...)
			}
			iPop = cols.Index(populationAliases...)
			switch {
			case iEntity < 0:
				return eris.Errorf("outcome: %s: header has no entity column (got %v)", source, row.Fields)
			case iDate < 0:
				return eris.Errorf("outcome: %s: header has no date column", source)
			case iCount < 0:
				return eris.Errorf("outcome: %s: header has no count column", source)
			case iPop < 0 && opts.Population == nil:
				return eris.Errorf("outcome: %s: no population column and no population table", source)
			}
			return nil
		}

		tally.Row()
		rec := row.Fields

		id, err := opts.Normalizer.Normalize(fetcher.Field(rec, iEntity))
		if err != nil {
			if eris.Is(err, entity.ErrOutOfDomain) {
				tally.Discard()
			} else {
				tally.Skip("entity_id")
			}
			return nil
		}
		date, err := time.Parse(DateLayout, fetcher.Field(rec, iDate))
		if err != nil {
			tally.Skip("date")
			return nil
		}
		count, ok := parseCount(fetcher.Field(rec, iCount))
		if !ok {
			tally.Skip("count")
			return nil
		}

		var pop float64
		if iPop >= 0 {
			pop, ok = parseCount(fetcher.Field(rec, iPop))
		} else {
			pop, ok = opts.Population[id]
		}
		if !ok || pop <= 0 {
			tally.Skip("population")
			return nil
		}

		tally.Accept()
		obs = append(obs, Observation{Entity: id, Date: date, Count: count, Population: pop})
		return nil
	})
	if err != nil {
		return nil, tally, eris.Wrapf(err, "outcome: read %s", source)
	}
	if err := tally.Check(); err != nil {
		return nil, tally, err
	}
	return obs, tally, nil
}

// LoadPopulationXLSX reads an (entity, population) sheet. Merged entities
// are summed into their reporting entity.
func LoadPopulationXLSX(path string, sheet string, norm entity.Normalizer, maxSkipRate float64) (map[string]float64, *ingest.Tally, error) {
	tally := ingest.NewTally(path, maxSkipRate)

	ws, err := fetcher.ReadSheet(path, fetcher.SheetOptions{Name: sheet, HeaderHints: entityAliases})
	if err != nil {
		return nil, tally, eris.Wrap(err, "outcome: read population workbook")
	}
	header, rows := ws.Header, ws.Rows
	cols := fetcher.MapColumns(header)
	iEntity := cols.Index(entityAliases...)
	iPop := cols.Index(populationAliases...)
	if iEntity < 0 || iPop < 0 {
		return nil, tally, eris.Errorf("outcome: %s: population sheet needs entity and population columns (got %v)", path, header)
	}

	pop := make(map[string]float64, len(rows))
	for _, row := range rows {
		tally.Row()
		id, err := norm.Normalize(fetcher.Field(row.Fields, iEntity))
		if err != nil {
			if eris.Is(err, entity.ErrOutOfDomain) {
				tally.Discard()
			} else {
				tally.Skip("entity_id")
			}
			continue
		}
		v, ok := parseCount(fetcher.Field(row.Fields, iPop))
		if !ok || v <= 0 {
			tally.Skip("population")
			continue
		}
		tally.Accept()
		pop[id] += v
	}
	if err := tally.Check(); err != nil {
		return nil, tally, err
	}
	return pop, tally, nil
}

// parseCount parses a non-negative count, tolerating thousands separators.
func parseCount(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}
