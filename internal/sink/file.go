package sink

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sci-proximity/internal/entity"
	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/ingest"
	"github.com/sells-group/sci-proximity/internal/proximity"
)

// FileSink writes a delimited table. The delimiter follows the file
// extension (tab for .tsv) unless set. Path "-" writes to Stdout.
type FileSink struct {
	Path      string
	Delimiter rune
	Clock     clockwork.Clock
	// Stdout is used for Path "-". Defaults to os.Stdout.
	Stdout io.Writer
}

// Name implements Sink.
func (f *FileSink) Name() string { return "file" }

// Close implements Sink.
func (f *FileSink) Close() error { return nil }

// Write implements Sink. Files are written to a temporary sibling and
// renamed into place.
func (f *FileSink) Write(_ context.Context, run *Run, rows []proximity.Row) (err error) {
	defer func() { finish(f.Clock, run, len(rows), err) }()

	delim := f.Delimiter
	if delim == 0 {
		delim = fetcher.DelimiterFor(f.Path)
	}

	if f.Path == "-" || f.Path == "" {
		out := f.Stdout
		if out == nil {
			out = os.Stdout
		}
		return WriteRows(out, rows, delim)
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return eris.Wrap(err, "sink: create output dir")
	}
	tmp := f.Path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return eris.Wrapf(err, "sink: create %s", tmp)
	}
	if err := WriteRows(file, rows, delim); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "sink: close %s", tmp)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return eris.Wrapf(err, "sink: rename %s", tmp)
	}

	zap.L().Info("aggregate table written",
		zap.String("component", "sink.file"),
		zap.String("path", f.Path),
		zap.String("run_id", run.ID),
		zap.Int("rows", len(rows)),
	)
	return nil
}

// WriteRows writes the header and rows in output order.
func WriteRows(w io.Writer, rows []proximity.Row, delimiter rune) error {
	cw := csv.NewWriter(w)
	if delimiter != 0 {
		cw.Comma = delimiter
	}
	if err := cw.Write(Columns); err != nil {
		return eris.Wrap(err, "sink: write header")
	}
	rec := make([]string, len(Columns))
	for _, r := range rows {
		rec[0] = r.Home
		rec[1] = r.Step.Format(time.DateOnly)
		rec[2] = formatFloat(r.Aggregate)
		rec[3] = formatFloat(r.AggregatePer10k)
		if err := cw.Write(rec); err != nil {
			return eris.Wrap(err, "sink: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "sink: flush")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ReadRows reads a table written by WriteRows. Home IDs are normalized with
// norm, so tables written by other tools with unpadded codes join cleanly.
func ReadRows(ctx context.Context, r io.Reader, source string, delimiter rune, norm entity.Normalizer) ([]proximity.Row, error) {
	rowCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{
		Delimiter:  delimiter,
		LazyQuotes: true,
		TrimSpace:  true,
	})

	tally := ingest.NewTally(source, ingest.DefaultMaxSkipRate)
	var (
		cols fetcher.Columns
		idx  [4]int
		out  []proximity.Row
	)
	err := fetcher.Drain(rowCh, errCh, func(row fetcher.Row) error {
		if cols == nil {
			cols = fetcher.MapColumns(row.Fields)
			for i, name := range Columns {
				if idx[i] = cols.Index(name); idx[i] < 0 {
					return eris.Errorf("sink: %s has no %s column", source, name)
				}
			}
			return nil
		}

		tally.Row()
		home, err := norm.Normalize(fetcher.Field(row.Fields, idx[0]))
		if err != nil {
			tally.Skip(ColHome)
			return nil
		}
		step, err := time.Parse(time.DateOnly, strings.TrimSpace(fetcher.Field(row.Fields, idx[1])))
		if err != nil {
			tally.Skip(ColStep)
			return nil
		}
		v, err1 := strconv.ParseFloat(fetcher.Field(row.Fields, idx[2]), 64)
		p, err2 := strconv.ParseFloat(fetcher.Field(row.Fields, idx[3]), 64)
		if err1 != nil || err2 != nil {
			tally.Skip(ColValue)
			return nil
		}
		tally.Accept()
		out = append(out, proximity.Row{Home: home, Step: step, Aggregate: v, AggregatePer10k: p})
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sink: read %s", source)
	}
	if err := tally.Check(); err != nil {
		return nil, err
	}
	proximity.SortRows(out)
	return out, nil
}
