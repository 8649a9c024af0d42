package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // default ','
	HasHeader  bool            // if true, first row is skipped but sent to HeaderCh
	HeaderCh   chan<- []string // optional: receives the header row
	Comment    rune            // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
	Latin1     bool // decode ISO-8859-1 input (regional names in NUTS tables)
}

// Row is one parsed record with its 1-based line number in the source.
type Row struct {
	Line   int64
	Fields []string
}

// StreamCSV reads a delimited file and sends rows to a channel.
// Caller must consume the returned row channel. Errors are sent on the error channel.
// Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		if opts.Latin1 {
			r = transform.NewReader(r, charmap.ISO8859_1.NewDecoder())
		}

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // allow variable fields

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			if first && opts.HasHeader {
				first = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
						return
					}
				}
				continue
			}
			first = false

			line, _ := reader.FieldPos(0)
			select {
			case rowCh <- Row{Line: int64(line), Fields: record}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// Drain consumes a StreamCSV pair, calling fn for every row. It returns the
// first stream error or the first error returned by fn.
func Drain(rowCh <-chan Row, errCh <-chan error, fn func(Row) error) error {
	var fnErr error
	for row := range rowCh {
		if fnErr != nil {
			continue
		}
		fnErr = fn(row)
	}
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return fnErr
}

// Columns maps lower-cased header names to indices.
type Columns map[string]int

// MapColumns builds a case-insensitive column name to index map.
func MapColumns(header []string) Columns {
	m := make(Columns, len(header))
	for i, col := range header {
		m[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))] = i
	}
	return m
}

// Index returns the index of the first alias present in the header, or -1.
func (c Columns) Index(aliases ...string) int {
	for _, a := range aliases {
		if i, ok := c[strings.ToLower(a)]; ok {
			return i
		}
	}
	return -1
}

// Field returns record[idx], or "" if idx is out of range.
func Field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}
