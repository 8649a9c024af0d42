package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// SheetOptions selects a worksheet and its header row.
type SheetOptions struct {
	// Name selects the sheet by name; empty means the first sheet.
	Name string
	// HeaderHints locates the header as the first row containing any of
	// these column names (case-insensitive). Workbooks published with title
	// or notes rows above the table need this. Empty means the first
	// non-blank row is the header.
	HeaderHints []string
}

// Sheet is a worksheet read as a header and data rows. Row.Line is the
// 1-based spreadsheet row number.
type Sheet struct {
	Name   string
	Header []string
	Rows   []Row
}

// ReadSheet reads one worksheet of an XLSX workbook. Cells are trimmed and
// blank rows are dropped.
func ReadSheet(path string, opts SheetOptions) (*Sheet, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: open %s", path)
	}
	ws, err := pickSheet(f, opts.Name)
	if err != nil {
		return nil, err
	}

	out := &Sheet{Name: ws.Name}
	for i, row := range ws.Rows {
		if row == nil {
			continue
		}
		cells := cellStrings(row)
		if blank(cells) {
			continue
		}
		if out.Header == nil {
			if isHeader(cells, opts.HeaderHints) {
				out.Header = cells
			}
			continue
		}
		out.Rows = append(out.Rows, Row{Line: int64(i + 1), Fields: cells})
	}
	if out.Header == nil {
		if len(opts.HeaderHints) > 0 {
			return nil, eris.Errorf("xlsx: sheet %q has no header row naming any of %v", ws.Name, opts.HeaderHints)
		}
		return nil, eris.Errorf("xlsx: sheet %q is empty", ws.Name)
	}
	return out, nil
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name == "" {
		if len(f.Sheets) == 0 {
			return nil, eris.New("xlsx: workbook has no sheets")
		}
		return f.Sheets[0], nil
	}
	ws, ok := f.Sheet[name]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", name)
	}
	return ws, nil
}

func isHeader(cells, hints []string) bool {
	if len(hints) == 0 {
		return true
	}
	cols := MapColumns(cells)
	return cols.Index(hints...) >= 0
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}

func cellStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}
