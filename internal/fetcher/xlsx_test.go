package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

// workbook saves one sheet per entry of sheets, in the given order.
func workbook(t *testing.T, names []string, sheets ...[][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for i, name := range names {
		ws, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, cells := range sheets[i] {
			row := ws.AddRow()
			for _, c := range cells {
				row.AddCell().SetString(c)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "population.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadSheet_FirstSheet(t *testing.T) {
	path := workbook(t, []string{"pop", "notes"},
		[][]string{{"fips", "population"}, {"01001", "55869"}, {" 01003 ", "223,234"}},
		[][]string{{"source"}},
	)

	s, err := ReadSheet(path, SheetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "pop", s.Name)
	assert.Equal(t, []string{"fips", "population"}, s.Header)
	require.Len(t, s.Rows, 2)
	assert.Equal(t, []string{"01003", "223,234"}, s.Rows[1].Fields)
	assert.Equal(t, int64(3), s.Rows[1].Line)
}

func TestReadSheet_HeaderBelowTitleRows(t *testing.T) {
	path := workbook(t, []string{"co-est2019"}, [][]string{
		{"Annual Estimates of the Resident Population for Counties"},
		{""},
		{"FIPS", "County", "POP2019"},
		{"01001", "Autauga", "55869"},
		{"", ""},
		{"01003", "Baldwin", "223234"},
	})

	s, err := ReadSheet(path, SheetOptions{Name: "co-est2019", HeaderHints: []string{"fips", "geoid"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"FIPS", "County", "POP2019"}, s.Header)
	require.Len(t, s.Rows, 2)
	assert.Equal(t, int64(4), s.Rows[0].Line)
	assert.Equal(t, int64(6), s.Rows[1].Line)

	_, err = ReadSheet(path, SheetOptions{HeaderHints: []string{"nuts3"}})
	assert.ErrorContains(t, err, "no header row naming any of [nuts3]")
}

func TestReadSheet_Errors(t *testing.T) {
	path := workbook(t, []string{"Sheet1"}, [][]string{})

	_, err := ReadSheet(path, SheetOptions{})
	assert.ErrorContains(t, err, `sheet "Sheet1" is empty`)

	_, err = ReadSheet(path, SheetOptions{Name: "missing"})
	assert.ErrorContains(t, err, "not found")

	_, err = ReadSheet(filepath.Join(t.TempDir(), "nope.xlsx"), SheetOptions{})
	assert.ErrorContains(t, err, "xlsx: open")
}
