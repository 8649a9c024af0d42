package proximity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sci-proximity/internal/connectivity"
	"github.com/sells-group/sci-proximity/internal/ingest"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMemoryEdges(t *testing.T) {
	m := MemoryEdges{
		{Home: "06037", Neighbor: "01001", Weight: 1},
		{Home: "01001", Neighbor: "06037", Weight: 1},
		{Home: "01001", Neighbor: "01003", Weight: 2},
	}
	assert.Equal(t, []string{"01001", "06037"}, m.Homes())

	got, err := m.Edges(context.Background(), func(h string) bool { return h == "01001" })
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := m.Edges(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileEdges_FiltersHomesPerCall(t *testing.T) {
	path := writeFile(t, "sci.tsv", "user_loc\tfr_loc\tscaled_sci\n"+
		"1001\t1003\t10\n"+
		"1001\t6037\t5\n"+
		"6037\t1001\t5\n"+
		"6037\t6037\t80\n"+
		"bad\t1001\t1\n")

	var tallies []*ingest.Tally
	src := &FileEdges{
		Source:  path,
		Options: connectivity.LoadOptions{MaxSkipRate: 0.5},
		OnTally: func(t *ingest.Tally) { tallies = append(tallies, t) },
	}

	edges, err := src.Edges(context.Background(), func(h string) bool { return h == "06037" })
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, "06037", e.Home)
	}

	edges, err = src.Edges(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, edges, 4)

	require.Len(t, tallies, 2)
	assert.Equal(t, int64(1), tallies[0].Malformed)
}

func TestFileEdges_MissingFile(t *testing.T) {
	src := &FileEdges{Source: filepath.Join(t.TempDir(), "nope.csv")}
	_, err := src.Edges(context.Background(), nil)
	assert.Error(t, err)
}

func TestFileEdges_MatchesMemory(t *testing.T) {
	path := writeFile(t, "sci.csv", "home,neighbor,weight\n"+
		"01001,01003,3\n01001,02010,1\n01003,01001,3\n02010,01001,1\n02010,02010,4\n")
	mem, _, err := connectivity.LoadEdges(context.Background(), mustOpen(t, path), path, connectivity.LoadOptions{})
	require.NoError(t, err)

	values := map[string]map[time.Time]float64{}
	for i, h := range []string{"01001", "01003", "02010"} {
		values[h] = map[time.Time]float64{t1: float64(10 * (i + 1)), t2: float64(20 * (i + 1))}
	}
	s := series([]time.Time{t1, t2}, values)

	fromFile := &Aggregator{Weighting: &ConnectivityWeighting{Source: &FileEdges{Source: path}}, Outcome: s}
	fromMem := &Aggregator{Weighting: &ConnectivityWeighting{Source: MemoryEdges(mem)}, Outcome: s}

	a, err := fromFile.Run(context.Background(), ByPrefixes([]string{"01"}, 2))
	require.NoError(t, err)
	b, err := fromMem.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, Compare(b.Rows, a.Rows, VerifyTolerance))
	assert.Len(t, a.Rows, 6)
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}
