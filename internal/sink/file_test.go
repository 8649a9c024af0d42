package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sci-proximity/internal/entity"
	"github.com/sells-group/sci-proximity/internal/proximity"
)

var (
	step1 = time.Date(2020, 3, 2, 0, 0, 0, 0, time.UTC)
	step2 = time.Date(2020, 3, 16, 0, 0, 0, 0, time.UTC)
	now   = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
)

func sampleRows() []proximity.Row {
	return []proximity.Row{
		{Home: "01001", Step: step1, Aggregate: 83.33333333333333, AggregatePer10k: 1.25, Contributors: 3},
		{Home: "01001", Step: step2, Aggregate: 90, AggregatePer10k: 1.5, Contributors: 3},
		{Home: "36061", Step: step1, Aggregate: 0, AggregatePer10k: 0, Contributors: 1},
	}
}

func TestNewRun(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	run := NewRun(clock, "sci_cases", "connectivity")
	assert.Len(t, run.ID, 36)
	assert.Equal(t, now, run.StartedAt)
	assert.Equal(t, StatusRunning, run.Status)
	assert.NotEqual(t, run.ID, NewRun(clock, "sci_cases", "connectivity").ID)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindFile, k)

	k, err = ParseKind("Postgres")
	require.NoError(t, err)
	assert.Equal(t, KindPostgres, k)

	_, err = ParseKind("parquet")
	assert.Error(t, err)
}

func TestWriteRows(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRows(&buf, sampleRows(), ','))

	want := "home_id,time_step,weighted_aggregate,weighted_aggregate_per_10k\n" +
		"01001,2020-03-02,83.33333333333333,1.25\n" +
		"01001,2020-03-16,90,1.5\n" +
		"36061,2020-03-02,0,0\n"
	assert.Equal(t, want, buf.String())
}

func TestFileSink_WritesTSVAtomically(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	path := filepath.Join(t.TempDir(), "out", "sci_cases.tsv")
	s := &FileSink{Path: path, Clock: clock}
	run := NewRun(clock, "sci_cases", "connectivity")
	clock.Advance(time.Minute)

	require.NoError(t, s.Write(context.Background(), run, sampleRows()))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "home_id\ttime_step\t"))
	assert.NoFileExists(t, path+".tmp")

	assert.Equal(t, StatusComplete, run.Status)
	assert.Equal(t, 3, run.Rows)
	assert.Equal(t, now.Add(time.Minute), run.FinishedAt)
}

func TestFileSink_Stdout(t *testing.T) {
	var buf bytes.Buffer
	s := &FileSink{Path: "-", Stdout: &buf}
	require.NoError(t, s.Write(context.Background(), NewRun(nil, "m", "w"), sampleRows()[:1]))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}

func TestReadRows(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRows(&buf, sampleRows(), '\t'))

	got, err := ReadRows(context.Background(), &buf, "sci_cases.tsv", '\t', entity.Normalizer{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, r := range sampleRows() {
		assert.Equal(t, r.Home, got[i].Home)
		assert.True(t, r.Step.Equal(got[i].Step))
		assert.Equal(t, r.Aggregate, got[i].Aggregate)
		assert.Equal(t, r.AggregatePer10k, got[i].AggregatePer10k)
	}
}

func TestReadRows_NormalizesAndSkips(t *testing.T) {
	in := "home_id,time_step,weighted_aggregate,weighted_aggregate_per_10k\n" +
		"1001,2020-03-02,1,2\n" +
		"1001,03/16/2020,1,2\n" +
		"1003,2020-03-02,1,2\n"
	got, err := ReadRows(context.Background(), strings.NewReader(in), "x.csv", ',', entity.Normalizer{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "01001", got[0].Home)
	assert.Equal(t, "01003", got[1].Home)
}

func TestReadRows_MissingColumn(t *testing.T) {
	_, err := ReadRows(context.Background(), strings.NewReader("home_id,time_step\n01001,2020-03-02\n"), "x.csv", ',', entity.Normalizer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no weighted_aggregate column")
}
