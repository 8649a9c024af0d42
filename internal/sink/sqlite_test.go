package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sci-proximity/internal/proximity"
)

func newTestSQLiteSink(t *testing.T, clock clockwork.Clock) *SQLiteSink {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "proximity.db"), "", "", clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestSQLiteSink_WriteAndRead(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	s := newTestSQLiteSink(t, clock)
	ctx := context.Background()

	run := NewRun(clock, "sci_cases", "connectivity")
	clock.Advance(time.Minute)
	require.NoError(t, s.Write(ctx, run, sampleRows()))

	got, err := s.Rows(ctx, "sci_cases")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "01001", got[0].Home)
	assert.True(t, step1.Equal(got[0].Step))
	assert.InDelta(t, 83.33333333333333, got[0].Aggregate, 1e-12)
	assert.Equal(t, "36061", got[2].Home)

	latest, err := s.LatestRun(ctx, "sci_cases")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.ID)
	assert.Equal(t, StatusComplete, latest.Status)
	assert.Equal(t, 3, latest.Rows)
	assert.True(t, now.Add(time.Minute).Equal(latest.FinishedAt))
}

func TestSQLiteSink_RewriteReplacesMeasureOnly(t *testing.T) {
	s := newTestSQLiteSink(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, NewRun(nil, "sci_cases", "connectivity"), sampleRows()))
	require.NoError(t, s.Write(ctx, NewRun(nil, "sci_deaths", "connectivity"), sampleRows()[:1]))
	require.NoError(t, s.Write(ctx, NewRun(nil, "sci_cases", "connectivity"), []proximity.Row{
		{Home: "01001", Step: step1, Aggregate: 1, AggregatePer10k: 2},
	}))

	cases, err := s.Rows(ctx, "sci_cases")
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, 1.0, cases[0].Aggregate)

	deaths, err := s.Rows(ctx, "sci_deaths")
	require.NoError(t, err)
	assert.Len(t, deaths, 1)
}

func TestSQLiteSink_LatestRunMissing(t *testing.T) {
	s := newTestSQLiteSink(t, nil)
	require.NoError(t, s.Migrate(context.Background()))
	r, err := s.LatestRun(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSQLiteSink_DuplicateRowsRollBack(t *testing.T) {
	s := newTestSQLiteSink(t, nil)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, NewRun(nil, "sci_cases", "connectivity"), sampleRows()))

	dup := []proximity.Row{
		{Home: "01001", Step: step1, Aggregate: 5},
		{Home: "01001", Step: step1, Aggregate: 6},
	}
	run := NewRun(nil, "sci_cases", "connectivity")
	require.Error(t, s.Write(ctx, run, dup))
	assert.Equal(t, StatusFailed, run.Status)

	rows, err := s.Rows(ctx, "sci_cases")
	require.NoError(t, err)
	assert.Len(t, rows, 3, "failed rewrite must leave previous rows in place")
}
