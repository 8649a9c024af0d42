package monitoring

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveTally(t *testing.T) {
	m := NewMetrics()
	tl := tally("cases.csv", 10, 3)
	tl.Discard()

	m.ObserveTally(tl)

	assert.InDelta(t, 10, testutil.ToFloat64(m.RowsRead.WithLabelValues("cases.csv")), 1e-9)
	assert.InDelta(t, 3, testutil.ToFloat64(m.RowsMalformed.WithLabelValues("cases.csv", "value")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RowsOutOfDomain.WithLabelValues("cases.csv")), 1e-9)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.ObserveExcluded(2)
	m.ObserveMissing("outcome", 5)
	m.ObserveMissing("distance", 1)
	m.ObserveClamps(3)
	m.ObserveWritten("file", 40)
	m.ObservePartition("connectivity", 250*time.Millisecond, 40)

	assert.InDelta(t, 2, testutil.ToFloat64(m.ExcludedHomes), 1e-9)
	assert.InDelta(t, 5, testutil.ToFloat64(m.MissingJoinKeys.WithLabelValues("outcome")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MissingJoinKeys.WithLabelValues("distance")), 1e-9)
	assert.InDelta(t, 3, testutil.ToFloat64(m.Clamps), 1e-9)
	assert.InDelta(t, 40, testutil.ToFloat64(m.RowsWritten.WithLabelValues("file")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(m.PartitionDuration))
}

func TestMetrics_Finish(t *testing.T) {
	m := NewMetrics()
	at := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

	m.Finish(at, nil)
	assert.InDelta(t, 1, testutil.ToFloat64(m.LastRunSuccess), 1e-9)
	assert.InDelta(t, float64(at.Unix()), testutil.ToFloat64(m.LastRunTimestamp), 1e-9)

	m.Finish(at, errors.New("boom"))
	assert.InDelta(t, 0, testutil.ToFloat64(m.LastRunSuccess), 1e-9)
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveWritten("sqlite", 7)
	path := filepath.Join(t.TempDir(), "sci_proximity.prom")

	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `sci_proximity_rows_written_total{sink="sqlite"} 7`)
}

func TestMetrics_WriteTextfile_EmptyPath(t *testing.T) {
	assert.NoError(t, NewMetrics().WriteTextfile(""))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTally(tally("x", 1, 0))
	m.ObservePartition("connectivity", time.Second, 1)
	m.ObserveExcluded(1)
	m.ObserveMissing("outcome", 1)
	m.ObserveClamps(1)
	m.ObserveWritten("file", 1)
	m.Finish(time.Now(), nil)
	assert.NoError(t, m.WriteTextfile("/nonexistent/x.prom"))
}
