package monitoring

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sci-proximity/internal/ingest"
)

func tally(source string, read, malformed int) *ingest.Tally {
	t := ingest.NewTally(source, 0.5)
	for i := 0; i < read; i++ {
		t.Row()
		if i < malformed {
			t.Skip("value")
		} else {
			t.Accept()
		}
	}
	return t
}

func TestCollector_Snapshot(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewCollector("sci_cases", "connectivity", clock)

	c.AddTally(tally("sci.tsv", 10, 1))
	c.AddTally(tally("cases.csv", 4, 2))
	c.SetAggregate(9, 1, 0, 3)
	c.AddClamps(2)
	c.AddWritten(18)
	clock.Advance(time.Minute)

	snap := c.Snapshot()
	assert.Equal(t, "sci_cases", snap.Measure)
	assert.Equal(t, "connectivity", snap.Weighting)
	require.Len(t, snap.Inputs, 2)
	assert.Equal(t, "cases.csv", snap.Inputs[0].Source)
	assert.InDelta(t, 0.5, snap.Inputs[0].SkipRate, 1e-9)
	assert.Equal(t, "sci.tsv", snap.Inputs[1].Source)
	assert.InDelta(t, 0.1, snap.ExcludedFraction, 1e-9)
	assert.Equal(t, 3, snap.MissingOutcome)
	assert.Equal(t, 2, snap.Clamps)
	assert.Equal(t, 18, snap.RowsWritten)
	assert.False(t, snap.Failed)
	assert.Equal(t, time.Minute, snap.CollectedAt.Sub(snap.StartedAt))
}

func TestCollector_SumsSameSource(t *testing.T) {
	c := NewCollector("m", "connectivity", nil)
	c.AddTally(tally("sci.tsv", 10, 0))
	c.AddTally(tally("sci.tsv", 10, 4))

	snap := c.Snapshot()
	require.Len(t, snap.Inputs, 1)
	assert.Equal(t, int64(20), snap.Inputs[0].Read)
	assert.Equal(t, int64(4), snap.Inputs[0].Malformed)
	assert.InDelta(t, 0.2, snap.Inputs[0].SkipRate, 1e-9)
}

func TestCollector_Fail(t *testing.T) {
	c := NewCollector("m", "mobility", nil)
	c.Fail(nil)
	assert.False(t, c.Snapshot().Failed)

	c.Fail(errors.New("sink: write failed"))
	snap := c.Snapshot()
	assert.True(t, snap.Failed)
	assert.Equal(t, "sink: write failed", snap.Error)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector("m", "connectivity", nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddWritten(5)
			c.AddClamps(1)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, 100, snap.RowsWritten)
	assert.Equal(t, 20, snap.Clamps)
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.AddTally(tally("x", 1, 0))
	c.SetAggregate(1, 0, 0, 0)
	c.AddClamps(1)
	c.AddWritten(1)
	c.Fail(errors.New("x"))
}
