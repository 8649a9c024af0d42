package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sells-group/sci-proximity/internal/ingest"
)

// InputSnapshot summarizes the rows read from one input.
type InputSnapshot struct {
	Source      string  `json:"source"`
	Read        int64   `json:"read"`
	Accepted    int64   `json:"accepted"`
	Malformed   int64   `json:"malformed"`
	OutOfDomain int64   `json:"out_of_domain"`
	SkipRate    float64 `json:"skip_rate"`
}

// RunSnapshot holds the data quality view of one aggregation run.
type RunSnapshot struct {
	Measure   string `json:"measure"`
	Weighting string `json:"weighting"`

	Inputs []InputSnapshot `json:"inputs"`

	Homes            int     `json:"homes"`
	Excluded         int     `json:"excluded"`
	ExcludedFraction float64 `json:"excluded_fraction"`
	MissingDistance  int     `json:"missing_distance"`
	MissingOutcome   int     `json:"missing_outcome"`
	Clamps           int     `json:"clamps"`
	RowsWritten      int     `json:"rows_written"`

	Failed bool   `json:"failed"`
	Error  string `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CollectedAt time.Time `json:"collected_at"`
}

// Collector accumulates run counters from the loaders, the aggregator and
// the sink. It is safe for concurrent use.
type Collector struct {
	clock clockwork.Clock

	mu   sync.Mutex
	snap RunSnapshot
}

// NewCollector starts collecting for one run. A nil clock uses the real clock.
func NewCollector(measure, weighting string, clock clockwork.Clock) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{
		clock: clock,
		snap: RunSnapshot{
			Measure:   measure,
			Weighting: weighting,
			StartedAt: clock.Now().UTC(),
		},
	}
}

// AddTally records one input read. Tallies for the same source are summed.
func (c *Collector) AddTally(t *ingest.Tally) {
	if c == nil || t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.snap.Inputs {
		in := &c.snap.Inputs[i]
		if in.Source != t.Source {
			continue
		}
		in.Read += t.Read
		in.Accepted += t.Accepted
		in.Malformed += t.Malformed
		in.OutOfDomain += t.OutOfDomain
		in.SkipRate = skipRate(in.Malformed, in.Read)
		return
	}
	c.snap.Inputs = append(c.snap.Inputs, InputSnapshot{
		Source:      t.Source,
		Read:        t.Read,
		Accepted:    t.Accepted,
		Malformed:   t.Malformed,
		OutOfDomain: t.OutOfDomain,
		SkipRate:    t.SkipRate(),
	})
}

// SetAggregate records the merged aggregation counters.
func (c *Collector) SetAggregate(homes, excluded, missingDistance, missingOutcome int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Homes = homes
	c.snap.Excluded = excluded
	c.snap.MissingDistance = missingDistance
	c.snap.MissingOutcome = missingOutcome
	if total := homes + excluded; total > 0 {
		c.snap.ExcludedFraction = float64(excluded) / float64(total)
	}
}

// AddClamps adds clamped negative deltas.
func (c *Collector) AddClamps(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap.Clamps += n
	c.mu.Unlock()
}

// AddWritten adds rows written by the sink.
func (c *Collector) AddWritten(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snap.RowsWritten += n
	c.mu.Unlock()
}

// Fail marks the run failed. A nil error is ignored.
func (c *Collector) Fail(err error) {
	if c == nil || err == nil {
		return
	}
	c.mu.Lock()
	c.snap.Failed = true
	c.snap.Error = err.Error()
	c.mu.Unlock()
}

// Snapshot returns a copy of the collected counters with inputs sorted by
// source.
func (c *Collector) Snapshot() *RunSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snap
	snap.Inputs = append([]InputSnapshot(nil), c.snap.Inputs...)
	sort.Slice(snap.Inputs, func(i, j int) bool { return snap.Inputs[i].Source < snap.Inputs[j].Source })
	snap.CollectedAt = c.clock.Now().UTC()
	return &snap
}

func skipRate(malformed, read int64) float64 {
	if read == 0 {
		return 0
	}
	return float64(malformed) / float64(read)
}
