// Package sink writes weighted aggregate tables and records the run that
// produced them.
package sink

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sci-proximity/internal/proximity"
)

// Output column names, in order.
const (
	ColHome    = "home_id"
	ColStep    = "time_step"
	ColValue   = "weighted_aggregate"
	ColPer10k  = "weighted_aggregate_per_10k"
	ColMeasure = "measure"
)

// Columns is the header of a delimited aggregate table.
var Columns = []string{ColHome, ColStep, ColValue, ColPer10k}

// Run status values.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run describes one aggregation run.
type Run struct {
	ID        string
	Measure   string
	Weighting string
	StartedAt time.Time
	// FinishedAt and Rows are set by the sink once the write completes.
	FinishedAt time.Time
	Rows       int
	Status     string
}

// NewRun starts a run record stamped with clock.
func NewRun(clock clockwork.Clock, measure, weighting string) *Run {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Run{
		ID:        uuid.New().String(),
		Measure:   measure,
		Weighting: weighting,
		StartedAt: clock.Now().UTC(),
		Status:    StatusRunning,
	}
}

// Sink persists the rows of one run.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	Write(ctx context.Context, run *Run, rows []proximity.Row) error
	Close() error
}

// Kind selects a sink implementation.
type Kind string

// Sink kinds.
const (
	KindFile     Kind = "file"
	KindPostgres Kind = "postgres"
	KindSQLite   Kind = "sqlite"
)

// ParseKind parses a sink kind; empty means file.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindFile, nil
	case KindFile, KindPostgres, KindSQLite:
		return k, nil
	default:
		return "", eris.Errorf("sink: unknown kind %q", s)
	}
}

func finish(clock clockwork.Clock, run *Run, rows int, err error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	run.FinishedAt = clock.Now().UTC()
	run.Rows = rows
	run.Status = StatusComplete
	if err != nil {
		run.Status = StatusFailed
	}
}

func validMeasure(run *Run) error {
	if run == nil || run.Measure == "" {
		return eris.New("sink: run has no measure name")
	}
	return nil
}
