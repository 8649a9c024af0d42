package sink

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sci-proximity/internal/db"
	"github.com/sells-group/sci-proximity/internal/proximity"
)

// Default Postgres table names.
const (
	DefaultTable     = "proximity.aggregates"
	DefaultRunsTable = "proximity.runs"
)

var tableColumns = []string{ColMeasure, ColHome, ColStep, ColValue, ColPer10k}

func aggregateTable(name string) db.Table {
	return db.Table{
		Name:    name,
		Columns: tableColumns,
		Keys:    []string{ColMeasure, ColHome, ColStep},
		Scope:   ColMeasure,
	}
}

// PostgresSink writes rows keyed by (measure, home_id, time_step). A plain
// write atomically replaces the measure's rows; with Upsert set, rows are
// merged and rows of other homes or steps are kept.
type PostgresSink struct {
	Pool      db.Pool
	Table     string
	RunsTable string
	Upsert    bool
	BatchSize int
	Clock     clockwork.Clock
	// CloseFn releases the pool, if the sink owns it.
	CloseFn func()
}

// Name implements Sink.
func (p *PostgresSink) Name() string { return "postgres" }

// Close implements Sink.
func (p *PostgresSink) Close() error {
	if p.CloseFn != nil {
		p.CloseFn()
	}
	return nil
}

func (p *PostgresSink) tables() (string, string) {
	table, runs := p.Table, p.RunsTable
	if table == "" {
		table = DefaultTable
	}
	if runs == "" {
		runs = DefaultRunsTable
	}
	return table, runs
}

// Migrate creates the output and run tables.
func (p *PostgresSink) Migrate(ctx context.Context) error {
	table, runs := p.tables()
	for _, t := range []string{table, runs} {
		if err := (db.Table{Name: t}).EnsureSchema(ctx, p.Pool); err != nil {
			return eris.Wrap(err, "sink: migrate")
		}
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          UUID PRIMARY KEY,
	measure     TEXT NOT NULL,
	weighting   TEXT NOT NULL,
	status      TEXT NOT NULL,
	row_count   INTEGER NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
)`, db.Identifier(runs).Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	measure                    TEXT NOT NULL,
	home_id                    TEXT NOT NULL,
	time_step                  DATE NOT NULL,
	weighted_aggregate         DOUBLE PRECISION NOT NULL,
	weighted_aggregate_per_10k DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (measure, home_id, time_step)
)`, db.Identifier(table).Sanitize()),
	}
	for _, s := range stmts {
		if _, err := p.Pool.Exec(ctx, s); err != nil {
			return eris.Wrap(err, "sink: migrate")
		}
	}
	return nil
}

// Write implements Sink.
func (p *PostgresSink) Write(ctx context.Context, run *Run, rows []proximity.Row) error {
	if err := validMeasure(run); err != nil {
		return err
	}
	table, runs := p.tables()
	log := zap.L().With(zap.String("component", "sink.postgres"), zap.String("run_id", run.ID))

	if err := p.Migrate(ctx); err != nil {
		return err
	}
	_, err := p.Pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, measure, weighting, status, started_at) VALUES ($1, $2, $3, $4, $5)`, db.Identifier(runs).Sanitize()),
		run.ID, run.Measure, run.Weighting, StatusRunning, run.StartedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sink: insert run")
	}

	n, writeErr := p.writeRows(ctx, table, run.Measure, rows)
	finish(p.Clock, run, int(n), writeErr)

	_, err = p.Pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, row_count = $2, finished_at = $3 WHERE id = $4`, db.Identifier(runs).Sanitize()),
		run.Status, run.Rows, run.FinishedAt, run.ID,
	)
	if writeErr != nil {
		if err != nil {
			log.Warn("failed to mark run failed", zap.Error(err))
		}
		return writeErr
	}
	if err != nil {
		return eris.Wrap(err, "sink: update run")
	}

	log.Info("aggregate table written",
		zap.String("table", table),
		zap.String("measure", run.Measure),
		zap.Int64("rows", n),
		zap.Bool("upsert", p.Upsert),
	)
	return nil
}

func (p *PostgresSink) writeRows(ctx context.Context, table, measure string, rows []proximity.Row) (int64, error) {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{measure, r.Home, r.Step, r.Aggregate, r.AggregatePer10k}
	}

	tbl := aggregateTable(table)
	if p.Upsert {
		n, err := tbl.Merge(ctx, p.Pool, data)
		if err != nil {
			return 0, eris.Wrap(err, "sink: upsert rows")
		}
		return n, nil
	}
	n, err := tbl.Replace(ctx, p.Pool, measure, data, p.BatchSize)
	if err != nil {
		return 0, eris.Wrap(err, "sink: replace rows")
	}
	return n, nil
}
