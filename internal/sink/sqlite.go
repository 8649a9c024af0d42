package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sci-proximity/internal/proximity"
)

// SQLiteSink writes rows into a local SQLite database using modernc.org/sqlite.
// Rewriting a measure replaces its rows inside one transaction.
type SQLiteSink struct {
	db        *sql.DB
	table     string
	runsTable string
	clock     clockwork.Clock
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode. Empty
// table names default to "aggregates" and "runs".
func NewSQLite(dsn, table, runsTable string, clock clockwork.Clock) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	if table == "" {
		table = "aggregates"
	}
	if runsTable == "" {
		runsTable = "runs"
	}
	return &SQLiteSink{db: db, table: table, runsTable: runsTable, clock: clock}, nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Migrate creates the output and run tables.
func (s *SQLiteSink) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          TEXT PRIMARY KEY,
	measure     TEXT NOT NULL,
	weighting   TEXT NOT NULL,
	status      TEXT NOT NULL,
	row_count   INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS %[2]s (
	measure                    TEXT NOT NULL,
	home_id                    TEXT NOT NULL,
	time_step                  TEXT NOT NULL,
	weighted_aggregate         REAL NOT NULL,
	weighted_aggregate_per_10k REAL NOT NULL,
	PRIMARY KEY (measure, home_id, time_step)
);
`, quote(s.runsTable), quote(s.table))
	_, err := s.db.ExecContext(ctx, ddl)
	return eris.Wrap(err, "sqlite: migrate")
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Write implements Sink.
func (s *SQLiteSink) Write(ctx context.Context, run *Run, rows []proximity.Row) error {
	if err := validMeasure(run); err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, measure, weighting, status, started_at) VALUES (?, ?, ?, ?, ?)`, quote(s.runsTable)),
		run.ID, run.Measure, run.Weighting, StatusRunning, run.StartedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert run")
	}

	writeErr := s.replace(ctx, run.Measure, rows)
	n := len(rows)
	if writeErr != nil {
		n = 0
	}
	finish(s.clock, run, n, writeErr)

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = ?, row_count = ?, finished_at = ? WHERE id = ?`, quote(s.runsTable)),
		run.Status, run.Rows, run.FinishedAt, run.ID,
	)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: update run")
	}

	zap.L().Info("aggregate table written",
		zap.String("component", "sink.sqlite"),
		zap.String("table", s.table),
		zap.String("run_id", run.ID),
		zap.Int("rows", n),
	)
	return nil
}

func (s *SQLiteSink) replace(ctx context.Context, measure string, rows []proximity.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE measure = ?`, quote(s.table)), measure); err != nil {
		return eris.Wrap(err, "sqlite: clear measure")
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (measure, home_id, time_step, weighted_aggregate, weighted_aggregate_per_10k) VALUES (?, ?, ?, ?, ?)`,
		quote(s.table)))
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, measure, r.Home, r.Step.Format(time.DateOnly), r.Aggregate, r.AggregatePer10k); err != nil {
			return eris.Wrapf(err, "sqlite: insert %s@%s", r.Home, r.Step.Format(time.DateOnly))
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// Rows returns the stored rows of measure sorted by (home, step).
func (s *SQLiteSink) Rows(ctx context.Context, measure string) ([]proximity.Row, error) {
	rs, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT home_id, time_step, weighted_aggregate, weighted_aggregate_per_10k FROM %s WHERE measure = ? ORDER BY home_id, time_step`,
		quote(s.table)), measure)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query rows")
	}
	defer rs.Close() //nolint:errcheck

	var out []proximity.Row
	for rs.Next() {
		var (
			r    proximity.Row
			step string
		)
		if err := rs.Scan(&r.Home, &step, &r.Aggregate, &r.AggregatePer10k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan row")
		}
		if r.Step, err = time.Parse(time.DateOnly, step); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse step %q", step)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rs.Err(), "sqlite: iterate rows")
}

// LatestRun returns the most recently started run of measure, or nil.
func (s *SQLiteSink) LatestRun(ctx context.Context, measure string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, measure, weighting, status, row_count, started_at, finished_at FROM %s WHERE measure = ? ORDER BY started_at DESC LIMIT 1`,
		quote(s.runsTable)), measure)

	var (
		r        Run
		finished sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Measure, &r.Weighting, &r.Status, &r.Rows, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run")
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}
