package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// DefaultBatchSize is the COPY chunk size used when callers pass 0.
const DefaultBatchSize = 50000

// Table describes a keyed output table. Rows are written as [][]any in
// Columns order. Scope names the column whose value selects the slice of
// the table a Replace clears, typically the measure name.
type Table struct {
	Name    string // may be schema-qualified, e.g. "proximity.aggregates"
	Columns []string
	Keys    []string
	Scope   string
}

// Ident returns the sanitizable identifier for the table name.
func (t Table) Ident() pgx.Identifier { return Identifier(t.Name) }

// EnsureSchema creates the schema of a schema-qualified table name.
func (t Table) EnsureSchema(ctx context.Context, pool Pool) error {
	id := t.Ident()
	if len(id) < 2 {
		return nil
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{id[0]}.Sanitize()); err != nil {
		return eris.Wrapf(err, "db: create schema %s", id[0])
	}
	return nil
}

func (t Table) check(rows [][]any) error {
	if len(t.Columns) == 0 {
		return eris.Errorf("db: %s: no columns", t.Name)
	}
	for i, r := range rows {
		if len(r) != len(t.Columns) {
			return eris.Errorf("db: %s: row %d has %d values, want %d", t.Name, i, len(r), len(t.Columns))
		}
	}
	return nil
}

// Replace deletes every row whose Scope column equals scope and COPYs rows
// in their place, in batches of batchSize, inside a single transaction.
// Readers never observe a half-written scope. An empty Scope clears the
// whole table.
func (t Table) Replace(ctx context.Context, pool Pool, scope any, rows [][]any, batchSize int) (int64, error) {
	if err := t.check(rows); err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	del := "DELETE FROM " + t.Ident().Sanitize()
	var args []any
	if t.Scope != "" {
		del += " WHERE " + pgx.Identifier{t.Scope}.Sanitize() + " = $1"
		args = append(args, scope)
	}
	if _, err := tx.Exec(ctx, del, args...); err != nil {
		return 0, eris.Wrapf(err, "db: replace: clear %s", t.Name)
	}

	var total int64
	for i := 0; i < len(rows); i += batchSize {
		end := min(i+batchSize, len(rows))
		n, err := tx.CopyFrom(ctx, t.Ident(), t.Columns, pgx.CopyFromRows(rows[i:end]))
		if err != nil {
			return 0, eris.Wrapf(err, "db: replace: COPY rows %d-%d into %s", i, end, t.Name)
		}
		total += n
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: replace: commit tx")
	}
	return total, nil
}

// Merge inserts rows, overwriting the non-key columns of rows whose Keys
// already exist. Rows are staged in a temp table dropped on commit so a
// single INSERT ... ON CONFLICT applies them.
func (t Table) Merge(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.check(rows); err != nil {
		return 0, err
	}
	if len(t.Keys) == 0 {
		return 0, eris.Errorf("db: %s: merge needs key columns", t.Name)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: merge: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := pgx.Identifier{t.stageName()}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage.Sanitize(), t.Ident().Sanitize())
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: merge: stage %s", t.Name)
	}
	if _, err := tx.CopyFrom(ctx, stage, t.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge: COPY into stage for %s", t.Name)
	}

	tag, err := tx.Exec(ctx, t.mergeSQL(stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge: apply to %s", t.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: merge: commit tx")
	}
	return tag.RowsAffected(), nil
}

func (t Table) stageName() string {
	return "_stage_" + strings.ReplaceAll(t.Name, ".", "_")
}

func (t Table) mergeSQL(stage pgx.Identifier) string {
	isKey := make(map[string]bool, len(t.Keys))
	for _, k := range t.Keys {
		isKey[k] = true
	}
	var set []string
	for _, c := range t.Columns {
		if isKey[c] {
			continue
		}
		q := pgx.Identifier{c}.Sanitize()
		set = append(set, q+" = EXCLUDED."+q)
	}
	action := "DO NOTHING"
	if len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	cols := columnList(t.Columns)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		t.Ident().Sanitize(), cols, cols, stage.Sanitize(), columnList(t.Keys), action)
}

// Identifier splits a schema-qualified name like "proximity.aggregates" on
// the first dot.
func Identifier(table string) pgx.Identifier {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{table}
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
