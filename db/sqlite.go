package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/vigildb/vigil/cfg"
	"github.com/vigildb/vigil/event"
)

const schemaCacheSize = 128

// tableSchema is the cached key metadata for one relation.
type tableSchema struct {
	columns    []string
	keyColumns []string
	explicitPK bool // false for rowid tables
}

// SQLiteExecutor is the bundled statement executor backed by SQLite.
// It captures row keys and before/after images around every statement
// so the transaction pipeline can emit one change event per affected
// row.
type SQLiteExecutor struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	schemas *lru.Cache[string, *tableSchema]
}

// OpenSQLite opens (creating if necessary) a SQLite database as a
// statement executor.
func OpenSQLite(conf cfg.SQLiteConfiguration) (*SQLiteExecutor, error) {
	dsn := conf.Path
	memory := strings.Contains(dsn, ":memory:")
	params := []string{}
	if conf.WAL && !memory {
		params = append(params, "_journal_mode=WAL")
	}
	if conf.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", conf.BusyTimeout))
	}
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + strings.Join(params, "&")
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Each pooled connection to a plain :memory: DSN gets its own
	// private database. Pin the pool to one connection so sessions and
	// bootstrap SELECTs observe the same store.
	if memory {
		sqlDB.SetMaxOpenConns(1)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schemas, err := lru.New[string, *tableSchema](schemaCacheSize)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Debug().Str("path", conf.Path).Msg("SQLite executor opened")

	return &SQLiteExecutor{
		db:      sqlDB,
		dialect: goqu.Dialect("sqlite3"),
		schemas: schemas,
	}, nil
}

// DB exposes the underlying handle for schema setup in embedding code.
func (e *SQLiteExecutor) DB() *sql.DB {
	return e.db
}

// InvalidateSchema drops the cached key metadata for a relation. Call
// after DDL against it.
func (e *SQLiteExecutor) InvalidateSchema(relation string) {
	e.schemas.Remove(relation)
}

func (e *SQLiteExecutor) Close() error {
	return e.db.Close()
}

// Begin opens a SQLite transaction as a session.
func (e *SQLiteExecutor) Begin(ctx context.Context) (Session, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ExecutionError{Op: "begin", Err: err}
	}
	return &sqliteSession{exec: e, tx: tx}, nil
}

// Select reads committed rows for a bootstrap snapshot. keyColumns
// defaults to the relation's primary key.
func (e *SQLiteExecutor) Select(ctx context.Context, relation string, keyColumns []string, where string, args ...any) ([]AffectedRow, error) {
	schema, err := e.schema(ctx, e.db, relation)
	if err != nil {
		return nil, err
	}
	if len(keyColumns) == 0 {
		keyColumns = schema.keyColumns
	}

	ds := e.dialect.From(relation).Prepared(true)
	if !schema.explicitPK {
		ds = ds.Select(goqu.L("rowid"), goqu.Star())
	}
	if where != "" {
		ds = ds.Where(goqu.L(where, args...))
	}

	query, qargs, err := ds.ToSQL()
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "select", Err: err}
	}

	rows, err := e.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "select", Err: err}
	}
	defer rows.Close()

	return scanAffected(rows, keyColumns, relation)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// schema loads key metadata for a relation, cached across sessions.
func (e *SQLiteExecutor) schema(ctx context.Context, q queryer, relation string) (*tableSchema, error) {
	if cached, ok := e.schemas.Get(relation); ok {
		return cached, nil
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(relation)))
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "schema", Err: err}
	}
	defer rows.Close()

	schema := &tableSchema{}
	pkOrder := map[int]string{}
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, &ExecutionError{Relation: relation, Op: "schema", Err: err}
		}
		schema.columns = append(schema.columns, name)
		if pk > 0 {
			pkOrder[pk] = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "schema", Err: err}
	}
	if len(schema.columns) == 0 {
		return nil, &ExecutionError{Relation: relation, Op: "schema", Err: fmt.Errorf("no such table")}
	}

	if len(pkOrder) > 0 {
		schema.explicitPK = true
		for i := 1; i <= len(pkOrder); i++ {
			schema.keyColumns = append(schema.keyColumns, pkOrder[i])
		}
	} else {
		schema.keyColumns = []string{"rowid"}
	}

	e.schemas.Add(relation, schema)
	return schema, nil
}

// sqliteSession runs statements inside one SQLite transaction.
type sqliteSession struct {
	exec *SQLiteExecutor
	tx   *sql.Tx
}

func (s *sqliteSession) Insert(ctx context.Context, relation string, values map[string]any) ([]AffectedRow, error) {
	schema, err := s.exec.schema(ctx, s.tx, relation)
	if err != nil {
		return nil, err
	}

	query, args, err := s.exec.dialect.Insert(relation).Prepared(true).Rows(goqu.Record(values)).ToSQL()
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "insert", Err: err}
	}

	res, err := s.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "insert", Err: err}
	}

	key, err := s.insertedKey(schema, values, res, relation)
	if err != nil {
		return nil, err
	}

	// Read back the full after image so defaults and generated values
	// make it into the change event.
	row, err := s.selectByKey(ctx, relation, schema, key)
	if err != nil {
		return nil, err
	}
	return []AffectedRow{row}, nil
}

// insertedKey derives the new row's key from the supplied values, or
// from last_insert_rowid for an omitted integer key.
func (s *sqliteSession) insertedKey(schema *tableSchema, values map[string]any, res sql.Result, relation string) (event.RowKey, error) {
	missing := ""
	for _, col := range schema.keyColumns {
		if _, ok := values[col]; !ok {
			if missing != "" {
				return event.RowKey{}, &ExecutionError{
					Relation: relation, Op: "insert",
					Err: fmt.Errorf("composite key columns %q and %q not supplied", missing, col),
				}
			}
			missing = col
		}
	}

	if missing == "" {
		return event.KeyFromValues(schema.keyColumns, values)
	}
	if len(schema.keyColumns) > 1 {
		return event.RowKey{}, &ExecutionError{
			Relation: relation, Op: "insert",
			Err: fmt.Errorf("key column %q not supplied", missing),
		}
	}

	// Single omitted key column: rowid tables and INTEGER PRIMARY KEY
	// both alias last_insert_rowid.
	id, err := res.LastInsertId()
	if err != nil {
		return event.RowKey{}, &ExecutionError{Relation: relation, Op: "insert", Err: err}
	}
	return event.NewRowKey(schema.keyColumns, []any{id}), nil
}

func (s *sqliteSession) Update(ctx context.Context, relation string, values map[string]any, where string, args ...any) ([]AffectedRow, error) {
	schema, err := s.exec.schema(ctx, s.tx, relation)
	if err != nil {
		return nil, err
	}

	// Key mutation would re-identify the row mid-stream; callers that
	// need it should delete and re-insert.
	for _, col := range schema.keyColumns {
		if _, ok := values[col]; ok {
			return nil, &ExecutionError{
				Relation: relation, Op: "update",
				Err: fmt.Errorf("updating key column %q is not supported", col),
			}
		}
	}

	matched, err := s.selectWhere(ctx, relation, schema, where, args...)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	ds := s.exec.dialect.Update(relation).Prepared(true).Set(goqu.Record(values))
	if where != "" {
		ds = ds.Where(goqu.L(where, args...))
	}
	query, qargs, err := ds.ToSQL()
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "update", Err: err}
	}
	if _, err := s.tx.ExecContext(ctx, query, qargs...); err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "update", Err: err}
	}

	// Re-read each matched row for its after image, preserving match order.
	out := make([]AffectedRow, 0, len(matched))
	for _, m := range matched {
		row, err := s.selectByKey(ctx, relation, schema, m.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *sqliteSession) Delete(ctx context.Context, relation string, where string, args ...any) ([]AffectedRow, error) {
	schema, err := s.exec.schema(ctx, s.tx, relation)
	if err != nil {
		return nil, err
	}

	matched, err := s.selectWhere(ctx, relation, schema, where, args...)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	ds := s.exec.dialect.Delete(relation).Prepared(true)
	if where != "" {
		ds = ds.Where(goqu.L(where, args...))
	}
	query, qargs, err := ds.ToSQL()
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "delete", Err: err}
	}
	if _, err := s.tx.ExecContext(ctx, query, qargs...); err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "delete", Err: err}
	}

	return matched, nil
}

func (s *sqliteSession) Commit(ctx context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return &ExecutionError{Op: "commit", Err: err}
	}
	return nil
}

func (s *sqliteSession) Rollback() error {
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return &ExecutionError{Op: "rollback", Err: err}
	}
	return nil
}

// selectWhere reads the rows a statement is about to touch, inside the
// session's transaction so earlier statements are visible.
func (s *sqliteSession) selectWhere(ctx context.Context, relation string, schema *tableSchema, where string, args ...any) ([]AffectedRow, error) {
	ds := s.exec.dialect.From(relation).Prepared(true)
	if !schema.explicitPK {
		ds = ds.Select(goqu.L("rowid"), goqu.Star())
	}
	if where != "" {
		ds = ds.Where(goqu.L(where, args...))
	}
	query, qargs, err := ds.ToSQL()
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "select", Err: err}
	}
	rows, err := s.tx.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "select", Err: err}
	}
	defer rows.Close()

	return scanAffected(rows, schema.keyColumns, relation)
}

func (s *sqliteSession) selectByKey(ctx context.Context, relation string, schema *tableSchema, key event.RowKey) (AffectedRow, error) {
	ex := goqu.Ex{}
	for i, col := range key.Columns {
		ex[col] = key.Values[i]
	}

	ds := s.exec.dialect.From(relation).Prepared(true).Where(ex)
	if !schema.explicitPK {
		ds = ds.Select(goqu.L("rowid"), goqu.Star())
	}
	query, qargs, err := ds.ToSQL()
	if err != nil {
		return AffectedRow{}, &ExecutionError{Relation: relation, Op: "select", Err: err}
	}
	rows, err := s.tx.QueryContext(ctx, query, qargs...)
	if err != nil {
		return AffectedRow{}, &ExecutionError{Relation: relation, Op: "select", Err: err}
	}
	defer rows.Close()

	scanned, err := scanAffected(rows, key.Columns, relation)
	if err != nil {
		return AffectedRow{}, err
	}
	if len(scanned) != 1 {
		return AffectedRow{}, &ExecutionError{
			Relation: relation, Op: "select",
			Err: fmt.Errorf("expected 1 row for key %s, got %d", key, len(scanned)),
		}
	}
	return scanned[0], nil
}

// scanAffected turns a result set into AffectedRows keyed by keyColumns.
func scanAffected(rows *sql.Rows, keyColumns []string, relation string) ([]AffectedRow, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "scan", Err: err}
	}

	var out []AffectedRow
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &ExecutionError{Relation: relation, Op: "scan", Err: err}
		}

		fields := make(map[string]any, len(cols))
		for i, col := range cols {
			fields[col] = vals[i]
		}

		key, err := event.KeyFromValues(keyColumns, fields)
		if err != nil {
			return nil, &ExecutionError{Relation: relation, Op: "scan", Err: err}
		}
		out = append(out, AffectedRow{Key: key, Values: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, &ExecutionError{Relation: relation, Op: "scan", Err: err}
	}
	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
