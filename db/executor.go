// Package db implements vigil's transaction pipeline: the statement
// executor boundary, transactions accumulating row-change events, and
// the manager that owns begin/commit across the process.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/vigildb/vigil/event"
)

// AffectedRow is one row touched by a statement: its key plus the row
// image relevant to the action (after image for insert/update, before
// image for delete).
type AffectedRow struct {
	Key    event.RowKey
	Values map[string]any
}

// Session is one transactional unit of work against the underlying
// store. Statements execute immediately inside the store's own
// transaction; Commit/Rollback delegate to its durability guarantee.
// A Session is not safe for concurrent use.
type Session interface {
	// Insert writes one row and reports it with its derived key and
	// full after image.
	Insert(ctx context.Context, relation string, values map[string]any) ([]AffectedRow, error)

	// Update applies values to every row matching the where clause
	// (positional '?' placeholders) and reports each with its new image,
	// in the order rows were matched.
	Update(ctx context.Context, relation string, values map[string]any, where string, args ...any) ([]AffectedRow, error)

	// Delete removes every matching row and reports each with its last
	// known image.
	Delete(ctx context.Context, relation string, where string, args ...any) ([]AffectedRow, error)

	Commit(ctx context.Context) error
	Rollback() error
}

// Executor is the boundary to the external statement executor. Vigil
// bundles a SQLite implementation; any store with transactional apply
// and snapshot reads can stand in.
type Executor interface {
	// Begin opens a new session.
	Begin(ctx context.Context) (Session, error)

	// Select reads current rows outside any vigil transaction, keyed by
	// keyColumns (nil/empty = the relation's primary key). Used for
	// view bootstrap snapshots.
	Select(ctx context.Context, relation string, keyColumns []string, where string, args ...any) ([]AffectedRow, error)

	Close() error
}

// ExecutionError reports a statement rejected by the executor:
// constraint violation, connectivity loss, or syntax rejection. The
// transaction stays Open unless the failure happened during the
// durable commit.
type ExecutionError struct {
	Relation string
	Op       string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Relation, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError reports whether err is (or wraps) an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
