package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/vigildb/vigil/dispatch"
	"github.com/vigildb/vigil/event"
	"github.com/vigildb/vigil/hlc"
	"github.com/vigildb/vigil/telemetry"
)

// TxnStatus is a transaction's lifecycle state.
type TxnStatus uint8

const (
	// StatusOpen accepts statements.
	StatusOpen TxnStatus = iota
	// StatusCommitting has its atomic apply in progress.
	StatusCommitting
	// StatusCommitted is terminal; events were published.
	StatusCommitted
	// StatusAborted is terminal; no events were published.
	StatusAborted
)

func (s TxnStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ErrNotOpen is returned for statements or commits against a
// transaction that already left the Open state.
type ErrNotOpen struct {
	Status TxnStatus
}

func (e *ErrNotOpen) Error() string {
	return fmt.Sprintf("transaction is %s, not open", e.Status)
}

// Transaction is a unit of work accumulating pending row-change
// events. It is owned by exactly one caller; statements inside one
// transaction execute sequentially under its mutex.
type Transaction struct {
	ID      uint64
	StartTS hlc.Timestamp

	mgr     *Manager
	session Session

	mu      sync.Mutex
	status  TxnStatus
	pending []event.ChangeEvent
}

// Status returns the current lifecycle state.
func (t *Transaction) Status() TxnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Pending returns the number of accumulated change events.
func (t *Transaction) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Insert applies an INSERT and appends one insert event per affected
// row. On failure the transaction stays Open and the error is returned
// to the caller, who may retry or abort.
func (t *Transaction) Insert(ctx context.Context, relation string, values map[string]any) error {
	return t.apply(ctx, relation, event.ActionInsert, func() ([]AffectedRow, error) {
		return t.session.Insert(ctx, relation, values)
	})
}

// Update applies an UPDATE with a positional-placeholder where clause
// and appends one update event per affected row, in match order.
func (t *Transaction) Update(ctx context.Context, relation string, values map[string]any, where string, args ...any) error {
	return t.apply(ctx, relation, event.ActionUpdate, func() ([]AffectedRow, error) {
		return t.session.Update(ctx, relation, values, where, args...)
	})
}

// Delete applies a DELETE and appends one delete event per removed
// row, carrying its last known field values.
func (t *Transaction) Delete(ctx context.Context, relation string, where string, args ...any) error {
	return t.apply(ctx, relation, event.ActionDelete, func() ([]AffectedRow, error) {
		return t.session.Delete(ctx, relation, where, args...)
	})
}

func (t *Transaction) apply(ctx context.Context, relation string, action event.Action, run func() ([]AffectedRow, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusOpen {
		return &ErrNotOpen{Status: t.status}
	}

	rows, err := run()
	if err != nil {
		// Statement failure leaves the transaction Open; the caller
		// decides between retry and abort.
		return err
	}

	for _, row := range rows {
		t.pending = append(t.pending, event.ChangeEvent{
			Relation: relation,
			Action:   action,
			Key:      row.Key,
			Values:   row.Values,
		})
	}

	telemetry.StatementsTotal.With(action.String()).Inc()
	return nil
}

// Commit atomically applies the accumulated statements and publishes
// the pending events as one batch: first to uncommitted listeners
// (advisory, pre-durability), then, durability confirmed, to committed
// listeners in global commit order. A durability failure aborts the
// whole transaction; no partial batch is ever published.
//
// A transaction with no pending events still reaches Committed, with
// nothing published.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusOpen {
		return &ErrNotOpen{Status: t.status}
	}
	t.status = StatusCommitting

	commitTS := t.mgr.clock.Now()
	batch := &event.Batch{
		TxnID:    t.ID,
		CommitTS: commitTS,
		Origin:   t.mgr.origin,
		Events:   t.pending,
	}

	if len(t.pending) > 0 {
		// Advisory publication only: uncommitted listeners must never
		// treat this as durable.
		t.mgr.dispatcher.PublishUncommitted(&event.Batch{
			TxnID:    t.ID,
			CommitTS: commitTS,
			Origin:   t.mgr.origin,
			Events:   t.pending,
		})
	}

	err := t.mgr.dispatcher.PublishCommitted(batch, func() error {
		return t.session.Commit(ctx)
	})
	if err != nil {
		t.status = StatusAborted
		t.mgr.forget(t)
		if rbErr := t.session.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Uint64("txn", t.ID).Msg("Rollback after failed commit")
		}
		telemetry.TxnTotal.With("failed").Inc()
		return fmt.Errorf("commit failed, transaction aborted: %w", err)
	}

	t.status = StatusCommitted
	t.pending = nil
	t.mgr.forget(t)
	telemetry.TxnTotal.With("committed").Inc()

	log.Debug().
		Uint64("txn", t.ID).
		Uint64("seq", batch.Seq).
		Int("events", batch.Len()).
		Msg("Transaction committed")
	return nil
}

// Abort discards the pending events and rolls back the session. No
// listener ever observes the discarded events. Aborting a terminal
// transaction is a no-op.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusCommitted || t.status == StatusAborted {
		return nil
	}

	t.status = StatusAborted
	t.pending = nil
	t.mgr.forget(t)
	telemetry.TxnTotal.With("aborted").Inc()
	return t.session.Rollback()
}

// Manager owns transaction begin/commit for one database instance.
type Manager struct {
	exec       Executor
	dispatcher *dispatch.Dispatcher
	clock      *hlc.Clock
	origin     uint64
	live       *xsync.MapOf[uint64, *Transaction]
}

// NewManager wires a manager over an executor and a dispatcher.
func NewManager(exec Executor, dispatcher *dispatch.Dispatcher, clock *hlc.Clock, origin uint64) *Manager {
	return &Manager{
		exec:       exec,
		dispatcher: dispatcher,
		clock:      clock,
		origin:     origin,
		live:       xsync.NewMapOf[uint64, *Transaction](),
	}
}

// Begin opens a new transaction. Distinct transactions may run their
// statements concurrently; commit publication is serialized by the
// dispatcher.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	session, err := m.exec.Begin(ctx)
	if err != nil {
		return nil, err
	}

	ts := m.clock.Now()
	t := &Transaction{
		ID:      ts.ToTxnID(),
		StartTS: ts,
		mgr:     m,
		session: session,
		status:  StatusOpen,
	}
	m.live.Store(t.ID, t)
	telemetry.TxnActive.Inc()
	return t, nil
}

// Active returns the number of transactions not yet terminal.
func (m *Manager) Active() int {
	return m.live.Size()
}

func (m *Manager) forget(t *Transaction) {
	if _, present := m.live.LoadAndDelete(t.ID); present {
		telemetry.TxnActive.Dec()
	}
}

// Close aborts every live transaction. Called at database close.
func (m *Manager) Close() {
	m.live.Range(func(id uint64, t *Transaction) bool {
		if err := t.Abort(); err != nil {
			log.Warn().Err(err).Uint64("txn", id).Msg("Abort during close")
		}
		return true
	})
}
