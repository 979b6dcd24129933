package view

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigildb/vigil/db"
	"github.com/vigildb/vigil/dispatch"
	"github.com/vigildb/vigil/event"
)

// tableExecutor serves bootstrap SELECTs from a fixed in-memory table,
// filtered with the view's own compiled predicate so the snapshot
// matches what SQLite would return.
type tableExecutor struct {
	mu        sync.Mutex
	rows      map[string][]map[string]any // relation -> rows
	selectErr error
	selects   int

	// When selectGate is set, Select signals selectEntered and blocks
	// until the gate is closed. Lets tests hold a bootstrap mid-flight.
	selectEntered chan struct{}
	selectGate    chan struct{}
}

func (f *tableExecutor) Begin(ctx context.Context) (db.Session, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *tableExecutor) Select(ctx context.Context, relation string, keyColumns []string, where string, args ...any) ([]db.AffectedRow, error) {
	if f.selectGate != nil {
		f.selectEntered <- struct{}{}
		<-f.selectGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selects++
	if f.selectErr != nil {
		return nil, f.selectErr
	}

	if len(keyColumns) == 0 {
		keyColumns = []string{"id"}
	}

	var out []db.AffectedRow
	for _, row := range f.rows[relation] {
		if where != "" && !matchesWhere(where, args, row) {
			continue
		}
		key, err := event.KeyFromValues(keyColumns, row)
		if err != nil {
			return nil, err
		}
		out = append(out, db.AffectedRow{Key: key, Values: row})
	}
	return out, nil
}

func (f *tableExecutor) Close() error { return nil }

// matchesWhere understands only "done = ?", the predicate every test
// below uses.
func matchesWhere(where string, args []any, row map[string]any) bool {
	if where != "done = ?" {
		panic("unexpected where clause: " + where)
	}
	return row["done"] == args[0]
}

type setRecorder struct {
	mu      sync.Mutex
	batches []*event.Batch
}

func (r *setRecorder) listener() dispatch.Listener {
	return dispatch.ListenerFunc(func(b *event.Batch) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.batches = append(r.batches, b)
		return nil
	})
}

func (r *setRecorder) all() []*event.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Batch(nil), r.batches...)
}

// waitBatches polls until the recorder has seen n batches.
func (r *setRecorder) waitBatches(t *testing.T, n int) []*event.Batch {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.all(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches, have %d", n, len(r.all()))
	return nil
}

func pendingQuery() Query {
	return Query{
		Relation:   "todos",
		Where:      "done = :done",
		Params:     []Param{{Name: "done", Value: false}},
		KeyColumns: []string{"id"},
	}
}

func todoRow(id int64, done bool) map[string]any {
	return map[string]any{"id": id, "done": done}
}

func publish(t *testing.T, d *dispatch.Dispatcher, events ...event.ChangeEvent) {
	t.Helper()
	b := &event.Batch{TxnID: 1, Events: events}
	require.NoError(t, d.PublishCommitted(b, func() error { return nil }))
}

func TestSet_BootstrapDeliversSnapshotFirst(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{rows: map[string][]map[string]any{
		"todos": {todoRow(1, false), todoRow(2, true), todoRow(3, false)},
	}}

	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, 16)
	require.NoError(t, err)
	defer set.Stop()

	require.NoError(t, set.Start(context.Background()))
	assert.Equal(t, StateActive, set.State())

	snap := rec.waitBatches(t, 1)[0]
	require.True(t, snap.IsSnapshot())
	// begin marker, the two matching rows, end marker. Row 2 is done
	// and filtered out by the bootstrap SELECT.
	require.Len(t, snap.Events, 4)
	assert.Equal(t, event.ActionInitialBegin, snap.Events[0].Action)
	assert.Equal(t, event.ActionInitialInsert, snap.Events[1].Action)
	assert.Equal(t, event.ActionInitialInsert, snap.Events[2].Action)
	assert.Equal(t, event.ActionInitialEnd, snap.Events[3].Action)
	assert.Equal(t, 2, set.Views()[0].Size())
}

func TestSet_EmptySnapshotStillBracketed(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{rows: map[string][]map[string]any{}}
	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, 16)
	require.NoError(t, err)
	defer set.Stop()

	require.NoError(t, set.Start(context.Background()))

	snap := rec.waitBatches(t, 1)[0]
	require.Len(t, snap.Events, 2, "empty snapshot still delivers its brackets")
	assert.Equal(t, event.ActionInitialBegin, snap.Events[0].Action)
	assert.Equal(t, event.ActionInitialEnd, snap.Events[1].Action)
}

func TestSet_LiveEventsAfterSnapshot(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{rows: map[string][]map[string]any{
		"todos": {todoRow(1, false)},
	}}
	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, 16)
	require.NoError(t, err)
	defer set.Stop()

	require.NoError(t, set.Start(context.Background()))
	rec.waitBatches(t, 1)

	// A commit that flips row 1 out of the view.
	publish(t, d, event.ChangeEvent{
		Relation: "todos",
		Action:   event.ActionUpdate,
		Key:      event.NewRowKey([]string{"id"}, []any{int64(1)}),
		Values:   todoRow(1, true),
	})

	batches := rec.waitBatches(t, 2)
	live := batches[1]
	require.Len(t, live.Events, 1)
	assert.Equal(t, event.ActionDelete, live.Events[0].Action)
	assert.Equal(t, 0, set.Views()[0].Size())
}

func TestSet_UnaffectedCommitSuppressed(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{rows: map[string][]map[string]any{}}
	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, 16)
	require.NoError(t, err)
	defer set.Stop()

	require.NoError(t, set.Start(context.Background()))
	rec.waitBatches(t, 1)

	// A commit on an unrelated relation derives nothing.
	publish(t, d, event.ChangeEvent{
		Relation: "users",
		Action:   event.ActionInsert,
		Key:      event.NewRowKey([]string{"id"}, []any{int64(1)}),
		Values:   map[string]any{"id": int64(1)},
	})
	// A commit that does affect the view, to flush ordering.
	publish(t, d, event.ChangeEvent{
		Relation: "todos",
		Action:   event.ActionInsert,
		Key:      event.NewRowKey([]string{"id"}, []any{int64(5)}),
		Values:   todoRow(5, false),
	})

	batches := rec.waitBatches(t, 2)
	assert.Len(t, batches, 2, "the unrelated commit must not surface as an empty batch")
	assert.Equal(t, event.ActionInsert, batches[1].Events[0].Action)
}

// Rows committed while the bootstrap is racing registration arrive
// exactly once: either in the snapshot or as a live event, never both,
// never neither.
func TestSet_ExactlyOnceUnderConcurrentCommits(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{rows: map[string][]map[string]any{"todos": {}}}

	// Committers insert pending todos and mirror them into the fake
	// table inside the dispatcher's apply, exactly as a durable apply
	// would.
	const writers = 4
	const perWriter = 25
	var wg sync.WaitGroup
	commit := func(id int64) {
		row := todoRow(id, false)
		b := &event.Batch{TxnID: uint64(id), Events: []event.ChangeEvent{{
			Relation: "todos",
			Action:   event.ActionInsert,
			Key:      event.NewRowKey([]string{"id"}, []any{id}),
			Values:   row,
		}}}
		_ = d.PublishCommitted(b, func() error {
			exec.mu.Lock()
			exec.rows["todos"] = append(exec.rows["todos"], row)
			exec.mu.Unlock()
			return nil
		})
	}
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				commit(int64(w*1000 + i + 1))
			}
		}(w)
	}

	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, writers*perWriter+8)
	require.NoError(t, err)
	defer set.Stop()
	require.NoError(t, set.Start(context.Background()))

	wg.Wait()

	// Wait until every row has surfaced, then check exactly-once.
	deadline := time.Now().Add(5 * time.Second)
	seen := map[string]int{}
	for time.Now().Before(deadline) {
		seen = map[string]int{}
		for _, b := range rec.all() {
			for _, e := range b.Events {
				if e.Action == event.ActionInitialInsert || e.Action == event.ActionInsert {
					seen[e.Key.Canonical()]++
				}
			}
		}
		if len(seen) == writers*perWriter {
			break
		}
		time.Sleep(time.Millisecond)
	}

	require.Len(t, seen, writers*perWriter, "every committed row surfaces")
	for key, count := range seen {
		require.Equal(t, 1, count, "row %x delivered more than once", key)
	}
	assert.Equal(t, writers*perWriter, set.Views()[0].Size())
}

func TestSet_BootstrapFailureUnsubscribes(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{selectErr: fmt.Errorf("table is locked")}
	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, 16)
	require.NoError(t, err)

	err = set.Start(context.Background())
	require.ErrorContains(t, err, "table is locked")
	assert.Equal(t, StateStopped, set.State())

	publish(t, d, event.ChangeEvent{
		Relation: "todos",
		Action:   event.ActionInsert,
		Key:      event.NewRowKey([]string{"id"}, []any{int64(1)}),
		Values:   todoRow(1, false),
	})
	assert.Empty(t, rec.all())
}

func TestSet_StopIdempotentAndHalts(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{rows: map[string][]map[string]any{}}
	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, 16)
	require.NoError(t, err)

	require.NoError(t, set.Start(context.Background()))
	rec.waitBatches(t, 1)

	set.Stop()
	set.Stop()
	assert.Equal(t, StateStopped, set.State())

	publish(t, d, event.ChangeEvent{
		Relation: "todos",
		Action:   event.ActionInsert,
		Key:      event.NewRowKey([]string{"id"}, []any{int64(9)}),
		Values:   todoRow(9, false),
	})

	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.all(), 1, "no delivery after Stop")

	// Restart is not supported.
	require.Error(t, set.Start(context.Background()))
}

// A Stop racing a still-bootstrapping Start must leave the set
// stopped with its dispatcher subscription released, not report
// active with a leaked listener.
func TestSet_StopDuringBootstrapReleasesSubscription(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{
		rows:          map[string][]map[string]any{"todos": {todoRow(1, false)}},
		selectEntered: make(chan struct{}, 1),
		selectGate:    make(chan struct{}),
	}
	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, 16)
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- set.Start(context.Background()) }()

	// The snapshot SELECT is now held mid-flight.
	<-exec.selectEntered
	set.Stop()
	close(exec.selectGate)

	require.ErrorContains(t, <-started, "stopped during bootstrap")
	assert.Equal(t, StateStopped, set.State())

	// The subscription was released, so later commits go nowhere.
	publish(t, d, event.ChangeEvent{
		Relation: "todos",
		Action:   event.ActionInsert,
		Key:      event.NewRowKey([]string{"id"}, []any{int64(2)}),
		Values:   todoRow(2, false),
	})
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.all(), "no delivery after a stop that raced startup")
}

func TestSet_MultipleViewsShareOneSnapshot(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{rows: map[string][]map[string]any{
		"todos":  {todoRow(1, false)},
		"orders": {{"id": int64(10), "done": false}},
	}}

	orderQuery := Query{
		Relation:   "orders",
		Where:      "done = :done",
		Params:     []Param{{Name: "done", Value: false}},
		KeyColumns: []string{"id"},
	}

	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery(), orderQuery}, rec.listener(), nil, 16)
	require.NoError(t, err)
	defer set.Stop()

	require.NoError(t, set.Start(context.Background()))

	snap := rec.waitBatches(t, 1)[0]
	require.True(t, snap.IsSnapshot())
	require.Len(t, snap.Events, 4, "both views' rows inside one bracket pair")

	relations := map[string]int{}
	for _, e := range snap.Events {
		if e.Action == event.ActionInitialInsert {
			relations[e.Relation]++
		}
	}
	assert.Equal(t, map[string]int{"todos": 1, "orders": 1}, relations)
}

func TestSet_ConsistencyViolationStopsSet(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	exec := &tableExecutor{rows: map[string][]map[string]any{}}
	rec := &setRecorder{}
	set, err := NewSet(d, exec, []Query{pendingQuery()}, rec.listener(), nil, 16)
	require.NoError(t, err)
	defer set.Stop()

	require.NoError(t, set.Start(context.Background()))
	rec.waitBatches(t, 1)

	// A snapshot-phase event inside a live batch is impossible.
	publish(t, d, event.ChangeEvent{
		Relation: "todos",
		Action:   event.ActionInitialInsert,
		Key:      event.NewRowKey([]string{"id"}, []any{int64(1)}),
		Values:   todoRow(1, false),
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && set.State() != StateStopped {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, StateStopped, set.State())

	var violation *ConsistencyViolation
	require.ErrorAs(t, set.Err(), &violation)
}
