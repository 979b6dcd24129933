package vigil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigildb/vigil/cfg"
	"github.com/vigildb/vigil/db"
	"github.com/vigildb/vigil/dispatch"
	"github.com/vigildb/vigil/event"
	"github.com/vigildb/vigil/view"
)

func openTestDatabase(t *testing.T) (*Database, *db.SQLiteExecutor) {
	t.Helper()

	cfg.Config = &cfg.Configuration{
		OriginID: 1,
		SQLite:   cfg.SQLiteConfiguration{Path: filepath.Join(t.TempDir(), "e2e.db")},
		Dispatch: cfg.DispatchConfiguration{ViewQueueSize: 64},
	}

	exec, err := db.OpenSQLite(cfg.Config.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })

	_, err = exec.DB().Exec(`CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, done INTEGER DEFAULT 0)`)
	require.NoError(t, err)

	d, err := OpenWith(exec)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, exec
}

type eventLog struct {
	mu      sync.Mutex
	batches []*event.Batch
}

func (l *eventLog) listener() dispatch.Listener {
	return dispatch.ListenerFunc(func(b *event.Batch) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.batches = append(l.batches, b)
		return nil
	})
}

func (l *eventLog) wait(t *testing.T, n int) []*event.Batch {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		got := len(l.batches)
		l.mu.Unlock()
		if got >= n {
			l.mu.Lock()
			defer l.mu.Unlock()
			return append([]*event.Batch(nil), l.batches...)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches", n)
	return nil
}

func TestEndToEnd_CommitToListener(t *testing.T) {
	d, _ := openTestDatabase(t)
	ctx := context.Background()

	committed := &eventLog{}
	h := d.RegisterCommittedListener(committed.listener(), nil)
	defer h.Close()

	txn, err := d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Insert(ctx, "todos", map[string]any{"id": int64(1), "title": "ship it"}))
	require.NoError(t, txn.Insert(ctx, "todos", map[string]any{"id": int64(2), "title": "later", "done": int64(1)}))
	require.NoError(t, txn.Commit(ctx))

	batches := committed.wait(t, 1)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 2)
	assert.Equal(t, uint64(1), batches[0].Seq)
	assert.Equal(t, txn.ID, batches[0].TxnID)
	// After images include the column default.
	assert.Equal(t, int64(0), batches[0].Events[0].Values["done"])
}

func TestEndToEnd_ViewSetSnapshotThenStream(t *testing.T) {
	d, _ := openTestDatabase(t)
	ctx := context.Background()

	// Seed two rows before the view subscribes; only one is pending.
	txn, err := d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Insert(ctx, "todos", map[string]any{"id": int64(1), "title": "pending"}))
	require.NoError(t, txn.Insert(ctx, "todos", map[string]any{"id": int64(2), "title": "finished", "done": int64(1)}))
	require.NoError(t, txn.Commit(ctx))

	sub := &eventLog{}
	set, err := d.NewViewSet([]view.Query{{
		Relation: "todos",
		Where:    "done = :done",
		Params:   []view.Param{{Name: "done", Value: int64(0)}},
	}}, sub.listener(), nil)
	require.NoError(t, err)
	defer set.Stop()
	require.NoError(t, set.Start(ctx))

	snap := sub.wait(t, 1)[0]
	require.True(t, snap.IsSnapshot())
	require.Len(t, snap.Events, 3, "begin, one pending row, end")
	assert.Equal(t, "pending", snap.Events[1].Values["title"])

	// A live commit finishing todo 1 leaves the view.
	txn, err = d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Update(ctx, "todos", map[string]any{"done": int64(1)}, "id = ?", int64(1)))
	require.NoError(t, txn.Commit(ctx))

	live := sub.wait(t, 2)[1]
	require.Len(t, live.Events, 1)
	assert.Equal(t, event.ActionDelete, live.Events[0].Action)

	// A commit that only touches already-finished rows derives nothing;
	// follow with a visible one to prove ordering held.
	txn, err = d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Update(ctx, "todos", map[string]any{"title": "renamed"}, "id = ?", int64(2)))
	require.NoError(t, txn.Commit(ctx))

	txn, err = d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Insert(ctx, "todos", map[string]any{"id": int64(3), "title": "new"}))
	require.NoError(t, txn.Commit(ctx))

	third := sub.wait(t, 3)[2]
	require.Len(t, third.Events, 1)
	assert.Equal(t, event.ActionInsert, third.Events[0].Action)
	assert.Equal(t, "new", third.Events[0].Values["title"])
}

func TestEndToEnd_AbortedTransactionInvisible(t *testing.T) {
	d, exec := openTestDatabase(t)
	ctx := context.Background()

	committed := &eventLog{}
	h := d.RegisterCommittedListener(committed.listener(), nil)
	defer h.Close()

	txn, err := d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Insert(ctx, "todos", map[string]any{"id": int64(1)}))
	require.NoError(t, txn.Abort())

	rows, err := exec.Select(ctx, "todos", nil, "")
	require.NoError(t, err)
	assert.Empty(t, rows, "aborted insert must not be durable")

	time.Sleep(10 * time.Millisecond)
	committed.mu.Lock()
	defer committed.mu.Unlock()
	assert.Empty(t, committed.batches)
}

func TestEndToEnd_CloseAbortsOpenTransactions(t *testing.T) {
	d, _ := openTestDatabase(t)
	ctx := context.Background()

	txn, err := d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Insert(ctx, "todos", map[string]any{"id": int64(1)}))
	require.Equal(t, 1, d.ActiveTransactions())

	require.NoError(t, d.Close())
	assert.Equal(t, db.StatusAborted, txn.Status())
}
