package view

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"github.com/vigildb/vigil/db"
	"github.com/vigildb/vigil/dispatch"
	"github.com/vigildb/vigil/event"
	"github.com/vigildb/vigil/telemetry"
)

// State is a view set's lifecycle state.
type State int32

const (
	// StateCreated has not subscribed yet.
	StateCreated State = iota
	// StateStarting has its bootstrap in progress.
	StateStarting
	// StateActive receives live commits.
	StateActive
	// StateStopped is terminal; no further delivery.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Set groups one or more dynamic views behind a single subscriber. It
// owns the bootstrap protocol: register with the dispatcher while
// commit publication is quiesced, build a consistent snapshot, deliver
// it, then deliver every subsequent committed batch through the views'
// incremental evaluation, strictly in commit order.
type Set struct {
	dispatcher *dispatch.Dispatcher
	exec       db.Executor
	views      []*DynamicView
	listener   dispatch.Listener
	filter     *dispatch.Filter

	state atomic.Int32
	queue chan *event.Batch
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex // guards handle against a Stop racing Start
	handle *dispatch.Handle

	stopOnce sync.Once
	failure  atomic.Pointer[error]
}

// NewSet builds a view set over the given queries. Predicates are
// compiled and validated now; nothing subscribes until Start.
func NewSet(dispatcher *dispatch.Dispatcher, exec db.Executor, queries []Query, listener dispatch.Listener, filter *dispatch.Filter, queueSize int) (*Set, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("view set requires at least one query")
	}
	if listener == nil {
		return nil, fmt.Errorf("view set requires a listener")
	}
	if queueSize < 1 {
		queueSize = 1
	}

	views := make([]*DynamicView, 0, len(queries))
	for _, q := range queries {
		v, err := newDynamicView(q)
		if err != nil {
			return nil, fmt.Errorf("view on %q: %w", q.Relation, err)
		}
		views = append(views, v)
	}

	return &Set{
		dispatcher: dispatcher,
		exec:       exec,
		views:      views,
		listener:   listener,
		filter:     filter,
		queue:      make(chan *event.Batch, queueSize),
		done:       make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Set) State() State {
	return State(s.state.Load())
}

// Err returns the defect that stopped the set, if any.
func (s *Set) Err() error {
	if p := s.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Views returns the contained views, for inspection.
func (s *Set) Views() []*DynamicView {
	return s.views
}

// Start subscribes the set and bootstraps it. Registration happens
// inside the dispatcher's commit barrier: every commit published
// before the barrier is visible to the snapshot SELECT and will not be
// streamed; every commit after it is streamed and not in the snapshot.
// A row existing at subscribe time therefore reaches the subscriber
// exactly once, no matter how many transactions commit concurrently.
func (s *Set) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("view set is %s, cannot start", s.State())
	}

	start := time.Now()
	handle, err := s.dispatcher.SyncRegister(s, s.filter, func(lastSeq uint64) error {
		snapshot, err := s.bootstrap(ctx)
		if err != nil {
			return err
		}
		// The queue is empty and live publication is quiesced, so this
		// cannot block and is guaranteed to be delivered first.
		s.queue <- snapshot
		return nil
	})
	if err != nil {
		s.state.Store(int32(StateStopped))
		return err
	}

	// Stop may have run while the bootstrap was in flight. Its swap to
	// Stopped makes this transition fail, in which case the freshly
	// acquired subscription must be released here because Stop could
	// not see it.
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateStarting), int32(StateActive)) {
		s.mu.Unlock()
		handle.Close()
		return fmt.Errorf("view set stopped during bootstrap")
	}
	s.handle = handle
	s.mu.Unlock()

	s.wg.Add(1)
	go s.deliverLoop()

	telemetry.ViewSetsActive.Inc()
	telemetry.BootstrapSeconds.Observe(time.Since(start).Seconds())

	log.Debug().
		Int("views", len(s.views)).
		Dur("bootstrap", time.Since(start)).
		Msg("View set active")
	return nil
}

// bootstrap runs each view's SELECT and seeds its materialized state,
// wrapping all rows in one snapshot batch.
func (s *Set) bootstrap(ctx context.Context) (*event.Batch, error) {
	events := []event.ChangeEvent{event.Marker("", event.ActionInitialBegin)}

	for _, v := range s.views {
		rows, err := s.exec.Select(ctx, v.query.Relation, v.query.KeyColumns, v.pred.WhereSQL(), v.pred.Args()...)
		if err != nil {
			return nil, fmt.Errorf("bootstrap select on %q: %w", v.query.Relation, err)
		}
		for _, row := range rows {
			if err := v.bootstrapRow(row.Key, row.Values); err != nil {
				return nil, err
			}
			events = append(events, event.ChangeEvent{
				Relation: v.query.Relation,
				Action:   event.ActionInitialInsert,
				Key:      row.Key,
				Values:   row.Values,
			})
		}
		telemetry.BootstrapRowsTotal.Add(float64(len(rows)))
	}

	events = append(events, event.Marker("", event.ActionInitialEnd))
	return &event.Batch{Events: events}, nil
}

// OnChanges implements dispatch.Listener. Committed batches are queued
// for the delivery goroutine; the returned future completes
// immediately, so a slow subscriber delays only this set, not the
// committing transaction — until the queue fills, at which point
// backpressure reaches commit publication rather than dropping a
// batch.
func (s *Set) OnChanges(batch *event.Batch) *future.Future[error] {
	p := future.NewPromise[error]()
	select {
	case s.queue <- batch:
		p.Set(nil, nil)
	case <-s.done:
		p.Set(nil, nil)
	}
	return p.Future()
}

// deliverLoop processes queued batches strictly in commit order: the
// bootstrap snapshot passes through unchanged, live batches run
// through every view's incremental evaluation.
func (s *Set) deliverLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case batch := <-s.queue:
			derived, err := s.process(batch)
			if err != nil {
				s.fail(err)
				return
			}
			if derived == nil {
				continue
			}
			if fut := s.listener.OnChanges(derived); fut != nil {
				if _, err := fut.Get(); err != nil {
					log.Warn().Err(err).Uint64("seq", derived.Seq).Msg("View set listener failed")
				}
			}
		}
	}
}

func (s *Set) process(batch *event.Batch) (*event.Batch, error) {
	if batch.IsSnapshot() {
		return batch, nil
	}

	var out []event.ChangeEvent
	for i := range batch.Events {
		for _, v := range s.views {
			derived, err := v.apply(&batch.Events[i])
			if err != nil {
				return nil, err
			}
			if derived != nil {
				out = append(out, *derived)
			}
		}
	}
	if len(out) == 0 {
		return nil, nil
	}

	return &event.Batch{
		Seq:      batch.Seq,
		TxnID:    batch.TxnID,
		CommitTS: batch.CommitTS,
		Origin:   batch.Origin,
		Events:   out,
	}, nil
}

// fail records a defect (a ConsistencyViolation or evaluator error)
// and stops the set. The materialized state can no longer be trusted,
// so the set never resumes.
func (s *Set) fail(err error) {
	s.failure.Store(&err)
	telemetry.ConsistencyViolationsTotal.Inc()
	log.Error().Err(err).Msg("View set stopped on consistency defect")
	s.Stop()
}

// Stop unsubscribes the set. Batches committed strictly after Stop are
// not delivered; a delivery already in flight completes normally.
// Stopping twice is a no-op.
func (s *Set) Stop() {
	s.stopOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateStopped)))
		s.mu.Lock()
		if s.handle != nil {
			s.handle.Close()
		}
		s.mu.Unlock()
		close(s.done)
		if prev == StateActive {
			telemetry.ViewSetsActive.Dec()
		}
	})
}
