// Package dispatch implements the process-wide commit dispatcher: a
// registry of uncommitted and committed listeners, a single global
// commit order, and the synchronized registration primitive the view
// bootstrap protocol is built on.
package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"github.com/vigildb/vigil/event"
	"github.com/vigildb/vigil/telemetry"
)

// Phase selects which listeners a publication reaches.
type Phase uint8

const (
	// PhaseUncommitted delivers before durability, advisory only.
	PhaseUncommitted Phase = 0
	// PhaseCommitted delivers after durability, in global commit order.
	PhaseCommitted Phase = 1
)

func (p Phase) String() string {
	if p == PhaseUncommitted {
		return "uncommitted"
	}
	return "committed"
}

// Handle identifies one registered listener. Close unregisters it;
// closing twice is a no-op.
type Handle struct {
	id       uint64
	phase    Phase
	listener Listener
	filter   *Filter

	d       *Dispatcher
	closed  atomic.Bool
	lastErr atomic.Pointer[error]
}

// Close removes the listener from the registry. Batches committed
// strictly after Close are not delivered; an in-flight delivery
// completes normally. Safe to call from inside the listener callback.
func (h *Handle) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.d.unregister(h)
}

// Err returns the most recent error this listener's callback produced,
// if any. Listener errors are contained: they never reach the
// publisher, only the registrant through this accessor and the logs.
func (h *Handle) Err() error {
	if p := h.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Dispatcher serializes commit publication and fans each batch out to
// registered listeners. One Dispatcher exists per database instance,
// created at open and torn down at close.
type Dispatcher struct {
	mu          sync.Mutex // registration lock: guards the listener slices only
	uncommitted []*Handle
	committed   []*Handle

	// commitMu is the commit-order critical section. The durable apply
	// and the committed fan-out run inside it, which is what makes the
	// global order total and the bootstrap barrier in SyncRegister work.
	commitMu sync.Mutex
	seq      uint64

	nextID atomic.Uint64
	closed atomic.Bool
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// RegisterUncommitted subscribes l to advisory pre-durability batches.
func (d *Dispatcher) RegisterUncommitted(l Listener, f *Filter) *Handle {
	return d.register(PhaseUncommitted, l, f)
}

// RegisterCommitted subscribes l to committed batches in commit order.
func (d *Dispatcher) RegisterCommitted(l Listener, f *Filter) *Handle {
	return d.register(PhaseCommitted, l, f)
}

func (d *Dispatcher) register(phase Phase, l Listener, f *Filter) *Handle {
	h := &Handle{
		id:       d.nextID.Add(1),
		phase:    phase,
		listener: l,
		filter:   f,
		d:        d,
	}

	d.mu.Lock()
	if phase == PhaseUncommitted {
		d.uncommitted = append(d.uncommitted, h)
	} else {
		d.committed = append(d.committed, h)
	}
	d.mu.Unlock()

	telemetry.ListenersActive.With(phase.String()).Inc()
	return h
}

func (d *Dispatcher) unregister(h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot := &d.committed
	if h.phase == PhaseUncommitted {
		slot = &d.uncommitted
	}
	for i, reg := range *slot {
		if reg.id == h.id {
			*slot = append((*slot)[:i], (*slot)[i+1:]...)
			telemetry.ListenersActive.With(h.phase.String()).Dec()
			return
		}
	}
}

// LastSeq returns the sequence number of the most recently published
// committed batch.
func (d *Dispatcher) LastSeq() uint64 {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	return d.seq
}

// snapshot copies the listener list for one phase so that callbacks may
// register or unregister without corrupting in-flight iteration.
func (d *Dispatcher) snapshot(phase Phase) []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	src := d.committed
	if phase == PhaseUncommitted {
		src = d.uncommitted
	}
	out := make([]*Handle, len(src))
	copy(out, src)
	return out
}

// PublishUncommitted delivers an advisory batch to uncommitted
// listeners. Fire and forget: completion is awaited so slow listeners
// cannot reorder themselves, but errors are only logged.
func (d *Dispatcher) PublishUncommitted(b *event.Batch) {
	if d.closed.Load() || b.Len() == 0 {
		return
	}
	d.fanOut(PhaseUncommitted, b)
}

// PublishCommitted runs apply inside the commit-order critical section
// and, when it succeeds, stamps the batch with the next sequence number
// and delivers it to committed listeners in registration order. The
// durable apply and the fan-out share the critical section, so no two
// commits interleave and every listener observes the same total order.
//
// apply's error is returned unchanged; nothing is published on failure.
func (d *Dispatcher) PublishCommitted(b *event.Batch, apply func() error) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	start := time.Now()
	if err := apply(); err != nil {
		return err
	}

	if b.Len() == 0 || d.closed.Load() {
		return nil
	}

	d.seq++
	b.Seq = d.seq
	d.fanOut(PhaseCommitted, b)

	telemetry.CommitPublishSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// SyncRegister registers l as a committed listener while commit
// publication is quiesced, then runs bootstrap before releasing the
// commit order. Every batch durably applied before bootstrap ran has
// already been published (and was not delivered to l); every later
// batch will be delivered to l. This is the exactly-once boundary the
// view bootstrap protocol relies on.
//
// bootstrap must not commit transactions on this dispatcher; doing so
// would self-deadlock the commit order.
func (d *Dispatcher) SyncRegister(l Listener, f *Filter, bootstrap func(lastSeq uint64) error) (*Handle, error) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	h := d.register(PhaseCommitted, l, f)
	if bootstrap != nil {
		if err := bootstrap(d.seq); err != nil {
			h.Close()
			return nil, fmt.Errorf("bootstrap failed: %w", err)
		}
	}
	return h, nil
}

// fanOut starts every listener for the batch, then awaits all
// completions. Listener errors are contained per listener.
func (d *Dispatcher) fanOut(phase Phase, b *event.Batch) {
	handles := d.snapshot(phase)
	if len(handles) == 0 {
		return
	}

	futures := make([]*future.Future[error], len(handles))
	for i, h := range handles {
		filtered := h.filter.Apply(b)
		if filtered == nil || h.closed.Load() {
			continue
		}
		futures[i] = d.invoke(h, filtered)
	}

	for i, fut := range futures {
		if fut == nil {
			continue
		}
		if _, err := fut.Get(); err != nil {
			h := handles[i]
			h.lastErr.Store(&err)
			telemetry.ListenerErrorsTotal.With(phase.String()).Inc()
			log.Warn().
				Err(err).
				Uint64("listener", h.id).
				Uint64("seq", b.Seq).
				Str("phase", phase.String()).
				Msg("Listener failed, delivery to others unaffected")
		}
	}

	telemetry.BatchesPublishedTotal.With(phase.String()).Inc()
}

// invoke shields the publisher from a panicking listener.
func (d *Dispatcher) invoke(h *Handle, b *event.Batch) (fut *future.Future[error]) {
	defer func() {
		if r := recover(); r != nil {
			p := future.NewPromise[error]()
			p.Set(nil, fmt.Errorf("listener panic: %v", r))
			fut = p.Future()
		}
	}()
	return h.listener.OnChanges(b)
}

// Close tears the dispatcher down. Subsequent publications are dropped
// and all listeners are unregistered.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	handles := append(append([]*Handle(nil), d.uncommitted...), d.committed...)
	d.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	log.Debug().Msg("Commit dispatcher closed")
}
