package dispatch

import (
	"github.com/jizhuozhi/go-future"
	"github.com/vigildb/vigil/event"
)

// Listener accepts one change batch and returns a completion future.
// The dispatcher starts every registered listener for a batch, then
// awaits all completions before the next batch is published. A listener
// therefore observes batches strictly in commit order while remaining
// free to process them asynchronously.
//
// A nil future counts as immediately complete.
type Listener interface {
	OnChanges(batch *event.Batch) *future.Future[error]
}

// ListenerFunc adapts a synchronous callback to the Listener interface.
// The callback's error is carried on the completion future.
type ListenerFunc func(batch *event.Batch) error

// OnChanges invokes the callback inline and returns a settled future.
func (f ListenerFunc) OnChanges(batch *event.Batch) *future.Future[error] {
	p := future.NewPromise[error]()
	p.Set(nil, f(batch))
	return p.Future()
}

// GoListener adapts a callback that should run off the publisher's
// goroutine. Ordering per listener is still guaranteed because the
// dispatcher awaits the returned future before that listener's next
// batch.
type GoListener func(batch *event.Batch) error

// OnChanges runs the callback on its own goroutine.
func (g GoListener) OnChanges(batch *event.Batch) *future.Future[error] {
	p := future.NewPromise[error]()
	go func() {
		p.Set(nil, g(batch))
	}()
	return p.Future()
}
