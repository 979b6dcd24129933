package publisher

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"github.com/vigildb/vigil/dispatch"
	"github.com/vigildb/vigil/event"
	"github.com/vigildb/vigil/telemetry"
)

const (
	// Default buffered batches awaiting forwarding per sink.
	DefaultQueueSize = 256
	// Default initial retry delay for failed publish operations.
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap).
	DefaultRetryMax = 30 * time.Second
	// Default number of retry attempts before a batch is dropped.
	DefaultMaxRetries = 100
)

// WorkerConfig configures one sink worker.
type WorkerConfig struct {
	Name         string
	Sink         Sink
	Transformer  *Transformer
	TopicPrefix  string
	QueueSize    int
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   int
}

// Worker forwards committed batches to one sink, in commit order, with
// exponential-backoff retry per publish. It implements
// dispatch.Listener and is registered as a committed listener.
type Worker struct {
	config WorkerConfig
	queue  chan *event.Batch
	stopCh chan struct{}
	doneCh chan struct{}

	running atomic.Bool
	mu      sync.Mutex // protects Start/Stop lifecycle
}

var _ dispatch.Listener = (*Worker)(nil)

// NewWorker validates the config and builds a worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		queue:  make(chan *event.Batch, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the forwarding goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	go w.forwardLoop()
}

// Stop drains nothing: the current publish attempt finishes, queued
// batches are dropped, and the sink is closed.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stopCh)
	<-w.doneCh

	if err := w.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("sink", w.config.Name).Msg("Sink close failed")
	}
}

// OnChanges implements dispatch.Listener. Enqueues and completes
// immediately; a full queue applies backpressure to commit publication
// so no committed batch is silently skipped.
func (w *Worker) OnChanges(batch *event.Batch) *future.Future[error] {
	p := future.NewPromise[error]()
	select {
	case w.queue <- batch:
		p.Set(nil, nil)
	case <-w.stopCh:
		p.Set(nil, nil)
	}
	return p.Future()
}

func (w *Worker) forwardLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case batch := <-w.queue:
			if !w.forwardBatch(batch) {
				return
			}
		}
	}
}

// forwardBatch publishes every event of one batch. Returns false when
// the worker was stopped mid-batch.
func (w *Worker) forwardBatch(batch *event.Batch) bool {
	for i := range batch.Events {
		e := &batch.Events[i]
		if e.Action.IsMarker() {
			continue
		}

		payload, err := w.config.Transformer.Transform(batch, e)
		if err != nil {
			log.Error().Err(err).Str("sink", w.config.Name).Msg("Transform failed, event dropped")
			telemetry.SinkPublishTotal.With(w.config.Name, "transform_error").Inc()
			continue
		}

		topic := w.config.TopicPrefix + "." + e.Relation
		key := strconv.FormatUint(e.Key.Digest(), 16)

		if !w.publishWithRetry(topic, key, payload, batch.Seq) {
			return false
		}
	}
	return true
}

func (w *Worker) publishWithRetry(topic, key string, payload []byte, seq uint64) bool {
	delay := w.config.RetryInitial

	for attempt := 0; attempt < w.config.MaxRetries; attempt++ {
		err := w.config.Sink.Publish(topic, key, payload)
		if err == nil {
			telemetry.SinkPublishTotal.With(w.config.Name, "success").Inc()
			return true
		}

		telemetry.SinkRetriesTotal.With(w.config.Name).Inc()
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Uint64("seq", seq).
			Int("attempt", attempt+1).
			Msg("Sink publish failed, backing off")

		select {
		case <-w.stopCh:
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}

	telemetry.SinkPublishTotal.With(w.config.Name, "dropped").Inc()
	log.Error().
		Str("sink", w.config.Name).
		Str("topic", topic).
		Uint64("seq", seq).
		Msg("Retries exhausted, event dropped")
	return true
}
