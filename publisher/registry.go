package publisher

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vigildb/vigil/cfg"
	"github.com/vigildb/vigil/dispatch"
)

// Registry manages the lifecycle of all sink workers for one database
// instance. Each worker is registered as a committed listener with a
// relation filter from its configuration.
type Registry struct {
	dispatcher *dispatch.Dispatcher
	workers    []*Worker
	handles    []*dispatch.Handle
}

// NewRegistry creates workers for each configured sink and subscribes
// them to committed batches.
func NewRegistry(dispatcher *dispatch.Dispatcher, sinkConfigs []cfg.SinkConfiguration) (*Registry, error) {
	r := &Registry{dispatcher: dispatcher}

	for _, sinkCfg := range sinkConfigs {
		if err := r.addSink(sinkCfg); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	if len(r.workers) > 0 {
		log.Info().Int("workers", len(r.workers)).Msg("Change publisher registry initialized")
	}
	return r, nil
}

func (r *Registry) addSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        config.Name,
		Sink:        snk,
		Transformer: NewTransformer(config.Compression),
		TopicPrefix: config.TopicPrefix,
		QueueSize:   config.BatchSize,
	})
	if err != nil {
		snk.Close()
		return err
	}

	filter, err := dispatch.NewFilter(config.FilterRelations, nil)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker.Start()
	handle := r.dispatcher.RegisterCommitted(worker, filter)

	r.workers = append(r.workers, worker)
	r.handles = append(r.handles, handle)
	return nil
}

// Close unsubscribes and stops every worker.
func (r *Registry) Close() {
	for _, h := range r.handles {
		h.Close()
	}
	for _, w := range r.workers {
		w.Stop()
	}
	r.handles = nil
	r.workers = nil
}
