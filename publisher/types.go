// Package publisher forwards committed change batches to external
// sinks (NATS JetStream, Kafka). Forwarding is best-effort with
// bounded retry; the in-process delivery guarantees of the dispatcher
// are not extended across the process boundary.
package publisher

import (
	"fmt"

	"github.com/vigildb/vigil/cfg"
)

// Sink is a destination for change records.
type Sink interface {
	// Publish sends one record. key selects the partition/subject
	// routing; value is the encoded payload.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// Record is the wire shape of one published change event.
type Record struct {
	Seq        uint64         `msgpack:"seq"`
	TxnID      uint64         `msgpack:"txn"`
	Relation   string         `msgpack:"rel"`
	Action     string         `msgpack:"act"`
	KeyColumns []string       `msgpack:"kc"`
	KeyValues  []any          `msgpack:"kv"`
	Values     map[string]any `msgpack:"val,omitempty"`
	CommitTS   int64          `msgpack:"ts"`
	Origin     uint64         `msgpack:"org"`
}

// SinkFactory creates a sink from its configuration.
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

var sinkFactories = map[string]SinkFactory{}

// RegisterSink registers a sink factory under a type name. Sink
// implementations call this from init.
func RegisterSink(sinkType string, factory SinkFactory) {
	sinkFactories[sinkType] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factory, ok := sinkFactories[config.Type]
	if !ok {
		return nil, fmt.Errorf("unknown sink type %q", config.Type)
	}
	return factory(config)
}
