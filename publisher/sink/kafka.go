package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/vigildb/vigil/cfg"
	"github.com/vigildb/vigil/publisher"
)

const (
	defaultKafkaBatchSize  = 100
	defaultKafkaBatchBytes = 1 << 20
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if len(config.Brokers) == 0 {
			return nil, fmt.Errorf("kafka sink requires at least one broker")
		}
		return NewKafkaSink(config.Brokers, config.BatchSize), nil
	})
}

// KafkaSink publishes change records to Kafka topics. Writes are
// synchronous with full-ISR acknowledgement; records sharing a row key
// land on the same partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds a sink over the given brokers. batchSize <= 0
// selects the default.
func NewKafkaSink(brokers []string, batchSize int) *KafkaSink {
	if batchSize <= 0 {
		batchSize = defaultKafkaBatchSize
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              batchSize,
		BatchBytes:             defaultKafkaBatchBytes,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer}
}

// Publish writes one message. Timeouts and retries are owned by the
// calling worker, so no deadline is applied here.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	return k.writer.WriteMessages(context.Background(), msg)
}

// Close flushes and releases the writer.
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
