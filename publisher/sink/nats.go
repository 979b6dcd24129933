// Package sink provides concrete destinations for published change
// records. Each implementation registers itself with the publisher
// package under a type name referenced from sink configuration.
package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/vigildb/vigil/cfg"
	"github.com/vigildb/vigil/publisher"
)

const natsPublishTimeout = 5 * time.Second

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes change records to NATS JetStream subjects. One
// stream is created per topic the first time it is seen.
type NatsSink struct {
	conn *nats.Conn
	js   jetstream.JetStream

	mu      sync.Mutex
	streams map[string]struct{} // stream names already ensured
}

// NewNatsSink connects to the given NATS URL. The connection retries
// forever; publishes fail fast while disconnected and are retried by
// the owning worker.
func NewNatsSink(url string) (*NatsSink, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		conn:    conn,
		js:      js,
		streams: map[string]struct{}{},
	}, nil
}

// Publish sends one record to the JetStream subject named by topic.
// The row key travels as a message header so consumers can route
// without decoding the payload.
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	name := streamNameFor(topic)

	n.mu.Lock()
	_, known := n.streams[name]
	n.mu.Unlock()
	if known {
		return nil
	}

	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}

	n.mu.Lock()
	n.streams[name] = struct{}{}
	n.mu.Unlock()
	return nil
}

// Close drops the NATS connection.
func (n *NatsSink) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}

// streamNameFor maps a subject to a legal JetStream stream name.
// Stream names cannot contain ".".
func streamNameFor(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}
