package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// Bus is the optional Kafka event-publishing sink: every telemetry
// Event is JSON-encoded and produced to one topic, for downstream
// consumers that want this speaker's session history as a stream
// rather than a materialized table.
type Bus struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewBus dials brokers and prepares a producer client for topic.
// tlsCfg and saslMech may be nil when the cluster needs neither.
func NewBus(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Bus, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: kafka client: %w", err)
	}
	return &Bus{client: client, topic: topic, logger: logger}, nil
}

// Record produces one JSON-encoded record; production is fire-and-
// forget from the telemetry goroutine's perspective, the produce
// callback only logs failures.
func (b *Bus) Record(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	rec := &kgo.Record{Topic: b.topic, Key: []byte(ev.Peer), Value: payload}
	b.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			b.logger.Warn("telemetry bus produce failed", zap.Error(err))
		}
	})
	return nil
}

func (b *Bus) Close() error {
	b.client.Close()
	return nil
}
