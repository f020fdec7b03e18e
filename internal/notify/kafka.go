package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka notifier.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// producer is the part of *kgo.Client the notifier uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaNotifier produces one record per appended event, keyed by tenant so a
// tenant's triggers stay ordered within a partition.
type KafkaNotifier struct {
	client producer
	logger *slog.Logger
}

// NewKafkaNotifier connects a producer for cfg.Topic.
func NewKafkaNotifier(cfg KafkaConfig, logger *slog.Logger) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("notify: kafka brokers and topic are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: create kafka client: %w", err)
	}
	return newKafkaNotifier(client, logger), nil
}

func newKafkaNotifier(client producer, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{client: client, logger: logger}
}

// Notify enqueues the record without waiting for the broker. Delivery failures are
// reported through the logger.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	value, err := n.Encode()
	if err != nil {
		return fmt.Errorf("notify: encode notification: %w", err)
	}
	record := &kgo.Record{Key: []byte(n.Scope.TenantID), Value: value}
	k.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			k.logger.Warn("webhook trigger not delivered to kafka",
				"event_id", n.EventID,
				"topic", r.Topic,
				"error", err,
			)
		}
	})
	return nil
}

// Close flushes buffered records and closes the client.
func (k *KafkaNotifier) Close(ctx context.Context) error {
	err := k.client.Flush(ctx)
	k.client.Close()
	return err
}
