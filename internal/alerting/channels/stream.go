package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"scanmeter/internal/quota/models"
)

// StreamChannel publishes alerts to a Kafka topic, keyed by tenant so one
// tenant's alerts stay ordered within a partition.
type StreamChannel struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewStream dials the brokers and returns a channel producing to topic.
func NewStream(brokers []string, topic string, logger *slog.Logger) (*StreamChannel, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("stream channel requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("stream channel requires a topic")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &StreamChannel{client: client, topic: topic, logger: logger}, nil
}

func (c *StreamChannel) Name() string { return "stream" }

func (c *StreamChannel) Send(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	record := &kgo.Record{
		Key:   []byte(alert.TenantID),
		Value: payload,
	}
	if err := c.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce alert to %s: %w", c.topic, err)
	}
	c.logger.DebugContext(ctx, "alert published",
		"topic", c.topic, "alert_id", alert.ID.String())
	return nil
}

// Close flushes and releases the Kafka client.
func (c *StreamChannel) Close() {
	c.client.Close()
}
