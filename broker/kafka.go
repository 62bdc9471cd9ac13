package broker

import (
	"context"
	"fmt"

	"github.com/keygate/keygate/cfg"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	RegisterPublisher("kafka", func(config cfg.BrokerConfiguration) (Publisher, error) {
		p, err := NewKafkaPublisher(DefaultKafkaConfig(config.Brokers))
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// KafkaPublisher publishes to Kafka, partitioning by message key
type KafkaPublisher struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaPublisher
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// DefaultKafkaConfig returns a KafkaConfig that waits for all in-sync replicas
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaPublisher creates a synchronous Kafka writer. The writer carries no
// default topic; every message names its own.
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaPublisher{writer: writer}, nil
}

// Publish writes one message and waits for the broker acknowledgement
func (k *KafkaPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if topic == "" {
		return fmt.Errorf("kafka publish requires a topic")
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
