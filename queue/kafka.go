package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaFetcherConfig configures a Kafka consumer group fetcher
type KafkaFetcherConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	BatchSize int
	FetchWait time.Duration
}

// KafkaFetcher reads batches through a kafka-go consumer group reader.
// Offsets are committed explicitly.
type KafkaFetcher struct {
	config KafkaFetcherConfig
	mu     sync.Mutex
	reader *kafka.Reader
}

// NewKafkaFetcher creates the reader; it joins the group on first fetch
func NewKafkaFetcher(config KafkaFetcherConfig) (*KafkaFetcher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka fetcher requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka fetcher requires a topic")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("kafka fetcher requires a group id")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FetchWait <= 0 {
		config.FetchWait = DefaultFetchWait
	}

	f := &KafkaFetcher{config: config}
	f.reader = f.newReader()
	return f, nil
}

func (f *KafkaFetcher) newReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        f.config.Brokers,
		Topic:          f.config.Topic,
		GroupID:        f.config.GroupID,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        f.config.FetchWait,
		CommitInterval: 0, // synchronous commits
		StartOffset:    kafka.FirstOffset,
	})
}

// Fetch collects messages until the batch is full or the fetch wait elapses
func (f *KafkaFetcher) Fetch(ctx context.Context) ([]Message, error) {
	f.mu.Lock()
	reader := f.reader
	f.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, f.config.FetchWait)
	defer cancel()

	msgs := make([]Message, 0, f.config.BatchSize)
	for len(msgs) < f.config.BatchSize {
		m, err := reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if len(msgs) > 0 {
				// hand out what was read; the error resurfaces on the next fetch
				break
			}
			return nil, fmt.Errorf("failed to fetch from %s: %w", f.config.Topic, err)
		}
		msgs = append(msgs, Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
			raw:       m,
		})
	}

	return msgs, nil
}

// Commit commits the offsets of the batch to the group
func (f *KafkaFetcher) Commit(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	kmsgs := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km, ok := m.raw.(kafka.Message)
		if !ok {
			return fmt.Errorf("message at offset %d was not fetched from kafka", m.Offset)
		}
		kmsgs = append(kmsgs, km)
	}

	f.mu.Lock()
	reader := f.reader
	f.mu.Unlock()

	if err := reader.CommitMessages(ctx, kmsgs...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

// Rewind reopens the reader so the group resumes at the committed offset
func (f *KafkaFetcher) Rewind(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.reader.Close(); err != nil {
		log.Warn().Err(err).Str("topic", f.config.Topic).Msg("Failed to close kafka reader on rewind")
	}
	f.reader = f.newReader()

	log.Debug().Str("topic", f.config.Topic).Str("group", f.config.GroupID).Msg("Rewound kafka reader")
	return nil
}

// Close leaves the group
func (f *KafkaFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reader.Close()
}
