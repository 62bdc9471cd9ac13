package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keygate/keygate/broker"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamFetcherConfig configures a JetStream pull consumer fetcher
type JetStreamFetcherConfig struct {
	URL       string
	Topic     string // subject
	GroupID   string // durable consumer name
	BatchSize int
	FetchWait time.Duration
}

// JetStreamFetcher reads batches from a durable JetStream pull consumer.
// Committing acks the batch; rewinding naks it for redelivery.
type JetStreamFetcher struct {
	config   JetStreamFetcherConfig
	nc       *nats.Conn
	consumer jetstream.Consumer

	mu      sync.Mutex
	pending []jetstream.Msg
}

// NewJetStreamFetcher connects, ensures the stream and the durable consumer
func NewJetStreamFetcher(ctx context.Context, config JetStreamFetcherConfig) (*JetStreamFetcher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("jetstream fetcher requires a nats url")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("jetstream fetcher requires a subject")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("jetstream fetcher requires a durable name")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FetchWait <= 0 {
		config.FetchWait = DefaultFetchWait
	}

	nc, err := broker.Connect(config.URL)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := broker.EnsureStream(ctx, js, config.Topic, nil); err != nil {
		nc.Close()
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, broker.StreamName(config.Topic), jetstream.ConsumerConfig{
		Durable:       config.GroupID,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: config.Topic,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer %s: %w", config.GroupID, err)
	}

	log.Info().
		Str("topic", config.Topic).
		Str("group", config.GroupID).
		Msg("JetStream consumer ready")

	return &JetStreamFetcher{config: config, nc: nc, consumer: consumer}, nil
}

// Fetch pulls up to batch size messages, waiting at most the fetch wait
func (f *JetStreamFetcher) Fetch(ctx context.Context) ([]Message, error) {
	batch, err := f.consumer.Fetch(f.config.BatchSize, jetstream.FetchMaxWait(f.config.FetchWait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", f.config.Topic, err)
	}

	var (
		msgs    []Message
		pending []jetstream.Msg
	)
	for msg := range batch.Messages() {
		m := Message{
			Topic: msg.Subject(),
			Key:   []byte(msg.Headers().Get(broker.KeyHeader)),
			Value: msg.Data(),
			raw:   msg,
		}
		if meta, err := msg.Metadata(); err == nil {
			m.Offset = int64(meta.Sequence.Stream)
		}
		msgs = append(msgs, m)
		pending = append(pending, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && len(msgs) == 0 {
		return nil, fmt.Errorf("failed to fetch from %s: %w", f.config.Topic, err)
	}

	f.mu.Lock()
	f.pending = pending
	f.mu.Unlock()

	return msgs, nil
}

// Commit acks every message of the batch
func (f *JetStreamFetcher) Commit(ctx context.Context, msgs []Message) error {
	var errs []error
	for _, m := range msgs {
		jm, ok := m.raw.(jetstream.Msg)
		if !ok {
			return fmt.Errorf("message %d was not fetched from jetstream", m.Offset)
		}
		if err := jm.Ack(); err != nil {
			errs = append(errs, err)
		}
	}

	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to ack batch: %w", err)
	}
	return nil
}

// Rewind naks the pending batch so it is redelivered
func (f *JetStreamFetcher) Rewind(ctx context.Context) error {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	var errs []error
	for _, msg := range pending {
		if err := msg.Nak(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close naks anything pending and drops the connection
func (f *JetStreamFetcher) Close() error {
	err := f.Rewind(context.Background())
	f.nc.Close()
	return err
}
