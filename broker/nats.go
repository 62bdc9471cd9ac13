package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keygate/keygate/cfg"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

// KeyHeader carries the message key on JetStream messages
const KeyHeader = "key"

const natsPublishTimeout = 5 * time.Second

func init() {
	RegisterPublisher("nats", func(config cfg.BrokerConfiguration) (Publisher, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats publisher requires nats_url")
		}
		p, err := NewNatsPublisher(config.NatsURL)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// NatsPublisher publishes to NATS JetStream, one stream per subject
type NatsPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams *xsync.MapOf[string, struct{}]
}

// Connect dials NATS with unlimited reconnects
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNatsPublisher connects to NATS and creates a JetStream publisher
func NewNatsPublisher(url string) (*NatsPublisher, error) {
	nc, err := Connect(url)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsPublisher{
		nc:      nc,
		js:      js,
		streams: xsync.NewMapOf[string, struct{}](),
	}, nil
}

// Publish sends value to the subject, creating its stream on first use
func (n *NatsPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()

	if err := EnsureStream(ctx, n.js, topic, n.streams); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{KeyHeader: []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Close releases the connection
func (n *NatsPublisher) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// EnsureStream creates or updates the stream holding topic. Known streams
// are remembered in seen and skipped.
func EnsureStream(ctx context.Context, js jetstream.JetStream, topic string, seen *xsync.MapOf[string, struct{}]) error {
	name := StreamName(topic)
	if seen != nil {
		if _, ok := seen.Load(name); ok {
			return nil
		}
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}

	if seen != nil {
		seen.Store(name, struct{}{})
	}
	return nil
}

// StreamName converts a subject to a valid JetStream stream name
func StreamName(topic string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(topic)
}
