// Package broker publishes replicated events to a durable message broker.
//
// Every publish names its destination explicitly; publishers hold no
// per-message state and are safe for concurrent use.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/keygate/keygate/cfg"
)

// Publisher sends keyed messages to a broker topic
type Publisher interface {
	// Publish durably sends value to topic. Messages with the same key keep
	// their relative order.
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// PublisherFactory creates a Publisher from the broker configuration
type PublisherFactory func(cfg.BrokerConfiguration) (Publisher, error)

var (
	publisherFactories = make(map[string]PublisherFactory)
	factoryMu          sync.RWMutex
)

// RegisterPublisher registers a publisher factory for a broker type
func RegisterPublisher(brokerType string, factory PublisherFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	publisherFactories[brokerType] = factory
}

// NewPublisher creates the publisher for config.Type
func NewPublisher(config cfg.BrokerConfiguration) (Publisher, error) {
	factoryMu.RLock()
	factory, exists := publisherFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown broker type: %s", config.Type)
	}

	return factory(config)
}
