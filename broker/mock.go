package broker

import (
	"context"
	"sync"
)

// MockPublisher records published messages for tests
type MockPublisher struct {
	Messages   []MockMessage
	PublishErr error
	Closed     bool
	mu         sync.Mutex
}

// MockMessage is one recorded publish
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MockPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: value,
	})

	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Published returns a copy of the recorded messages
func (m *MockPublisher) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Reset clears all recorded messages
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
