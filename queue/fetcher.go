// Package queue consumes replicated events from the broker and applies them
// through a static handler map, committing once per fully handled batch.
package queue

import (
	"context"
)

// Message is one broker message
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte

	raw interface{} // broker-specific handle used to commit or rewind
}

// Fetcher reads batches from a broker consumer group
type Fetcher interface {
	// Fetch returns the next batch, possibly empty. It blocks for at most
	// the configured fetch wait.
	Fetch(ctx context.Context) ([]Message, error)
	// Commit acknowledges a fully handled batch
	Commit(ctx context.Context, msgs []Message) error
	// Rewind drops uncommitted progress so the last batch is redelivered
	Rewind(ctx context.Context) error
	Close() error
}
