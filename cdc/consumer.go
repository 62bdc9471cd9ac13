package cdc

import (
	"context"
	"time"
)

// Consumer receives changed rows one at a time, in stream order.
// A returned error is fatal for the stream unless IsRecoverable reports true.
type Consumer interface {
	Consume(ctx context.Context, row ChangeRow) error
}

// ConsumerFactory creates one Consumer per tailer shard, so consumers never
// share mutable state across goroutines.
type ConsumerFactory interface {
	NewConsumer() (Consumer, error)
}

// ConsumerFactoryFunc adapts a function to ConsumerFactory
type ConsumerFactoryFunc func() (Consumer, error)

func (f ConsumerFactoryFunc) NewConsumer() (Consumer, error) {
	return f()
}

// Source reads the change log of a table
type Source interface {
	// Streams returns the streams of the generation in effect at the given
	// time and the start of the following generation, zero when there is
	// none yet. A window must not cross into the next generation.
	Streams(ctx context.Context, table string, at time.Time) ([]StreamID, time.Time, error)
	// EarliestTime returns the start of the table's current generation
	EarliestTime(ctx context.Context, table string) (time.Time, error)
	// Fetch returns the rows of streams whose commit time lies in [low, high)
	Fetch(ctx context.Context, table string, streams []StreamID, low, high time.Time) ([]ChangeRow, error)
}

// CheckpointStore persists the exclusive upper bound of the last window
// every tailer fully consumed
type CheckpointStore interface {
	Load(table string) (time.Time, bool, error)
	Save(table string, position time.Time) error
}
