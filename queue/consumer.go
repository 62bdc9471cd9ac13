package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/keygate/keygate/domain"
	"github.com/keygate/keygate/notify"
	"github.com/keygate/keygate/telemetry"
	"github.com/keygate/keygate/tracing"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBatchSize    = 100
	DefaultFetchWait    = 500 * time.Millisecond
	DefaultTickInterval = time.Second
)

// State of the consumer loop
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateProcessing
	StateCommitting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config configures a queue consumer
type Config struct {
	Fetcher      Fetcher
	Handlers     Handlers
	TickInterval time.Duration
	Shutdown     *notify.Shutdown
}

// HandlerStats counts handled messages for one operation
type HandlerStats struct {
	Applied   uint64 `json:"applied"`
	Tolerated uint64 `json:"tolerated"`
	Failed    uint64 `json:"failed"`
}

type handlerCounters struct {
	applied   atomic.Uint64
	tolerated atomic.Uint64
	failed    atomic.Uint64
}

// Status is a point-in-time view of the consumer
type Status struct {
	State     string                  `json:"state"`
	Committed uint64                  `json:"committed_batches"`
	Aborted   uint64                  `json:"aborted_batches"`
	Poison    uint64                  `json:"poison_messages"`
	Ignored   uint64                  `json:"ignored_messages"`
	Handlers  map[string]HandlerStats `json:"handlers"`
	LastError string                  `json:"last_error,omitempty"`
}

// Consumer polls a Fetcher and applies each message through its handlers
type Consumer struct {
	fetcher  Fetcher
	handlers Handlers
	tick     time.Duration
	shutdown *notify.Shutdown
	tracer   trace.Tracer

	state   atomic.Int32
	trigger chan struct{}

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	stats     *xsync.MapOf[string, *handlerCounters]
	committed atomic.Uint64
	aborted   atomic.Uint64
	poison    atomic.Uint64
	ignored   atomic.Uint64
	errMu     sync.Mutex
	lastError string
}

// NewConsumer creates a consumer. The handler map is copied and fixed for
// the consumer's lifetime.
func NewConsumer(config Config) (*Consumer, error) {
	if config.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if len(config.Handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}

	c := &Consumer{
		fetcher:  config.Fetcher,
		handlers: config.Handlers.clone(),
		tick:     config.TickInterval,
		shutdown: config.Shutdown,
		tracer:   tracing.Tracer("queue"),
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		stats:    xsync.NewMapOf[string, *handlerCounters](),
	}
	close(c.doneCh)
	for op := range c.handlers {
		c.stats.Store(op, &handlerCounters{})
	}
	return c, nil
}

// Start launches the polling loop
func (c *Consumer) Start(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.state.Store(int32(StateIdle))
	c.running.Store(true)

	log.Info().Dur("tick", c.tick).Int("handlers", len(c.handlers)).Msg("Starting queue consumer")

	go c.loop(ctx)
}

// Stop signals the loop and waits for it to exit. A batch in flight is
// finished first.
func (c *Consumer) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return
	}

	close(c.stopCh)
	<-c.doneCh
}

// Wait blocks until the loop exits
func (c *Consumer) Wait() {
	c.lifecycleMu.Lock()
	done := c.doneCh
	c.lifecycleMu.Unlock()
	<-done
}

// Trigger wakes the loop before the next tick
func (c *Consumer) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// State returns the current loop state
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Status returns a snapshot of the consumer
func (c *Consumer) Status() Status {
	s := Status{
		State:     c.State().String(),
		Committed: c.committed.Load(),
		Aborted:   c.aborted.Load(),
		Poison:    c.poison.Load(),
		Ignored:   c.ignored.Load(),
		Handlers:  make(map[string]HandlerStats),
	}
	c.stats.Range(func(op string, hc *handlerCounters) bool {
		s.Handlers[op] = HandlerStats{
			Applied:   hc.applied.Load(),
			Tolerated: hc.tolerated.Load(),
			Failed:    hc.failed.Load(),
		}
		return true
	})
	c.errMu.Lock()
	s.LastError = c.lastError
	c.errMu.Unlock()
	return s
}

func (c *Consumer) noteError(err error) {
	c.errMu.Lock()
	c.lastError = err.Error()
	c.errMu.Unlock()
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.doneCh)
	defer c.running.Store(false)
	defer c.setState(StateStopped)

	for {
		if c.stopRequested() {
			c.setState(StateStopping)
			log.Info().Msg("Queue consumer stopping")
			return
		}

		more := c.poll(ctx)
		c.setState(StateIdle)

		if more {
			continue
		}
		if !c.wait() {
			c.setState(StateStopping)
			log.Info().Msg("Queue consumer stopping")
			return
		}
	}
}

// poll fetches and handles one batch. It reports whether the batch was
// committed and more messages may be waiting.
func (c *Consumer) poll(ctx context.Context) bool {
	c.setState(StatePolling)

	msgs, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.noteError(err)
		telemetry.QueueBatchesTotal.With("fetch_error").Inc()
		log.Warn().Err(err).Msg("Failed to fetch queue batch")
		return false
	}
	if len(msgs) == 0 {
		telemetry.QueueBatchesTotal.With("empty").Inc()
		return false
	}

	telemetry.QueueBatchSize.Observe(float64(len(msgs)))
	c.setState(StateProcessing)

	ctx, span := c.tracer.Start(ctx, "queue.batch", trace.WithAttributes(attribute.Int("messages", len(msgs))))
	defer span.End()

	if err := c.processBatch(ctx, msgs); err != nil {
		c.noteError(err)
		c.aborted.Add(1)
		telemetry.QueueBatchesTotal.With("aborted").Inc()
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Int("messages", len(msgs)).Msg("Queue batch aborted; it will be redelivered")

		if err := c.fetcher.Rewind(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to rewind queue consumer")
		}
		return false
	}

	c.setState(StateCommitting)
	if err := c.fetcher.Commit(ctx, msgs); err != nil {
		c.noteError(err)
		telemetry.QueueBatchesTotal.With("commit_error").Inc()
		span.SetStatus(codes.Error, "commit failed")
		log.Warn().Err(err).Int("messages", len(msgs)).Msg("Failed to commit queue batch")
		return false
	}

	c.committed.Add(1)
	telemetry.QueueBatchesTotal.With("committed").Inc()
	log.Debug().Int("messages", len(msgs)).Msg("Committed queue batch")
	return true
}

// processBatch handles messages in fetch order. It returns the first
// handler error that is not tolerated.
func (c *Consumer) processBatch(ctx context.Context, msgs []Message) error {
	for _, msg := range msgs {
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg Message) error {
	if !utf8.Valid(msg.Value) {
		c.poison.Add(1)
		telemetry.QueueMessagesTotal.With("unknown", "poison").Inc()
		c.logMessage(log.Warn(), msg).Msg("Skipping message with invalid UTF-8")
		return nil
	}

	env, err := domain.DecodeEnvelope(msg.Value)
	if err != nil {
		c.poison.Add(1)
		telemetry.QueueMessagesTotal.With("unknown", "poison").Inc()
		c.logMessage(log.Warn(), msg).Err(err).Msg("Skipping malformed envelope")
		return nil
	}

	handler, ok := c.handlers[env.Operation]
	if !ok {
		c.ignored.Add(1)
		telemetry.QueueMessagesTotal.With(env.Operation, "ignored").Inc()
		c.logMessage(log.Warn(), msg).Str("operation", env.Operation).Msg("No handler registered for operation")
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "queue.handle", trace.WithAttributes(
		attribute.String("operation", env.Operation),
		attribute.Int64("offset", msg.Offset),
	))
	defer span.End()

	counters, _ := c.stats.LoadOrCompute(env.Operation, func() *handlerCounters { return &handlerCounters{} })

	err = handler(ctx, env)
	switch {
	case err == nil:
		counters.applied.Add(1)
		telemetry.QueueMessagesTotal.With(env.Operation, "applied").Inc()
		return nil
	case IsTolerated(err):
		counters.tolerated.Add(1)
		telemetry.QueueMessagesTotal.With(env.Operation, "tolerated").Inc()
		tracing.WithTrace(ctx, c.logMessage(log.Warn(), msg)).
			Err(err).
			Str("operation", env.Operation).
			Msg("Handler failure tolerated")
		return nil
	default:
		counters.failed.Add(1)
		telemetry.QueueMessagesTotal.With(env.Operation, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s handler failed at %s/%d offset %d: %w",
			env.Operation, msg.Topic, msg.Partition, msg.Offset, err)
	}
}

func (c *Consumer) logMessage(e *zerolog.Event, msg Message) *zerolog.Event {
	return e.
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset)
}

func (c *Consumer) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	case <-c.shutdownCh():
		return true
	default:
		return false
	}
}

func (c *Consumer) shutdownCh() <-chan struct{} {
	if c.shutdown == nil {
		return nil
	}
	return c.shutdown.Done()
}

// wait sleeps until the next tick or a trigger.
// Returns false if stopped.
func (c *Consumer) wait() bool {
	timer := time.NewTimer(c.tick)
	defer timer.Stop()

	select {
	case <-c.stopCh:
		return false
	case <-c.shutdownCh():
		return false
	case <-c.trigger:
		return true
	case <-timer.C:
		return true
	}
}
