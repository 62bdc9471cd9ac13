package cdc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/keygate/keygate/cfg"
	"github.com/keygate/keygate/notify"
	"github.com/keygate/keygate/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default width of one fetch window
	DefaultWindowSize = 10 * time.Second
	// Default minimum age of a write before it is read
	DefaultSafetyInterval = 30 * time.Second
	// Default sleep between windows
	DefaultPollInterval = time.Second
	// Default number of consumer shards per table
	DefaultShards = 4
)

// ErrStopped is returned by Wait when a tailer ran to a clean stop
var ErrStopped = errors.New("tailer stopped")

// TailerConfig configures the change tailer of one table
type TailerConfig struct {
	Table          string           // Table whose change log is tailed
	Source         Source           // Change log reader
	Factory        ConsumerFactory  // Creates one consumer per shard
	Checkpoints    CheckpointStore  // Persists the window upper bound
	WindowSize     time.Duration    // Maximum width of one window
	SafetyInterval time.Duration    // Rows younger than this are not read yet
	PollInterval   time.Duration    // Sleep between windows
	Shards         int              // Concurrent consumers; streams are hashed onto shards
	StartFrom      string           // "earliest" or "now" when no checkpoint exists
	Shutdown       *notify.Shutdown // Optional shared stop signal
	Now            func() time.Time // Clock, defaults to time.Now
}

// TailerStatus is a point-in-time view of a tailer
type TailerStatus struct {
	Table      string    `json:"table"`
	Running    bool      `json:"running"`
	Checkpoint time.Time `json:"checkpoint"`
	Windows    uint64    `json:"windows"`
	Rows       uint64    `json:"rows"`
	Skipped    uint64    `json:"skipped"`
	LastError  string    `json:"last_error,omitempty"`
}

// Tailer polls the change log of one table in time windows and feeds every
// row, in stream order, to the table's consumers
type Tailer struct {
	config    TailerConfig
	consumers []Consumer

	position time.Time // exclusive upper bound of the last committed window

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	statusMu  sync.RWMutex
	err       error
	lastError string
	windows   atomic.Uint64
	rows      atomic.Uint64
	skipped   atomic.Uint64
}

// NewTailer validates the configuration and creates a tailer
func NewTailer(config TailerConfig) (*Tailer, error) {
	if config.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Factory == nil {
		return nil, fmt.Errorf("consumer factory is required")
	}
	if config.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if config.SafetyInterval < 0 {
		return nil, fmt.Errorf("safety interval must be >= 0")
	}

	if config.WindowSize <= 0 {
		config.WindowSize = DefaultWindowSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Shards <= 0 {
		config.Shards = DefaultShards
	}
	if config.StartFrom == "" {
		config.StartFrom = cfg.StartEarliest
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	t := &Tailer{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	close(t.doneCh) // not running yet; Wait returns immediately

	return t, nil
}

// Table returns the tailed table name
func (t *Tailer) Table() string {
	return t.config.Table
}

// Start resolves the start position, creates the shard consumers and starts
// the polling goroutine
func (t *Tailer) Start(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.running.Load() {
		return nil
	}

	position, err := t.resolveStart(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve start position for %s: %w", t.config.Table, err)
	}

	consumers := make([]Consumer, 0, t.config.Shards)
	for i := 0; i < t.config.Shards; i++ {
		c, err := t.config.Factory.NewConsumer()
		if err != nil {
			closeConsumers(consumers)
			return fmt.Errorf("failed to create consumer for shard %d: %w", i, err)
		}
		consumers = append(consumers, c)
	}

	t.consumers = consumers
	t.position = position
	t.setError(nil)
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.running.Store(true)

	log.Info().
		Str("table", t.config.Table).
		Time("position", position).
		Dur("window", t.config.WindowSize).
		Dur("safety_interval", t.config.SafetyInterval).
		Int("shards", t.config.Shards).
		Msg("Starting change tailer")

	go t.pollLoop()
	return nil
}

// resolveStart picks the checkpoint, or the configured start position
func (t *Tailer) resolveStart(ctx context.Context) (time.Time, error) {
	position, ok, err := t.config.Checkpoints.Load(t.config.Table)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return position, nil
	}

	if t.config.StartFrom == cfg.StartNow {
		return t.config.Now().Add(-t.config.SafetyInterval), nil
	}

	return t.config.Source.EarliestTime(ctx, t.config.Table)
}

// Stop asks the tailer to finish its current window and waits for it to exit
func (t *Tailer) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if !t.running.Load() {
		return
	}

	log.Info().Str("table", t.config.Table).Msg("Stopping change tailer")

	close(t.stopCh)
	<-t.doneCh
}

// Wait blocks until the tailer exits. It returns ErrStopped after a clean
// stop, or the fatal consumer error that stopped the stream.
func (t *Tailer) Wait() error {
	t.lifecycleMu.Lock()
	done := t.doneCh
	t.lifecycleMu.Unlock()

	<-done

	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	if t.err != nil {
		return t.err
	}
	return ErrStopped
}

// Status returns a snapshot of the tailer
func (t *Tailer) Status() TailerStatus {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()

	return TailerStatus{
		Table:      t.config.Table,
		Running:    t.running.Load(),
		Checkpoint: t.position,
		Windows:    t.windows.Load(),
		Rows:       t.rows.Load(),
		Skipped:    t.skipped.Load(),
		LastError:  t.lastError,
	}
}

// Checkpoint returns the exclusive upper bound of the last committed window
func (t *Tailer) Checkpoint() time.Time {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	return t.position
}

func (t *Tailer) setError(err error) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	t.err = err
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
}

func (t *Tailer) noteTransient(err error) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	t.lastError = err.Error()
}

// pollLoop is the main tailer loop
func (t *Tailer) pollLoop() {
	defer close(t.doneCh)
	defer t.running.Store(false)
	defer closeConsumers(t.consumers)

	ctx := context.Background()

	for {
		if t.stopRequested() {
			return
		}

		if err := t.tick(ctx); err != nil {
			t.setError(err)
			telemetry.CDCWindowsTotal.With(t.config.Table, "stopped").Inc()
			log.Error().
				Err(err).
				Str("table", t.config.Table).
				Time("position", t.Checkpoint()).
				Msg("Change tailer stopped on unrecoverable consumer error")
			return
		}

		if !t.sleep(t.config.PollInterval) {
			return
		}
	}
}

// tick processes one window. A non-nil error is fatal for the tailer;
// transient read and checkpoint failures are logged and retried next tick.
func (t *Tailer) tick(ctx context.Context) error {
	low := t.Checkpoint()
	high := t.windowEnd(low)
	if !high.After(low) {
		telemetry.CDCWindowsTotal.With(t.config.Table, "empty").Inc()
		return nil
	}

	streams, next, err := t.config.Source.Streams(ctx, t.config.Table, low)
	if err != nil {
		t.transient(err, "Failed to list change streams")
		return nil
	}
	if !next.IsZero() && next.After(low) && next.Before(high) {
		high = next
	}

	rows, err := t.config.Source.Fetch(ctx, t.config.Table, streams, low, high)
	if err != nil {
		t.transient(err, "Failed to fetch change window")
		return nil
	}

	rows = clampWindow(rows, low, high)
	sort.SliceStable(rows, func(i, j int) bool { return rowLess(rows[i], rows[j]) })

	if err := t.dispatch(ctx, rows); err != nil {
		return err
	}

	if err := t.config.Checkpoints.Save(t.config.Table, high); err != nil {
		// The window is replayed next tick; consumers are idempotent downstream.
		t.transient(err, "Failed to persist checkpoint")
		return nil
	}

	t.statusMu.Lock()
	t.position = high
	t.statusMu.Unlock()
	t.windows.Add(1)
	telemetry.CDCWindowsTotal.With(t.config.Table, "ok").Inc()

	log.Debug().
		Str("table", t.config.Table).
		Time("low", low).
		Time("high", high).
		Int("rows", len(rows)).
		Msg("Committed change window")

	return nil
}

// windowEnd returns min(low+window, now-safety)
func (t *Tailer) windowEnd(low time.Time) time.Time {
	high := low.Add(t.config.WindowSize)
	limit := t.config.Now().Add(-t.config.SafetyInterval)
	if high.After(limit) {
		high = limit
	}
	return high
}

func (t *Tailer) transient(err error, msg string) {
	t.noteTransient(err)
	telemetry.CDCWindowsTotal.With(t.config.Table, "read_error").Inc()
	log.Warn().Err(err).Str("table", t.config.Table).Msg(msg)
}

// dispatch hands rows to the shard consumers. Rows must be sorted; every
// stream maps to exactly one shard so per-stream order is preserved.
func (t *Tailer) dispatch(ctx context.Context, rows []ChangeRow) error {
	if len(rows) == 0 {
		return nil
	}

	shards := len(t.consumers)
	groups := make([][]ChangeRow, shards)
	for _, row := range rows {
		idx := shardFor(row.StreamID, shards)
		groups[idx] = append(groups[idx], row)
	}

	errs := make([]error, shards)
	var wg sync.WaitGroup
	for i := range groups {
		if len(groups[i]) == 0 {
			continue
		}
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			errs[shard] = t.consumeShard(ctx, shard, groups[shard])
		}(i)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// consumeShard feeds one shard's rows to its consumer in order. It stops at
// the first unrecoverable error.
func (t *Tailer) consumeShard(ctx context.Context, shard int, rows []ChangeRow) error {
	consumer := t.consumers[shard]
	for _, row := range rows {
		err := consumer.Consume(ctx, row)
		if err == nil {
			t.rows.Add(1)
			telemetry.CDCRowsTotal.With(t.config.Table, "ok").Inc()
			continue
		}

		if IsRecoverable(err) {
			t.skipped.Add(1)
			telemetry.CDCRowsTotal.With(t.config.Table, "skipped").Inc()
			log.Warn().
				Err(err).
				Str("table", t.config.Table).
				Str("stream", row.StreamID.String()).
				Int("shard", shard).
				Str("operation", row.Operation.String()).
				Time("time", row.Time).
				Msg("Skipping change row")
			continue
		}

		telemetry.CDCRowsTotal.With(t.config.Table, "failed").Inc()
		return fmt.Errorf("table %s stream %s at %s: %w",
			t.config.Table, row.StreamID, row.Time.UTC().Format(time.RFC3339Nano), err)
	}
	return nil
}

func (t *Tailer) stopRequested() bool {
	select {
	case <-t.stopCh:
		return true
	case <-t.shutdownCh():
		return true
	default:
		return false
	}
}

func (t *Tailer) shutdownCh() <-chan struct{} {
	if t.config.Shutdown == nil {
		return nil
	}
	return t.config.Shutdown.Done()
}

// sleep sleeps for the given duration, checking for stop
// Returns true if sleep completed, false if stopped
func (t *Tailer) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.stopCh:
		return false
	case <-t.shutdownCh():
		return false
	case <-timer.C:
		return true
	}
}

// shardFor maps a stream onto a shard
func shardFor(stream StreamID, shards int) int {
	return int(xxhash.Sum64String(string(stream)) % uint64(shards))
}

// clampWindow drops rows outside [low, high)
func clampWindow(rows []ChangeRow, low, high time.Time) []ChangeRow {
	out := rows[:0]
	for _, row := range rows {
		if row.Time.Before(low) || !row.Time.Before(high) {
			log.Debug().
				Str("table", row.Table).
				Time("time", row.Time).
				Msg("Dropping change row outside window")
			continue
		}
		out = append(out, row)
	}
	return out
}

func closeConsumers(consumers []Consumer) {
	for _, c := range consumers {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close change consumer")
			}
		}
	}
}
