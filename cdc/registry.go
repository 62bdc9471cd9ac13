package cdc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keygate/keygate/cfg"
	"github.com/keygate/keygate/notify"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ConsumerFactoryBuilder creates the consumer factory for one configured table
type ConsumerFactoryBuilder func(table cfg.TableConfiguration) (ConsumerFactory, error)

// RegistryConfig configures the tailer registry
type RegistryConfig struct {
	Source      Source
	Checkpoints CheckpointStore
	Tables      []cfg.TableConfiguration
	StartFrom   string
	Shards      int
	Shutdown    *notify.Shutdown
	Now         func() time.Time
}

// Registry manages one tailer per configured table. Tables are independent:
// a stopped or stalled tailer does not affect the others.
type Registry struct {
	config   RegistryConfig
	builders map[string]ConsumerFactoryBuilder
	tailers  []*Tailer
	statuses *xsync.MapOf[string, TailerStatus]
	running  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. Consumers must be registered
// before Start.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if len(config.Tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}

	return &Registry{
		config:   config,
		builders: make(map[string]ConsumerFactoryBuilder),
		statuses: xsync.NewMapOf[string, TailerStatus](),
	}, nil
}

// RegisterConsumer registers the factory builder for a consumer kind
func (r *Registry) RegisterConsumer(kind string, builder ConsumerFactoryBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
}

// Start builds and starts a tailer for every configured table
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	tailers := make([]*Tailer, 0, len(r.config.Tables))
	for _, table := range r.config.Tables {
		t, err := r.newTailer(table)
		if err != nil {
			return fmt.Errorf("failed to create tailer for %s: %w", table.Name, err)
		}
		tailers = append(tailers, t)
	}

	for i, t := range tailers {
		if err := t.Start(ctx); err != nil {
			for _, started := range tailers[:i] {
				started.Stop()
			}
			return err
		}
	}

	r.tailers = tailers
	r.running.Store(true)

	for _, t := range tailers {
		r.statuses.Store(t.Table(), t.Status())
		r.wg.Add(1)
		go r.watch(t)
	}

	log.Info().Int("tables", len(tailers)).Msg("Change tailer registry started")
	return nil
}

func (r *Registry) newTailer(table cfg.TableConfiguration) (*Tailer, error) {
	builder, ok := r.builders[table.Consumer]
	if !ok {
		return nil, fmt.Errorf("unknown consumer type: %s", table.Consumer)
	}

	factory, err := builder(table)
	if err != nil {
		return nil, err
	}

	return NewTailer(TailerConfig{
		Table:          table.Name,
		Source:         r.config.Source,
		Factory:        factory,
		Checkpoints:    r.config.Checkpoints,
		WindowSize:     time.Duration(table.WindowSizeMS) * time.Millisecond,
		SafetyInterval: time.Duration(table.SafetyIntervalMS) * time.Millisecond,
		PollInterval:   time.Duration(table.PollIntervalMS) * time.Millisecond,
		Shards:         r.config.Shards,
		StartFrom:      r.config.StartFrom,
		Shutdown:       r.config.Shutdown,
		Now:            r.config.Now,
	})
}

// watch records the final status of a tailer once it exits
func (r *Registry) watch(t *Tailer) {
	defer r.wg.Done()

	err := t.Wait()
	r.statuses.Store(t.Table(), t.Status())
	if err != nil && !errors.Is(err, ErrStopped) {
		log.Error().Err(err).Str("table", t.Table()).Msg("Table replication stopped")
	}
}

// Stop stops every tailer, each finishing its current window
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, t := range r.tailers {
		t.Stop()
	}
	r.wg.Wait()

	log.Info().Msg("Change tailer registry stopped")
}

// Wait blocks until every tailer has exited and returns the fatal errors
func (r *Registry) Wait() error {
	r.wg.Wait()

	var errs []error
	for _, t := range r.tailers {
		if err := t.Wait(); err != nil && !errors.Is(err, ErrStopped) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Statuses returns the status of every tailer sorted by table
func (r *Registry) Statuses() []TailerStatus {
	for _, t := range r.tailers {
		r.statuses.Store(t.Table(), t.Status())
	}

	out := make([]TailerStatus, 0, r.statuses.Size())
	r.statuses.Range(func(_ string, s TailerStatus) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Checkpoints returns the current checkpoint of every tailer
func (r *Registry) Checkpoints() map[string]time.Time {
	out := make(map[string]time.Time)
	r.statuses.Range(func(table string, s TailerStatus) bool {
		out[table] = s.Checkpoint
		return true
	})
	for _, t := range r.tailers {
		out[t.Table()] = t.Checkpoint()
	}
	return out
}
