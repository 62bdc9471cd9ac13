package telemetry

import (
	"sync"
	"time"
)

// CheckpointProvider exposes the last committed position of every tailed table
type CheckpointProvider interface {
	Checkpoints() map[string]time.Time
}

// MetricsCollector periodically samples checkpoint positions into lag gauges
type MetricsCollector struct {
	provider CheckpointProvider
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider CheckpointProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	now := mc.now()
	for table, position := range mc.provider.Checkpoints() {
		if position.IsZero() {
			continue
		}
		CDCCheckpointLagSeconds.With(table).Set(now.Sub(position).Seconds())
	}
}
