// Package notify provides the cooperative shutdown signal shared by every
// long-running loop in keygate.
//
// A Shutdown is written once and observed by many: loops select on Done() at
// the top of each tick and while sleeping, finish the work they already
// started, and return. Nothing is interrupted synchronously.
package notify

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Shutdown is a single-writer, multi-reader stop flag.
type Shutdown struct {
	once   sync.Once
	ch     chan struct{}
	fired  atomic.Bool
	reason atomic.Value // string
}

// NewShutdown creates an unfired shutdown signal.
func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Trigger fires the signal. Only the first call has an effect; it reports
// whether this call was the one that fired.
func (s *Shutdown) Trigger(reason string) bool {
	fired := false
	s.once.Do(func() {
		s.reason.Store(reason)
		s.fired.Store(true)
		close(s.ch)
		fired = true
		log.Info().Str("reason", reason).Msg("Shutdown requested")
	})
	return fired
}

// Done returns a channel closed once the signal fires.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ch
}

// Fired reports whether the signal has fired.
func (s *Shutdown) Fired() bool {
	return s.fired.Load()
}

// Reason returns the reason passed to Trigger, or "" if not fired.
func (s *Shutdown) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Context derives a context that is cancelled when the signal fires or the
// parent is done.
func (s *Shutdown) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// TriggerOnSignals fires the shutdown when the process receives one of sigs.
// The returned function stops listening.
func (s *Shutdown) TriggerOnSignals(sigs ...os.Signal) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	stopCh := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		select {
		case sig := <-sigCh:
			s.Trigger(sig.String())
		case <-stopCh:
		}
	}()

	return func() {
		stopOnce.Do(func() {
			signal.Stop(sigCh)
			close(stopCh)
		})
	}
}
