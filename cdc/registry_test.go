package cdc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keygate/keygate/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_Validation(t *testing.T) {
	tables := []cfg.TableConfiguration{{Name: "users", Consumer: "ok"}}

	_, err := NewRegistry(RegistryConfig{Checkpoints: newMemCheckpoints(), Tables: tables})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{Source: &fakeSource{}, Tables: tables})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{Source: &fakeSource{}, Checkpoints: newMemCheckpoints()})
	assert.Error(t, err)
}

func TestRegistry_UnknownConsumer(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		Source:      &fakeSource{},
		Checkpoints: newMemCheckpoints(),
		Tables:      []cfg.TableConfiguration{{Name: "users", Consumer: "nope"}},
	})
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown consumer type")
}

func TestRegistry_TablesAreIndependent(t *testing.T) {
	src := &fakeSource{earliest: base}
	src.add(row("users", "a", time.Second, 0))
	src.add(row("sessions", "b", time.Second, 0))
	src.add(row("sessions", "b", 12*time.Second, 0))

	cps := newMemCheckpoints()
	clock := newFakeClock(base.Add(20 * time.Second))
	good := &recorder{}
	bad := &recorder{failOn: func(ChangeRow) error { return errors.New("sink down") }}

	r, err := NewRegistry(RegistryConfig{
		Source:      src,
		Checkpoints: cps,
		Tables: []cfg.TableConfiguration{
			{Name: "users", Consumer: "bad", WindowSizeMS: 10000, PollIntervalMS: 1},
			{Name: "sessions", Consumer: "good", WindowSizeMS: 10000, PollIntervalMS: 1},
		},
		Shards: 2,
		Now:    clock.Now,
	})
	require.NoError(t, err)

	r.RegisterConsumer("good", func(cfg.TableConfiguration) (ConsumerFactory, error) { return good.factory(), nil })
	r.RegisterConsumer("bad", func(cfg.TableConfiguration) (ConsumerFactory, error) { return bad.factory(), nil })

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.Eventually(t, func() bool {
		p, _ := cps.get("sessions")
		return p.Equal(base.Add(20 * time.Second))
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, good.got(), 2)

	require.Eventually(t, func() bool {
		for _, s := range r.Statuses() {
			if s.Table == "users" {
				return !s.Running
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "sessions", statuses[0].Table)
	assert.True(t, statuses[0].Running)
	assert.Equal(t, "users", statuses[1].Table)
	assert.Contains(t, statuses[1].LastError, "sink down")

	checkpoints := r.Checkpoints()
	assert.Equal(t, base, checkpoints["users"])
	assert.Equal(t, base.Add(20*time.Second), checkpoints["sessions"])
}

func TestRegistry_StopIsIdempotent(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		Source:      &fakeSource{earliest: base},
		Checkpoints: newMemCheckpoints(),
		Tables:      []cfg.TableConfiguration{{Name: "users", Consumer: "ok", PollIntervalMS: 1}},
		Now:         newFakeClock(base).Now,
	})
	require.NoError(t, err)
	rec := &recorder{}
	r.RegisterConsumer("ok", func(cfg.TableConfiguration) (ConsumerFactory, error) { return rec.factory(), nil })

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	r.Stop()
	r.Stop()
	assert.NoError(t, r.Wait())
}
