package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/domain"
	"github.com/keygate/keygate/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves queued batches; Rewind puts the last batch back in front
type fakeFetcher struct {
	mu        sync.Mutex
	batches   [][]Message
	last      []Message
	committed [][]Message
	rewinds   int
	fetchErr  error
	fetches   atomic.Int32
}

func (f *fakeFetcher) push(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, msgs)
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]Message, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	f.last = batch
	return batch, nil
}

func (f *fakeFetcher) Commit(ctx context.Context, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs)
	f.last = nil
	return nil
}

func (f *fakeFetcher) Rewind(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewinds++
	if f.last != nil {
		f.batches = append([][]Message{f.last}, f.batches...)
		f.last = nil
	}
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

// memIndex is an upsert-by-id document store
type memIndex struct {
	mu   sync.Mutex
	docs map[uuid.UUID]domain.User
	puts int
}

func newMemIndex() *memIndex {
	return &memIndex{docs: make(map[uuid.UUID]domain.User)}
}

func (m *memIndex) handlers() Handlers {
	upsert := func(ctx context.Context, env domain.Envelope) error {
		u, err := env.DecodeUser()
		if err != nil {
			return Tolerated(err)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.docs[u.UserID] = u
		m.puts++
		return nil
	}
	remove := func(ctx context.Context, env domain.Envelope) error {
		if env.Key == nil {
			return Tolerated(errors.New("delete without key"))
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.docs, env.Key.UserID)
		return nil
	}
	return Handlers{}.
		Register(domain.OpCreate, upsert).
		Register(domain.OpUpdate, upsert).
		Register(domain.OpDelete, remove)
}

func (m *memIndex) snapshot() map[uuid.UUID]domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]domain.User, len(m.docs))
	for k, v := range m.docs {
		out[k] = v
	}
	return out
}

var offset atomic.Int64

func envelopeMsg(t *testing.T, event domain.DomainEvent) Message {
	t.Helper()
	payload, err := domain.EncodeEnvelope(event)
	require.NoError(t, err)
	return Message{Topic: "identity.users", Offset: offset.Add(1), Key: []byte(event.PartitionKey()), Value: payload}
}

func createMsg(t *testing.T, name string) (Message, uuid.UUID) {
	id := uuid.New()
	user := domain.User{
		UserID:         id,
		OrganizationID: uuid.New(),
		ApplicationID:  uuid.New(),
		Username:       name,
		HashedPassword: "h",
		IsActive:       true,
		CreatedAt:      1000,
		UpdatedAt:      1000,
	}
	return envelopeMsg(t, domain.NewUpsertEvent(domain.OpCreate, user)), id
}

func newTestConsumer(t *testing.T, f Fetcher, h Handlers) *Consumer {
	t.Helper()
	c, err := NewConsumer(Config{Fetcher: f, Handlers: h, TickInterval: time.Millisecond})
	require.NoError(t, err)
	return c
}

func TestNewConsumer_Validation(t *testing.T) {
	_, err := NewConsumer(Config{Handlers: newMemIndex().handlers()})
	assert.Error(t, err)

	_, err = NewConsumer(Config{Fetcher: &fakeFetcher{}})
	assert.Error(t, err)
}

func TestConsumer_PoisonMessageStillCommits(t *testing.T) {
	f := &fakeFetcher{}
	idx := newMemIndex()

	var batch []Message
	var ids []uuid.UUID
	for i := 0; i < 9; i++ {
		m, id := createMsg(t, fmt.Sprintf("user-%d", i))
		batch = append(batch, m)
		ids = append(ids, id)
	}
	batch = append(batch[:4], append([]Message{{Topic: "identity.users", Offset: 99, Value: []byte(`{"operation":`)}}, batch[4:]...)...)
	f.push(batch...)

	c := newTestConsumer(t, f, idx.handlers())
	assert.True(t, c.poll(context.Background()))

	docs := idx.snapshot()
	assert.Len(t, docs, 9)
	for _, id := range ids {
		assert.Contains(t, docs, id)
	}
	assert.Equal(t, 1, f.commits())
	assert.Len(t, f.committed[0], 10)

	status := c.Status()
	assert.Equal(t, uint64(1), status.Poison)
	assert.Equal(t, uint64(9), status.Handlers["create"].Applied)
}

func TestConsumer_InvalidUTF8IsSkipped(t *testing.T) {
	f := &fakeFetcher{}
	idx := newMemIndex()
	m, id := createMsg(t, "alice")
	f.push(Message{Offset: 1, Value: []byte{0xff, 0xfe, 0xfd}}, m)

	c := newTestConsumer(t, f, idx.handlers())
	assert.True(t, c.poll(context.Background()))

	assert.Contains(t, idx.snapshot(), id)
	assert.Equal(t, 1, f.commits())
	assert.Equal(t, uint64(1), c.Status().Poison)
}

func TestConsumer_UnregisteredOperationIsIgnored(t *testing.T) {
	f := &fakeFetcher{}
	idx := newMemIndex()
	f.push(Message{Offset: 1, Value: []byte(`{"operation":"archive","user":null}`)})

	only := Handlers{}.Register(domain.OpCreate, idx.handlers()["create"])
	c := newTestConsumer(t, f, only)
	assert.True(t, c.poll(context.Background()))

	assert.Equal(t, 1, f.commits())
	assert.Equal(t, uint64(1), c.Status().Ignored)
}

func TestConsumer_HandlerErrorRewindsBatch(t *testing.T) {
	f := &fakeFetcher{}
	idx := newMemIndex()
	m1, id1 := createMsg(t, "alice")
	m2, id2 := createMsg(t, "bob")
	f.push(m1, m2)

	var failures atomic.Int32
	failures.Store(1)
	h := idx.handlers()
	upsert := h["create"]
	h.Register(domain.OpCreate, func(ctx context.Context, env domain.Envelope) error {
		u, _ := env.DecodeUser()
		if u.Username == "bob" && failures.Add(-1) >= 0 {
			return errors.New("index returned 503")
		}
		return upsert(ctx, env)
	})

	c := newTestConsumer(t, f, h)

	assert.False(t, c.poll(context.Background()))
	assert.Equal(t, 0, f.commits())
	assert.Equal(t, 1, f.rewinds)
	assert.Equal(t, uint64(1), c.Status().Aborted)
	assert.Contains(t, c.Status().LastError, "index returned 503")

	// redelivery applies alice a second time; upsert leaves one document
	assert.True(t, c.poll(context.Background()))
	assert.Equal(t, 1, f.commits())

	docs := idx.snapshot()
	assert.Len(t, docs, 2)
	assert.Contains(t, docs, id1)
	assert.Contains(t, docs, id2)
	assert.Equal(t, 3, idx.puts)
}

func TestConsumer_RedeliveryIsIdempotent(t *testing.T) {
	m, _ := createMsg(t, "alice")

	once := newMemIndex()
	f1 := &fakeFetcher{}
	f1.push(m)
	c1 := newTestConsumer(t, f1, once.handlers())
	c1.poll(context.Background())

	twice := newMemIndex()
	f2 := &fakeFetcher{}
	f2.push(m)
	f2.push(m)
	c2 := newTestConsumer(t, f2, twice.handlers())
	c2.poll(context.Background())
	c2.poll(context.Background())

	assert.Equal(t, once.snapshot(), twice.snapshot())
}

func TestConsumer_ToleratedErrorCommits(t *testing.T) {
	f := &fakeFetcher{}
	idx := newMemIndex()
	f.push(Message{Offset: 1, Value: []byte(`{"operation":"delete","user":null}`)})

	c := newTestConsumer(t, f, idx.handlers())
	assert.True(t, c.poll(context.Background()))
	assert.Equal(t, 1, f.commits())
	assert.Equal(t, uint64(1), c.Status().Handlers["delete"].Tolerated)
}

func TestConsumer_DeleteRemovesDocument(t *testing.T) {
	f := &fakeFetcher{}
	idx := newMemIndex()
	m, id := createMsg(t, "alice")
	del := envelopeMsg(t, domain.NewDeleteEvent(domain.UserKey{UserID: id}))
	f.push(m, del)

	c := newTestConsumer(t, f, idx.handlers())
	assert.True(t, c.poll(context.Background()))
	assert.Empty(t, idx.snapshot())
}

func TestConsumer_FetchErrorDoesNotCommit(t *testing.T) {
	f := &fakeFetcher{fetchErr: errors.New("broker down")}
	c := newTestConsumer(t, f, newMemIndex().handlers())

	assert.False(t, c.poll(context.Background()))
	assert.Equal(t, 0, f.commits())
	assert.Contains(t, c.Status().LastError, "broker down")
}

func TestConsumer_LoopAndStop(t *testing.T) {
	f := &fakeFetcher{}
	idx := newMemIndex()
	m, id := createMsg(t, "alice")
	f.push(m)

	c := newTestConsumer(t, f, idx.handlers())
	assert.Equal(t, StateIdle, c.State())

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return f.commits() == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, idx.snapshot(), id)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	c.Stop()
}

func TestConsumer_TriggerWakesLoop(t *testing.T) {
	f := &fakeFetcher{}
	c, err := NewConsumer(Config{Fetcher: f, Handlers: newMemIndex().handlers(), TickInterval: time.Hour})
	require.NoError(t, err)

	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool { return f.fetches.Load() == 1 }, 5*time.Second, time.Millisecond)

	m, _ := createMsg(t, "alice")
	f.push(m)
	c.Trigger()

	require.Eventually(t, func() bool { return f.commits() == 1 }, 5*time.Second, time.Millisecond)
}

func TestConsumer_ShutdownSignal(t *testing.T) {
	shutdown := notify.NewShutdown()
	c, err := NewConsumer(Config{
		Fetcher:      &fakeFetcher{},
		Handlers:     newMemIndex().handlers(),
		TickInterval: time.Hour,
		Shutdown:     shutdown,
	})
	require.NoError(t, err)

	c.Start(context.Background())
	shutdown.Trigger("test")

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer ignored shutdown")
	}
	assert.Equal(t, StateStopped, c.State())
}

func TestHandlers_StaticCopy(t *testing.T) {
	h := newMemIndex().handlers()
	c := newTestConsumer(t, &fakeFetcher{}, h)

	h.Register("late", func(context.Context, domain.Envelope) error { return nil })
	_, ok := c.handlers["late"]
	assert.False(t, ok)
}

func TestTolerated(t *testing.T) {
	assert.Nil(t, Tolerated(nil))

	cause := errors.New("document too large")
	err := fmt.Errorf("wrapped: %w", Tolerated(cause))
	assert.True(t, IsTolerated(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsTolerated(cause))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "committing", StateCommitting.String())
	assert.Equal(t, "unknown", State(42).String())
}
