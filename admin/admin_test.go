package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keygate/keygate/cdc"
	"github.com/keygate/keygate/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTailers []cdc.TailerStatus

func (s staticTailers) Statuses() []cdc.TailerStatus { return s }

type staticQueue queue.Status

func (s staticQueue) Status() queue.Status { return queue.Status(s) }

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	r := NewRouter(NewHandlers(1, nil, nil, nil), "")

	rec := get(t, r, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	checkpoint := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tailers := staticTailers{{Table: "users", Running: true, Checkpoint: checkpoint, Windows: 3, Rows: 7}}
	q := staticQueue{State: "idle", Committed: 2, Handlers: map[string]queue.HandlerStats{"create": {Applied: 5}}}

	r := NewRouter(NewHandlers(42, tailers, q, nil), "")
	rec := get(t, r, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(42), resp.NodeID)
	require.Len(t, resp.Tailers, 1)
	assert.Equal(t, "users", resp.Tailers[0].Table)
	assert.True(t, resp.Tailers[0].Checkpoint.Equal(checkpoint))
	assert.Equal(t, uint64(7), resp.Tailers[0].Rows)
	require.NotNil(t, resp.Queue)
	assert.Equal(t, "idle", resp.Queue.State)
	assert.Equal(t, uint64(5), resp.Queue.Handlers["create"].Applied)
}

func TestStatus_WithoutQueue(t *testing.T) {
	r := NewRouter(NewHandlers(1, nil, nil, nil), "")
	rec := get(t, r, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "queue")
	assert.Equal(t, []interface{}{}, raw["tailers"])
}

func TestStatus_Auth(t *testing.T) {
	r := NewRouter(NewHandlers(1, nil, nil, nil), "s3cret")

	assert.Equal(t, http.StatusUnauthorized, get(t, r, "/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, r, "/status", "wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, r, "/status", "s3cret").Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Basic s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// health stays open
	assert.Equal(t, http.StatusOK, get(t, r, "/healthz", "").Code)
}

func TestMetrics(t *testing.T) {
	r := NewRouter(NewHandlers(1, nil, nil, nil), "")
	assert.Equal(t, http.StatusNotFound, get(t, r, "/metrics", "").Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("keygate_up 1\n"))
	})
	r = NewRouter(NewHandlers(1, nil, nil, metrics), "")
	rec := get(t, r, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "keygate_up 1")
}

func TestUnknownRoute(t *testing.T) {
	r := NewRouter(NewHandlers(1, nil, nil, nil), "")
	assert.Equal(t, http.StatusNotFound, get(t, r, "/nope", "").Code)
}
