package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/keygate/keygate/cdc"
	"github.com/keygate/keygate/queue"
	"github.com/rs/zerolog/log"
)

// TailerStatuses reports the state of every change tailer
type TailerStatuses interface {
	Statuses() []cdc.TailerStatus
}

// QueueStatus reports the state of the queue consumer
type QueueStatus interface {
	Status() queue.Status
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	NodeID  uint64             `json:"node_id"`
	Uptime  string             `json:"uptime"`
	Tailers []cdc.TailerStatus `json:"tailers"`
	Queue   *queue.Status      `json:"queue,omitempty"`
}

// Handlers serves the operations endpoints. Either source may be nil when
// that half of the pipeline is not running in this process.
type Handlers struct {
	nodeID  uint64
	started time.Time
	tailers TailerStatuses
	queue   QueueStatus
	metrics http.Handler
}

// NewHandlers creates the operations handlers
func NewHandlers(nodeID uint64, tailers TailerStatuses, q QueueStatus, metrics http.Handler) *Handlers {
	return &Handlers{
		nodeID:  nodeID,
		started: time.Now(),
		tailers: tailers,
		queue:   q,
		metrics: metrics,
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		NodeID:  h.nodeID,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Tailers: []cdc.TailerStatus{},
	}
	if h.tailers != nil {
		resp.Tailers = h.tailers.Statuses()
	}
	if h.queue != nil {
		s := h.queue.Status()
		resp.Queue = &s
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeErrorResponse(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	h.metrics.ServeHTTP(w, r)
}

// writeJSONResponse writes a JSON body with the given status
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]string{"error": message})
}
