// Package events fans job updates out to SSE subscribers: a filesystem
// change detector feeds a per-job debouncing enhancer, which re-reads the
// job and broadcasts canonical payloads through the hub.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pipeord/pipeord/internal/metrics"
	"github.com/pipeord/pipeord/internal/pipeord"
)

// clientBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind is dropped on the next send.
const clientBuffer = 64

// Client is one SSE subscription. Events arrive on C until Unsubscribe or
// until the hub drops the client for not keeping up; either way C is closed.
type Client struct {
	ID     string
	JobID  string // optional filter; empty receives everything
	C      chan pipeord.Event
	closed bool
}

// Hub is the broadcast registry. Events get sequence numbers so
// Last-Event-ID aware clients can spot gaps after a reconnect.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	seq     int64
	metrics *metrics.Set
	log     *slog.Logger
}

// NewHub returns an empty hub. metrics may be nil.
func NewHub(m *metrics.Set, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{clients: map[string]*Client{}, metrics: m, log: log}
}

// Subscribe registers a client, optionally filtered to one job id.
func (h *Hub) Subscribe(jobID string) *Client {
	c := &Client{
		ID:    uuid.NewString(),
		JobID: jobID,
		C:     make(chan pipeord.Event, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SSEClients.Set(float64(n))
	}
	return c
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop removes a client. Caller holds h.mu.
func (h *Hub) drop(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(h.clients, c.ID)
	close(c.C)
	if h.metrics != nil {
		h.metrics.SSEClients.Set(float64(len(h.clients)))
	}
}

// Publish assigns the next sequence number and fans the event out. Clients
// whose buffers are full are dropped; a dead subscriber must not stall the
// broadcast path.
func (h *Hub) Publish(eventType, jobID string, payload any) {
	h.mu.Lock()
	h.seq++
	ev := pipeord.Event{Seq: h.seq, Type: eventType, JobID: jobID, Payload: payload}

	var stale []*Client
	for _, c := range h.clients {
		if c.JobID != "" && jobID != "" && c.JobID != jobID {
			continue
		}
		select {
		case c.C <- ev:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		h.log.Debug("dropping slow event subscriber", "client", c.ID)
		h.drop(c)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.EventsBroadcast.WithLabelValues(eventType).Inc()
	}
}

// ClientCount reports the connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
