package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pipeord/pipeord/internal/pipeord"
)

// defaultHeartbeat keeps idle SSE connections alive through proxies.
const defaultHeartbeat = 15 * time.Second

// streamEvents serves the live event feed over SSE. An optional ?jobId=
// narrows the stream to one job; global events still come through. The
// subscription ends when the client disconnects or the hub drops a client
// that stopped reading.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event streaming not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	jobID := r.URL.Query().Get("jobId")
	if jobID != "" && !pipeord.ValidJobID(jobID) {
		writeError(w, badRequest("invalid job id"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	client := s.hub.Subscribe(jobID)
	defer s.hub.Unsubscribe(client)

	heartbeat := s.cfg.Events.Heartbeat()
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-client.C:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent frames one event. The sequence number rides as the SSE id
// so reconnecting clients can detect gaps.
func writeSSEEvent(w http.ResponseWriter, ev pipeord.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}
