package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/strategos/internal/events"
)

// handleEventStream pushes every bus event to the client as SSE. Each
// connection gets its own buffered channel; when the client cannot keep
// up, events are dropped rather than blocking the emitter.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventChan := make(chan *events.Event, 100)
	for _, eventType := range events.AllTypes() {
		s.deps.Bus.Subscribe(eventType, func(e *events.Event) {
			select {
			case eventChan <- e:
			default:
				s.log.Warn().Str("event_type", string(e.Type)).Msg("Event channel full, dropping event")
			}
		})
	}

	s.log.Info().Msg("Client connected to event stream")
	s.writeSSE(w, map[string]interface{}{
		"type":      "connected",
		"timestamp": time.Now().UTC(),
	})
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Info().Msg("Client disconnected from event stream")
			return
		case event := <-eventChan:
			s.writeSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			s.writeSSE(w, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().UTC(),
			})
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode SSE payload")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
