package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tutorpipe/tutorpipe/internal/bus"
	"github.com/tutorpipe/tutorpipe/internal/models"
)

// streamBufferSize bounds the per-subscriber event queue. A subscriber that
// falls this far behind starts dropping events rather than blocking the bus.
const streamBufferSize = 16

// streamHandler serves GET /conversation/{id}/stream as Server-Sent Events.
// The first event is always a synthetic connected event; subsequent events
// mirror the conversation's bus traffic until the client disconnects.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.Context().Value(ContextKeyConversationID).(string)

	if _, err := s.st.GetConversation(conversationID); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
			return
		}
		slog.Error("Server.streamHandler: failed to load conversation", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load conversation"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := make(chan models.TurnEvent, streamBufferSize)
	unsubscribe := s.eb.Subscribe(bus.ForConversation(conversationID), func(e models.TurnEvent) {
		select {
		case events <- e:
		default:
			slog.Warn("Server.streamHandler: dropping event for slow subscriber", "conversationID", conversationID, "type", e.Type)
		}
	})
	defer unsubscribe()

	if err := writeSSEEvent(w, flusher, models.TurnEvent{Type: models.EventConnected, ConversationID: conversationID}); err != nil {
		return
	}
	slog.Debug("Server.streamHandler: subscriber attached", "conversationID", conversationID)

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Server.streamHandler: subscriber detached", "conversationID", conversationID)
			return
		case e := <-events:
			if err := writeSSEEvent(w, flusher, e); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent frames one event as SSE and flushes it immediately.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, e models.TurnEvent) error {
	data, err := json.Marshal(e.Payload())
	if err != nil {
		slog.Error("writeSSEEvent: failed to marshal payload", "type", e.Type, "error", err)
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
