package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/subtlefox/coordd/internal/events"
	"github.com/subtlefox/coordd/internal/schema"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	filter := events.ListFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Type:    schema.EventType(r.URL.Query().Get("event_type")),
		Limit:   parseInt(r.URL.Query().Get("limit"), 100),
	}
	items, err := s.Events.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleEventsWS tails the audit log over a websocket. The log table stays
// the source of truth; this stream is an observer convenience only.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("event log"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamEvents(ctx, s.Events, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamEvents(ctx context.Context, log *events.Log, writer wsWriter) error {
	sub := log.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
