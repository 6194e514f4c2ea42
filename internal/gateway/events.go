package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentflow/internal/bus"
)

// eventFrame is one JSON frame on /ws/events.
type eventFrame struct {
	Type           string `json:"type"`
	Task           any    `json:"task,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        any    `json:"message,omitempty"`
	Level          string `json:"level,omitempty"`
	Text           string `json:"text,omitempty"`
}

type eventClient struct {
	conn *websocket.Conn
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &eventClient{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("event client connected")
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("event client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inbound frames are keepalives (the dashboard sends "ping"); read
	// and discard them until the client goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame, ok := frameFor(ev)
			if !ok {
				continue
			}
			// A stuck client is dropped rather than stalling the hub.
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, frame)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

const writeTimeout = 5 * time.Second

func frameFor(ev bus.Event) (eventFrame, bool) {
	switch p := ev.Payload.(type) {
	case bus.TaskUpdate:
		return eventFrame{Type: "task_update", Task: p.Task}, true
	case bus.MessageAppended:
		return eventFrame{Type: "message", ConversationID: p.ConversationID, Message: p.Message}, true
	case bus.LogLine:
		return eventFrame{Type: "log", Level: p.Level, Text: p.Text}, true
	default:
		return eventFrame{}, false
	}
}

func (s *Server) addClient(c *eventClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WSClients.Add(context.Background(), 1)
	}
}

func (s *Server) removeClient(c *eventClient) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WSClients.Add(context.Background(), -1)
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
