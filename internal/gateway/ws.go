package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is one event frame pushed to websocket subscribers.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	At      string `json:"at"`
}

// handleWSEvents streams every bus topic to the client as JSON frames.
// The optional topic query parameter narrows the stream by prefix, e.g.
// /ws/events?topic=incident.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)
	s.log.Info("ws client connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("ws client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := wsEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				At:      time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.log.Debug("ws write failed", "remote", r.RemoteAddr, "error", err.Error())
				return
			}
		}
	}
}
