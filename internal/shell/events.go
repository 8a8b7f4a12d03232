package shell

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/protocol"
)

// eventView is what the shell relays for each push message.
type eventView struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Summary string `json:"summary,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// handleEvents relays push channel messages as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.channel == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "realtime channel not configured"})
		return
	}
	if !s.session.Snapshot().IsAuthenticated {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not signed in"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.channel.Events()
	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			view, ok := s.describe(env)
			if !ok {
				continue
			}
			data, err := json.Marshal(view)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", view.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// describe renders a push message. Notifications with an unknown kind are
// dropped.
func (s *Server) describe(env protocol.Envelope) (eventView, bool) {
	view := eventView{ID: env.ID, Type: string(env.Type), Payload: env.Payload}
	switch env.Type {
	case protocol.MsgNotification:
		var n protocol.NotificationPayload
		if err := protocol.DecodePayload(env, &n); err != nil {
			s.logger.Warn("bad notification", zap.Error(err))
			return view, false
		}
		summary, err := n.Kind.Describe()
		if err != nil {
			s.logger.Warn("unknown notification kind", zap.String("kind", string(n.Kind)))
			return view, false
		}
		view.Summary = summary
	case protocol.MsgStatsUpdate:
		view.Summary = "stats updated"
	case protocol.MsgError:
		var p protocol.ErrorPayload
		if err := protocol.DecodePayload(env, &p); err == nil {
			view.Summary = p.Message
		}
	default:
		return view, false
	}
	return view, true
}
