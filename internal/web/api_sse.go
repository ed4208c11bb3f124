package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/steveyegge/foreman/internal/eventbus"
)

// keepaliveInterval spaces the comment lines that hold idle streams open.
const keepaliveInterval = 15 * time.Second

// handleSSE streams bus events as Server-Sent Events. ?types=a,b limits
// the stream to those event types; agent.output is only sent when asked
// for by name.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	want := make(map[eventbus.EventType]bool)
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			want[eventbus.EventType(t)] = true
		}
	}

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: ok\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !wanted(want, ev.Type) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encoding event", "type", ev.Type, "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func wanted(want map[eventbus.EventType]bool, t eventbus.EventType) bool {
	if len(want) == 0 {
		return t != eventbus.EventAgentOutput
	}
	return want[t]
}
