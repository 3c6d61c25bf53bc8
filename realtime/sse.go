package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SSEWriter streams hub events to one HTTP response as server-sent events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares the response for event streaming. It errors when the
// underlying writer cannot flush, which SSE requires.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("realtime: response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent emits one named event frame and flushes it to the client.
func (s *SSEWriter) WriteEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return fmt.Errorf("realtime: write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteComment emits an SSE comment line, used as a keepalive.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("realtime: write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// ServeSubscription pumps a subscription to the writer until the request
// context ends or the subscription closes. Keepalive comments hold idle
// connections open through proxies.
func ServeSubscription(r *http.Request, s *SSEWriter, sub *Subscription) {
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := s.WriteComment("keepalive"); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.WriteEvent(ev); err != nil {
				return
			}
		}
	}
}
