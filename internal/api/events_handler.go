package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/events"
)

var (
	sseKeepAlive = 15 * time.Second
	// sseRetry is the reconnect delay suggested to EventSource clients.
	sseRetry = 3 * time.Second
)

// eventStream writes hub events to one SSE client.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	// types limits the stream to these event types; empty passes all.
	types  map[string]bool
	lastID int64
}

func (e *eventStream) wants(ev events.Event) bool {
	if ev.ID <= e.lastID {
		return false
	}
	return len(e.types) == 0 || e.types[ev.Type]
}

func (e *eventStream) send(ev events.Event) error {
	e.lastID = ev.ID
	_, err := fmt.Fprintf(e.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

// handleEvents streams bus state changes, served requests and finished
// jobs as SSE. Events buffered after Last-Event-ID (header, or the
// last_event_id query parameter) are replayed first. ?types=a,b filters by
// event type.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, http.StatusNotFound, "event stream is disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing falls in the gap.
	ch, cancel := s.deps.Events.Subscribe()
	defer cancel()

	lastHeader := r.Header.Get("Last-Event-ID")
	if lastHeader == "" {
		lastHeader = r.URL.Query().Get("last_event_id")
	}
	stream := &eventStream{
		w:       w,
		flusher: flusher,
		types:   parseTypes(r.URL.Query().Get("types")),
		lastID:  parseLastEventID(lastHeader),
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetry.Milliseconds()); err != nil {
		return
	}

	for _, ev := range s.deps.Events.Since(stream.lastID) {
		if !stream.wants(ev) {
			continue
		}
		if err := stream.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !stream.wants(ev) {
				continue
			}
			if err := stream.send(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseTypes(v string) map[string]bool {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
