package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ladle/internal/jobs"
)

// handleJobEvents streams server-sent events for one job until it reaches
// a terminal state or the client disconnects. The client first gets a
// snapshot of the current committed state, then only events with a
// revision strictly greater than the snapshot's.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	// Subscribe before reading the snapshot. An event committed between
	// the two is then buffered by the subscription instead of lost; the
	// revision gate below drops whatever the snapshot already covers.
	id := chi.URLParam(r, "id")
	sub, cancel, err := s.Registry.Subscribe(r.Context(), id, 0)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, errors.New("subscription unavailable"))
		return
	}
	defer cancel()

	job, err := s.Store.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSEEvent(w, flusher, "snapshot", job.Event(false))
	if job.State.Terminal() {
		return
	}

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if ev.Revision <= job.Revision {
				continue
			}
			writeSSEEvent(w, flusher, "status", ev)
			if ev.State.Terminal() && !ev.Retrying {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
