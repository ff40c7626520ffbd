package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vigilhq/vigil-migrate/pkg/progress"
)

// streamEventsHandler streams a run's progress as server-sent events.
// The first event is always a snapshot of where the run stands, so a
// client that connects late (or after the run finished) still sees the
// current phase. The stream ends when the run's tracker closes or the
// client disconnects.
func (s *Server) streamEventsHandler(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	st := s.run(runID)
	if st == nil {
		writeError(w, http.StatusNotFound, "migration run not found", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	// Subscribe before the snapshot so no event falls between them.
	events, cancel := st.migrator.Tracker().Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, st.migrator.Tracker().Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				// Tracker closed: the run is over and the final
				// phase has already been delivered.
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
