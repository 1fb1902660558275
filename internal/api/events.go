package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/bptl/internal/store"
)

const keepaliveInterval = 15 * time.Second

// eventStream writes server-sent events. Every event is flushed immediately.
type eventStream struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	seq int
}

func (es *eventStream) send(name, data string) error {
	es.seq++
	if _, err := fmt.Fprintf(es.w, "event: %s\ndata: %s\nid: %s\n\n", name, data, strconv.Itoa(es.seq)); err != nil {
		return err
	}
	return es.flush()
}

func (es *eventStream) comment(text string) error {
	if _, err := fmt.Fprintf(es.w, ": %s\n\n", text); err != nil {
		return err
	}
	return es.flush()
}

func (es *eventStream) flush() error {
	if err := es.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// handleStreamEvents streams the lifecycle events of one task until the task
// finishes or the client goes away. A task that already finished gets a
// single done event carrying its status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for events", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	es := &eventStream{w: w, rc: http.NewResponseController(w)}

	if t.Terminal() {
		w.WriteHeader(http.StatusOK)
		_ = es.send("done", t.Status)
		return
	}

	// The stream outlives the server write timeout.
	if err := es.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clear write deadline", "task_id", id, "error", err)
	}

	// Subscribing after the task finished yields a closed channel.
	events, unsubscribe := s.orch.Broker().Subscribe(id)
	defer unsubscribe()

	w.WriteHeader(http.StatusOK)
	if err := es.flush(); err != nil {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = es.send("done", "stream complete")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode task event", "task_id", id, "error", err)
				continue
			}
			if err := es.send(ev.Status, string(data)); err != nil {
				return
			}
		case <-keepalive.C:
			if err := es.comment("keepalive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
