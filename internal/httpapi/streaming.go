package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

const subscriberBuffer = 256

// streamParams are the replay and filter options shared by SSE and WebSocket.
type streamParams struct {
	taskID string
	types  map[string]struct{}
	since  uint64
}

func parseStreamParams(r *http.Request) streamParams {
	p := streamParams{taskID: r.PathValue("id"), types: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.since = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.since == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.since = n
		}
	}
	return p
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[evt.Type]
	return ok
}

// handleSSE streams a task's events via Server-Sent Events. The backlog after
// Last-Event-ID is replayed first; the stream ends after a terminal event.
// GET /v1/tasks/{id}/events
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch := h.events.Subscribe(p.taskID, subscriberBuffer)
	defer h.events.Unsubscribe(p.taskID, ch)

	fmt.Fprintf(w, ": connected to task %s\n\n", p.taskID)
	flusher.Flush()

	last := p.since
	send := func(evt streaming.Event) bool {
		if evt.Seq <= last {
			return false
		}
		last = evt.Seq
		if p.wants(evt) {
			writeSSE(w, evt)
		}
		return evt.Terminal()
	}

	for _, evt := range h.events.ReplaySince(p.taskID, p.since) {
		if send(evt) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("task_id", p.taskID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done := send(evt)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(evt.Marshal()))
}
