package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured at the proxy
}

// handleWS streams a task's events as JSON messages over a WebSocket.
// GET /v1/tasks/{id}/ws?last_event_id=<seq>&types=<a,b>
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("task_id", p.taskID), zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.events.Subscribe(p.taskID, subscriberBuffer)
	defer h.events.Unsubscribe(p.taskID, ch)

	last := p.since
	send := func(evt streaming.Event) (done bool, err error) {
		if evt.Seq <= last {
			return false, nil
		}
		last = evt.Seq
		if p.wants(evt) {
			if err := conn.WriteJSON(evt); err != nil {
				return true, err
			}
		}
		return evt.Terminal(), nil
	}
	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"),
			time.Now().Add(time.Second))
	}

	for _, evt := range h.events.ReplaySince(p.taskID, p.since) {
		done, err := send(evt)
		if err != nil {
			return
		}
		if done {
			closeNormal()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump discards client messages and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done, err := send(evt)
			if err != nil {
				return
			}
			if done {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
