package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// Stream upgrades to a WebSocket and forwards dispatched events as JSON
// frames. An optional session_id query parameter narrows the stream to
// one session; without it the subscriber sees every session's events.
func (h *SessionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	id, events := h.hub.Subscribe(sessionID, 32)
	defer h.hub.Unsubscribe(id)

	slog.Info("Event stream opened", "subscriber", id, "session_id", sessionID)

	// The stream is write-only; CloseRead keeps control frames flowing
	// and cancels the context when the client goes away.
	ctx := ws.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, ws, event)
			cancel()
			if err != nil {
				slog.Debug("Event stream write failed", "subscriber", id, "error", err)
				return
			}
		}
	}
}

func (h *SessionHandler) originPatterns() []string {
	if len(h.origins) == 0 {
		return []string{"*"}
	}
	return h.origins
}
