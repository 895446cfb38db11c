package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents upgrades to a websocket and forwards bus events whose topic
// starts with ?topic= (all events when empty). The stream is one-way; any
// message from the client is ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin upgrades are always accepted by the library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: upgrade rejected", "error", err)
		return
	}
	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client subscribed", "remote", r.RemoteAddr, "topic", prefix)
	defer s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("ws: write failed", "error", err)
				}
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
