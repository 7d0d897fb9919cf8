package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is the JSON frame sent to WebSocket clients; it carries the same
// events as /api/events.
type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		// Accept has already written the failure response.
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return nil
	}
	defer conn.CloseNow()

	id, events, cancel := s.hub.subscribe()
	defer cancel()
	if s.opts.Metrics != nil {
		s.opts.Metrics.StreamClientConnected()
		defer s.opts.Metrics.StreamClientDisconnected()
	}

	// Clients only listen; CloseRead cancels ctx once they go away.
	ctx := conn.CloseRead(c.Request().Context())
	if err := writeWS(ctx, conn, "ready", map[string]string{"clientId": id}); err != nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeWS(ctx, conn, ev.Name, ev.Data); err != nil {
				s.logger.Debug("websocket closed", slog.String("client", id), slog.String("error", err.Error()))
				return nil
			}
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, name string, data any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, wsMessage{Event: name, Data: data})
}
