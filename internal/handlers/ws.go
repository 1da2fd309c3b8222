package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/relaychat/relaychat/internal/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler serves a bidirectional chat connection: each inbound text
// message is one chat request, display updates flow back as they arrive.
type WSHandler struct {
	orchestrator *chat.Orchestrator
	logger       *slog.Logger
}

func NewWSHandler(log *slog.Logger, orchestrator *chat.Orchestrator) *WSHandler {
	return &WSHandler{
		orchestrator: orchestrator,
		logger:       log.With(slog.String("handler", "ws")),
	}
}

func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/api/chat/ws", h.Serve)
}

func (h *WSHandler) Serve(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer conn.Close()

	ctx := c.Request().Context()
	for {
		var req chat.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed", slog.Any("error", err))
			}
			return nil
		}
		if req.Message == "" {
			h.write(conn, streamEvent{Type: "error", Error: "message is required"})
			continue
		}

		sink := &wsSink{conn: conn, write: h.write}
		res, err := h.orchestrator.Send(ctx, req, sink)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if !sink.errSent() {
				h.write(conn, streamEvent{Type: "error", Error: err.Error()})
			}
			continue
		}
		h.write(conn, streamEvent{Type: "done", Result: &res})
	}
}

func (h *WSHandler) write(conn *websocket.Conn, ev streamEvent) {
	if err := conn.WriteJSON(ev); err != nil {
		h.logger.Debug("websocket write failed", slog.Any("error", err))
	}
}

type wsSink struct {
	conn  *websocket.Conn
	write func(*websocket.Conn, streamEvent)

	mu   sync.Mutex
	sent bool
}

func (s *wsSink) OnDelta(display string) {
	s.write(s.conn, streamEvent{Type: "delta", Display: display})
}

func (s *wsSink) OnStreamEnd() {}

func (s *wsSink) OnError(message string) {
	s.mu.Lock()
	s.sent = true
	s.mu.Unlock()
	s.write(s.conn, streamEvent{Type: "error", Error: message})
}

func (s *wsSink) errSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
