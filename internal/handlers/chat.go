package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/relaychat/relaychat/internal/chat"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type ChatHandler struct {
	orchestrator *chat.Orchestrator
	logger       *slog.Logger
}

func NewChatHandler(log *slog.Logger, orchestrator *chat.Orchestrator) *ChatHandler {
	return &ChatHandler{
		orchestrator: orchestrator,
		logger:       log.With(slog.String("handler", "chat")),
	}
}

func (h *ChatHandler) Register(e *echo.Echo) {
	group := e.Group("/api/chat")
	group.POST("", h.Chat)
	group.POST("/stream", h.StreamChat)
}

// Chat runs one exchange and returns the full result as JSON.
func (h *ChatHandler) Chat(c echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	res, err := h.orchestrator.Send(c.Request().Context(), req, chat.NopSink{})
	if err != nil {
		return chatHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// StreamChat runs one exchange and re-emits display updates as SSE data
// events, closing with a done event carrying the final result.
func (h *ChatHandler) StreamChat(c echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	sink := &sseSink{
		writer:  bufio.NewWriter(c.Response().Writer),
		flusher: flusher,
	}
	res, err := h.orchestrator.Send(c.Request().Context(), req, sink)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The client went away; nothing left to write.
			return nil
		}
		// Transport and upstream failures were already written by the
		// sink. Anything else still needs an error event.
		sink.writeErrorOnce(err.Error())
		return nil
	}

	sink.writeEvent(streamEvent{Type: "done", Result: &res})
	return nil
}

// streamEvent is one SSE payload: a display update, an error, or the
// final result.
type streamEvent struct {
	Type    string       `json:"type"`
	Display string       `json:"display,omitempty"`
	Error   string       `json:"error,omitempty"`
	Result  *chat.Result `json:"result,omitempty"`
}

// sseSink adapts the render sink to an SSE response. Calls arrive
// sequentially from the streaming loop; the mutex only guards the
// error-once bookkeeping.
type sseSink struct {
	writer  *bufio.Writer
	flusher http.Flusher

	mu      sync.Mutex
	errSent bool
}

func (s *sseSink) OnDelta(display string) {
	s.writeEvent(streamEvent{Type: "delta", Display: display})
}

func (s *sseSink) OnStreamEnd() {}

func (s *sseSink) OnError(message string) {
	s.writeErrorOnce(message)
}

func (s *sseSink) writeErrorOnce(message string) {
	s.mu.Lock()
	sent := s.errSent
	s.errSent = true
	s.mu.Unlock()
	if sent {
		return
	}
	s.writeEvent(streamEvent{Type: "error", Error: message})
}

func (s *sseSink) writeEvent(ev streamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(s.writer, "data: %s\n\n", data)
	s.writer.Flush()
	s.flusher.Flush()
}

// chatHTTPError maps orchestrator failures onto HTTP statuses.
func chatHTTPError(err error) error {
	var uerr *chat.UpstreamError
	switch {
	case errors.Is(err, chat.ErrUnsupportedModel):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrMissingCredential):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.As(err, &uerr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusBadRequest, "request cancelled")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
