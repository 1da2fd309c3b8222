package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaychat/relaychat/internal/history"
)

type HistoryHandler struct {
	session *history.Session
}

func NewHistoryHandler(session *history.Session) *HistoryHandler {
	return &HistoryHandler{session: session}
}

func (h *HistoryHandler) Register(e *echo.Echo) {
	group := e.Group("/api/history")
	group.GET("", h.Get)
	group.DELETE("", h.Clear)
}

type historyResponse struct {
	Messages   []history.Message `json:"messages"`
	TokensUsed int               `json:"tokens_used"`
}

func (h *HistoryHandler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, historyResponse{
		Messages:   h.session.Messages(),
		TokensUsed: h.session.TokensUsed(),
	})
}

func (h *HistoryHandler) Clear(c echo.Context) error {
	h.session.Clear()
	return c.NoContent(http.StatusNoContent)
}
