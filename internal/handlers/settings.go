package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaychat/relaychat/internal/settings"
)

type SettingsHandler struct {
	service *settings.Service
}

func NewSettingsHandler(service *settings.Service) *SettingsHandler {
	return &SettingsHandler{service: service}
}

func (h *SettingsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/settings")
	group.GET("", h.Get)
	group.PUT("", h.Update)
}

func (h *SettingsHandler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Get())
}

// Update applies a partial settings change. Rejected updates leave the
// current settings untouched.
func (h *SettingsHandler) Update(c echo.Context) error {
	var req settings.Update
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.service.Apply(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}
