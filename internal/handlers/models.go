package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaychat/relaychat/internal/models"
)

type ModelsHandler struct {
	catalog *models.Catalog
}

func NewModelsHandler(catalog *models.Catalog) *ModelsHandler {
	return &ModelsHandler{catalog: catalog}
}

func (h *ModelsHandler) Register(e *echo.Echo) {
	e.GET("/api/models", h.List)
}

func (h *ModelsHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.catalog.List())
}
