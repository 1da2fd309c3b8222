package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/relaychat/relaychat/internal/auth"
	"github.com/relaychat/relaychat/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(addr string, jwtSecret string, pingHandler *handlers.PingHandler, credentialHandler *handlers.CredentialHandler, chatHandler *handlers.ChatHandler, wsHandler *handlers.WSHandler, settingsHandler *handlers.SettingsHandler, historyHandler *handlers.HistoryHandler, modelsHandler *handlers.ModelsHandler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if credentialHandler != nil {
		credentialHandler.Register(e)
	}
	if chatHandler != nil {
		chatHandler.Register(e)
	}
	if wsHandler != nil {
		wsHandler.Register(e)
	}
	if settingsHandler != nil {
		settingsHandler.Register(e)
	}
	if historyHandler != nil {
		historyHandler.Register(e)
	}
	if modelsHandler != nil {
		modelsHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

// shouldSkipJWT exempts the routes that must work before any session
// token exists: health checks and the seal/unlock flow itself.
func shouldSkipJWT(path string) bool {
	switch path {
	case "/ping", "/auth/seal", "/auth/unlock", "/auth/status":
		return true
	}
	return false
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown() error {
	return s.echo.Close()
}
